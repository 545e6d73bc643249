package service

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/creatorledger/internal/audit/domain"
	"github.com/smallbiznis/creatorledger/internal/audit/repository"
	"github.com/smallbiznis/creatorledger/internal/clock"
	obscontext "github.com/smallbiznis/creatorledger/internal/observability/context"
	"github.com/smallbiznis/creatorledger/internal/testutil"
	"github.com/smallbiznis/creatorledger/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newService(t *testing.T) domain.Service {
	t.Helper()
	return NewService(Params{
		DB:    testutil.OpenSQLite(t),
		Log:   zap.NewNop(),
		GenID: testutil.Node(t),
		Repo:  repository.Provide(),
		Clock: clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	})
}

func strPtr(v string) *string { return &v }

func TestAuditLogRecordsAdminActor(t *testing.T) {
	svc := newService(t)

	ctx := obscontext.WithActor(context.Background(), "admin", "ops-1")
	ctx = obscontext.WithClient(ctx, "10.0.0.1", "curl/8.0")
	ctx = obscontext.WithRequestID(ctx, "req-123")

	err := svc.AuditLog(ctx, domain.ActionBalanceAdjust, "account", strPtr("creator:42"), map[string]any{
		"delta": 500,
		"":      "dropped",
	})
	require.NoError(t, err)

	logs, info, err := svc.List(context.Background(), domain.ListAuditLogRequest{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.False(t, info.HasMore)

	entry := logs[0]
	assert.Equal(t, "admin", entry.ActorType)
	require.NotNil(t, entry.ActorID)
	assert.Equal(t, "ops-1", *entry.ActorID)
	assert.Equal(t, domain.ActionBalanceAdjust, entry.Action)
	require.NotNil(t, entry.TargetID)
	assert.Equal(t, "creator:42", *entry.TargetID)
	require.NotNil(t, entry.IPAddress)
	assert.Equal(t, "10.0.0.1", *entry.IPAddress)
	assert.Equal(t, "req-123", entry.Metadata["request_id"])
	assert.NotContains(t, entry.Metadata, "")
}

func TestAuditLogDefaultsToSystemActor(t *testing.T) {
	svc := newService(t)

	require.NoError(t, svc.AuditLog(context.Background(), domain.ActionFailureResolve, " ", nil, nil))

	logs, _, err := svc.List(context.Background(), domain.ListAuditLogRequest{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, string(domain.ActorTypeSystem), logs[0].ActorType)
	assert.Nil(t, logs[0].ActorID)
	assert.Equal(t, "unknown", logs[0].TargetType)
	assert.Nil(t, logs[0].TargetID)
	assert.Nil(t, logs[0].IPAddress)
}

func TestAuditLogRejectsEmptyAction(t *testing.T) {
	svc := newService(t)
	err := svc.AuditLog(context.Background(), "  ", "payout", nil, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidAction)
}

func TestListFiltersAndPaginates(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.AuditLog(ctx, domain.ActionPayoutDecide, "payout", strPtr("7"), nil))
	}
	require.NoError(t, svc.AuditLog(ctx, domain.ActionCommissionSet, "commission", strPtr("global:video"), nil))

	first, info, err := svc.List(ctx, domain.ListAuditLogRequest{
		Pagination: pagination.Pagination{PageSize: 2},
		Action:     domain.ActionPayoutDecide,
	})
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.True(t, info.HasMore)
	assert.Greater(t, first[0].ID, first[1].ID)

	second, info, err := svc.List(ctx, domain.ListAuditLogRequest{
		Pagination: pagination.Pagination{PageSize: 2, PageToken: info.NextPageToken},
		Action:     domain.ActionPayoutDecide,
	})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.False(t, info.HasMore)
	assert.Less(t, second[0].ID, first[1].ID)

	byTarget, _, err := svc.List(ctx, domain.ListAuditLogRequest{TargetType: "commission"})
	require.NoError(t, err)
	require.Len(t, byTarget, 1)
	assert.Equal(t, domain.ActionCommissionSet, byTarget[0].Action)
}

func TestListRejectsBadInput(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)
	_, _, err := svc.List(ctx, domain.ListAuditLogRequest{StartAt: &start, EndAt: &end})
	assert.ErrorIs(t, err, domain.ErrInvalidTimeRange)

	_, _, err = svc.List(ctx, domain.ListAuditLogRequest{Pagination: pagination.Pagination{PageToken: "%%%"}})
	assert.ErrorIs(t, err, pagination.ErrInvalidPageToken)
}
