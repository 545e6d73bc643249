// Package manual records payouts an admin sent outside the system, such as a
// bank transfer form. Nothing is sent from here.
package manual

import (
	"context"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/creatorledger/internal/payout/domain"
)

type Rail struct{}

func New() *Rail { return &Rail{} }

func (r *Rail) Name() string { return domain.RailManual }

func (r *Rail) RequiresConfirmation() bool { return true }

func (r *Rail) Send(ctx context.Context, transfer domain.Transfer) (domain.TransferResult, error) {
	reference := strings.TrimSpace(transfer.Reference)
	if reference == "" {
		reference = "manual_" + ulid.Make().String()
	}
	return domain.TransferResult{Reference: reference}, nil
}
