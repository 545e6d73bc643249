package service

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creatorledger/internal/account"
	"github.com/smallbiznis/creatorledger/internal/clock"
	"github.com/smallbiznis/creatorledger/internal/ledger/domain"
	"github.com/smallbiznis/creatorledger/pkg/db"
	"github.com/smallbiznis/creatorledger/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
	Clock clock.Clock `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  domain.Repository
	clock clock.Clock
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("ledger.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: clk,
	}
}

func (s *Service) WithTx(tx *gorm.DB) domain.Service {
	clone := *s
	clone.db = tx
	return &clone
}

func (s *Service) CreateTransaction(ctx context.Context, req domain.CreateTransactionRequest) (*domain.Transaction, error) {
	if err := req.Payer.Validate(); err != nil {
		return nil, domain.ErrInvalidPayer
	}
	switch req.TargetType {
	case domain.TargetSubscription, domain.TargetOrder:
		if !req.Category.IsEarningCategory() {
			return nil, domain.ErrInvalidCategory
		}
		if req.CreatorID == nil || *req.CreatorID <= 0 {
			return nil, domain.ErrInvalidTarget
		}
	case domain.TargetTokenPackage:
		req.Category = domain.CategoryTokenPackage
		if req.TokenAmount <= 0 || req.IsToken {
			return nil, domain.ErrInvalidTarget
		}
	default:
		return nil, domain.ErrInvalidTarget
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.IsToken {
		currency = "TOKEN"
	}
	if currency == "" {
		return nil, domain.ErrInvalidCurrency
	}
	gateway := strings.ToLower(strings.TrimSpace(req.Gateway))
	if gateway == "" {
		return nil, domain.ErrInvalidGateway
	}

	original, err := sumLineItems(req.LineItems)
	if err != nil {
		return nil, err
	}
	discount, err := applyCoupon(req.Coupon, original)
	if err != nil {
		return nil, err
	}
	final := original - discount
	if final < 0 || final > original {
		return nil, domain.ErrInvalidPrice
	}

	var couponJSON datatypes.JSON
	if req.Coupon != nil {
		snapshot := *req.Coupon
		snapshot.AppliedAmount = discount
		raw, err := json.Marshal(snapshot)
		if err != nil {
			return nil, err
		}
		couponJSON = datatypes.JSON(raw)
	}

	status := req.Status
	if status == "" {
		status = domain.StatusCreated
	}
	if !status.Valid() {
		return nil, domain.ErrInvalidTransition
	}

	now := s.clock.Now()
	tx := &domain.Transaction{
		ID:                  s.genID.Generate(),
		PayerKind:           req.Payer.Kind,
		PayerID:             req.Payer.ID,
		CreatorID:           req.CreatorID,
		TargetType:          req.TargetType,
		TargetID:            req.TargetID,
		Category:            req.Category,
		ContentType:         optionalString(req.ContentType),
		ContentID:           req.ContentID,
		LineItems:           datatypes.JSONSlice[domain.LineItem](req.LineItems),
		Currency:            currency,
		IsToken:             req.IsToken,
		Status:              status,
		OriginalPrice:       original,
		FinalPrice:          final,
		TokenAmount:         req.TokenAmount,
		CouponSnapshot:      couponJSON,
		Gateway:             gateway,
		CorrelationID:       optionalString(req.CorrelationID),
		ParentTransactionID: req.ParentTransactionID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if status == domain.StatusSucceeded {
		tx.SucceededAt = &now
	}

	if err := s.repo.InsertTransaction(ctx, s.db, tx); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrDuplicateCorrelation
		}
		return nil, err
	}
	s.log.Debug("transaction created",
		zap.String("transaction_id", tx.ID.String()),
		zap.String("gateway", tx.Gateway),
		zap.String("target_type", string(tx.TargetType)),
		zap.Int64("final_price", tx.FinalPrice),
	)
	return tx, nil
}

func (s *Service) GetTransaction(ctx context.Context, id snowflake.ID) (*domain.Transaction, error) {
	item, err := s.repo.FindTransaction(ctx, s.db, id, false)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.ErrNotFound
	}
	return item, nil
}

func (s *Service) LockTransaction(ctx context.Context, id snowflake.ID) (*domain.Transaction, error) {
	item, err := s.repo.FindTransaction(ctx, s.db, id, true)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.ErrNotFound
	}
	return item, nil
}

func (s *Service) FindByCorrelation(ctx context.Context, gateway string, correlationID string) (*domain.Transaction, error) {
	gateway = strings.ToLower(strings.TrimSpace(gateway))
	correlationID = strings.TrimSpace(correlationID)
	if gateway == "" || correlationID == "" {
		return nil, domain.ErrNotFound
	}
	item, err := s.repo.FindByCorrelation(ctx, s.db, gateway, correlationID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.ErrNotFound
	}
	return item, nil
}

// MarkSucceeded moves a pending transaction to succeeded. A transaction that
// already succeeded is returned unchanged with changed=false so a redelivered
// gateway notification never applies twice.
func (s *Service) MarkSucceeded(ctx context.Context, id snowflake.ID, payload domain.GatewayPayload) (*domain.Transaction, bool, error) {
	return s.MarkStatus(ctx, id, domain.StatusSucceeded, payload)
}

func (s *Service) MarkStatus(ctx context.Context, id snowflake.ID, status domain.TransactionStatus, payload domain.GatewayPayload) (*domain.Transaction, bool, error) {
	if !status.Valid() || status == domain.StatusCreated {
		return nil, false, domain.ErrInvalidTransition
	}
	current, err := s.repo.FindTransaction(ctx, s.db, id, true)
	if err != nil {
		return nil, false, err
	}
	if current == nil {
		return nil, false, domain.ErrNotFound
	}
	correlationID := strings.TrimSpace(payload.CorrelationID)
	if current.Status == status {
		if correlationID != "" && current.CorrelationID != nil && *current.CorrelationID != correlationID {
			return current, false, domain.ErrDuplicateCorrelation
		}
		return current, false, nil
	}
	if !domain.CanTransition(current.Status, status) {
		return current, false, domain.ErrInvalidTransition
	}

	updated, err := s.repo.UpdateStatus(ctx, s.db, domain.StatusUpdate{
		ID:            id,
		From:          []domain.TransactionStatus{current.Status},
		To:            status,
		CorrelationID: correlationID,
		Payload:       payload.Payload,
		At:            s.clock.Now(),
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, false, domain.ErrDuplicateCorrelation
		}
		return nil, false, err
	}

	fresh, err := s.repo.FindTransaction(ctx, s.db, id, false)
	if err != nil {
		return nil, false, err
	}
	if fresh == nil {
		return nil, false, domain.ErrNotFound
	}
	if !updated {
		// Lost a race with another writer; report whatever it left behind.
		if fresh.Status == status {
			return fresh, false, nil
		}
		return fresh, false, domain.ErrInvalidTransition
	}

	s.log.Info("transaction status changed",
		zap.String("transaction_id", id.String()),
		zap.String("from", string(current.Status)),
		zap.String("to", string(status)),
		zap.String("provider", payload.Provider),
	)
	return fresh, true, nil
}

func (s *Service) MarkRefunded(ctx context.Context, id snowflake.ID) (*domain.Transaction, bool, error) {
	return s.MarkStatus(ctx, id, domain.StatusRefunded, domain.GatewayPayload{})
}

// ClaimSettlement stamps settled_at once; only the first caller gets true.
func (s *Service) ClaimSettlement(ctx context.Context, id snowflake.ID) (bool, error) {
	return s.repo.ClaimSettlement(ctx, s.db, id, s.clock.Now())
}

func (s *Service) ListTransactions(ctx context.Context, payer account.Ref, page pagination.Pagination) ([]domain.Transaction, pagination.PageInfo, error) {
	if err := payer.Validate(); err != nil {
		return nil, pagination.PageInfo{}, domain.ErrInvalidPayer
	}
	beforeID, err := cursorID(page)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}
	limit := page.Limit()
	items, err := s.repo.ListTransactions(ctx, s.db, payer, beforeID, limit+1)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}
	items, info := pagination.Trim(items, limit, func(t domain.Transaction) pagination.Cursor {
		return pagination.Cursor{ID: t.ID.String()}
	})
	return items, info, nil
}

func (s *Service) ListUnsettled(ctx context.Context, succeededBefore time.Time, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = pagination.DefaultPageSize
	}
	return s.repo.ListUnsettled(ctx, s.db, succeededBefore, limit)
}

// ExpireStale cancels transactions the gateway never resolved.
func (s *Service) ExpireStale(ctx context.Context, createdBefore time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = pagination.DefaultPageSize
	}
	ids, err := s.repo.ListStale(ctx, s.db, createdBefore, limit)
	if err != nil {
		return 0, err
	}
	var expired int64
	for _, id := range ids {
		ok, err := s.repo.UpdateStatus(ctx, s.db, domain.StatusUpdate{
			ID:   id,
			From: domain.PendingStatuses(),
			To:   domain.StatusCanceled,
			At:   s.clock.Now(),
		})
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		s.log.Info("expired stale transactions", zap.Int64("count", expired))
	}
	return expired, nil
}

// CreateEarning records the creator side of a settled transaction. A second
// earning for the same transaction yields ErrDuplicateSettlement.
func (s *Service) CreateEarning(ctx context.Context, req domain.CreateEarningRequest) (*domain.Earning, error) {
	t := req.Transaction
	if t == nil {
		return nil, domain.ErrNotFound
	}
	if req.CreatorID <= 0 || req.GrossAmount <= 0 {
		return nil, domain.ErrInvalidEarning
	}
	if req.CommissionAmount < 0 || req.NetAmount < 0 || req.NetAmount+req.CommissionAmount != req.GrossAmount {
		return nil, domain.ErrInvalidEarning
	}
	rate, err := decimal.NewFromString(req.CommissionRate)
	if err != nil || rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, domain.ErrInvalidEarning
	}

	earning := &domain.Earning{
		ID:               s.genID.Generate(),
		TransactionID:    t.ID,
		CreatorID:        req.CreatorID,
		PayerKind:        t.PayerKind,
		PayerID:          t.PayerID,
		Category:         t.Category,
		ContentType:      t.ContentType,
		ContentID:        t.ContentID,
		GrossAmount:      req.GrossAmount,
		CommissionRate:   rate.String(),
		CommissionAmount: req.CommissionAmount,
		NetAmount:        req.NetAmount,
		IsToken:          t.IsToken,
		CreatedAt:        s.clock.Now(),
	}
	inserted, err := s.repo.InsertEarning(ctx, s.db, earning)
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, domain.ErrDuplicateSettlement
		}
		return nil, err
	}
	if !inserted {
		return nil, domain.ErrDuplicateSettlement
	}
	return earning, nil
}

func (s *Service) GetEarning(ctx context.Context, id snowflake.ID) (*domain.Earning, error) {
	item, err := s.repo.FindEarning(ctx, s.db, id, false)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.ErrNotFound
	}
	return item, nil
}

func (s *Service) FindEarningByTransaction(ctx context.Context, transactionID snowflake.ID) (*domain.Earning, error) {
	item, err := s.repo.FindEarningByTransaction(ctx, s.db, transactionID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.ErrNotFound
	}
	return item, nil
}

func (s *Service) ListEarningsByTarget(ctx context.Context, target domain.EarningTarget, afterID snowflake.ID, limit int) ([]domain.Earning, error) {
	if target.TransactionID == nil && target.ContentID == nil {
		return nil, domain.ErrInvalidTarget
	}
	if limit <= 0 {
		limit = pagination.DefaultPageSize
	}
	return s.repo.ListEarningsByTarget(ctx, s.db, target, afterID, limit)
}

func (s *Service) ListEarnings(ctx context.Context, creatorID snowflake.ID, page pagination.Pagination) ([]domain.Earning, pagination.PageInfo, error) {
	if creatorID <= 0 {
		return nil, pagination.PageInfo{}, domain.ErrInvalidTarget
	}
	beforeID, err := cursorID(page)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}
	limit := page.Limit()
	items, err := s.repo.ListEarnings(ctx, s.db, creatorID, beforeID, limit+1)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}
	items, info := pagination.Trim(items, limit, func(e domain.Earning) pagination.Cursor {
		return pagination.Cursor{ID: e.ID.String()}
	})
	return items, info, nil
}

// ReverseEarning deletes the earning and returns it so the caller can apply
// the compensating balance mutations. Paid earnings cannot be reversed.
func (s *Service) ReverseEarning(ctx context.Context, id snowflake.ID) (*domain.Earning, error) {
	item, err := s.repo.FindEarning(ctx, s.db, id, true)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, domain.ErrNotFound
	}
	if item.IsPaid {
		return nil, domain.ErrEarningPaid
	}
	deleted, err := s.repo.DeleteEarning(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if !deleted {
		return nil, domain.ErrNotFound
	}
	s.log.Info("earning reversed",
		zap.String("earning_id", id.String()),
		zap.String("transaction_id", item.TransactionID.String()),
		zap.Int64("gross_amount", item.GrossAmount),
	)
	return item, nil
}

func (s *Service) ListUnpaidEarnings(ctx context.Context, creatorID snowflake.ID) ([]domain.Earning, error) {
	return s.repo.ListUnpaidEarnings(ctx, s.db, creatorID)
}

func (s *Service) MarkEarningsPaid(ctx context.Context, ids []snowflake.ID, payoutRequestID snowflake.ID) (int64, error) {
	return s.repo.MarkEarningsPaid(ctx, s.db, ids, payoutRequestID, s.clock.Now())
}

func (s *Service) SumNetEarnings(ctx context.Context, creatorID snowflake.ID) (int64, error) {
	return s.repo.SumNetEarnings(ctx, s.db, creatorID)
}

func (s *Service) AppendChangeLog(ctx context.Context, req domain.ChangeLogRequest) (*domain.ChangeTokenLog, error) {
	if err := req.Account.Validate(); err != nil {
		return nil, domain.ErrInvalidChangeLog
	}
	if strings.TrimSpace(string(req.SourceType)) == "" || req.SourceID <= 0 || req.Delta == 0 {
		return nil, domain.ErrInvalidChangeLog
	}
	entry := &domain.ChangeTokenLog{
		ID:           s.genID.Generate(),
		AccountKind:  req.Account.Kind,
		AccountID:    req.Account.ID,
		SourceType:   req.SourceType,
		SourceID:     req.SourceID,
		Delta:        req.Delta,
		BalanceAfter: req.BalanceAfter,
		Note:         optionalString(req.Note),
		CreatedAt:    s.clock.Now(),
	}
	if err := s.repo.InsertChangeLog(ctx, s.db, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Service) ListChangeLogs(ctx context.Context, ref account.Ref, page pagination.Pagination) ([]domain.ChangeTokenLog, pagination.PageInfo, error) {
	if err := ref.Validate(); err != nil {
		return nil, pagination.PageInfo{}, err
	}
	beforeID, err := cursorID(page)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}
	limit := page.Limit()
	items, err := s.repo.ListChangeLogs(ctx, s.db, ref, beforeID, limit+1)
	if err != nil {
		return nil, pagination.PageInfo{}, err
	}
	items, info := pagination.Trim(items, limit, func(c domain.ChangeTokenLog) pagination.Cursor {
		return pagination.Cursor{ID: c.ID.String()}
	})
	return items, info, nil
}

func sumLineItems(items []domain.LineItem) (int64, error) {
	if len(items) == 0 {
		return 0, domain.ErrInvalidLineItems
	}
	var total int64
	for _, item := range items {
		if item.UnitPrice < 0 || item.Quantity <= 0 {
			return 0, domain.ErrInvalidLineItems
		}
		if item.UnitPrice > 0 && item.Quantity > math.MaxInt64/item.UnitPrice {
			return 0, domain.ErrInvalidLineItems
		}
		line := item.Total()
		if total > math.MaxInt64-line {
			return 0, domain.ErrInvalidLineItems
		}
		total += line
	}
	return total, nil
}

// applyCoupon returns the discount taken off original. Percent discounts
// round half away from zero and never exceed the original price.
func applyCoupon(coupon *domain.CouponSnapshot, original int64) (int64, error) {
	if coupon == nil {
		return 0, nil
	}
	var discount int64
	switch coupon.DiscountType {
	case domain.DiscountPercent:
		if coupon.DiscountValue < 0 || coupon.DiscountValue > 100 {
			return 0, domain.ErrInvalidCoupon
		}
		discount = decimal.NewFromInt(original).
			Mul(decimal.NewFromInt(coupon.DiscountValue)).
			Div(decimal.NewFromInt(100)).
			Round(0).
			IntPart()
	case domain.DiscountFixed:
		if coupon.DiscountValue < 0 {
			return 0, domain.ErrInvalidCoupon
		}
		discount = coupon.DiscountValue
	default:
		return 0, domain.ErrInvalidCoupon
	}
	if discount > original {
		discount = original
	}
	return discount, nil
}

func cursorID(page pagination.Pagination) (snowflake.ID, error) {
	cursor, err := pagination.DecodeCursor(page.PageToken)
	if err != nil {
		return 0, err
	}
	if cursor == nil || cursor.ID == "" {
		return 0, nil
	}
	id, err := snowflake.ParseString(cursor.ID)
	if err != nil {
		return 0, pagination.ErrInvalidPageToken
	}
	return id, nil
}

func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
