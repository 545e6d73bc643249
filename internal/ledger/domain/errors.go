package domain

import "errors"

var (
	ErrNotFound             = errors.New("not_found")
	ErrDuplicateSettlement  = errors.New("duplicate_settlement")
	ErrInvalidTransition    = errors.New("invalid_status_transition")
	ErrInvalidPrice         = errors.New("invalid_price")
	ErrInvalidPayer         = errors.New("invalid_payer")
	ErrInvalidTarget        = errors.New("invalid_target")
	ErrInvalidCategory      = errors.New("invalid_category")
	ErrInvalidLineItems     = errors.New("invalid_line_items")
	ErrInvalidCurrency      = errors.New("invalid_currency")
	ErrInvalidGateway       = errors.New("invalid_gateway")
	ErrInvalidCoupon        = errors.New("invalid_coupon")
	ErrEarningPaid          = errors.New("earning_already_paid")
	ErrInvalidEarning       = errors.New("invalid_earning")
	ErrInvalidChangeLog     = errors.New("invalid_change_log")
	ErrDuplicateCorrelation = errors.New("duplicate_correlation")
)
