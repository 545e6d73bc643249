package domain

import "errors"

var (
	ErrNotFound             = errors.New("payout_not_found")
	ErrInvalidAmount        = errors.New("invalid_payout_amount")
	ErrBelowMinimum         = errors.New("payout_below_minimum")
	ErrInsufficientFunds    = errors.New("insufficient_funds")
	ErrInvalidAccount       = errors.New("invalid_payout_account")
	ErrUnsupportedRail      = errors.New("unsupported_payout_rail")
	ErrRailNotConfigured    = errors.New("payout_rail_not_configured")
	ErrAlreadyDecided       = errors.New("payout_already_decided")
	ErrTransferNotConfirmed = errors.New("payout_transfer_not_confirmed")
	ErrTransferFailed       = errors.New("payout_transfer_failed")
	ErrPayoutBusy           = errors.New("payout_busy")
)
