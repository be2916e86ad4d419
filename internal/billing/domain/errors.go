package domain

import "errors"

var (
	ErrAccountSelection = errors.New("account_selection_failed")
	ErrInvoiceExists    = errors.New("invoice_already_exists")
	ErrInvoiceNotFound  = errors.New("invoice_not_found")
	ErrInvalidAccount   = errors.New("invalid_account")
	ErrInvalidConfig    = errors.New("invalid_config")
	ErrRunInProgress    = errors.New("billing_run_in_progress")
)
