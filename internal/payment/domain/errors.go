package domain

import "errors"

var (
	ErrChargeFailed           = errors.New("charge_failed")
	ErrProcessorNotConfigured = errors.New("payment_processor_not_configured")
	ErrInvalidSignature       = errors.New("invalid_signature")
	ErrInvalidPayload         = errors.New("invalid_payload")
	ErrInvalidEvent           = errors.New("invalid_event")
	ErrEventIgnored           = errors.New("event_ignored")
	ErrEventAlreadyProcessed  = errors.New("event_already_processed")
	ErrInvalidTransition      = errors.New("invalid_status_transition")
	ErrInvoiceNotFound        = errors.New("invoice_not_found")
	ErrInvoiceNotRecorded     = errors.New("invoice_not_recorded")
	ErrCustomerNotFound       = errors.New("customer_not_found")
)
