package contracts

import "errors"

var (
	ErrUnknownKind        = errors.New("contracts: unknown message kind")
	ErrUnknownStatus      = errors.New("contracts: unknown status")
	ErrMissingCorrelation = errors.New("contracts: missing correlation id")
	ErrMissingReplyTo     = errors.New("contracts: missing reply destination")
	ErrMissingPayload     = errors.New("contracts: missing payload")
	ErrInvalidPagination  = errors.New("contracts: invalid pagination")
)
