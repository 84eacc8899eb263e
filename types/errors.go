package types

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidKey      = errors.New("invalid room key")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrDeliveryFailure = errors.New("delivery failure")
)
