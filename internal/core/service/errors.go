package service

import "errors"

var (
	ErrInvalidSKU        = errors.New("invalid sku")
	ErrInvalidQuantity   = errors.New("invalid quantity")
	ErrNoHandler         = errors.New("no handler registered")
	ErrUnknownMessage    = errors.New("message is neither a command nor an event")
	ErrUnexpectedMessage = errors.New("unexpected message type for handler")
)
