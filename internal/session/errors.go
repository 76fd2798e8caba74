package session

import "errors"

var (
	ErrTransportInit      = errors.New("transport initialisation failed")
	ErrNegotiation        = errors.New("negotiation failed")
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	ErrWrite              = errors.New("track write failed")
	ErrWriteClosed        = errors.New("track closed")
)
