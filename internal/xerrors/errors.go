package xerrors

import sterrors "errors"

var (
	ErrServiceRequired   = sterrors.New("orderpulse: engine service is required")
	ErrHandlerRequired   = sterrors.New("orderpulse: handler function is required")
	ErrTopicRequired     = sterrors.New("orderpulse: topic is required")
	ErrHandlerNameNeeded = sterrors.New("orderpulse: handler name is required")
	ErrPublisherRequired = sterrors.New("orderpulse: publisher is required")
	ErrEnvelopeRequired  = sterrors.New("orderpulse: envelope is required")
	ErrPayloadPointer    = sterrors.New("orderpulse: payload type must be a pointer")
	ErrStoreRequired     = sterrors.New("orderpulse: store is required")
	ErrPolicyNotFound    = sterrors.New("orderpulse: no timeout policy for order type")
	ErrOrderNotFound     = sterrors.New("orderpulse: order not found")
	ErrRecordNotFound    = sterrors.New("orderpulse: dead-letter record not found")
	ErrDuplicateRecord   = sterrors.New("orderpulse: dead-letter record already exists")
)
