package errors

// Error codes for the event bus contracts. Keep stable; used across adapters and bus.
const (
	ErrCodeConnectionFailed    = "eventbus.connection_failed"
	ErrCodeSubscribeFailed     = "eventbus.subscribe_failed"
	ErrCodePublishFailed       = "eventbus.publish_failed"
	ErrCodeSerializationFailed = "eventbus.serialization_failed"
	ErrCodeHandlerTypeMismatch = "eventbus.handler_type_mismatch"
	ErrCodeBusClosed           = "eventbus.bus_closed"
	ErrCodeEventNotFound       = "eventbus.event_not_found"
	ErrCodeInvalidConfig       = "eventbus.invalid_config"
)

// Code returns an error value that carries only a code string.
// It implements error by returning the code string in Error().
func Code(code string) error { return codedError(code) }

type codedError string

func (e codedError) Error() string { return string(e) }

var (
	ErrConnectionFailed    = Code(ErrCodeConnectionFailed)
	ErrSubscribeFailed     = Code(ErrCodeSubscribeFailed)
	ErrPublishFailed       = Code(ErrCodePublishFailed)
	ErrSerializationFailed = Code(ErrCodeSerializationFailed)
	ErrHandlerTypeMismatch = Code(ErrCodeHandlerTypeMismatch)
	ErrBusClosed           = Code(ErrCodeBusClosed)
	ErrEventNotFound       = Code(ErrCodeEventNotFound)
	ErrInvalidConfig       = Code(ErrCodeInvalidConfig)
)
