package rabbit

import "github.com/curtisnewbie/shopbus/util/errs"

const (
	ErrCodeRpcTimeout      = "RPC_TIMEOUT"
	ErrCodeRpcRemote       = "RPC_REMOTE_ERROR"
	ErrCodeClientClosed    = "RABBITMQ_CLIENT_CLOSED"
	ErrCodeConnectionLost  = "RABBITMQ_CONNECTION_LOST"
	ErrCodeInvalidPayload  = "INVALID_PAYLOAD"
	ErrCodeMissingReplyTo  = "MISSING_REPLY_TO"
	ErrCodePublishRejected = "PUBLISH_REJECTED"
)

var (
	// No matching reply arrived before the deadline, use errors.Is(err, ErrRpcTimeout) to check.
	ErrRpcTimeout = errs.NewErrfCode(ErrCodeRpcTimeout, "rpc request timeout")

	// The remote handler replied with {"error": "..."}.
	ErrRpcRemote = errs.NewErrfCode(ErrCodeRpcRemote, "rpc handler returned error")

	ErrClientClosed   = errs.NewErrfCode(ErrCodeClientClosed, "rabbitmq client is closed")
	ErrConnectionLost = errs.NewErrfCode(ErrCodeConnectionLost, "rabbitmq connection lost")

	// Payload is not valid json or can't be serialized as json.
	ErrInvalidPayload = errs.NewErrfCode(ErrCodeInvalidPayload, "invalid json payload")

	ErrMissingReplyTo = errs.NewErrfCode(ErrCodeMissingReplyTo, "rpc request is missing replyTo")

	// The broker applied backpressure to a message that must be sent, e.g., rpc request.
	ErrPublishRejected = errs.NewErrfCode(ErrCodePublishRejected, "message not accepted by broker")
)
