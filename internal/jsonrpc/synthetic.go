package jsonrpc

import "github.com/mark3labs/mcp-go/mcp"

// GatewayError names a failure the gateway reports on behalf of the upstream.
type GatewayError string

const (
	DuplicateID           GatewayError = "DUPLICATE_ID"
	UpstreamTimeout       GatewayError = "UPSTREAM_TIMEOUT"
	UpstreamSendFailed    GatewayError = "UPSTREAM_SEND_FAILED"
	UpstreamSessionFailed GatewayError = "UPSTREAM_SESSION_FAILED"
)

// CodeServerError is the implementation-defined server error code used for
// every synthetic failure except protocol violations by the client.
const CodeServerError = -32000

// SyntheticData is the error.data payload of a gateway-generated response.
type SyntheticData struct {
	Gateway GatewayError `json:"gateway"`
	Cause   string       `json:"cause,omitempty"`
	Server  string       `json:"server,omitempty"`
}

// Synthetic builds the error response the gateway sends for id when no real
// upstream answer can be delivered.
func Synthetic(id ID, kind GatewayError, cause error, server string) Message {
	data := SyntheticData{Gateway: kind, Server: server}
	if cause != nil {
		data.Cause = cause.Error()
	}
	code := CodeServerError
	msg := "gateway error"
	switch kind {
	case DuplicateID:
		code = mcp.INVALID_REQUEST
		msg = "duplicate request id"
	case UpstreamTimeout:
		msg = "upstream timeout"
	case UpstreamSendFailed:
		msg = "upstream send failed"
	case UpstreamSessionFailed:
		msg = "upstream session failed"
	}
	return NewErrorResponse(id, code, msg, data)
}
