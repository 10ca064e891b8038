package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// Version is the envelope tag every frame must carry.
const Version = mcp.JSONRPC_VERSION

var (
	// ErrMalformedFrame marks input that is not a JSON-RPC 2.0 message.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrInvalidMessage marks a Message that cannot be encoded.
	ErrInvalidMessage = errors.New("invalid message")
)

// Kind distinguishes the three envelope shapes.
type Kind int

const (
	KindRequest Kind = iota + 1
	KindNotification
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Message is one decoded JSON-RPC envelope. Requests and responses carry an ID,
// notifications never do; a response holds exactly one of Result or Error.
type Message struct {
	Kind   Kind
	ID     ID
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *Error
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string { return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message) }

type wire struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, args...))
}

// Decode parses one frame. Embedded JSON is compacted so that Encode reproduces
// the same bytes.
func Decode(line []byte) (Message, error) {
	var w wire
	if err := json.Unmarshal(line, &w); err != nil {
		return Message{}, malformed("%v", err)
	}
	if w.JSONRPC != Version {
		return Message{}, malformed("jsonrpc tag %q", w.JSONRPC)
	}
	var m Message
	hasID := w.ID != nil
	if hasID {
		if err := m.ID.UnmarshalJSON(w.ID); err != nil {
			return Message{}, malformed("id: %v", err)
		}
	}
	switch {
	case w.Method != "":
		if w.Result != nil || w.Error != nil {
			return Message{}, malformed("method %q with result or error", w.Method)
		}
		m.Kind = KindNotification
		if hasID {
			if m.ID.IsZero() {
				return Message{}, malformed("request %q with null id", w.Method)
			}
			m.Kind = KindRequest
		}
		m.Method = w.Method
		m.Params = compact(w.Params)
	case w.Result != nil && w.Error != nil:
		return Message{}, malformed("response with both result and error")
	case w.Result != nil || w.Error != nil:
		if !hasID {
			return Message{}, malformed("response without id")
		}
		m.Kind = KindResponse
		m.Result = compact(w.Result)
		if w.Error != nil {
			e := *w.Error
			e.Data = compact(e.Data)
			m.Error = &e
		}
	default:
		return Message{}, malformed("neither request, notification nor response")
	}
	return m, nil
}

// Encode serializes m as a single line without the trailing newline.
func Encode(m Message) ([]byte, error) {
	w := wire{JSONRPC: Version}
	switch m.Kind {
	case KindRequest:
		if m.ID.IsZero() {
			return nil, fmt.Errorf("%w: request without id", ErrInvalidMessage)
		}
		w.ID, _ = m.ID.MarshalJSON()
		w.Method, w.Params = m.Method, m.Params
	case KindNotification:
		w.Method, w.Params = m.Method, m.Params
	case KindResponse:
		if (m.Result == nil) == (m.Error == nil) {
			return nil, fmt.Errorf("%w: response needs exactly one of result or error", ErrInvalidMessage)
		}
		w.ID, _ = m.ID.MarshalJSON()
		w.Result, w.Error = m.Result, m.Error
	default:
		return nil, fmt.Errorf("%w: kind %d", ErrInvalidMessage, m.Kind)
	}
	if w.Method == "" && m.Kind != KindResponse {
		return nil, fmt.Errorf("%w: %s without method", ErrInvalidMessage, m.Kind)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func compact(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return json.RawMessage(buf.Bytes())
}

func marshalRaw(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return compact(t), nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return json.RawMessage(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// NewRequest builds a request; params may be nil, a json.RawMessage or any
// marshalable value.
func NewRequest(id ID, method string, params any) (Message, error) {
	p, err := marshalRaw(params)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: KindRequest, ID: id, Method: method, Params: p}, nil
}

// NewNotification builds a notification.
func NewNotification(method string, params any) (Message, error) {
	p, err := marshalRaw(params)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: KindNotification, Method: method, Params: p}, nil
}

// NewResult builds a successful response. A nil result encodes as null.
func NewResult(id ID, result any) (Message, error) {
	r, err := marshalRaw(result)
	if err != nil {
		return Message{}, err
	}
	if r == nil {
		r = json.RawMessage("null")
	}
	return Message{Kind: KindResponse, ID: id, Result: r}, nil
}

// NewErrorResponse builds an error response. data is dropped when it cannot be
// marshaled.
func NewErrorResponse(id ID, code int, message string, data any) Message {
	d, err := marshalRaw(data)
	if err != nil {
		d = nil
	}
	return Message{Kind: KindResponse, ID: id, Error: &Error{Code: code, Message: message, Data: d}}
}
