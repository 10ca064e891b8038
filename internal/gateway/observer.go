package gateway

import (
	"fmt"
	"io"
	"sync"

	"github.com/gaspardpetit/mcpgate/internal/jsonrpc"
)

// Observer receives lifecycle callbacks. Implementations must not block.
type Observer interface {
	// Ready fires once the upstream is usable and stdin is being read.
	Ready()
	ClientMessage(m jsonrpc.Message)
	UpstreamMessage(m jsonrpc.Message)
	SessionFailed(err error)
}

// NopObserver ignores every callback.
type NopObserver struct{}

func (NopObserver) Ready()                          {}
func (NopObserver) ClientMessage(jsonrpc.Message)   {}
func (NopObserver) UpstreamMessage(jsonrpc.Message) {}
func (NopObserver) SessionFailed(error)             {}

// ReadyMarker prints Text on W the first time the gateway becomes ready, so a
// supervising process can wait for it.
type ReadyMarker struct {
	NopObserver
	W    io.Writer
	Text string

	once sync.Once
}

func (r *ReadyMarker) Ready() {
	r.once.Do(func() {
		if r.W != nil && r.Text != "" {
			_, _ = fmt.Fprintln(r.W, r.Text)
		}
	})
}
