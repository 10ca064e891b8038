package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/gaspardpetit/mcpgate/internal/config"
	"github.com/gaspardpetit/mcpgate/internal/correlator"
	"github.com/gaspardpetit/mcpgate/internal/inflight"
	"github.com/gaspardpetit/mcpgate/internal/jsonrpc"
	"github.com/gaspardpetit/mcpgate/internal/metrics"
	"github.com/gaspardpetit/mcpgate/internal/upstream"
)

// Upstream is the session the gateway bridges to. *upstream.Session implements it.
type Upstream interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, m jsonrpc.Message) error
	Messages() <-chan jsonrpc.Message
	Done() <-chan struct{}
	Err() error
	State() upstream.State
	Close(ctx context.Context) error
}

// FrameReader yields one stdin frame per call and io.EOF at end of input.
type FrameReader interface {
	ReadFrame() ([]byte, error)
}

// FrameWriter writes one stdout frame per call.
type FrameWriter interface {
	WriteFrame(frame []byte) error
	Flush() error
}

// Options configures a Gateway.
type Options struct {
	Config   config.GatewayConfig
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	Observer Observer
	// NewUpstream builds a fresh session for startup and every reconnect attempt.
	// Defaults to an SSE session built from Config.
	NewUpstream func() (Upstream, error)
	HTTPClient  *http.Client
	Clock       clockwork.Clock
}

var errStdinClosed = errors.New("stdin closed")

// errShutdown is the cause reported to requests still pending at shutdown.
var errShutdown = errors.New("gateway shutting down")

type frame struct {
	line []byte
	err  error
}

// Gateway bridges a stdio JSON-RPC client to one upstream SSE session.
type Gateway struct {
	id          string
	cfg         config.GatewayConfig
	log         zerolog.Logger
	metrics     *metrics.Metrics
	obs         Observer
	clock       clockwork.Clock
	newUpstream func() (Upstream, error)
	pending     *correlator.Correlator
	sem         chan struct{}
	dispatching inflight.Counter
	settled     chan struct{}
	stopped     chan struct{}
	out         FrameWriter

	mu      sync.Mutex
	session Upstream
}

// New validates the configuration and builds a Gateway.
func New(opts Options) (*Gateway, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Gateway{
		id:      uuid.NewString(),
		cfg:     cfg,
		metrics: opts.Metrics,
		obs:     opts.Observer,
		clock:   opts.Clock,
		sem:     make(chan struct{}, cfg.MaxInflight),
		settled: make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	g.log = opts.Logger.With().Str("component", "gateway").Str("gateway", g.id).Str("server", cfg.ServerName).Logger()
	if g.obs == nil {
		g.obs = NopObserver{}
	}
	if g.clock == nil {
		g.clock = clockwork.NewRealClock()
	}
	g.pending = correlator.New(cfg.RequestTimeout,
		correlator.WithClock(g.clock),
		correlator.WithSizeHook(func(n int) {
			g.metrics.SetPending(n)
			select {
			case g.settled <- struct{}{}:
			default:
			}
		}))
	g.newUpstream = opts.NewUpstream
	if g.newUpstream == nil {
		client := opts.HTTPClient
		g.newUpstream = func() (Upstream, error) {
			return upstream.New(upstream.Options{
				URL:             cfg.UpstreamURL,
				PostURL:         cfg.PostURL,
				HTTPClient:      client,
				EndpointTimeout: cfg.EndpointTimeout,
				Logger:          opts.Logger,
				OnState:         func(st upstream.State) { g.metrics.SetUpstreamState(int(st)) },
				OnPost:          g.metrics.ObservePost,
			})
		}
	}
	return g, nil
}

// Ready reports whether the current upstream session accepts sends.
func (g *Gateway) Ready() bool {
	s := g.current()
	return s != nil && s.State() == upstream.StateReady
}

// Pending returns the number of requests awaiting an upstream response.
func (g *Gateway) Pending() int { return g.pending.Len() }

func (g *Gateway) current() Upstream {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.session
}

func (g *Gateway) setSession(s Upstream) {
	g.mu.Lock()
	g.session = s
	g.mu.Unlock()
}

// Run connects upstream and bridges r and w until stdin ends, ctx is cancelled
// or the upstream is lost for good. Clean shutdowns return nil.
func (g *Gateway) Run(ctx context.Context, r FrameReader, w FrameWriter) error {
	g.out = w
	defer close(g.stopped)

	sess, err := g.newUpstream()
	if err != nil {
		return fmt.Errorf("create upstream session: %w", err)
	}
	g.setSession(sess)
	if err := sess.Connect(ctx); err != nil {
		_ = w.Flush()
		return fmt.Errorf("connect upstream: %w", err)
	}

	frames := make(chan frame)
	go g.readFrames(r, frames)
	g.log.Info().Msg("gateway ready")
	g.obs.Ready()

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return g.clientLoop(gctx, frames) })
	grp.Go(func() error { return g.upstreamLoop(gctx) })
	grp.Go(func() error { return g.sweepLoop(gctx) })
	err = grp.Wait()
	return g.shutdown(err)
}

func (g *Gateway) readFrames(r FrameReader, out chan<- frame) {
	for {
		line, err := r.ReadFrame()
		select {
		case out <- frame{line: line, err: err}:
		case <-g.stopped:
			return
		}
		if err != nil {
			return
		}
	}
}

func (g *Gateway) clientLoop(ctx context.Context, frames <-chan frame) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-frames:
			if f.err != nil {
				if errors.Is(f.err, io.EOF) {
					g.log.Info().Msg("stdin closed")
					g.awaitSettled(ctx)
					return errStdinClosed
				}
				return fmt.Errorf("read stdin: %w", f.err)
			}
			g.handleClient(ctx, f.line)
		}
	}
}

// awaitSettled gives outstanding requests up to ShutdownTimeout to be answered
// after the client has stopped writing.
func (g *Gateway) awaitSettled(ctx context.Context) {
	wctx, cancel := context.WithTimeout(ctx, g.cfg.ShutdownTimeout)
	defer cancel()
	if !g.dispatching.WaitForZero(wctx) {
		return
	}
	for g.pending.Len() > 0 {
		select {
		case <-g.settled:
		case <-wctx.Done():
			return
		}
	}
}

func (g *Gateway) handleClient(ctx context.Context, line []byte) {
	m, err := jsonrpc.Decode(line)
	if err != nil {
		g.metrics.RecordMalformed("client")
		g.log.Warn().Err(err).Msg("discarding malformed client frame")
		return
	}
	g.metrics.RecordFrame("client", m.Kind.String())
	g.obs.ClientMessage(m)
	switch m.Kind {
	case jsonrpc.KindRequest:
		if m.Method == string(mcp.MethodPing) {
			pong, _ := jsonrpc.NewResult(m.ID, struct{}{})
			g.write(pong)
			return
		}
		if err := g.pending.Register(m.ID, m.Method); err != nil {
			g.log.Warn().Str("id", m.ID.String()).Str("method", m.Method).Msg("rejecting request with pending id")
			g.emitSynthetic(m.ID, jsonrpc.DuplicateID, err)
			return
		}
		g.dispatch(ctx, m)
	case jsonrpc.KindNotification:
		g.dispatch(ctx, m)
	case jsonrpc.KindResponse:
		g.log.Warn().Str("id", m.ID.String()).Msg("discarding response from client")
	}
}

// dispatch posts m on its own goroutine, at most MaxInflight at a time. The
// send outlives ctx so shutdown lets in-flight posts finish.
func (g *Gateway) dispatch(ctx context.Context, m jsonrpc.Message) {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	g.dispatching.Inc()
	go func() {
		defer func() {
			<-g.sem
			g.dispatching.Dec()
		}()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.RequestTimeout)
		defer cancel()
		err := g.current().Send(sctx, m)
		if err == nil {
			return
		}
		l := g.log.Warn().Err(err).Str("method", m.Method)
		if m.Kind != jsonrpc.KindRequest {
			l.Msg("notification not delivered")
			return
		}
		l.Str("id", m.ID.String()).Msg("request not delivered")
		if _, rerr := g.pending.Resolve(m.ID); rerr == nil {
			g.emitSynthetic(m.ID, jsonrpc.UpstreamSendFailed, err)
		}
	}()
}

func (g *Gateway) upstreamLoop(ctx context.Context) error {
	for {
		err := g.pump(ctx, g.current())
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = upstream.ErrClosed
		}
		g.failPending(err)
		g.obs.SessionFailed(err)
		if !g.cfg.Reconnect.Enabled {
			return fmt.Errorf("upstream session failed: %w", err)
		}
		if rerr := g.reconnect(ctx); rerr != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reconnect after %v: %w", err, rerr)
		}
	}
}

// pump relays upstream messages until the session ends and returns its cause.
func (g *Gateway) pump(ctx context.Context, s Upstream) error {
	msgs := s.Messages()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			g.handleUpstream(m)
		case <-s.Done():
			g.drainBuffered(msgs)
			return s.Err()
		}
	}
}

// drainBuffered relays messages the session read before it ended.
func (g *Gateway) drainBuffered(msgs <-chan jsonrpc.Message) {
	for {
		select {
		case m, ok := <-msgs:
			if !ok {
				return
			}
			g.handleUpstream(m)
		default:
			return
		}
	}
}

func (g *Gateway) reconnect(ctx context.Context) error {
	return g.cfg.Reconnect.Retry(ctx, func(ctx context.Context, attempt int) error {
		g.metrics.RecordReconnect()
		g.log.Info().Int("attempt", attempt+1).Int("max", g.cfg.Reconnect.MaxAttempts).Msg("reconnecting upstream")
		next, err := g.newUpstream()
		if err != nil {
			return err
		}
		g.setSession(next)
		if err := next.Connect(ctx); err != nil {
			g.log.Warn().Err(err).Int("attempt", attempt+1).Msg("reconnect failed")
			return err
		}
		g.log.Info().Msg("upstream reconnected")
		return nil
	})
}

func (g *Gateway) handleUpstream(m jsonrpc.Message) {
	g.metrics.RecordFrame("upstream", m.Kind.String())
	g.obs.UpstreamMessage(m)
	if m.Kind != jsonrpc.KindResponse {
		g.write(m)
		return
	}
	p, err := g.pending.Resolve(m.ID)
	if err != nil {
		g.metrics.RecordUnknownResponse()
		g.log.Warn().Str("id", m.ID.String()).Msg("dropping response for unknown id")
		return
	}
	if p.Method == string(mcp.MethodInitialize) && m.Result != nil {
		g.logInitialize(m.Result)
	}
	g.write(m)
}

func (g *Gateway) logInitialize(raw json.RawMessage) {
	var res mcp.InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		g.log.Debug().Err(err).Msg("unrecognized initialize result")
		return
	}
	g.log.Info().
		Str("upstream_name", res.ServerInfo.Name).
		Str("upstream_version", res.ServerInfo.Version).
		Str("protocol", res.ProtocolVersion).
		Msg("upstream initialized")
}

func (g *Gateway) sweepLoop(ctx context.Context) error {
	t := g.clock.NewTicker(g.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.Chan():
			for _, p := range g.pending.Expire(g.clock.Now()) {
				cause := fmt.Errorf("no response to %s within %s", p.Method, g.cfg.RequestTimeout)
				g.emitSynthetic(p.ID, jsonrpc.UpstreamTimeout, cause)
			}
		}
	}
}

// failPending answers every pending request with the same cause.
func (g *Gateway) failPending(cause error) {
	drained := g.pending.DrainAll()
	if len(drained) > 0 {
		g.log.Warn().Err(cause).Int("pending", len(drained)).Msg("failing pending requests")
	}
	for _, p := range drained {
		g.emitSynthetic(p.ID, jsonrpc.UpstreamSessionFailed, cause)
	}
}

func (g *Gateway) emitSynthetic(id jsonrpc.ID, kind jsonrpc.GatewayError, cause error) {
	g.metrics.RecordSynthetic(string(kind))
	g.write(jsonrpc.Synthetic(id, kind, cause, g.cfg.ServerName))
}

func (g *Gateway) write(m jsonrpc.Message) {
	line, err := jsonrpc.Encode(m)
	if err != nil {
		g.log.Error().Err(err).Str("id", m.ID.String()).Msg("cannot encode message for client")
		return
	}
	if err := g.out.WriteFrame(line); err != nil {
		g.log.Error().Err(err).Msg("write to stdout failed")
	}
}

func (g *Gateway) shutdown(cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.ShutdownTimeout)
	defer cancel()
	if s := g.current(); s != nil {
		if err := s.Close(ctx); err != nil {
			g.log.Warn().Err(err).Msg("closing upstream session")
		}
	}
	if !g.dispatching.WaitForZero(ctx) {
		g.log.Warn().Msg("shutdown timed out waiting for outbound sends")
	}
	drainCause := errShutdown
	fatal := cause != nil && !errors.Is(cause, errStdinClosed)
	if fatal {
		drainCause = cause
	}
	g.failPending(drainCause)
	if err := g.out.Flush(); err != nil {
		g.log.Warn().Err(err).Msg("flushing stdout")
	}
	if fatal {
		return cause
	}
	g.log.Info().Msg("gateway stopped")
	return nil
}
