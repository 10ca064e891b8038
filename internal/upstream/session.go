package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/mcpgate/internal/inflight"
	"github.com/gaspardpetit/mcpgate/internal/jsonrpc"
)

// Options configures a Session.
type Options struct {
	// URL is the SSE endpoint opened with a streaming GET.
	URL string
	// PostURL skips the endpoint handshake when the upstream never announces one.
	PostURL string
	// HTTPClient must not set a Timeout; the event stream is long-lived.
	HTTPClient      *http.Client
	EndpointTimeout time.Duration
	// Buffer is the capacity of the Messages channel.
	Buffer int
	Logger zerolog.Logger
	// OnState is called under the session lock on every transition.
	OnState func(State)
	// OnPost observes every POST round trip.
	OnPost func(d time.Duration, err error)
}

type queuedSend struct {
	ctx    context.Context
	line   []byte
	result chan error
}

// Session is one upstream SSE connection and its POST endpoint.
type Session struct {
	opts     Options
	id       string
	upstream *url.URL
	postURL  *url.URL
	log      zerolog.Logger

	mu        sync.Mutex
	state     State
	started   bool
	closed    bool
	endpoint  *url.URL
	queue     []*queuedSend
	replaying bool
	err       error
	cancel    context.CancelFunc

	msgs      chan jsonrpc.Message
	done      chan struct{}
	doneOnce  sync.Once
	ready     chan struct{}
	readyOnce sync.Once
	posts     inflight.Counter
}

// New validates the options and returns a Disconnected session.
func New(opts Options) (*Session, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("upstream url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("upstream url: unsupported scheme %q", u.Scheme)
	}
	var post *url.URL
	if opts.PostURL != "" {
		if post, err = u.Parse(opts.PostURL); err != nil {
			return nil, fmt.Errorf("post url: %w", err)
		}
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.EndpointTimeout <= 0 {
		opts.EndpointTimeout = 10 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	id := uuid.NewString()
	return &Session{
		opts:     opts,
		id:       id,
		upstream: u,
		postURL:  post,
		log:      opts.Logger.With().Str("component", "upstream").Str("session", id).Logger(),
		msgs:     make(chan jsonrpc.Message, opts.Buffer),
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
	}, nil
}

// ID returns the session id used in logs.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Endpoint returns the POST endpoint once known.
func (s *Session) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endpoint == nil {
		return ""
	}
	return s.endpoint.String()
}

// Messages delivers decoded upstream messages in stream order. It is closed when
// the event stream ends.
func (s *Session) Messages() <-chan jsonrpc.Message { return s.msgs }

// Done is closed once the session has failed or been closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the failure cause, or nil if the session has not failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.log.Debug().Str("from", s.state.String()).Str("to", st.String()).Msg("state")
	s.state = st
	if s.opts.OnState != nil {
		s.opts.OnState(st)
	}
}

// Connect opens the event stream and waits until the session can send. ctx bounds
// only the connection phase; the stream lives until Close or failure.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.upstream.String(), nil)
	if err != nil {
		return s.fail(err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	s.log.Info().Str("url", s.upstream.Redacted()).Msg("connecting")
	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return s.fail(fmt.Errorf("connect %s: %w", s.upstream.Redacted(), err))
	}
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return s.fail(fmt.Errorf("connect %s: status %s: %s", s.upstream.Redacted(), resp.Status, strings.TrimSpace(string(body))))
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		_ = resp.Body.Close()
		return s.closedErr()
	}
	s.setStateLocked(StateAwaitingEndpoint)
	s.mu.Unlock()
	go s.readLoop(streamCtx, resp.Body)

	if s.postURL != nil {
		s.setEndpoint(s.postURL)
		return nil
	}

	timer := time.NewTimer(s.opts.EndpointTimeout)
	defer timer.Stop()
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		return s.closedErr()
	case <-timer.C:
		return s.fail(ErrEndpointTimeout)
	case <-ctx.Done():
		return s.fail(ctx.Err())
	}
}

func (s *Session) closedErr() error {
	if err := s.Err(); err != nil {
		return err
	}
	return ErrClosed
}

func (s *Session) setEndpoint(u *url.URL) {
	s.mu.Lock()
	if s.state != StateAwaitingEndpoint {
		s.mu.Unlock()
		s.log.Debug().Str("endpoint", u.String()).Msg("ignoring repeated endpoint event")
		return
	}
	s.endpoint = u
	replay := len(s.queue) > 0
	s.replaying = replay
	s.setStateLocked(StateReady)
	s.mu.Unlock()
	s.log.Info().Str("endpoint", u.String()).Msg("upstream ready")
	s.readyOnce.Do(func() { close(s.ready) })
	if replay {
		go s.replay()
	}
}

// replay posts sends buffered before the endpoint was known, in arrival order.
// New sends keep queueing behind it until the buffer is empty.
func (s *Session) replay() {
	for {
		s.mu.Lock()
		if s.state != StateReady || len(s.queue) == 0 {
			s.replaying = false
			s.mu.Unlock()
			return
		}
		q := s.queue[0]
		s.queue = s.queue[1:]
		ep := s.endpoint
		s.mu.Unlock()
		q.result <- s.post(q.ctx, ep, q.line)
	}
}

// Send delivers m to the upstream. Before the endpoint is known the message is
// buffered and Send blocks until it has been posted or the session gives up.
func (s *Session) Send(ctx context.Context, m jsonrpc.Message) error {
	line, err := jsonrpc.Encode(m)
	if err != nil {
		return &SendError{Cause: err}
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &SendError{Cause: ErrClosed}
	}
	switch s.state {
	case StateFailed:
		cause := s.err
		s.mu.Unlock()
		return &SendError{Cause: cause}
	case StateReady:
		if !s.replaying {
			ep := s.endpoint
			s.mu.Unlock()
			return s.post(ctx, ep, line)
		}
	}
	q := &queuedSend{ctx: ctx, line: line, result: make(chan error, 1)}
	s.queue = append(s.queue, q)
	s.mu.Unlock()
	select {
	case err := <-q.result:
		return err
	case <-ctx.Done():
		return &SendError{Cause: ctx.Err()}
	}
}

func (s *Session) post(ctx context.Context, ep *url.URL, line []byte) error {
	s.posts.Inc()
	defer s.posts.Dec()
	start := time.Now()
	err := s.doPost(ctx, ep, line)
	if s.opts.OnPost != nil {
		s.opts.OnPost(time.Since(start), err)
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("post failed")
		return &SendError{Cause: err}
	}
	return nil
}

func (s *Session) doPost(ctx context.Context, ep *url.URL, line []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.String(), bytes.NewReader(line))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	return nil
}

func (s *Session) readLoop(ctx context.Context, body io.ReadCloser) {
	defer close(s.msgs)
	defer func() { _ = body.Close() }()
	er := newEventReader(body)
	for {
		ev, err := er.Next()
		if err != nil {
			s.mu.Lock()
			quiet := s.closed || s.state == StateFailed
			s.mu.Unlock()
			if quiet {
				return
			}
			if errors.Is(err, io.EOF) {
				err = ErrStreamEnded
			}
			_ = s.fail(fmt.Errorf("read event stream: %w", err))
			return
		}
		switch ev.Event {
		case "endpoint":
			u, perr := s.upstream.Parse(strings.TrimSpace(ev.Data))
			if perr != nil {
				s.log.Warn().Err(perr).Str("data", ev.Data).Msg("invalid endpoint event")
				continue
			}
			s.setEndpoint(u)
		case "", "message":
			m, derr := jsonrpc.Decode([]byte(ev.Data))
			if derr != nil {
				s.log.Warn().Err(derr).Msg("discarding undecodable upstream event")
				continue
			}
			select {
			case s.msgs <- m:
			case <-ctx.Done():
				return
			}
		default:
			s.log.Debug().Str("event", ev.Event).Msg("ignoring event")
		}
	}
}

// fail moves the session to Failed with cause and returns the effective cause.
// Only the first failure is recorded.
func (s *Session) fail(cause error) error {
	s.mu.Lock()
	if s.closed || s.state == StateFailed {
		existing := s.err
		s.mu.Unlock()
		if existing != nil {
			return existing
		}
		return cause
	}
	s.err = cause
	s.setStateLocked(StateFailed)
	queued := s.queue
	s.queue = nil
	cancel := s.cancel
	s.mu.Unlock()

	s.log.Error().Err(cause).Msg("upstream session failed")
	for _, q := range queued {
		q.result <- &SendError{Cause: cause}
	}
	if cancel != nil {
		cancel()
	}
	s.doneOnce.Do(func() { close(s.done) })
	return cause
}

// Close stops accepting sends, waits for in-flight POSTs until ctx is done, and
// closes the event stream.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.state == StateFailed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.setStateLocked(StateClosing)
	queued := s.queue
	s.queue = nil
	cancel := s.cancel
	s.mu.Unlock()

	for _, q := range queued {
		q.result <- &SendError{Cause: ErrClosed}
	}
	drained := s.posts.WaitForZero(ctx)
	if cancel != nil {
		cancel()
	}
	s.mu.Lock()
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
	s.log.Info().Msg("upstream session closed")
	if !drained {
		return fmt.Errorf("close: waiting for in-flight posts: %w", ctx.Err())
	}
	return nil
}
