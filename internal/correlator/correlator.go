package correlator

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/gaspardpetit/mcpgate/internal/jsonrpc"
)

var (
	// ErrDuplicateID is returned when a request reuses an id that is still pending.
	ErrDuplicateID = errors.New("duplicate request id")
	// ErrUnknownID is returned when a response matches no pending request.
	ErrUnknownID = errors.New("unknown response id")
)

// Pending is a request forwarded upstream that has not been answered yet.
type Pending struct {
	ID        jsonrpc.ID
	Method    string
	CreatedAt time.Time
	Deadline  time.Time
}

// Correlator matches upstream responses to the requests that caused them.
// Every operation takes the same lock, so whichever of Resolve, Expire or DrainAll
// removes an entry first is the only one that ever sees it.
type Correlator struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	timeout time.Duration
	pending map[string]Pending
	seq     uint64
	order   map[string]uint64
	onSize  func(int)
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithClock sets the clock used for creation times and deadlines.
func WithClock(c clockwork.Clock) Option { return func(k *Correlator) { k.clock = c } }

// WithSizeHook registers a callback invoked with the pending count after each change.
func WithSizeHook(fn func(int)) Option { return func(k *Correlator) { k.onSize = fn } }

// New constructs a Correlator whose entries expire timeout after registration.
func New(timeout time.Duration, opts ...Option) *Correlator {
	c := &Correlator{
		clock:   clockwork.NewRealClock(),
		timeout: timeout,
		pending: map[string]Pending{},
		order:   map[string]uint64{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Register records a forwarded request.
func (c *Correlator) Register(id jsonrpc.ID, method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := id.Key()
	if _, ok := c.pending[key]; ok {
		return ErrDuplicateID
	}
	now := c.clock.Now()
	c.pending[key] = Pending{ID: id, Method: method, CreatedAt: now, Deadline: now.Add(c.timeout)}
	c.seq++
	c.order[key] = c.seq
	c.changed()
	return nil
}

// Resolve removes and returns the pending request for id.
func (c *Correlator) Resolve(id jsonrpc.ID) (Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := id.Key()
	p, ok := c.pending[key]
	if !ok {
		return Pending{}, ErrUnknownID
	}
	c.remove(key)
	c.changed()
	return p, nil
}

// Expire removes and returns every request whose deadline is at or before now,
// earliest deadline first.
func (c *Correlator) Expire(now time.Time) []Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Pending
	for key, p := range c.pending {
		if !p.Deadline.After(now) {
			out = append(out, p)
			c.remove(key)
		}
	}
	if len(out) > 0 {
		c.changed()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out
}

// DrainAll removes and returns every pending request in registration order.
func (c *Correlator) DrainAll() []Pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	type entry struct {
		p   Pending
		seq uint64
	}
	entries := make([]entry, 0, len(c.pending))
	for key, p := range c.pending {
		entries = append(entries, entry{p: p, seq: c.order[key]})
	}
	c.pending = map[string]Pending{}
	c.order = map[string]uint64{}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]Pending, len(entries))
	for i, e := range entries {
		out[i] = e.p
	}
	if len(out) > 0 {
		c.changed()
	}
	return out
}

// Len returns the number of pending requests.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Has reports whether id is pending.
func (c *Correlator) Has(id jsonrpc.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id.Key()]
	return ok
}

func (c *Correlator) remove(key string) {
	delete(c.pending, key)
	delete(c.order, key)
}

// changed must be called with mu held.
func (c *Correlator) changed() {
	if c.onSize != nil {
		c.onSize(len(c.pending))
	}
}
