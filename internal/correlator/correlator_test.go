package correlator

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/gaspardpetit/mcpgate/internal/jsonrpc"
)

func TestRegisterResolve(t *testing.T) {
	c := New(time.Minute)
	if err := c.Register(jsonrpc.NumberID(1), "initialize"); err != nil {
		t.Fatalf("register: %v", err)
	}
	p, err := c.Resolve(jsonrpc.NumberID(1))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Method != "initialize" || !p.ID.Equal(jsonrpc.NumberID(1)) {
		t.Fatalf("unexpected pending %+v", p)
	}
	if _, err := c.Resolve(jsonrpc.NumberID(1)); !errors.Is(err, ErrUnknownID) {
		t.Fatalf("second resolve should be unknown, got %v", err)
	}
}

func TestDuplicateIDRejected(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New(time.Minute, WithClock(clock))
	if err := c.Register(jsonrpc.NumberID(5), "tools/call"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(10 * time.Second)
	if err := c.Register(jsonrpc.NumberID(5), "tools/list"); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
	p, err := c.Resolve(jsonrpc.NumberID(5))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Method != "tools/call" || !p.CreatedAt.Equal(clock.Now().Add(-10*time.Second)) {
		t.Fatalf("first registration must be unaffected, got %+v", p)
	}
	if err := c.Register(jsonrpc.NumberID(5), "tools/list"); err != nil {
		t.Fatalf("id should be reusable once resolved: %v", err)
	}
}

func TestStringAndNumberIDsAreDistinct(t *testing.T) {
	c := New(time.Minute)
	if err := c.Register(jsonrpc.NumberID(1), "a"); err != nil {
		t.Fatal(err)
	}
	if err := c.Register(jsonrpc.StringID("1"), "b"); err != nil {
		t.Fatalf("string id should not collide with number id: %v", err)
	}
	if c.Len() != 2 {
		t.Fatalf("expected 2 pending, got %d", c.Len())
	}
}

func TestExpire(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New(5*time.Second, WithClock(clock))
	_ = c.Register(jsonrpc.NumberID(1), "slow")
	clock.Advance(2 * time.Second)
	_ = c.Register(jsonrpc.NumberID(2), "later")

	if got := c.Expire(clock.Now()); len(got) != 0 {
		t.Fatalf("nothing should expire yet, got %+v", got)
	}
	clock.Advance(3 * time.Second)
	got := c.Expire(clock.Now())
	if len(got) != 1 || !got[0].ID.Equal(jsonrpc.NumberID(1)) {
		t.Fatalf("expected id 1 to expire exactly at its deadline, got %+v", got)
	}
	if got := c.Expire(clock.Now()); len(got) != 0 {
		t.Fatalf("expired entries must be removed, got %+v", got)
	}
	clock.Advance(time.Hour)
	got = c.Expire(clock.Now())
	if len(got) != 1 || !got[0].ID.Equal(jsonrpc.NumberID(2)) {
		t.Fatalf("expected id 2, got %+v", got)
	}
	if _, err := c.Resolve(jsonrpc.NumberID(2)); !errors.Is(err, ErrUnknownID) {
		t.Fatalf("late response must be unknown, got %v", err)
	}
}

func TestDrainAllOrder(t *testing.T) {
	c := New(time.Minute)
	for _, id := range []int64{10, 11, 3} {
		if err := c.Register(jsonrpc.NumberID(id), "m"); err != nil {
			t.Fatal(err)
		}
	}
	got := c.DrainAll()
	if len(got) != 3 || got[0].ID.Key() != "10" || got[1].ID.Key() != "11" || got[2].ID.Key() != "3" {
		t.Fatalf("unexpected drain order %+v", got)
	}
	if c.Len() != 0 || len(c.DrainAll()) != 0 {
		t.Fatal("drain must empty the correlator")
	}
}

func TestResolveExpireRaceEmitsOnce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := New(time.Second, WithClock(clock))
	const n = 200
	for i := int64(0); i < n; i++ {
		_ = c.Register(jsonrpc.NumberID(i), "m")
	}
	clock.Advance(time.Second)

	var mu sync.Mutex
	seen := map[string]int{}
	record := func(p Pending) {
		mu.Lock()
		seen[p.ID.Key()]++
		mu.Unlock()
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := int64(0); i < n; i++ {
			if p, err := c.Resolve(jsonrpc.NumberID(i)); err == nil {
				record(p)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for _, p := range c.Expire(clock.Now()) {
			record(p)
		}
	}()
	wg.Wait()
	if len(seen) != n {
		t.Fatalf("expected %d ids, got %d", n, len(seen))
	}
	for k, v := range seen {
		if v != 1 {
			t.Fatalf("id %s emitted %d times", k, v)
		}
	}
}

func TestSizeHook(t *testing.T) {
	var sizes []int
	c := New(time.Minute, WithSizeHook(func(n int) { sizes = append(sizes, n) }))
	_ = c.Register(jsonrpc.NumberID(1), "a")
	_ = c.Register(jsonrpc.NumberID(2), "b")
	_, _ = c.Resolve(jsonrpc.NumberID(1))
	c.DrainAll()
	want := []int{1, 2, 1, 0}
	if len(sizes) != len(want) {
		t.Fatalf("sizes %v want %v", sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("sizes %v want %v", sizes, want)
		}
	}
}
