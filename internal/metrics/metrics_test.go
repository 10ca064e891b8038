package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorders(t *testing.T) {
	m := New()
	m.SetBuildInfo("1.0.0", "abc", "2024-01-01")
	m.RecordFrame("client", "request")
	m.RecordFrame("client", "request")
	m.RecordMalformed("stdio")
	m.RecordSynthetic("UPSTREAM_TIMEOUT")
	m.RecordUnknownResponse()
	m.SetPending(3)
	m.SetUpstreamState(3)
	m.RecordReconnect()
	m.ObservePost(100*time.Millisecond, nil)
	m.ObservePost(time.Second, errors.New("boom"))

	if v := testutil.ToFloat64(m.frames.WithLabelValues("client", "request")); v != 2 {
		t.Fatalf("frames: %v", v)
	}
	if v := testutil.ToFloat64(m.malformed.WithLabelValues("stdio")); v != 1 {
		t.Fatalf("malformed: %v", v)
	}
	if v := testutil.ToFloat64(m.synthetic.WithLabelValues("UPSTREAM_TIMEOUT")); v != 1 {
		t.Fatalf("synthetic: %v", v)
	}
	if v := testutil.ToFloat64(m.pending); v != 3 {
		t.Fatalf("pending: %v", v)
	}
	if v := testutil.ToFloat64(m.buildInfo.WithLabelValues("1.0.0", "abc", "2024-01-01")); v != 1 {
		t.Fatalf("build info: %v", v)
	}
	if n := testutil.CollectAndCount(m.postDuration); n != 2 {
		t.Fatalf("post duration series: %d", n)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordFrame("client", "request")
	m.SetPending(1)
	m.ObservePost(time.Second, nil)
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordReconnect()
	var ready atomic.Bool
	srv := httptest.NewServer(Handler(m, ready.Load))
	defer srv.Close()

	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}
	if code, _ := get("/healthz"); code != http.StatusOK {
		t.Fatalf("healthz %d", code)
	}
	if code, _ := get("/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before ready %d", code)
	}
	ready.Store(true)
	if code, _ := get("/readyz"); code != http.StatusOK {
		t.Fatalf("readyz %d", code)
	}
	code, body := get("/metrics")
	if code != http.StatusOK || !strings.Contains(body, "mcpgate_reconnects_total 1") {
		t.Fatalf("metrics %d %s", code, body)
	}
}

func TestServeUntilContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	addr, err := ServeUntilContext(ctx, "127.0.0.1:0", Handler(New(), nil))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	cancel()
}
