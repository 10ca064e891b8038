package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestBindFlagSetDefaultsFromEnv(t *testing.T) {
	t.Setenv("UPSTREAM_URL", "http://127.0.0.1:39300/model_context_protocol/2024-11-05/sse")
	t.Setenv("REQUEST_TIMEOUT", "2.5")
	t.Setenv("RECONNECT", "true")
	t.Setenv("METRICS_PORT", "9090")
	var c GatewayConfig
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.BindFlagSet(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.UpstreamURL != "http://127.0.0.1:39300/model_context_protocol/2024-11-05/sse" {
		t.Fatalf("upstream url %q", c.UpstreamURL)
	}
	if c.RequestTimeout != 2500*time.Millisecond {
		t.Fatalf("request timeout %s", c.RequestTimeout)
	}
	if !c.Reconnect.Enabled {
		t.Fatal("reconnect should be enabled from env")
	}
	if c.MetricsAddr != ":9090" {
		t.Fatalf("metrics addr %q", c.MetricsAddr)
	}
	if c.ServerName != "mcpgate-stdio-local" {
		t.Fatalf("server name %q", c.ServerName)
	}
}

func TestBindFlagSetFlagsOverrideEnv(t *testing.T) {
	t.Setenv("SERVER_NAME", "from-env")
	var c GatewayConfig
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.BindFlagSet(fs)
	args := []string{"--server-name", "from-flag", "--request-timeout", "3", "-r", "--reconnect-attempts", "2", "--upstream-url", "http://up/sse"}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.ServerName != "from-flag" || c.RequestTimeout != 3*time.Second || !c.Reconnect.Enabled || c.Reconnect.MaxAttempts != 2 {
		t.Fatalf("unexpected config %+v", c)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	body := strings.Join([]string{
		"upstream_url: http://localhost:39300/sse",
		"server_name: pieces-stdio-mcp-local",
		"request_timeout: 30s",
		"reconnect:",
		"  enabled: true",
		"  max_attempts: 4",
		"  backoff: [100ms, 1s]",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	c := Defaults()
	if err := c.LoadFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.UpstreamURL != "http://localhost:39300/sse" || c.ServerName != "pieces-stdio-mcp-local" {
		t.Fatalf("unexpected %+v", c)
	}
	if c.RequestTimeout != 30*time.Second {
		t.Fatalf("request timeout %s", c.RequestTimeout)
	}
	if !c.Reconnect.Enabled || c.Reconnect.MaxAttempts != 4 || len(c.Reconnect.Backoff) != 2 || c.Reconnect.Backoff[0] != 100*time.Millisecond {
		t.Fatalf("unexpected reconnect policy %+v", c.Reconnect)
	}
	if c.EndpointTimeout != 10*time.Second {
		t.Fatalf("defaults should survive file load, got %s", c.EndpointTimeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*GatewayConfig)
		wantErr string
	}{
		{name: "ok", mutate: func(c *GatewayConfig) {}},
		{name: "missing upstream", mutate: func(c *GatewayConfig) { c.UpstreamURL = "" }, wantErr: "upstream url is required"},
		{name: "bad scheme", mutate: func(c *GatewayConfig) { c.UpstreamURL = "ws://x/sse" }, wantErr: "unsupported scheme"},
		{name: "bad post url", mutate: func(c *GatewayConfig) { c.PostURL = "http://" }, wantErr: "post url"},
		{name: "reconnect without attempts", mutate: func(c *GatewayConfig) { c.Reconnect.Enabled = true; c.Reconnect.MaxAttempts = 0 }, wantErr: "reconnect attempts"},
		{name: "bad marker output", mutate: func(c *GatewayConfig) { c.ReadyMarkerOutput = "file" }, wantErr: "ready marker output"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Defaults()
			c.UpstreamURL = "http://localhost:39300/sse"
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateFillsZeroValues(t *testing.T) {
	c := GatewayConfig{UpstreamURL: "https://example.com/sse"}
	if err := c.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if c.SweepInterval != time.Second || c.MaxInflight != 16 || c.ReadyMarkerOutput != MarkerStderr || c.ServerName == "" {
		t.Fatalf("defaults not applied: %+v", c)
	}
}

func TestResolveConfigPath(t *testing.T) {
	if got := ResolveConfigPath("linux", "/home/u", "", "gateway.yaml"); got != filepath.Join("/etc", "mcpgate", "gateway.yaml") {
		t.Fatalf("linux: %s", got)
	}
	if got := ResolveConfigPath("darwin", "/Users/u", "", "gateway.yaml"); got != filepath.Join("/Users/u", "Library", "Application Support", "mcpgate", "gateway.yaml") {
		t.Fatalf("darwin: %s", got)
	}
}
