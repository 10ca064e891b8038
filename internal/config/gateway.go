package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gaspardpetit/mcpgate/internal/reconnect"
)

// Ready marker destinations.
const (
	MarkerStderr = "stderr"
	MarkerStdout = "stdout"
	MarkerNone   = "none"
)

// GatewayConfig is captured once at startup and never mutated afterwards.
type GatewayConfig struct {
	// UpstreamURL is the SSE endpoint opened with a streaming GET.
	UpstreamURL string `yaml:"upstream_url"`
	// PostURL skips the endpoint handshake when the upstream never announces one.
	PostURL string `yaml:"post_url"`
	// ServerName is a cosmetic identifier reported in logs and synthetic errors.
	ServerName string `yaml:"server_name"`

	RequestTimeout  time.Duration `yaml:"request_timeout"`
	EndpointTimeout time.Duration `yaml:"endpoint_timeout"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxInflight     int           `yaml:"max_inflight"`

	Reconnect reconnect.Policy `yaml:"reconnect"`

	MetricsAddr       string `yaml:"metrics_addr"`
	LogLevel          string `yaml:"log_level"`
	ReadyMarker       string `yaml:"ready_marker"`
	ReadyMarkerOutput string `yaml:"ready_marker_output"`

	ConfigFile string `yaml:"-"`
}

// Defaults returns a configuration with every optional field populated.
func Defaults() GatewayConfig {
	return GatewayConfig{
		ServerName:        "mcpgate-stdio-local",
		RequestTimeout:    60 * time.Second,
		EndpointTimeout:   10 * time.Second,
		SweepInterval:     time.Second,
		ShutdownTimeout:   5 * time.Second,
		MaxInflight:       16,
		Reconnect:         reconnect.Policy{MaxAttempts: len(reconnect.Schedule)},
		LogLevel:          "info",
		ReadyMarker:       "GATEWAY_READY",
		ReadyMarkerOutput: MarkerStderr,
	}
}

// BindFlags populates the struct with defaults from environment variables and
// binds command line flags so main can call flag.Parse().
func (c *GatewayConfig) BindFlags() { c.BindFlagSet(flag.CommandLine) }

// BindFlagSet is BindFlags against an explicit flag set.
func (c *GatewayConfig) BindFlagSet(fs *flag.FlagSet) {
	*c = Defaults()
	c.ConfigFile = GetEnv("CONFIG_FILE", DefaultConfigPath("gateway.yaml"))
	c.LogLevel = GetEnv("LOG_LEVEL", c.LogLevel)
	c.UpstreamURL = GetEnv("UPSTREAM_URL", "")
	c.PostURL = GetEnv("POST_URL", "")
	c.ServerName = GetEnv("SERVER_NAME", c.ServerName)
	if v, err := strconv.ParseFloat(GetEnv("REQUEST_TIMEOUT", ""), 64); err == nil && v > 0 {
		c.RequestTimeout = time.Duration(v * float64(time.Second))
	}
	if d, err := time.ParseDuration(GetEnv("ENDPOINT_TIMEOUT", "")); err == nil {
		c.EndpointTimeout = d
	}
	if b, err := strconv.ParseBool(GetEnv("RECONNECT", "false")); err == nil {
		c.Reconnect.Enabled = b
	}
	if n, err := strconv.Atoi(GetEnv("RECONNECT_ATTEMPTS", "")); err == nil {
		c.Reconnect.MaxAttempts = n
	}
	if n, err := strconv.Atoi(GetEnv("MAX_INFLIGHT", "")); err == nil {
		c.MaxInflight = n
	}
	mp := GetEnv("METRICS_PORT", "")
	if mp != "" && !strings.Contains(mp, ":") {
		mp = ":" + mp
	}
	c.MetricsAddr = mp
	c.ReadyMarker = GetEnv("READY_MARKER", c.ReadyMarker)
	c.ReadyMarkerOutput = GetEnv("READY_MARKER_OUTPUT", c.ReadyMarkerOutput)

	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "gateway config file path (YAML)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.UpstreamURL, "upstream-url", c.UpstreamURL, "upstream SSE endpoint (e.g. http://localhost:39300/model_context_protocol/2024-11-05/sse)")
	fs.StringVar(&c.PostURL, "post-url", c.PostURL, "fixed URL for outbound messages; skips waiting for the endpoint event")
	fs.StringVar(&c.ServerName, "server-name", c.ServerName, "local server name reported in logs and gateway errors")
	fs.Func("request-timeout", "seconds to wait for an upstream response before answering with a timeout error", func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.RequestTimeout = time.Duration(f * float64(time.Second))
		return nil
	})
	fs.DurationVar(&c.EndpointTimeout, "endpoint-timeout", c.EndpointTimeout, "maximum wait for the upstream endpoint event")
	fs.BoolVar(&c.Reconnect.Enabled, "reconnect", c.Reconnect.Enabled, "reconnect to the upstream after a session failure")
	fs.BoolVar(&c.Reconnect.Enabled, "r", c.Reconnect.Enabled, "short for --reconnect")
	fs.IntVar(&c.Reconnect.MaxAttempts, "reconnect-attempts", c.Reconnect.MaxAttempts, "reconnect attempts before giving up")
	fs.IntVar(&c.MaxInflight, "max-inflight", c.MaxInflight, "maximum concurrent upstream POSTs")
	fs.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port (disabled when empty; e.g. 127.0.0.1:9090 or 9090)")
	fs.StringVar(&c.ReadyMarker, "ready-marker", c.ReadyMarker, "line printed once stdin is being read")
	fs.StringVar(&c.ReadyMarkerOutput, "ready-marker-output", c.ReadyMarkerOutput, "where to print the ready marker (stderr, stdout, none)")
}

// LoadFile populates the config from a YAML file. Fields already set remain unless
// overwritten by corresponding entries in the file.
func (c *GatewayConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// Validate checks required fields and fills zero values with defaults.
func (c *GatewayConfig) Validate() error {
	var errs []error
	if c.UpstreamURL == "" {
		errs = append(errs, errors.New("upstream url is required"))
	} else if err := checkHTTPURL(c.UpstreamURL); err != nil {
		errs = append(errs, fmt.Errorf("upstream url: %w", err))
	}
	if c.PostURL != "" {
		if err := checkHTTPURL(c.PostURL); err != nil {
			errs = append(errs, fmt.Errorf("post url: %w", err))
		}
	}
	d := Defaults()
	if c.ServerName == "" {
		c.ServerName = d.ServerName
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.EndpointTimeout <= 0 {
		c.EndpointTimeout = d.EndpointTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.MaxInflight <= 0 {
		c.MaxInflight = d.MaxInflight
	}
	if c.Reconnect.Enabled && c.Reconnect.MaxAttempts <= 0 {
		errs = append(errs, errors.New("reconnect attempts must be positive when reconnect is enabled"))
	}
	switch c.ReadyMarkerOutput {
	case "":
		c.ReadyMarkerOutput = d.ReadyMarkerOutput
	case MarkerStderr, MarkerStdout, MarkerNone:
	default:
		errs = append(errs, fmt.Errorf("ready marker output %q: want stderr, stdout or none", c.ReadyMarkerOutput))
	}
	return errors.Join(errs...)
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
