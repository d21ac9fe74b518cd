package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-nuc-can/internal/ccan"
)

type appConfig struct {
	driver       string
	clockHz      uint
	pollInterval time.Duration
	bitrate      uint
	mode         string
	planPath     string

	backend      string
	serialDev    string
	baud         int
	serialReadTO time.Duration
	canIf        string

	listenAddr      string
	hubBuffer       int
	hubPolicy       string
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	metricsAddr     string
	logMetricsEvery time.Duration
	logFormat       string
	logLevel        string
	mdnsEnable      bool
	mdnsName        string
}

const envPrefix = "CAN_NODE_"

// parseFlags parses args (without the program name). The bool reports
// -version.
func parseFlags(args []string, stderr io.Writer) (*appConfig, bool, error) {
	cfg := &appConfig{}
	fs := flag.NewFlagSet("can-node", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.driver, "driver", "sim", "Register bus: sim|mmio (mmio maps /dev/mem)")
	fs.UintVar(&cfg.clockHz, "clock-hz", 48_000_000, "CAN peripheral clock in Hz")
	fs.DurationVar(&cfg.pollInterval, "poll-interval", 2*time.Millisecond, "Dispatch poll period when no interrupt line is available (mmio)")
	fs.UintVar(&cfg.bitrate, "bitrate", 0, "Bit rate in bit/s; overrides the plan when > 0")
	fs.StringVar(&cfg.mode, "mode", "", "Controller mode: normal|basic|loopback; overrides the plan when set")
	fs.StringVar(&cfg.planPath, "plan", "", "TOML message-object plan (default: built-in sample plan)")
	fs.StringVar(&cfg.backend, "backend", "none", "Wire backend for the simulated core: none|serial|socketcan|canbus")
	fs.StringVar(&cfg.serialDev, "serial", "/dev/ttyUSB0", "Serial device path")
	fs.IntVar(&cfg.baud, "baud", 115200, "Serial baud rate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	fs.StringVar(&cfg.canIf, "can-if", "can0", "CAN interface for socketcan and canbus backends")
	fs.StringVar(&cfg.listenAddr, "listen", ":20000", "Monitor TCP listen address")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", 512, "Per-client hub buffer (messages)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", "drop", "Backpressure policy: drop|kick")
	fs.IntVar(&cfg.maxClients, "max-clients", 0, "Maximum simultaneous monitor clients (0 = unlimited)")
	fs.DurationVar(&cfg.handshakeTO, "handshake-timeout", 3*time.Second, "Client handshake timeout")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", 60*time.Second, "Per-connection read deadline")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g. :9100); empty disables")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If > 0, periodically log metrics counters")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Advertise the monitor port over mDNS")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default can-node-<hostname>)")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })
	if err := applyEnvOverrides(cfg, set); err != nil {
		return nil, *showVersion, fmt.Errorf("environment override: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, *showVersion, fmt.Errorf("configuration: %w", err)
	}
	return cfg, *showVersion, nil
}

// validate checks values only; nothing is opened.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	oneOf := func(name, v string, allowed ...string) error {
		for _, a := range allowed {
			if v == a {
				return nil
			}
		}
		return fmt.Errorf("invalid %s: %q (use %s)", name, v, strings.Join(allowed, "|"))
	}
	for _, err := range []error{
		oneOf("driver", c.driver, "sim", "mmio"),
		oneOf("backend", c.backend, "none", "serial", "socketcan", "canbus"),
		oneOf("hub-policy", c.hubPolicy, "drop", "kick"),
		oneOf("log-format", c.logFormat, "text", "json"),
		oneOf("log-level", c.logLevel, "debug", "info", "warn", "error"),
	} {
		if err != nil {
			return err
		}
	}
	if c.mode != "" {
		if _, err := ccan.ParseMode(c.mode); err != nil {
			return err
		}
	}
	if c.driver == "mmio" && c.backend != "none" {
		return fmt.Errorf("backend %s needs the simulated core (driver=sim)", c.backend)
	}
	switch {
	case c.clockHz == 0:
		return errors.New("clock-hz must be > 0")
	case c.bitrate > ccan.MaxBitrate:
		return fmt.Errorf("bitrate must be <= %d", ccan.MaxBitrate)
	case c.pollInterval <= 0:
		return errors.New("poll-interval must be > 0")
	case c.hubBuffer <= 0:
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	case c.baud <= 0:
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	case c.serialReadTO <= 0:
		return errors.New("serial-read-timeout must be > 0")
	case c.handshakeTO <= 0:
		return errors.New("handshake-timeout must be > 0")
	case c.clientReadTO <= 0:
		return errors.New("client-read-timeout must be > 0")
	case c.maxClients < 0:
		return errors.New("max-clients must be >= 0")
	}
	return nil
}

// applyEnvOverrides maps CAN_NODE_* variables onto fields whose flag was
// not given explicitly. Empty values are ignored. The first parse error is
// returned after every variable has been looked at.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	fail := func(key string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
		}
	}
	lookup := func(flagName, key string) (string, bool) {
		if _, ok := set[flagName]; ok {
			return "", false
		}
		v, ok := os.LookupEnv(envPrefix + key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	str := func(flagName, key string, dst *string) {
		if v, ok := lookup(flagName, key); ok {
			*dst = v
		}
	}
	integer := func(flagName, key string, dst *int) {
		if v, ok := lookup(flagName, key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = n
		}
	}
	unsigned := func(flagName, key string, dst *uint) {
		if v, ok := lookup(flagName, key); ok {
			n, err := strconv.ParseUint(v, 0, 32)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = uint(n)
		}
	}
	duration := func(flagName, key string, dst *time.Duration) {
		if v, ok := lookup(flagName, key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				fail(key, err)
				return
			}
			*dst = d
		}
	}
	boolean := func(flagName, key string, dst *bool) {
		if v, ok := lookup(flagName, key); ok {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			default:
				fail(key, fmt.Errorf("not a boolean: %q", v))
			}
		}
	}

	str("driver", "DRIVER", &c.driver)
	unsigned("clock-hz", "CLOCK_HZ", &c.clockHz)
	duration("poll-interval", "POLL_INTERVAL", &c.pollInterval)
	unsigned("bitrate", "BITRATE", &c.bitrate)
	str("mode", "MODE", &c.mode)
	str("plan", "PLAN", &c.planPath)
	str("backend", "BACKEND", &c.backend)
	str("serial", "SERIAL", &c.serialDev)
	integer("baud", "BAUD", &c.baud)
	duration("serial-read-timeout", "SERIAL_READ_TIMEOUT", &c.serialReadTO)
	str("can-if", "IF", &c.canIf)
	str("listen", "LISTEN", &c.listenAddr)
	integer("hub-buffer", "HUB_BUFFER", &c.hubBuffer)
	str("hub-policy", "HUB_POLICY", &c.hubPolicy)
	integer("max-clients", "MAX_CLIENTS", &c.maxClients)
	duration("handshake-timeout", "HANDSHAKE_TIMEOUT", &c.handshakeTO)
	duration("client-read-timeout", "CLIENT_READ_TIMEOUT", &c.clientReadTO)
	if _, ok := set["metrics-addr"]; !ok {
		// an empty value explicitly disables metrics
		if v, ok := os.LookupEnv(envPrefix + "METRICS"); ok {
			c.metricsAddr = strings.TrimSpace(v)
		}
	}
	duration("log-metrics-interval", "LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	str("log-format", "LOG_FORMAT", &c.logFormat)
	str("log-level", "LOG_LEVEL", &c.logLevel)
	boolean("mdns-enable", "MDNS_ENABLE", &c.mdnsEnable)
	str("mdns-name", "MDNS_NAME", &c.mdnsName)
	return firstErr
}
