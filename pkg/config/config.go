// Package config loads the TOML configuration of the ouroboros tools
package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"github.com/WebFirstLanguage/ouroboros/internal/logging"
	"github.com/WebFirstLanguage/ouroboros/pkg/constants"
	"github.com/WebFirstLanguage/ouroboros/pkg/dev"
	"github.com/WebFirstLanguage/ouroboros/pkg/naming"
)

// Duration is a time.Duration written as a string such as "2s"
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText writes the duration in Go syntax
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the whole configuration file
type Config struct {
	Log       logging.Config `toml:"log"`
	Process   Process        `toml:"process"`
	Transport Transport      `toml:"transport"`
	Directory []Entry        `toml:"directory"`
	Control   Control        `toml:"control"`
}

// Process holds the flow core limits
type Process struct {
	MaxFlows           int      `toml:"max_flows"`
	FlowSetCapacity    int      `toml:"flow_set_capacity"`
	EventQueueCapacity int      `toml:"event_queue_capacity"`
	RxQueueLen         int      `toml:"rx_queue_len"`
	TxQueueLen         int      `toml:"tx_queue_len"`
	DeallocLinger      Duration `toml:"dealloc_linger"`
}

// Transport selects how nodes reach each other
type Transport struct {
	Name               string   `toml:"name"`
	Listen             string   `toml:"listen"`
	InsecureSkipVerify bool     `toml:"insecure_skip_verify"`
	HandshakeTimeout   Duration `toml:"handshake_timeout"`
}

// Entry maps a flow destination name to the node that serves it
type Entry struct {
	Name string `toml:"name"`
	Addr string `toml:"addr"`
}

// Control configures the local control socket
type Control struct {
	Enabled bool   `toml:"enabled"`
	Network string `toml:"network"`
	Addr    string `toml:"addr"`
}

// Default returns the configuration used when no file is given
func Default() Config {
	return Config{
		Log: logging.DefaultConfig(),
		Process: Process{
			MaxFlows:           constants.DefaultMaxFlows,
			FlowSetCapacity:    constants.DefaultFlowSetCapacity,
			EventQueueCapacity: constants.DefaultEventQueueCapacity,
			RxQueueLen:         constants.DefaultRxQueueLen,
			TxQueueLen:         constants.DefaultTxQueueLen,
			DeallocLinger:      Duration{constants.DefaultDeallocLinger},
		},
		Transport: Transport{
			Name:               "quic",
			Listen:             fmt.Sprintf("127.0.0.1:%d", constants.DefaultPort),
			InsecureSkipVerify: true, // nodes present self-signed certificates
			HandshakeTimeout:   Duration{constants.DefaultHandshakeTimeout},
		},
		Control: Control{
			Network: "unix",
			Addr:    "/tmp/ouroboros.sock",
		},
	}
}

// Load reads path on top of the defaults and validates the result
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	if err := checkUndecoded(md); err != nil {
		return Config{}, fmt.Errorf("%w in %s", err, path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML text on top of the defaults and validates the result
func Parse(text string) (Config, error) {
	cfg := Default()
	md, err := toml.Decode(text, &cfg)
	if err != nil {
		return Config{}, err
	}
	if err := checkUndecoded(md); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// checkUndecoded rejects keys that match no configuration field
func checkUndecoded(md toml.MetaData) error {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown config key %q", undecoded[0].String())
	}
	return nil
}

// Validate checks every section
func (c Config) Validate() error {
	var errs []error
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}

	p := c.Process
	for _, v := range []struct {
		name string
		n    int
	}{
		{"max_flows", p.MaxFlows},
		{"flow_set_capacity", p.FlowSetCapacity},
		{"event_queue_capacity", p.EventQueueCapacity},
		{"rx_queue_len", p.RxQueueLen},
		{"tx_queue_len", p.TxQueueLen},
	} {
		if v.n < 0 {
			errs = append(errs, fmt.Errorf("process: %s must not be negative", v.name))
		}
	}
	if p.DeallocLinger.Duration < 0 {
		errs = append(errs, errors.New("process: dealloc_linger must not be negative"))
	}

	switch c.Transport.Name {
	case "quic", "tcp":
	default:
		errs = append(errs, fmt.Errorf("transport: unknown transport %q", c.Transport.Name))
	}
	if c.Transport.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Transport.Listen); err != nil {
			errs = append(errs, fmt.Errorf("transport: listen: %w", err))
		}
	}

	seen := make(map[string]bool)
	for i, e := range c.Directory {
		name, err := naming.Normalize(e.Name)
		if err != nil {
			errs = append(errs, fmt.Errorf("directory[%d]: %w", i, err))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("directory[%d]: duplicate name %q", i, name))
		}
		seen[name] = true
		if _, _, err := net.SplitHostPort(e.Addr); err != nil {
			errs = append(errs, fmt.Errorf("directory[%d]: addr: %w", i, err))
		}
	}

	if c.Control.Enabled {
		switch c.Control.Network {
		case "unix", "tcp":
		default:
			errs = append(errs, fmt.Errorf("control: unknown network %q", c.Control.Network))
		}
		if c.Control.Addr == "" {
			errs = append(errs, errors.New("control: addr is required"))
		}
	}
	return errors.Join(errs...)
}

// DevConfig converts the process section into flow core limits
func (c Config) DevConfig(log zerolog.Logger) dev.Config {
	return dev.Config{
		MaxFlows:           c.Process.MaxFlows,
		FlowSetCapacity:    c.Process.FlowSetCapacity,
		EventQueueCapacity: c.Process.EventQueueCapacity,
		RxQueueLen:         c.Process.RxQueueLen,
		TxQueueLen:         c.Process.TxQueueLen,
		DeallocLinger:      c.Process.DeallocLinger.Duration,
		Logger:             log,
	}
}
