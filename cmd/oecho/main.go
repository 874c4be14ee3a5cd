// Package main implements oecho, a one-message echo over a flow. The
// server multiplexes every client flow through a single flow set.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/WebFirstLanguage/ouroboros/internal/logging"
	"github.com/WebFirstLanguage/ouroboros/pkg/config"
	"github.com/WebFirstLanguage/ouroboros/pkg/control"
	"github.com/WebFirstLanguage/ouroboros/pkg/transport"
	"github.com/WebFirstLanguage/ouroboros/pkg/transport/quic"
	"github.com/WebFirstLanguage/ouroboros/pkg/transport/tcp"
)

// Build-time variables set by ldflags
var (
	version    = "dev"
	buildTime  = "unknown"
	commitHash = "unknown"
)

// Message is what the client sends
const Message = "Hello, PyOuroboros!"

type options struct {
	listen     bool
	configPath string
	name       string
	addr       string
	transport  string
	query      string
	version    bool
}

func main() {
	var opts options
	fs := pflag.NewFlagSet("oecho", pflag.ContinueOnError)
	fs.BoolVarP(&opts.listen, "listen", "l", false, "run in server mode")
	fs.StringVarP(&opts.configPath, "config", "c", "", "TOML configuration file")
	fs.StringVarP(&opts.name, "name", "n", "oecho", "name to bind or allocate")
	fs.StringVarP(&opts.addr, "addr", "a", "", "node address (listen address with -l)")
	fs.StringVarP(&opts.transport, "transport", "t", "", "transport: quic or tcp")
	fs.StringVarP(&opts.query, "query", "q", "", "query a running server's control socket (info, flows, names)")
	fs.BoolVarP(&opts.version, "version", "v", false, "show version information")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "oecho %s - echo over an ouroboros flow\n\nUsage:\n  oecho [options]\n\nOptions:\n", version)
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}
	if opts.version {
		printVersion()
		return
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("oecho %s\n", version)
	fmt.Printf("Built: %s\n", buildTime)
	fmt.Printf("Commit: %s\n", commitHash)
}

func run(opts options) error {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return err
		}
	}
	if opts.transport != "" {
		cfg.Transport.Name = opts.transport
	}
	if opts.listen && opts.addr != "" {
		cfg.Transport.Listen = opts.addr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.query != "" {
		return query(ctx, cfg, opts.query)
	}

	t, err := newRegistry().Lookup(cfg.Transport.Name)
	if err != nil {
		return err
	}
	if opts.listen {
		return serve(ctx, cfg, t, opts.name, log)
	}
	return echo(ctx, cfg, t, opts, log)
}

func newRegistry() *transport.Registry {
	r := transport.NewRegistry()
	r.Register(quic.New())
	r.Register(tcp.New())
	return r
}

func clientTLS(cfg config.Config) *tls.Config {
	if cfg.Transport.InsecureSkipVerify {
		return transport.InsecureClientTLS()
	}
	return &tls.Config{MinVersion: tls.VersionTLS13}
}

func query(ctx context.Context, cfg config.Config, method string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, cfg.Control.Network, cfg.Control.Addr)
	if err != nil {
		return fmt.Errorf("failed to reach control socket: %w", err)
	}
	defer conn.Close()

	resp, err := control.Query(ctx, conn, method)
	if err != nil {
		return err
	}
	fmt.Println(string(resp.Result))
	return nil
}
