package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/WebFirstLanguage/ouroboros/internal/logging"
	"github.com/WebFirstLanguage/ouroboros/pkg/config"
	"github.com/WebFirstLanguage/ouroboros/pkg/control"
	"github.com/WebFirstLanguage/ouroboros/pkg/dev"
	"github.com/WebFirstLanguage/ouroboros/pkg/fabric/local"
	"github.com/WebFirstLanguage/ouroboros/pkg/fabric/netfab"
	"github.com/WebFirstLanguage/ouroboros/pkg/timeout"
	"github.com/WebFirstLanguage/ouroboros/pkg/transport"
)

// serve runs a node on the transport and echoes every message sent on a
// flow to name
func serve(ctx context.Context, cfg config.Config, t transport.Transport, name string, log zerolog.Logger) error {
	hosts := []string{"localhost", "127.0.0.1"}
	if host, _, err := net.SplitHostPort(cfg.Transport.Listen); err == nil && host != "" && host != "0.0.0.0" {
		hosts = append([]string{host}, hosts...)
	}
	serverTLS, _, err := transport.SelfSignedTLS(hosts...)
	if err != nil {
		return err
	}

	fab := local.NewWithConfig(local.Config{
		MaxFlows: cfg.Process.MaxFlows,
		QueueLen: cfg.Process.RxQueueLen,
		Logger:   logging.Component(log, "fabric"),
	})
	defer fab.Close()

	nodeCfg := netfab.DefaultNodeConfig()
	nodeCfg.HandshakeTimeout = cfg.Transport.HandshakeTimeout.Duration
	nodeCfg.DeallocLinger = cfg.Process.DeallocLinger.Duration
	nodeCfg.Logger = logging.Component(log, "node")
	node := netfab.NewNode(fab, nodeCfg)

	ln, err := t.Listen(ctx, cfg.Transport.Listen, serverTLS)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Transport.Listen, err)
	}

	p, err := dev.InitWithConfig(fab, "oecho-server", cfg.DevConfig(log))
	if err != nil {
		ln.Close()
		return err
	}
	defer p.Close()

	if err := p.Bind(ctx, name); err != nil {
		ln.Close()
		return err
	}

	set, err := p.NewFlowSet()
	if err != nil {
		ln.Close()
		return err
	}
	defer set.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return node.Serve(ctx, ln) })
	g.Go(func() error { return acceptLoop(ctx, p, set, log) })
	g.Go(func() error { return echoLoop(ctx, p, set, log) })

	if cfg.Control.Enabled {
		cl, err := listenControl(cfg.Control)
		if err != nil {
			ln.Close()
			return err
		}
		g.Go(func() error { return control.NewServer(p, log).Serve(ctx, cl) })
	}

	log.Info().
		Str("transport", t.Name()).
		Str("addr", ln.Addr().String()).
		Str("name", name).
		Msg("oecho server listening")

	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func listenControl(cfg config.Control) (net.Listener, error) {
	if cfg.Network == "unix" {
		os.Remove(cfg.Addr)
	}
	l, err := net.Listen(cfg.Network, cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to open control socket: %w", err)
	}
	return l, nil
}

// acceptLoop adds every accepted flow to set
func acceptLoop(ctx context.Context, p *dev.Process, set *dev.FlowSet, log zerolog.Logger) error {
	for {
		f, spec, err := p.Accept(ctx, timeout.None)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		// The echo loop drains each flow until it would block
		if err := f.SetFlags(dev.ReadWrite | dev.NonBlockingRead); err != nil {
			log.Warn().Err(err).Msg("failed to set flags")
		}
		if err := set.Add(f); err != nil {
			log.Warn().Err(err).Int("fd", f.FD()).Msg("cannot watch flow")
			f.Close()
			continue
		}
		log.Info().Int("fd", f.FD()).Stringer("qos", spec).Msg("new flow")
	}
}

// echoLoop waits on set and writes every message back on its flow
func echoLoop(ctx context.Context, p *dev.Process, set *dev.FlowSet, log zerolog.Logger) error {
	q := p.NewEventQueue()
	for {
		if err := set.Wait(ctx, q, timeout.None); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for {
			f, ev, err := q.Next()
			if err != nil {
				break
			}
			log.Debug().Int("fd", f.FD()).Stringer("event", ev).Msg("flow event")
			service(ctx, f, log)
		}
	}
}

// service echoes the queued messages of f and releases it once it is down
func service(ctx context.Context, f *dev.Flow, log zerolog.Logger) {
	fd := f.FD()
	for {
		buf, err := f.Read(ctx, 0)
		switch {
		case errors.Is(err, dev.ErrTimeout):
			return
		case err != nil:
			if !errors.Is(err, dev.ErrFlowDown) {
				log.Warn().Err(err).Int("fd", fd).Msg("read failed")
			}
			log.Info().Int("fd", fd).Msg("flow closed")
			f.Close()
			return
		}

		log.Info().Int("fd", fd).Str("message", string(buf)).Msg("echo")
		if _, err := f.Write(ctx, buf); err != nil {
			log.Warn().Err(err).Int("fd", fd).Msg("write failed")
			f.Close()
			return
		}
	}
}
