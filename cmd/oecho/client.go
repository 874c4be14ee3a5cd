package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/WebFirstLanguage/ouroboros/internal/logging"
	"github.com/WebFirstLanguage/ouroboros/pkg/config"
	"github.com/WebFirstLanguage/ouroboros/pkg/dev"
	"github.com/WebFirstLanguage/ouroboros/pkg/fabric/netfab"
	"github.com/WebFirstLanguage/ouroboros/pkg/timeout"
	"github.com/WebFirstLanguage/ouroboros/pkg/transport"
)

// echo allocates a flow to the server, sends Message and prints the reply
func echo(ctx context.Context, cfg config.Config, t transport.Transport, opts options, log zerolog.Logger) error {
	dir, err := directory(cfg, opts)
	if err != nil {
		return err
	}

	client := netfab.NewClient(netfab.ClientConfig{
		Transport:     t,
		TLS:           clientTLS(cfg),
		Directory:     dir,
		DeallocLinger: cfg.Process.DeallocLinger.Duration,
		Logger:        logging.Component(log, "client"),
	})
	defer client.Close()

	p, err := dev.InitWithConfig(client, "oecho-client", cfg.DevConfig(log))
	if err != nil {
		return err
	}
	defer p.Close()

	f, _, err := p.Alloc(ctx, opts.name, nil, timeout.None)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteLine(ctx, Message); err != nil {
		return err
	}
	reply, err := f.ReadLine(ctx)
	if err != nil {
		return err
	}
	fmt.Println(reply)
	return nil
}

// directory maps the configured names; -addr overrides the entry for the
// target name, which otherwise defaults to the local listen address
func directory(cfg config.Config, opts options) (*netfab.Directory, error) {
	dir := netfab.NewDirectory()
	for _, e := range cfg.Directory {
		if err := dir.Add(e.Name, e.Addr); err != nil {
			return nil, err
		}
	}
	switch {
	case opts.addr != "":
		if err := dir.Add(opts.name, opts.addr); err != nil {
			return nil, err
		}
	default:
		if _, err := dir.Resolve(opts.name); err != nil {
			if err := dir.Add(opts.name, cfg.Transport.Listen); err != nil {
				return nil, err
			}
		}
	}
	return dir, nil
}
