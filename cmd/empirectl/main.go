package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"empirectl/internal/client"
	"empirectl/internal/config"
	"empirectl/internal/logging"
	"empirectl/internal/ops"
	"empirectl/internal/protocol/frame"
	"empirectl/internal/storage"
	"empirectl/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "empirectl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "empirectl.toml", "runtime config file")
	accountsPath := flag.String("accounts", "accounts.toml", "accounts file")
	flag.Parse()

	logging.Configure(logging.ProfileRuntime)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	accounts, err := loadAccounts(*accountsPath)
	if err != nil {
		return err
	}

	sink, err := openSink(cfg.Storage)
	if err != nil {
		return err
	}
	defer sink.Close()

	pool := client.NewPool()
	clients := make([]*client.Client, 0, len(accounts))
	for _, acct := range accounts {
		c, err := buildClient(cfg, acct, sink)
		if err != nil {
			return fmt.Errorf("account %q: %w", acct.Name, err)
		}
		if err := pool.Add(acct.Name, c); err != nil {
			return err
		}
		clients = append(clients, c)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Ops.Addr != "" {
		srv := ops.NewServer(cfg.Ops.Addr, statusFor(accounts[0].Name, clients[0]))
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	errs := make(chan error, len(clients))
	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(name string, c *client.Client) {
			defer wg.Done()
			if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("account", name).Msg("session terminated")
				errs <- fmt.Errorf("account %q: %w", name, err)
			}
		}(accounts[i].Name, c)
	}

	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		return err
	}
	return nil
}

func buildClient(cfg config.Config, acct Account, sink storage.Sink) (*client.Client, error) {
	var dialer transport.Dialer
	endpoint := cfg.Server.Addr()
	if cfg.Server.UseWebSock {
		dialer = transport.WSDialer{}
		endpoint = fmt.Sprintf("wss://%s%s", cfg.Server.Addr(), cfg.Server.WSPath)
	} else {
		dialer = transport.TLSDialer{
			Config:  &tls.Config{ServerName: cfg.Server.TLSServerName()},
			Timeout: cfg.Session.StepTimeout(),
		}
	}
	conn := transport.New(dialer, frame.DefaultLimits())

	return client.New(client.Config{
		Endpoint:       endpoint,
		Zone:           cfg.Server.Zone,
		Version:        cfg.Server.Version,
		Username:       acct.Username,
		Password:       acct.Password,
		StepTimeout:    cfg.Session.StepTimeout(),
		RequestTimeout: cfg.Session.RequestTimeout(),
		Keepalive:      cfg.Session.Keepalive(),
		MovementPoll:   cfg.Session.MovementPoll(),
		Backoff: client.BackoffConfig{
			InitialDelay: cfg.Session.BackoffMin(),
			Multiplier:   2.0,
			MaxDelay:     cfg.Session.BackoffMax(),
			Jitter:       true,
		},
	}, conn, sink)
}

func openSink(cfg config.StorageConfig) (storage.Sink, error) {
	if cfg.Path == "" {
		return storage.Nop{}, nil
	}
	return storage.Open(cfg.Path)
}

// statusFor reports the primary account's session on /status.
func statusFor(account string, c *client.Client) ops.StatusFunc {
	return func() ops.Status {
		return ops.Status{
			Connected:       c.Connected(),
			State:           c.SessionState(),
			Account:         account,
			Reconnects:      c.Reconnects(),
			ActiveMovements: len(c.Store().Movements(nil)),
			DroppedFrames:   c.DroppedFrames(),
		}
	}
}
