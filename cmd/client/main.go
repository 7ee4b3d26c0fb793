package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/astromechza/quadrillion-checkboxes/pkg/checkbox"
	"github.com/astromechza/quadrillion-checkboxes/pkg/client"
	"github.com/astromechza/quadrillion-checkboxes/pkg/config"
	"github.com/astromechza/quadrillion-checkboxes/pkg/logging"
	"github.com/astromechza/quadrillion-checkboxes/pkg/proto"
	"github.com/astromechza/quadrillion-checkboxes/pkg/transport"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	cfg, err := config.Load(flag.CommandLine, os.Args[1:], config.ClientFlags)
	if err != nil {
		return err
	}
	if _, err := logging.Setup(cfg.Logging.Level); err != nil {
		return err
	}
	baseUrl, err := url.Parse(cfg.Client.ServerURL)
	if err != nil {
		return err
	}

	fetcher, err := client.NewHTTPFetcher(baseUrl, &http.Client{Timeout: cfg.Client.RequestTimeout})
	if err != nil {
		return err
	}
	defer fetcher.Close()

	c := client.New(client.Options{
		Pages:          cfg.Client.Pages,
		Snapshots:      cfg.Client.Snapshots,
		RequestTimeout: cfg.Client.RequestTimeout,
		Fetcher:        fetcher,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.RunWithReconnect(ctx, dialer(baseUrl)); err != nil {
			slog.Error("gave up reconnecting", "err", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		redraws := 0
		for {
			select {
			case <-c.Updates():
				redraws++
				slog.Debug("redraw", "count", redraws, "resident", c.Resident())
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		toggleRandomlyContinuously(ctx, c, cfg.Client)
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()

	wg.Wait()
	return nil
}

func dialer(baseUrl *url.URL) client.Dialer {
	u := baseUrl.JoinPath("proto")
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return func(ctx context.Context) (transport.Conn, error) {
		conn, err := transport.Dial(ctx, u.String(), proto.Subprotocol)
		if err != nil {
			return nil, fmt.Errorf("failed to dial: %w", err)
		}
		return conn, nil
	}
}

func toggleRandomlyContinuously(ctx context.Context, c *client.Client, cfg config.ClientConfig) {
	for {
		jitter := time.Duration(rand.Int63n(int64(cfg.ToggleInterval)))
		t := time.NewTimer(cfg.ToggleInterval/2 + jitter)
		select {
		case <-t.C:
			if !c.Connected() {
				continue
			}
			p := checkbox.PageNo(rand.Intn(int(cfg.PageRange)))
			o := checkbox.Offset(rand.Intn(checkbox.CheckboxesPerPage))
			n := checkbox.Combine(p, o)
			if at, err := c.ToggleWait(ctx, n); err != nil {
				if !errors.Is(err, context.Canceled) {
					slog.Warn("toggle reverted", "checkbox", n, "err", err)
				}
			} else {
				slog.Info("toggled", "checkbox", n, "page", p, "offset", o, "checked", c.Get(n), "time", at)
			}
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping random toggles")
			return
		}
	}
}
