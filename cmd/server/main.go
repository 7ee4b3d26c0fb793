package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/astromechza/quadrillion-checkboxes/pkg/blob"
	"github.com/astromechza/quadrillion-checkboxes/pkg/config"
	"github.com/astromechza/quadrillion-checkboxes/pkg/logging"
	"github.com/astromechza/quadrillion-checkboxes/pkg/metrics"
	"github.com/astromechza/quadrillion-checkboxes/pkg/pagestore"
	"github.com/astromechza/quadrillion-checkboxes/pkg/server"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	cfg, err := config.Load(flag.CommandLine, os.Args[1:], config.ServerFlags)
	if err != nil {
		return err
	}
	if _, err := logging.Setup(cfg.Logging.Level); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage := cfg.Server.Storage
	slog.Info("Opening storage", "backend", storage.Backend, "path", storage.Path)
	blobs, err := blob.Open(ctx, storage.Backend, storage.Path, storage.RedisAddr)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer blobs.Close()

	m := metrics.New()
	store, err := pagestore.Open(ctx, blobs, pagestore.Options{
		TransientPages:  cfg.Server.TransientPages,
		MetadataEntries: cfg.Server.MetadataEntries,
		Metrics:         m,
	})
	if err != nil {
		return fmt.Errorf("failed to open page store: %w", err)
	}
	slog.Info("Recovered clock", "clock", store.Clock())

	s := server.New(store, server.Options{
		SendBuffer:  cfg.Server.SendBuffer,
		ToggleRate:  cfg.Server.ToggleRate,
		ToggleBurst: cfg.Server.ToggleBurst,
		Metrics:     m,
	})
	r, err := s.Router()
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(cfg.Server.BackupInterval)
		defer t.Stop()
		var last pagestore.Stats
		for {
			select {
			case <-t.C:
				if err := store.SaveClock(ctx); err != nil {
					slog.Error("failed to save clock", "err", err)
				}
				if stats := store.Stats(); stats != last {
					slog.Info("stats", "clock", stats.Clock, "resident", stats.Resident, "metadata", stats.Metadata, "inflight", stats.InFlight, "sessions", s.Sessions())
					last = stats
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: r}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
			cancel()
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}
	cancel()
	_ = httpServer.Close()
	s.Close()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	stats := store.Stats()
	if err := store.Close(shutdownCtx); err != nil {
		return fmt.Errorf("failed to flush pages: %w", err)
	}
	slog.Info("flushed", "pages", stats.Resident, "clock", stats.Clock)
	return nil
}
