package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/astromechza/quadrillion-checkboxes/pkg/blob"
	"github.com/astromechza/quadrillion-checkboxes/pkg/checkbox"
	"github.com/astromechza/quadrillion-checkboxes/pkg/chunk"
	"github.com/astromechza/quadrillion-checkboxes/pkg/logging"
	"github.com/astromechza/quadrillion-checkboxes/pkg/page"
	"github.com/astromechza/quadrillion-checkboxes/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(logging.NewHandler(os.Stderr, slog.LevelInfo)))

	backendVar := flag.String("storage", blob.BackendFS, "storage backend to read the page from")
	dataVar := flag.String("data", "data", "data directory of the storage backend")
	redisVar := flag.String("redis-addr", "localhost:6379", "redis address for the redis backend")
	svgVar := flag.Bool("svg", false, "render the chunk layout to an svg file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <page number | page file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the page number or the file to read")
	}

	ctx := context.Background()
	var (
		p   checkbox.PageNo
		t   checkbox.Time
		raw []byte
	)
	if n, err := strconv.ParseUint(flag.Arg(0), 10, 32); err == nil {
		p = checkbox.PageNo(n)
		if !p.Valid() {
			return fmt.Errorf("page %d out of range", p)
		}
		blobs, err := blob.Open(ctx, *backendVar, *dataVar, *redisVar)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer blobs.Close()
		if t, err = blob.ReadTime(ctx, blobs, blob.MetaKey(p)); err != nil {
			return err
		}
		if t == 0 {
			slog.Info("page was never persisted", "page", p)
			return nil
		}
		if raw, err = blobs.Read(ctx, blob.PageKey(p)); err != nil {
			return fmt.Errorf("failed to read page: %w", err)
		}
	} else {
		if raw, err = os.ReadFile(flag.Arg(0)); err != nil {
			return fmt.Errorf("failed to read input file: %w", err)
		}
	}

	pg, err := page.DecodeAt(raw, t)
	if err != nil {
		return fmt.Errorf("failed to load page: %w", err)
	}
	slog.Info("loaded page", "page", p, "time", t, "chunks", pg.Len(), "bytes", len(raw))

	ones := 0
	fmt.Printf("%5s  %-10s %8s %8s %8s\n", "chunk", "kind", "ones", "len", "bytes")
	pg.Range(func(i int, c *chunk.Chunk) {
		ones += c.Ones()
		fmt.Printf("%5d  %-10s %8d %8d %8d\n", i, c.Kind(), c.Ones(), c.Len(), c.Bytes())
	})
	slog.Info("checked", "count", ones)

	if *svgVar {
		svgPath, err := viz.RenderToTemp(p, pg)
		if err != nil {
			return fmt.Errorf("failed to render: %w", err)
		}
		slog.Info("rendered", "path", "file://"+svgPath)
	}
	return nil
}
