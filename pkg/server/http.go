package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"

	"github.com/astromechza/quadrillion-checkboxes/pkg/checkbox"
	"github.com/astromechza/quadrillion-checkboxes/pkg/pagestore"
	"github.com/astromechza/quadrillion-checkboxes/pkg/proto"
	"github.com/astromechza/quadrillion-checkboxes/pkg/transport"
)

const welcome = `quadrillion checkboxes

  GET /proto                websocket, subprotocol ` + proto.Subprotocol + `
  GET /pages/{page}-{time}  durable page snapshot
  GET /metrics              prometheus metrics
`

// Router serves the sync websocket, page snapshots and metrics.
func (s *Server) Router() (*mux.Router, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	h := &handlers{server: s, encoder: encoder, upgrader: websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		Subprotocols:    []string{proto.Subprotocol},
		CheckOrigin:     func(*http.Request) bool { return true },
	}}

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/").HandlerFunc(h.welcome)
	r.Methods(http.MethodGet).Path("/proto").HandlerFunc(h.sync)
	r.Methods(http.MethodGet, http.MethodHead).Path("/pages/{page:[0-9]+}-{time:[0-9]+}").HandlerFunc(h.snapshot)
	r.Methods(http.MethodOptions).PathPrefix("/pages/").HandlerFunc(h.preflight)
	r.Methods(http.MethodGet).Path("/metrics").Handler(s.metrics.Handler())
	return r, nil
}

type handlers struct {
	server   *Server
	encoder  *zstd.Encoder
	upgrader websocket.Upgrader
}

func (h *handlers) welcome(writer http.ResponseWriter, _ *http.Request) {
	writer.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = writer.Write([]byte(welcome))
}

func (h *handlers) sync(writer http.ResponseWriter, request *http.Request) {
	conn, err := h.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	if err := h.server.Serve(request.Context(), transport.NewWebSocket(conn)); err != nil {
		slog.Error("failed to sync", "err", err)
	}
}

func cors(writer http.ResponseWriter) {
	writer.Header().Set("Access-Control-Allow-Origin", "*")
	writer.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	writer.Header().Set("Access-Control-Expose-Headers", "ETag")
}

func (h *handlers) preflight(writer http.ResponseWriter, _ *http.Request) {
	cors(writer)
	writer.WriteHeader(http.StatusNoContent)
}

func (h *handlers) snapshot(writer http.ResponseWriter, request *http.Request) {
	vars := mux.Vars(request)
	cors(writer)
	p, perr := strconv.ParseUint(vars["page"], 10, 32)
	t, terr := strconv.ParseUint(vars["time"], 10, 64)
	if perr != nil || terr != nil || !checkbox.PageNo(p).Valid() {
		h.status(writer, http.StatusBadRequest)
		return
	}

	etag := fmt.Sprintf(`"%d-%d"`, p, t)
	if request.Header.Get("If-None-Match") == etag {
		h.status(writer, http.StatusNotModified)
		return
	}

	raw, err := h.server.store.Snapshot(request.Context(), checkbox.PageNo(p), checkbox.Time(t))
	switch {
	case errors.Is(err, pagestore.ErrSuperseded):
		h.status(writer, http.StatusNotFound)
		return
	case errors.Is(err, pagestore.ErrClosed):
		h.status(writer, http.StatusServiceUnavailable)
		return
	case err != nil:
		slog.Error("failed to load snapshot", "page", p, "time", t, "err", err)
		h.status(writer, http.StatusInternalServerError)
		return
	}

	header := writer.Header()
	header.Set("Content-Type", "application/octet-stream")
	header.Set("ETag", etag)
	header.Set("Cache-Control", "public, max-age=31536000, immutable")
	header.Set("Vary", "Accept-Encoding")
	if acceptsZstd(request) {
		raw = h.encoder.EncodeAll(raw, nil)
		header.Set("Content-Encoding", "zstd")
	}
	header.Set("Content-Length", strconv.Itoa(len(raw)))
	h.server.metrics.Snapshots.WithLabelValues(strconv.Itoa(http.StatusOK)).Inc()
	if request.Method == http.MethodHead {
		return
	}
	if _, err := writer.Write(raw); err != nil {
		slog.Error("failed to write out", "err", err)
	}
}

func (h *handlers) status(writer http.ResponseWriter, code int) {
	h.server.metrics.Snapshots.WithLabelValues(strconv.Itoa(code)).Inc()
	writer.WriteHeader(code)
}

func acceptsZstd(request *http.Request) bool {
	for _, part := range strings.Split(request.Header.Get("Accept-Encoding"), ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(name, "zstd") {
			return true
		}
	}
	return false
}
