package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/quadrillion-checkboxes/pkg/blob"
	"github.com/astromechza/quadrillion-checkboxes/pkg/checkbox"
	"github.com/astromechza/quadrillion-checkboxes/pkg/chunk"
	"github.com/astromechza/quadrillion-checkboxes/pkg/page"
	"github.com/astromechza/quadrillion-checkboxes/pkg/pagestore"
	"github.com/astromechza/quadrillion-checkboxes/pkg/proto"
	"github.com/astromechza/quadrillion-checkboxes/pkg/transport"
)

type harness struct {
	t     *testing.T
	ctx   context.Context
	store *pagestore.Store
	srv   *Server
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	store, err := pagestore.Open(ctx, blob.NewMemoryStore(), pagestore.Options{TransientPages: 4})
	require.NoError(t, err)
	srv := New(store, opts)
	t.Cleanup(func() {
		cancel()
		srv.Close()
		_ = store.Close(context.Background())
	})
	return &harness{t: t, ctx: ctx, store: store, srv: srv}
}

// connect attaches a new session and waits until it can receive broadcasts.
func (h *harness) connect(buffer int) transport.Conn {
	h.t.Helper()
	client, server := transport.Pipe(buffer)
	want := h.srv.Sessions() + 1
	go func() {
		_ = h.srv.Serve(h.ctx, server)
	}()
	require.Eventually(h.t, func() bool { return h.srv.Sessions() == want }, 2*time.Second, time.Millisecond)
	return client
}

func send(t *testing.T, conn transport.Conn, frame []byte) {
	t.Helper()
	require.NoError(t, conn.Send(context.Background(), frame))
}

func recv(t *testing.T, conn transport.Conn) proto.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	frame, err := conn.Receive(ctx)
	require.NoError(t, err)
	m, err := proto.DecodeMessage(frame)
	require.NoError(t, err)
	return m
}

func expectNothing(t *testing.T, conn transport.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	frame, err := conn.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "unexpected frame %x", frame)
}

func TestToggleIsConfirmedAndBroadcast(t *testing.T) {
	h := newHarness(t, Options{})
	alice, bob := h.connect(16), h.connect(16)

	send(t, alice, proto.EncodeToggleCheckbox(7, 3, 42))
	m := recv(t, alice)
	assert.Equal(t, proto.Message{Tag: proto.TagResult, ID: 7, Time: 1}, m)

	m = recv(t, bob)
	assert.Equal(t, proto.Message{Tag: proto.TagCheckboxToggled, Page: 3, Offset: 42, Time: 1}, m)
	expectNothing(t, alice)

	send(t, bob, proto.EncodeToggleCheckbox(1, 3, 42))
	assert.Equal(t, checkbox.Time(2), recv(t, bob).Time)
	assert.Equal(t, proto.Message{Tag: proto.TagCheckboxToggled, Page: 3, Offset: 42, Time: 2}, recv(t, alice))
}

func TestRequestPageDataStreamsTransientChunks(t *testing.T) {
	h := newHarness(t, Options{})
	conn := h.connect(16)

	send(t, conn, proto.EncodeToggleCheckbox(1, 5, 3))
	recv(t, conn)
	send(t, conn, proto.EncodeToggleCheckbox(2, 5, checkbox.ChunkStart(200)+9))
	recv(t, conn)

	send(t, conn, proto.EncodeRequestPageData(3, 5))
	chunks := map[int]*chunk.Chunk{}
	for {
		m := recv(t, conn)
		if m.Tag == proto.TagResult {
			assert.Equal(t, proto.RequestID(3), m.ID)
			assert.Equal(t, checkbox.Time(0), m.Time)
			break
		}
		require.Equal(t, proto.TagChunkData, m.Tag)
		assert.Equal(t, checkbox.PageNo(5), m.Page)
		chunks[m.ChunkIndex] = m.Chunk
	}
	require.Len(t, chunks, 2)
	assert.True(t, chunks[0].Get(3))
	assert.True(t, chunks[200].Get(9))

	require.NoError(t, h.store.Flush(context.Background()))
	send(t, conn, proto.EncodeRequestPageData(4, 5))
	assert.Equal(t, proto.Message{Tag: proto.TagResult, ID: 4, Time: 2}, recv(t, conn))

	send(t, conn, proto.EncodeRequestPageData(5, 6))
	assert.Equal(t, proto.Message{Tag: proto.TagResult, ID: 5, Time: 0}, recv(t, conn))
}

func TestBadFramesKeepTheConnection(t *testing.T) {
	h := newHarness(t, Options{})
	conn := h.connect(16)

	send(t, conn, []byte{0x42, 0, 0, 9})
	m := recv(t, conn)
	assert.Equal(t, proto.TagError, m.Tag)
	assert.Equal(t, proto.RequestID(9), m.ID)
	assert.Equal(t, proto.CodeUnknownMethod, m.Err.Code)

	send(t, conn, []byte{byte(proto.TagToggleCheckbox), 0, 0, 10, 1})
	m = recv(t, conn)
	assert.Equal(t, proto.RequestID(10), m.ID)
	assert.Equal(t, proto.CodeMalformed, m.Err.Code)

	send(t, conn, proto.EncodeToggleCheckbox(11, 1, checkbox.CheckboxesPerPage))
	m = recv(t, conn)
	assert.Equal(t, proto.RequestID(11), m.ID)
	assert.Equal(t, proto.CodeOutOfRange, m.Err.Code)

	// unreadable header: dropped without a reply
	send(t, conn, []byte{1})
	send(t, conn, proto.EncodeToggleCheckbox(12, 1, 1))
	assert.Equal(t, proto.Message{Tag: proto.TagResult, ID: 12, Time: 1}, recv(t, conn))
}

func TestTogglesAreRateLimited(t *testing.T) {
	h := newHarness(t, Options{ToggleRate: 0.001, ToggleBurst: 1})
	conn := h.connect(16)

	send(t, conn, proto.EncodeToggleCheckbox(1, 1, 1))
	assert.Equal(t, proto.TagResult, recv(t, conn).Tag)
	send(t, conn, proto.EncodeToggleCheckbox(2, 1, 1))
	m := recv(t, conn)
	require.Equal(t, proto.TagError, m.Tag)
	assert.Equal(t, proto.CodeRateLimited, m.Err.Code)

	// page requests are not limited
	send(t, conn, proto.EncodeRequestPageData(3, 1))
	assert.Equal(t, proto.TagChunkData, recv(t, conn).Tag)
	assert.Equal(t, proto.Message{Tag: proto.TagResult, ID: 3}, recv(t, conn))
}

func TestSlowSessionIsDropped(t *testing.T) {
	h := newHarness(t, Options{SendBuffer: 1})
	fast := h.connect(64)
	h.connect(0) // never reads

	for i := 0; i < 5; i++ {
		send(t, fast, proto.EncodeToggleCheckbox(proto.RequestID(i), 1, 1))
		recv(t, fast)
	}
	require.Eventually(t, func() bool { return h.srv.Sessions() == 1 }, 2*time.Second, time.Millisecond)
}

func TestHTTP(t *testing.T) {
	h := newHarness(t, Options{})
	router, err := h.srv.Router()
	require.NoError(t, err)
	web := httptest.NewServer(router)
	defer web.Close()

	ctx := context.Background()
	ws, err := transport.Dial(ctx, "ws"+strings.TrimPrefix(web.URL, "http")+"/proto", proto.Subprotocol)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, proto.Subprotocol, ws.Subprotocol())
	send(t, ws, proto.EncodeToggleCheckbox(1, 8, 100))
	tm := recv(t, ws).Time
	require.Equal(t, checkbox.Time(1), tm)
	require.NoError(t, h.store.Flush(ctx))

	get := func(path string, header http.Header) (*http.Response, []byte) {
		req, err := http.NewRequest(http.MethodGet, web.URL+path, nil)
		require.NoError(t, err)
		for k, v := range header {
			req.Header[k] = v
		}
		resp, err := web.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp, body
	}

	resp, body := get("/pages/8-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `"8-1"`, resp.Header.Get("ETag"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Cache-Control"), "immutable")
	pg, err := page.Decode(body)
	require.NoError(t, err)
	assert.True(t, pg.Get(100))

	resp, body = get("/pages/8-1", http.Header{"Accept-Encoding": {"gzip, zstd"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "zstd", resp.Header.Get("Content-Encoding"))
	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	plain, err := dec.DecodeAll(body, nil)
	require.NoError(t, err)
	pg, err = page.Decode(plain)
	require.NoError(t, err)
	assert.True(t, pg.Get(100))

	resp, _ = get("/pages/8-1", http.Header{"If-None-Match": {`"8-1"`}})
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
	resp, _ = get("/pages/8-2", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = get("/pages/9-0", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = get("/pages/99999999999-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = get("/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), proto.Subprotocol)

	resp, body = get("/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "checkboxes_toggles_total 1")
}
