package dswire

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novads/internal/catalog"
	"github.com/tuannm99/novads/internal/engine"
	"github.com/tuannm99/novads/internal/record"
	"github.com/tuannm99/novads/internal/sql/executor"
)

func TestCodecRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	c := NewCodec(&buf, 0)
	in := Request{ID: 7, Op: OpQuery, Dataset: "orders", Params: map[string][]string{"status": {"open"}}}
	require.NoError(t, c.Write(in))
	require.Equal(t, uint32(buf.Len()-4), binary.BigEndian.Uint32(buf.Bytes()[:4]))
	require.NotEqual(t, byte('\n'), buf.Bytes()[buf.Len()-1])

	second := Request{ID: 8, Op: OpDatasets}
	require.NoError(t, c.Write(second))

	var out Request
	require.NoError(t, c.Read(&out))
	require.Equal(t, in, out)
	out = Request{}
	require.NoError(t, c.Read(&out))
	require.Equal(t, second, out)
	require.ErrorIs(t, c.Read(&out), io.EOF)
}

func TestCodecRejectsBadFrames(t *testing.T) {
	read := func(limit uint32, raw []byte) error {
		var out Request
		return NewCodec(bytes.NewBuffer(raw), limit).Read(&out)
	}
	frame := func(n uint32, body string) []byte {
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], n)
		return append(hdr[:], body...)
	}

	require.ErrorIs(t, read(0, frame(0, "")), ErrEmptyFrame)
	require.ErrorIs(t, read(0, frame(DefaultFrameLimit+1, "")), ErrFrameTooLarge)
	require.ErrorIs(t, read(4, frame(5, "{...}")), ErrFrameTooLarge)
	require.Error(t, read(0, frame(3, "{x}")))
	require.Error(t, read(0, frame(10, "{}")))

	var buf bytes.Buffer
	err := NewCodec(&buf, 8).Write(Request{Dataset: "a long data set name"})
	require.ErrorIs(t, err, ErrFrameTooLarge)
	require.Zero(t, buf.Len())
}

type fakeHandler struct {
	lastUpdate *engine.Request
}

func (f *fakeHandler) Query(_ context.Context, req *engine.Request) (*engine.QueryResult, error) {
	if req.Dataset != "orders" {
		return nil, errors.New("unknown data set")
	}
	return &engine.QueryResult{
		Result: &record.Result{Columns: []string{"id"}, Rows: [][]any{{int64(1)}}},
		Cached: req.Page == "cached",
	}, nil
}

func (f *fakeHandler) Update(_ context.Context, req *engine.Request) (*executor.Summary, error) {
	f.lastUpdate = req
	sum := &executor.Summary{Rows: 2, Inserted: 1, Failed: 1, State: executor.StateCommitted.String()}
	return sum, &executor.FailureReport{Dataset: req.Dataset, Failures: []executor.RowFailure{
		{Row: 1, Action: catalog.ActionInsert, Err: errors.New("duplicate key")},
	}}
}

func (f *fakeHandler) Flush(dataset string) (int, error) {
	if dataset != "orders" {
		return 0, engine.ErrNotCached
	}
	return 3, nil
}

func (f *fakeHandler) Datasets() []string { return []string{"orders", "orders_update"} }

func TestHandle(t *testing.T) {
	h := &fakeHandler{}
	s := NewServer(h)
	ctx := context.Background()

	resp := s.Handle(ctx, &Request{ID: 1, Op: OpQuery, Dataset: "orders", Page: "cached"})
	require.Empty(t, resp.Error)
	require.Equal(t, uint64(1), resp.ID)
	require.True(t, resp.Cached)
	require.Equal(t, []string{"id"}, resp.Result.Columns)

	resp = s.Handle(ctx, &Request{ID: 2, Op: OpQuery, Dataset: "nope"})
	require.Equal(t, "unknown data set", resp.Error)

	resp = s.Handle(ctx, &Request{ID: 3, Op: OpUpdate, Dataset: "orders_update", Document: `<orders><order id="1"/></orders>`})
	require.NotEmpty(t, resp.Error)
	require.Equal(t, 1, resp.Summary.Inserted)
	require.Equal(t, []Failure{{Row: 1, Action: "insert", Error: "duplicate key"}}, resp.Failures)
	require.Equal(t, "orders", h.lastUpdate.Document.Name)

	resp = s.Handle(ctx, &Request{ID: 4, Op: OpUpdate, Dataset: "orders_update", Document: `<orders>`})
	require.NotEmpty(t, resp.Error)
	require.Nil(t, resp.Summary)

	resp = s.Handle(ctx, &Request{ID: 5, Op: OpFlush, Dataset: "orders"})
	require.Equal(t, 3, resp.Flushed)
	resp = s.Handle(ctx, &Request{ID: 6, Op: OpFlush, Dataset: "orders_update"})
	require.NotEmpty(t, resp.Error)

	resp = s.Handle(ctx, &Request{ID: 7, Op: OpDatasets})
	require.Equal(t, []string{"orders", "orders_update"}, resp.Datasets)

	resp = s.Handle(ctx, &Request{ID: 8, Op: "drop"})
	require.Contains(t, resp.Error, "unknown op")
}

func TestServe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(&fakeHandler{}).Serve(ctx, ln) }()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	codec := NewCodec(conn, 0)
	for id := uint64(1); id <= 2; id++ {
		require.NoError(t, codec.Write(Request{ID: id, Op: OpDatasets}))
		var resp Response
		require.NoError(t, codec.Read(&resp))
		require.Equal(t, id, resp.ID)
		require.Len(t, resp.Datasets, 2)
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
