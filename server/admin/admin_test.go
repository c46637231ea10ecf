package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novads/internal/dataset"
	"github.com/tuannm99/novads/internal/engine"
)

type fakeEngine struct {
	pingErr error
	flushed []string
}

func (f *fakeEngine) Datasets() []string { return []string{"orders", "orders_update"} }

func (f *fakeEngine) Flush(name string) (int, error) {
	switch name {
	case "orders":
		f.flushed = append(f.flushed, name)
		return 4, nil
	case "orders_update":
		return 0, errors.Wrapf(engine.ErrNotCached, "%q", name)
	default:
		return 0, errors.Wrapf(dataset.ErrUnknownDataset, "%q", name)
	}
}

func (f *fakeEngine) FlushAll() int                { return 9 }
func (f *fakeEngine) Ping(context.Context) error { return f.pingErr }

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHandler(t *testing.T) {
	eng := &fakeEngine{}
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: "novads", Name: "probe_total", Help: "probe"})
	reg.MustRegister(c)
	c.Add(3)
	h := NewHandler(eng, reg)

	rec := serve(h, "GET", "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	eng.pingErr = errors.New("back-end main down")
	rec = serve(h, "GET", "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "main down")

	rec = serve(h, "GET", "/datasets")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, []string{"orders", "orders_update"}, body["datasets"])

	rec = serve(h, "POST", "/datasets/orders/flush")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"flushed":4}`, rec.Body.String())
	require.Equal(t, []string{"orders"}, eng.flushed)

	require.Equal(t, http.StatusConflict, serve(h, "POST", "/datasets/orders_update/flush").Code)
	require.Equal(t, http.StatusNotFound, serve(h, "POST", "/datasets/nope/flush").Code)
	require.Equal(t, http.StatusMethodNotAllowed, serve(h, "GET", "/datasets/orders/flush").Code)

	rec = serve(h, "POST", "/cache/flush")
	require.JSONEq(t, `{"flushed":9}`, rec.Body.String())

	rec = serve(h, "GET", "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "novads_probe_total 3"))
}
