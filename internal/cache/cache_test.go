package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/tuannm99/novads/internal/extract"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(hh, mm, ss int) *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, hh, mm, ss, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(hh, mm, ss int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.Date(2026, 3, 2, hh, mm, ss, 0, time.UTC)
}

func at(hh, mm int) time.Time { return time.Date(2026, 3, 2, hh, mm, 0, 0, time.UTC) }

func TestPolicies(t *testing.T) {
	cases := []struct {
		name    string
		p       Policy
		created time.Time
		want    time.Time
	}{
		{"interval", Interval{Every: 15 * time.Minute}, at(12, 0), at(12, 15)},
		{"time of day later today", TimeOfDay{Hour: 3}, at(2, 0), at(3, 0)},
		{"time of day wraps", TimeOfDay{Hour: 3}, at(10, 0), at(3, 0).AddDate(0, 0, 1)},
		{"time of day exact wraps", TimeOfDay{Hour: 3}, at(3, 0), at(3, 0).AddDate(0, 0, 1)},
		{"slot after anchor", TimeAndInterval{Minute: 30, Every: time.Hour}, at(10, 10), at(10, 30)},
		{"slot boundary", TimeAndInterval{Minute: 30, Every: time.Hour}, at(10, 30), at(11, 30)},
		{"slot before anchor", TimeAndInterval{Hour: 23, Every: 2 * time.Hour}, at(10, 10), at(11, 0)},
		{"slot before anchor exact", TimeAndInterval{Hour: 23, Every: 2 * time.Hour}, at(11, 0), at(13, 0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.p.Expires(tc.created))
		})
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("interval", "", 15*time.Minute)
	require.NoError(t, err)
	require.Equal(t, Interval{Every: 15 * time.Minute}, p)

	p, err = ParsePolicy("time_and_interval", "06:15", time.Hour)
	require.NoError(t, err)
	require.Equal(t, TimeAndInterval{Hour: 6, Minute: 15, Every: time.Hour}, p)
	require.Equal(t, "time_and_interval(06:15, 1h0m0s)", p.String())

	_, err = ParsePolicy("interval", "", 0)
	require.Error(t, err)
	_, err = ParsePolicy("time_of_day", "25:00", 0)
	require.Error(t, err)
	_, err = ParsePolicy("forever", "", 0)
	require.Error(t, err)
}

func TestStore_IntervalExpiry(t *testing.T) {
	clk := newFakeClock(12, 0, 0)
	s, err := NewStore(StoreConfig{Clock: clk})
	require.NoError(t, err)

	require.True(t, s.Put("k", []byte("artifact"), Interval{Every: 15 * time.Minute}.Expires(clk.Now())))

	clk.Set(12, 14, 59)
	got, ok := s.Get("k")
	require.True(t, ok)
	require.Equal(t, []byte("artifact"), got)
	require.Equal(t, int64(1), s.Hits("k"))

	clk.Set(12, 15, 0)
	_, ok = s.Get("k")
	require.False(t, ok)
	require.Equal(t, 0, s.Len())
	require.Zero(t, s.Size())
}

func TestStore_RefusesOverBudget(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	clk := newFakeClock(12, 0, 0)
	s, err := NewStore(StoreConfig{MaxBytes: 10, Clock: clk, Metrics: m})
	require.NoError(t, err)

	require.True(t, s.Put("a", make([]byte, 8), at(13, 0)))
	require.False(t, s.Put("b", make([]byte, 5), at(13, 0)))
	require.False(t, s.Put("huge", make([]byte, 11), at(13, 0)))

	require.Equal(t, int64(8), s.Size())
	require.Equal(t, 1, s.Len())
	_, ok := s.Get("b")
	require.False(t, ok)
	require.Equal(t, 2.0, testutil.ToFloat64(m.Refused))
	require.Equal(t, 8.0, testutil.ToFloat64(m.Size))
}

func TestStore_EvictsExpiredOldestFirstOnlyAsNeeded(t *testing.T) {
	clk := newFakeClock(12, 0, 0)
	s, err := NewStore(StoreConfig{MaxBytes: 10, Clock: clk})
	require.NoError(t, err)

	require.True(t, s.Put("a1", make([]byte, 3), at(12, 1)))
	require.True(t, s.Put("a2", make([]byte, 3), at(12, 2)))
	require.True(t, s.Put("b", make([]byte, 4), at(13, 0)))

	clk.Set(12, 10, 0)
	require.True(t, s.Put("c", make([]byte, 3), at(13, 0)))
	require.Equal(t, int64(10), s.Size())
	require.Equal(t, 3, s.Len())
	require.False(t, s.Delete("a1"))
	require.True(t, s.Delete("a2"))
}

func TestStore_ReplaceAndRejectExpired(t *testing.T) {
	clk := newFakeClock(12, 0, 0)
	s, err := NewStore(StoreConfig{Clock: clk})
	require.NoError(t, err)

	require.True(t, s.Put("k", []byte("one"), at(13, 0)))
	require.True(t, s.Put("k", []byte("three"), at(13, 0)))
	require.Equal(t, int64(5), s.Size())
	require.False(t, s.Put("old", []byte("x"), at(12, 0)))
}

func TestStore_ClearPrefix(t *testing.T) {
	s, err := NewStore(StoreConfig{Clock: newFakeClock(12, 0, 0)})
	require.NoError(t, err)
	for _, k := range []string{"orders|rows|[p]", "orders|page|[p]", "items|rows|[p]"} {
		require.True(t, s.Put(k, []byte("x"), at(13, 0)))
	}
	require.Equal(t, 2, s.ClearPrefix("orders|"))
	require.Equal(t, 1, s.Len())
	require.Equal(t, 1, s.Clear())
	require.Zero(t, s.Size())
}

func TestStore_SpillsLargeArtifacts(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := NewStore(StoreConfig{Dir: "/cache", SpillBytes: 4, Fs: fs, Clock: newFakeClock(12, 0, 0)})
	require.NoError(t, err)

	require.True(t, s.Put("big", []byte("0123456789"), at(13, 0)))
	require.True(t, s.Put("small", []byte("ab"), at(13, 0)))

	files, err := afero.ReadDir(fs, "/cache")
	require.NoError(t, err)
	require.Len(t, files, 1)

	got, ok := s.Get("big")
	require.True(t, ok)
	require.Equal(t, []byte("0123456789"), got)
	require.Equal(t, int64(12), s.Size())

	require.True(t, s.Delete("big"))
	files, err = afero.ReadDir(fs, "/cache")
	require.NoError(t, err)
	require.Empty(t, files)
}

func TestStore_LostSpillFileIsAMiss(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := NewStore(StoreConfig{Dir: "/cache", SpillBytes: 1, Fs: fs, Clock: newFakeClock(12, 0, 0)})
	require.NoError(t, err)
	require.True(t, s.Put("k", []byte("data"), at(13, 0)))
	require.NoError(t, fs.RemoveAll("/cache"))

	_, ok := s.Get("k")
	require.False(t, ok)
	require.Equal(t, 0, s.Len())
}

func request(page string, params map[string][]string) *extract.Values {
	return &extract.Values{Page: page, Params: params}
}

func mustParse(t *testing.T, specs ...string) []extract.Extractor {
	t.Helper()
	out, err := extract.ParseAll(specs)
	require.NoError(t, err)
	return out
}

func TestKeyer_TiersExtendEachOther(t *testing.T) {
	k := NewKeyer("orders", mustParse(t, "param:id"), mustParse(t, "offset"), mustParse(t, "header:Accept"))
	require.Len(t, k.Extractors(TierRows), 1)
	require.Len(t, k.Extractors(TierDocument), 2)
	require.Len(t, k.Extractors(TierPage), 3)

	src := request("list", map[string][]string{"id": {"7"}})
	src.Headers = map[string]string{"Accept": "text/html"}

	rows, err := k.Key(TierRows, src)
	require.NoError(t, err)
	require.Equal(t, "orders|rows|[list][7]", rows)

	page, err := k.Key(TierPage, src)
	require.NoError(t, err)
	require.Equal(t, "orders|page|[list][7][0][text/html]", page)

	same, err := k.Key(TierRows, request("list", map[string][]string{"id": {"7"}, "ignored": {"x"}}))
	require.NoError(t, err)
	require.Equal(t, rows, same)
}

func newCacher(t *testing.T, name string, s *Store) *Cacher {
	t.Helper()
	return NewCacher(name, s, NewKeyer(name, mustParse(t, "param:id"), nil, nil), Interval{Every: 15 * time.Minute})
}

func TestCacher_LookupStoreFlush(t *testing.T) {
	clk := newFakeClock(12, 0, 0)
	s, err := NewStore(StoreConfig{Clock: clk})
	require.NoError(t, err)
	orders := newCacher(t, "orders", s)
	items := newCacher(t, "items", s)

	src := request("p", map[string][]string{"id": {"1"}})
	_, ok := orders.Lookup(TierRows, src)
	require.False(t, ok)

	require.True(t, orders.Store(TierRows, src, []byte("rows")))
	require.True(t, items.Store(TierRows, src, []byte("other")))

	got, ok := orders.Lookup(TierRows, request("p", map[string][]string{"id": {"1"}}))
	require.True(t, ok)
	require.Equal(t, []byte("rows"), got)

	clk.Set(12, 15, 0)
	_, ok = orders.Lookup(TierRows, src)
	require.False(t, ok)

	clk.Set(12, 0, 0)
	require.True(t, orders.Store(TierRows, src, []byte("rows")))
	require.Equal(t, 1, orders.Flush())
	_, ok = items.Lookup(TierRows, src)
	require.True(t, ok)
}

func TestCacher_GetOrComputeRunsOnce(t *testing.T) {
	s, err := NewStore(StoreConfig{Clock: newFakeClock(12, 0, 0)})
	require.NoError(t, err)
	c := newCacher(t, "orders", s)
	src := request("p", map[string][]string{"id": {"1"}})

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("artifact"), nil
	}

	var wg sync.WaitGroup
	results := make([][]byte, 8)
	errs := make([]error, len(results))
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = c.GetOrCompute(context.Background(), TierRows, src, compute)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for i, r := range results {
		require.NoError(t, errs[i])
		require.Equal(t, []byte("artifact"), r)
	}

	data, cached, err := c.GetOrCompute(context.Background(), TierRows, src, compute)
	require.NoError(t, err)
	require.True(t, cached)
	require.Equal(t, []byte("artifact"), data)
}

func TestCacher_GetOrComputeErrorsAreNotCached(t *testing.T) {
	s, err := NewStore(StoreConfig{Clock: newFakeClock(12, 0, 0)})
	require.NoError(t, err)
	c := newCacher(t, "orders", s)
	src := request("p", nil)

	boom := errors.New("back-end down")
	_, _, err = c.GetOrCompute(context.Background(), TierRows, src, func(context.Context) ([]byte, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, s.Len())
}

func TestCacher_GetOrComputeHonorsCancellation(t *testing.T) {
	s, err := NewStore(StoreConfig{Clock: newFakeClock(12, 0, 0)})
	require.NoError(t, err)
	c := newCacher(t, "orders", s)

	release := make(chan struct{})
	defer close(release)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err = c.GetOrCompute(ctx, TierRows, request("p", nil), func(context.Context) ([]byte, error) {
		<-release
		return []byte("late"), nil
	})
	require.ErrorIs(t, err, context.Canceled)
}
