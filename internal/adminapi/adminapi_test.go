package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ckpool-go/ckpool/internal/storage"
)

type fakeSource struct {
	pool    storage.Snapshot
	users   map[string]storage.Snapshot
	workers map[string]storage.Snapshot
	names   map[string][]string
}

func (f *fakeSource) PoolSnapshot() storage.Snapshot { return f.pool }

func (f *fakeSource) UserSnapshot(addr string) (storage.Snapshot, bool) {
	s, ok := f.users[addr]
	return s, ok
}

func (f *fakeSource) WorkerSnapshot(addr, worker string) (storage.Snapshot, bool) {
	s, ok := f.workers[addr+"/"+worker]
	return s, ok
}

func (f *fakeSource) WorkerNames(addr string) []string { return f.names[addr] }

func newFakeSource() *fakeSource {
	return &fakeSource{
		pool: storage.Snapshot{Name: "pool", Shares: 42},
		users: map[string]storage.Snapshot{
			"1addr": {Name: "1addr", Shares: 10},
		},
		workers: map[string]storage.Snapshot{
			"1addr/rig1": {Name: "1addr.rig1", Shares: 5},
		},
		names: map[string][]string{
			"1addr": {"rig1", "rig2"},
		},
	}
}

func TestRESTPoolStatus(t *testing.T) {
	src := newFakeSource()
	srv := NewServer(src)

	req := httptest.NewRequest(http.MethodGet, "/pool", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var snap storage.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, int64(42), snap.Shares)
}

func TestRESTUserStatusUnknown(t *testing.T) {
	src := newFakeSource()
	srv := NewServer(src)

	req := httptest.NewRequest(http.MethodGet, "/users/nosuchaddr", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkerClientsRequiresMatchingCaller(t *testing.T) {
	src := newFakeSource()
	srv := NewServer(src)

	req := httptest.NewRequest(http.MethodGet, "/workerclients/1addr", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/workerclients/1addr", nil)
	req.Header.Set("X-Pool-Address", "1addr")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var names []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &names))
	require.Equal(t, []string{"rig1", "rig2"}, names)
}

func TestWorkerClientsRejectsOtherUser(t *testing.T) {
	src := newFakeSource()
	srv := NewServer(src)

	req := httptest.NewRequest(http.MethodGet, "/workerclients/1addr", nil)
	req.Header.Set("X-Pool-Address", "2someoneelse")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMetricsRouteServesPrometheusFormat(t *testing.T) {
	src := newFakeSource()
	srv := NewServer(src)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestControlServerStats(t *testing.T) {
	src := newFakeSource()
	cs := NewControlServer(src, nil)

	reply, err := cs.Stats(context.Background(), &StatsRequest{})
	require.NoError(t, err)
	require.Equal(t, int64(42), reply.Snapshot.Shares)
}

type fakeReloader struct {
	err error
}

func (f *fakeReloader) Reload() error { return f.err }

func TestControlServerReload(t *testing.T) {
	src := newFakeSource()
	cs := NewControlServer(src, &fakeReloader{})

	reply, err := cs.Reload(context.Background(), &ReloadRequest{})
	require.NoError(t, err)
	require.True(t, reply.Accepted)
}

func TestControlServerReloadUnsupported(t *testing.T) {
	src := newFakeSource()
	cs := NewControlServer(src, nil)

	reply, err := cs.Reload(context.Background(), &ReloadRequest{})
	require.NoError(t, err)
	require.False(t, reply.Accepted)
	require.NotEmpty(t, reply.Error)
}

func TestMessageMarshalRoundTrip(t *testing.T) {
	in := &StatsReply{Snapshot: storage.Snapshot{Name: "pool", Shares: 7}}
	b, err := in.Marshal()
	require.NoError(t, err)

	out := &StatsReply{}
	require.NoError(t, out.Unmarshal(b))
	require.Equal(t, in.Snapshot, out.Snapshot)
}
