package stats

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ckpool-go/ckpool/internal/session"
	"github.com/ckpool-go/ckpool/internal/storage"
)

type memDB struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemDB() *memDB { return &memDB{data: make(map[string][]byte)} }

func (m *memDB) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (m *memDB) Get(key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, errNotFound
	}
	return v, nil
}

func (m *memDB) Has(key []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[string(key)]
	return ok, nil
}

func (m *memDB) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func (m *memDB) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.data {
		if len(k) < len(prefix) || k[:len(prefix)] != string(prefix) {
			continue
		}
		if err := fn([]byte(k), v); err != nil {
			return err
		}
	}
	return nil
}

func (m *memDB) Close() error { return nil }

type notFoundErr struct{}

func (notFoundErr) Error() string { return "not found" }

var errNotFound = notFoundErr{}

func newManagerWithOneShare(t *testing.T) *session.Manager {
	alloc := session.NewAllocator(1, 4, nil)
	mgr := session.NewManager(alloc, session.NewMemResumeStore(), nil, true)

	c, _, err := mgr.Subscribe(1, "cgminer", 0, 8)
	require.NoError(t, err)

	ok, err := mgr.Authorise(context.Background(), c, "1alice._rig1", false)
	require.NoError(t, err)
	require.True(t, ok)

	c.RecordShare(2.5)
	c.RecordShare(1.0)
	return mgr
}

func TestPersistAllWritesPoolUserAndWorkerSnapshots(t *testing.T) {
	mgr := newManagerWithOneShare(t)
	store := storage.NewStatsStore(newMemDB())
	collector := NewCollector(mgr, store, nil)

	require.NoError(t, collector.PersistAll())

	pool := collector.PoolSnapshot()
	require.Equal(t, int64(2), pool.Shares)

	userSnap, ok := collector.UserSnapshot("1alice")
	require.True(t, ok)
	require.Equal(t, int64(2), userSnap.Shares)
	require.Equal(t, 2.5, userSnap.Bestshare)

	workerSnap, ok := collector.WorkerSnapshot("1alice", "rig1")
	require.True(t, ok)
	require.Equal(t, int64(2), workerSnap.Shares)
}

func TestWorkerNamesScopedToUser(t *testing.T) {
	mgr := newManagerWithOneShare(t)
	store := storage.NewStatsStore(newMemDB())
	collector := NewCollector(mgr, store, nil)

	names := collector.WorkerNames("1alice")
	require.Equal(t, []string{"rig1"}, names)

	require.Empty(t, collector.WorkerNames("2bob"))
}

func TestToHashrateScalesByDiffOne(t *testing.T) {
	require.Equal(t, float64(hashesPerShare), toHashrate(1))
	require.Equal(t, float64(0), toHashrate(0))
}
