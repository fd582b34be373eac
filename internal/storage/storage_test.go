package storage

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ckpool-go/ckpool/internal/workbase"
)

// memDB is a minimal in-process Database fake, standing in for leveldb/
// badger in tests that only exercise the layers built on top of Database.
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
	type kv struct {
		k string
		v []byte
	}
	var all []kv
	for k, v := range m.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == string(prefix) {
			all = append(all, kv{k, v})
		}
	}
	m.mu.Unlock()
	for _, e := range all {
		if err := fn([]byte(e.k), e.v); err != nil {
			return err
		}
	}
	return nil
}

func (m *memDB) Close() error { return nil }

type notFoundErr struct{}

func (notFoundErr) Error() string { return "storage: not found" }

var errNotFound = notFoundErr{}

func TestResumeStoreSaveLookupAndSweep(t *testing.T) {
	s := NewResumeStore(newMemDB())

	s.Save(42, 7, 100, "1BoatSLRHtKNngkdXEeobR76b53LETtpyT")

	e1, uid, addr, ok := s.Lookup(42)
	require.True(t, ok)
	require.Equal(t, uint64(7), e1)
	require.Equal(t, int64(100), uid)
	require.Equal(t, "1BoatSLRHtKNngkdXEeobR76b53LETtpyT", addr)

	e1b, sid, ok := s.LookupByAddr("1BoatSLRHtKNngkdXEeobR76b53LETtpyT")
	require.True(t, ok)
	require.Equal(t, uint64(7), e1b)
	require.Equal(t, uint32(42), sid)

	require.Equal(t, 1, s.Len())

	s.Sweep(time.Now().Add(resumeAge + time.Minute))
	require.Equal(t, 0, s.Len())

	_, _, _, ok = s.Lookup(42)
	require.False(t, ok)
}

func TestResumeStoreLookupMissing(t *testing.T) {
	s := NewResumeStore(newMemDB())
	_, _, _, ok := s.Lookup(999)
	require.False(t, ok)
}

func TestWorkbaseArchiveRoundTrip(t *testing.T) {
	a := NewWorkbaseArchive(newMemDB())
	wb := &workbase.Workbase{ID: 55, Height: 800000, NBit: 0x1d00ffff}

	require.NoError(t, a.Put(wb))

	got, err := a.Get(55)
	require.NoError(t, err)
	require.Equal(t, int64(55), got.ID)
	require.Equal(t, int64(800000), got.Height)
	require.Equal(t, uint32(0x1d00ffff), got.NBit)
}

func TestWorkbaseArchiveMissing(t *testing.T) {
	a := NewWorkbaseArchive(newMemDB())
	_, err := a.Get(1)
	require.Error(t, err)
}

func TestStatsStorePutGetAndAll(t *testing.T) {
	s := NewStatsStore(newMemDB())

	require.NoError(t, s.Put("alice", Snapshot{Name: "alice", Hashrate1m: 123.4, Shares: 10}))
	require.NoError(t, s.Put("bob", Snapshot{Name: "bob", Hashrate1m: 55.0, Shares: 2}))

	got, ok := s.Get("alice")
	require.True(t, ok)
	require.Equal(t, 123.4, got.Hashrate1m)
	require.Equal(t, int64(10), got.Shares)

	all, err := s.All()
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, 55.0, all["bob"].Hashrate1m)
}
