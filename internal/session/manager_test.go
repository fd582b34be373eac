package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkerNameSplitsOnDotUnderscore(t *testing.T) {
	account, worker := WorkerName("alice._rig1")
	require.Equal(t, "alice", account)
	require.Equal(t, "rig1", worker)

	account, worker = WorkerName("bob")
	require.Equal(t, "bob", account)
	require.Equal(t, "", worker)
}

func TestSubscribeAllocatesUniqueExtranonces(t *testing.T) {
	alloc := NewAllocator(0, 4, nil)
	resume := NewMemResumeStore()
	mgr := NewManager(alloc, resume, nil, true)

	_, r1, err := mgr.Subscribe(1, "cgminer/4.10", 0, 8)
	require.NoError(t, err)
	_, r2, err := mgr.Subscribe(2, "cgminer/4.10", 0, 8)
	require.NoError(t, err)

	require.NotEqual(t, r1.Enonce1Hex, r2.Enonce1Hex)
}

func TestSubscribeResumeReturnsSameEnonce1(t *testing.T) {
	alloc := NewAllocator(0, 4, nil)
	resume := NewMemResumeStore()
	mgr := NewManager(alloc, resume, nil, true)

	c1, r1, err := mgr.Subscribe(1, "cgminer/4.10", 0, 8)
	require.NoError(t, err)

	mgr.Drop(c1)
	require.Equal(t, 1, mgr.ResumeTableLen())

	_, r2, err := mgr.Subscribe(2, "cgminer/4.10", c1.SessionID, 8)
	require.NoError(t, err)
	require.Equal(t, r1.Enonce1Hex, r2.Enonce1Hex)
}
