package proxy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestElectsLowestPriorityGlobalAsCurrent(t *testing.T) {
	h := NewHierarchy()
	p1 := &Proxy{ID: 1, Priority: 5}
	p2 := &Proxy{ID: 2, Priority: 1}
	h.Add(p1)
	h.Add(p2)

	cur, ok := h.Current()
	require.True(t, ok)
	require.Equal(t, int64(2), cur.ID)
}

func TestRetireProxyReelectsNextLowestPriority(t *testing.T) {
	h := NewHierarchy()
	p1 := &Proxy{ID: 1, Priority: 5}
	p2 := &Proxy{ID: 2, Priority: 1}
	h.Add(p1)
	h.Add(p2)

	h.RetireProxy(p2)

	cur, ok := h.Current()
	require.True(t, ok)
	require.Equal(t, int64(1), cur.ID)
	require.Equal(t, 1, h.DeadCount())
}

func TestRetireProxyIsIdempotent(t *testing.T) {
	h := NewHierarchy()
	p1 := &Proxy{ID: 1, Priority: 5}
	h.Add(p1)

	h.RetireProxy(p1)
	h.RetireProxy(p1)
	require.Equal(t, 1, h.DeadCount())
}

func TestSelectPrefersUserBoundProxyOverGlobal(t *testing.T) {
	h := NewHierarchy()
	global := &Proxy{ID: 1, Priority: 0}
	h.Add(global)

	userBound := &Proxy{ID: 2, UserID: 42, Priority: 0}
	h.Add(userBound)

	picked, ok := h.Select(42)
	require.True(t, ok)
	require.Equal(t, int64(2), picked.ID)
}

func TestSelectFallsBackToGlobalWhenUserHasNone(t *testing.T) {
	h := NewHierarchy()
	global := &Proxy{ID: 1, Priority: 0}
	h.Add(global)

	picked, ok := h.Select(42)
	require.True(t, ok)
	require.Equal(t, int64(1), picked.ID)
}

func TestSelectRejectsWhenAtQuota(t *testing.T) {
	h := NewHierarchy()
	global := &Proxy{ID: 1, Priority: 0, quota: 1}
	h.Add(global)
	global.AddClient()

	_, ok := h.Select(99)
	require.False(t, ok)
}
