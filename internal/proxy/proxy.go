// Package proxy implements the Proxy/Subproxy hierarchy (spec.md §3
// "Proxy / Subproxy", proxy-mode only): upstream connection state, the
// current-global election, user-bound proxy shadowing, client quotas, and
// the dead-proxy recycle path.
package proxy

import (
	"sort"
	"sync"

	"github.com/ckpool-go/ckpool/pkg/log"
)

var logger = log.NewModuleLogger(log.Proxy)

// packPriority packs a proxy's configured priority into the low 32 bits
// and its owning user-id into the high 32 bits, so proxies sort first by
// user then by priority within a user (spec.md §3: "priority with user-id
// packed into the high 32 bits").
func packPriority(userID int64, priority int32) int64 {
	return (userID << 32) | int64(uint32(priority))
}

// Proxy is one upstream connection, identified by (id, subid) — id 0 is
// the top-level proxy entry, subid distinguishes failover subproxies under
// it (spec.md §3).
type Proxy struct {
	ID, Subid int64
	UserID    int64 // 0 = global
	Priority  int32

	mu        sync.Mutex
	connected bool
	alive     bool
	disabled  bool
	clients   int64
	quota     int64
}

func (p *Proxy) packedPriority() int64 { return packPriority(p.UserID, p.Priority) }

// Alive reports whether this proxy is connected and not disabled.
func (p *Proxy) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive && p.connected && !p.disabled
}

// AtQuota reports whether the proxy has no remaining client headroom
// (spec.md §4.2 Subscribe contract: "graceful rejection if the chosen
// proxy is at its client quota").
func (p *Proxy) AtQuota() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quota > 0 && p.clients >= p.quota
}

// AddClient/RemoveClient track live client count against quota.
func (p *Proxy) AddClient() {
	p.mu.Lock()
	p.clients++
	p.mu.Unlock()
}

func (p *Proxy) RemoveClient() {
	p.mu.Lock()
	if p.clients > 0 {
		p.clients--
	}
	p.mu.Unlock()
}

func (p *Proxy) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}

func (p *Proxy) setAlive(v bool) {
	p.mu.Lock()
	p.alive = v
	p.mu.Unlock()
}

// Hierarchy owns every Proxy, the current-global election, and the
// dead-proxy recycle list (spec.md §3 Proxy/Subproxy invariants).
//
// Recycle-order for dead proxies (SPEC_FULL.md PART F, Open Question #1):
// a dead proxy is always flagged disabled and pushed onto the dead list
// exactly once, via RetireProxy below; there is no second path.
type Hierarchy struct {
	mu       sync.RWMutex
	byKey    map[[2]int64]*Proxy
	byUser   map[int64][]*Proxy
	dead     []*Proxy
	current  *Proxy
}

// NewHierarchy constructs an empty proxy hierarchy.
func NewHierarchy() *Hierarchy {
	return &Hierarchy{
		byKey:  make(map[[2]int64]*Proxy),
		byUser: make(map[int64][]*Proxy),
	}
}

// Add registers a new proxy/subproxy and re-evaluates the current-global
// election if it is a global (UserID == 0) candidate.
func (h *Hierarchy) Add(p *Proxy) {
	h.mu.Lock()
	h.byKey[[2]int64{p.ID, p.Subid}] = p
	h.byUser[p.UserID] = append(h.byUser[p.UserID], p)
	h.mu.Unlock()

	p.setConnected(true)
	p.setAlive(true)

	if p.UserID == 0 {
		h.electCurrent()
	}
}

// electCurrent selects the lowest-priority alive global proxy as current
// (spec.md §3: "exactly one global proxy is 'current' at any time — the
// lowest-priority alive global proxy").
func (h *Hierarchy) electCurrent() {
	h.mu.Lock()
	defer h.mu.Unlock()
	candidates := append([]*Proxy(nil), h.byUser[0]...)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Priority < candidates[j].Priority })
	for _, c := range candidates {
		if c.Alive() {
			h.current = c
			return
		}
	}
	h.current = nil
}

// Current returns the elected global proxy, if any.
func (h *Hierarchy) Current() (*Proxy, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current, h.current != nil
}

// Select picks the bound sdata partition for a subscribing client: the
// best-priority alive user-bound proxy of userID if any exist and are not
// all at quota, else the current global proxy (spec.md §4.2 Subscribe
// contract step 4). ok is false if every eligible candidate is at quota or
// dead, meaning the caller should reject the subscribe.
func (h *Hierarchy) Select(userID int64) (*Proxy, bool) {
	h.mu.RLock()
	userProxies := append([]*Proxy(nil), h.byUser[userID]...)
	h.mu.RUnlock()

	sort.Slice(userProxies, func(i, j int) bool { return userProxies[i].Priority < userProxies[j].Priority })
	for _, p := range userProxies {
		if p.Alive() && !p.AtQuota() {
			return p, true
		}
	}

	cur, ok := h.Current()
	if !ok || cur.AtQuota() {
		return nil, false
	}
	return cur, true
}

// RetireProxy marks a proxy dead and moves it onto the dead list exactly
// once, re-running the current-global election if it was the elected
// proxy (decided Open Question #1: single recycle path).
func (h *Hierarchy) RetireProxy(p *Proxy) {
	p.mu.Lock()
	if p.disabled {
		p.mu.Unlock()
		return
	}
	p.disabled = true
	p.connected = false
	p.alive = false
	p.mu.Unlock()

	h.mu.Lock()
	h.dead = append(h.dead, p)
	wasCurrent := h.current == p
	h.mu.Unlock()

	if wasCurrent {
		h.electCurrent()
	}
	logger.Info("proxy retired", "id", p.ID, "subid", p.Subid, "user", p.UserID)
}

// DeadCount reports the number of proxies ever retired (diagnostics).
func (h *Hierarchy) DeadCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.dead)
}

// Lookup returns the proxy for (id, subid), if registered.
func (h *Hierarchy) Lookup(id, subid int64) (*Proxy, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.byKey[[2]int64{id, subid}]
	return p, ok
}
