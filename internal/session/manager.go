package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pborman/uuid"
)

// resumeAge is how long a disconnected session's resume entry remains
// valid (spec.md §3, §4.2: aged at 10 min).
const resumeAge = 10 * time.Minute

// AddressValidator asks the BlockchainSource whether an address-shaped
// username is a valid payout address (spec.md §4.2 Authorise contract).
type AddressValidator interface {
	ValidateAddress(ctx context.Context, address string) (bool, error)
}

// ResumeStore persists the (session_id, enonce1 counter, user, address)
// tuple so a reconnecting client can resume its prior extranonce within the
// resume window (spec.md §3 Session table entries). The default
// implementation is in-process; a Redis-backed implementation lets a pool
// run multiple stratifier replicas sharing one resume table.
type ResumeStore interface {
	Save(sessionID uint32, enonce1Counter uint64, userID int64, addr string)
	Lookup(sessionID uint32) (enonce1Counter uint64, userID int64, addr string, ok bool)
	LookupByAddr(addr string) (enonce1Counter uint64, sessionID uint32, ok bool)
	Sweep(now time.Time)
	Len() int
}

type resumeEntry struct {
	enonce1Counter uint64
	userID         int64
	addr           string
	savedAt        time.Time
}

// memResumeStore is the default in-memory ResumeStore.
type memResumeStore struct {
	mu      sync.Mutex
	byID    map[uint32]*resumeEntry
	byAddr  map[string]uint32
}

// NewMemResumeStore constructs the default in-process resume table.
func NewMemResumeStore() ResumeStore {
	return &memResumeStore{byID: make(map[uint32]*resumeEntry), byAddr: make(map[string]uint32)}
}

func (s *memResumeStore) Save(sessionID uint32, enonce1Counter uint64, userID int64, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &resumeEntry{enonce1Counter: enonce1Counter, userID: userID, addr: addr, savedAt: time.Now()}
	s.byID[sessionID] = e
	if addr != "" {
		s.byAddr[addr] = sessionID
	}
}

func (s *memResumeStore) Lookup(sessionID uint32) (uint64, int64, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[sessionID]
	if !ok || time.Since(e.savedAt) > resumeAge {
		return 0, 0, "", false
	}
	return e.enonce1Counter, e.userID, e.addr, true
}

func (s *memResumeStore) LookupByAddr(addr string) (uint64, uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sid, ok := s.byAddr[addr]
	if !ok {
		return 0, 0, false
	}
	e, ok := s.byID[sid]
	if !ok || time.Since(e.savedAt) > resumeAge {
		return 0, 0, false
	}
	return e.enonce1Counter, sid, true
}

func (s *memResumeStore) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.byID {
		if now.Sub(e.savedAt) > resumeAge {
			delete(s.byID, id)
			delete(s.byAddr, e.addr)
		}
	}
}

func (s *memResumeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Manager allocates sessions, extranonce slots, and owns every Client
// exclusively (spec.md §3 Ownership, §4.2 entire section).
type Manager struct {
	alloc   *Allocator
	resume  ResumeStore
	addrVal AddressValidator

	mu       sync.RWMutex
	clients  map[uint64]*Client
	nextID   uint64

	users   map[int64]*User
	nextUserID int64
	usersByName map[string]int64

	minDiffMu     sync.RWMutex
	minDiffFloors map[string]float64

	poolMode bool // false = proxy mode
}

// User groups all workers of one account name (spec.md §3 Worker/User).
type User struct {
	ID            int64
	Name          string
	Authorised    bool
	AddressShaped bool
	TotalWorkers  int
	BestDiff      float64
	ewma          EWMAWindows

	mu sync.Mutex
	backoff time.Duration
	nextAttempt time.Time
}

// NewManager constructs a Session Manager. poolMode true means enonce1_const
// is always empty (spec.md §3 Extranonce slot).
func NewManager(alloc *Allocator, resume ResumeStore, addrVal AddressValidator, poolMode bool) *Manager {
	return &Manager{
		alloc:         alloc,
		resume:        resume,
		addrVal:       addrVal,
		clients:       make(map[uint64]*Client),
		users:         make(map[int64]*User),
		usersByName:   make(map[string]int64),
		minDiffFloors: make(map[string]float64),
		poolMode:      poolMode,
	}
}

// SetWorkerMinDiffFloor records a per-worker minimum difficulty the var-diff
// controller must not recompute below, overriding the pool-wide minimum
// until the next hint arrives. Fed by ckdb heartbeat diffchange payloads
// (internal/accounting) rather than computed locally.
func (m *Manager) SetWorkerMinDiffFloor(worker string, floor float64) {
	m.minDiffMu.Lock()
	defer m.minDiffMu.Unlock()
	m.minDiffFloors[worker] = floor
}

// WorkerMinDiffFloor returns the per-worker floor set by
// SetWorkerMinDiffFloor, or 0 if none has been recorded.
func (m *Manager) WorkerMinDiffFloor(worker string) float64 {
	m.minDiffMu.RLock()
	defer m.minDiffMu.RUnlock()
	return m.minDiffFloors[worker]
}

// SubscribeResult is the payload for the client's subscribe response
// (spec.md §4.2: "[[[\"mining.notify\", session_hex]], enonce1_hex, enonce2_varlen]").
type SubscribeResult struct {
	SessionHex string
	Enonce1Hex string
	Enonce2Len int
}

// Subscribe implements the subscribe contract (spec.md §4.2).
func (m *Manager) Subscribe(clientID uint64, useragent string, priorSessionID uint32, enonce2Len int) (*Client, SubscribeResult, error) {
	m.mu.Lock()
	c, ok := m.clients[clientID]
	if !ok {
		c = NewClient(clientID, 0)
		m.clients[clientID] = c
	}
	m.mu.Unlock()

	c.SetSubscribed(useragent)

	var slot Slot
	var sessionID uint32

	if m.poolMode && priorSessionID != 0 {
		if counter, _, _, ok := m.resume.Lookup(priorSessionID); ok {
			slot = m.alloc.Restore(counter)
			sessionID = priorSessionID
		}
	}

	if sessionID == 0 {
		s, err := m.alloc.Next()
		if err != nil {
			return nil, SubscribeResult{}, err
		}
		slot = s
		sessionID = newSessionID()
	}

	c.Slot = slot
	c.SessionID = sessionID

	return c, SubscribeResult{
		SessionHex: hexUint32(sessionID),
		Enonce1Hex: slot.Enonce1Hex(),
		Enonce2Len: enonce2Len,
	}, nil
}

func newSessionID() uint32 {
	u := uuid.NewRandom()
	var v uint32
	for i := 0; i < 4; i++ {
		v = v<<8 | uint32(u[i])
	}
	return v
}

func hexUint32(v uint32) string {
	const hexdigits = "0123456789abcdef"
	buf := make([]byte, 8)
	for i := 0; i < 4; i++ {
		b := byte(v >> uint(8*(3-i)))
		buf[i*2] = hexdigits[b>>4]
		buf[i*2+1] = hexdigits[b&0xf]
	}
	return string(buf)
}

// WorkerName splits "account._worker" into its account-name prefix
// (spec.md §3: "the portion before '._' in the workername").
func WorkerName(workername string) (account, worker string) {
	idx := strings.Index(workername, "._")
	if idx < 0 {
		return workername, ""
	}
	return workername[:idx], workername[idx+2:]
}

// Authorise implements the authorise contract (spec.md §4.2). looksLikeAddress
// should report whether account is shaped like a cryptocurrency address.
func (m *Manager) Authorise(ctx context.Context, c *Client, workername string, looksLikeAddress bool) (bool, error) {
	account, _ := WorkerName(workername)

	m.mu.Lock()
	uid, ok := m.usersByName[account]
	if !ok {
		m.nextUserID++
		uid = m.nextUserID
		m.users[uid] = &User{ID: uid, Name: account, AddressShaped: looksLikeAddress, ewma: newEWMAWindows()}
		m.usersByName[account] = uid
	}
	user := m.users[uid]
	m.mu.Unlock()

	user.mu.Lock()
	if time.Now().Before(user.nextAttempt) {
		user.mu.Unlock()
		return false, nil
	}
	user.mu.Unlock()

	if user.AddressShaped && !user.Authorised && m.addrVal != nil {
		valid, err := m.addrVal.ValidateAddress(ctx, account)
		if err != nil || !valid {
			m.backoffUser(user)
			return false, err
		}
	}

	user.mu.Lock()
	user.Authorised = true
	user.TotalWorkers++
	user.backoff = 0
	user.mu.Unlock()

	c.SetAuthorised(workername, uid)
	return true, nil
}

// backoffUser applies the exponential backoff on failed auth (spec.md §4.2:
// "start 3s, double each failure, cap 10 min").
func (m *Manager) backoffUser(u *User) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.backoff == 0 {
		u.backoff = 3 * time.Second
	} else {
		u.backoff *= 2
		if u.backoff > 10*time.Minute {
			u.backoff = 10 * time.Minute
		}
	}
	u.nextAttempt = time.Now().Add(u.backoff)
}

// Drop marks a client session dropped and, if pool mode, records its
// extranonce in the resume table (spec.md §3: "may resume if it reconnects
// within 10 min").
func (m *Manager) Drop(c *Client) {
	c.MarkDropped()
	if m.poolMode {
		m.resume.Save(c.SessionID, varCounter(c.Slot.Var), c.UserID(), "")
	}
}

func varCounter(v []byte) uint64 {
	var n uint64
	for i := len(v) - 1; i >= 0; i-- {
		n = n<<8 | uint64(v[i])
	}
	return n
}

func (c *Client) UserID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// ResumeTableLen reports the number of disconnected sessions still eligible
// for resume (used by orchestrator diagnostics and tests).
func (m *Manager) ResumeTableLen() int {
	return m.resume.Len()
}

// Rates snapshots u's share-rate EWMAs.
func (u *User) Rates() Rates {
	return u.ewma.rates()
}

// TickEWMA advances u's accumulation windows by one interval.
func (u *User) TickEWMA() {
	u.ewma.tick()
}

// Users returns every known user, for the stats subsystem's periodic
// per-user persistence pass.
func (m *Manager) Users() []*User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	return out
}

// ClientsForUser returns every session currently authorised under uid.
func (m *Manager) ClientsForUser(uid int64) []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Client, 0)
	for _, c := range m.clients {
		if c.UserID() == uid {
			out = append(out, c)
		}
	}
	return out
}

// AllClients returns every tracked session, active or not.
func (m *Manager) AllClients() []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c)
	}
	return out
}

// TickAll advances every client's and user's EWMA windows by one
// interval (spec.md §6: "EWMAs are back-decayed by the elapsed
// interval"), called periodically by the stats subsystem.
func (m *Manager) TickAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.clients {
		c.TickEWMA()
	}
	for _, u := range m.users {
		u.TickEWMA()
	}
}
