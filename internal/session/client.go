package session

import (
	"sync"
	"time"

	"github.com/ckpool-go/ckpool/pkg/metrics"
)

// RejectLevel is the bad-share streak escalator (spec.md §4.2 Idle /
// rejection reactions).
type RejectLevel int

const (
	RejectNominal RejectLevel = iota
	RejectLevel1              // after 60s of rejects: resend template
	RejectLevel2              // after 120s: reconnect
	RejectLevel3              // after 180s: disconnect
)

// EWMAWindows are the share-rate accumulation windows every Client/Worker/
// User tracks (spec.md §3). H1, D1 and D7 are all the 15-minute EWMA, ticked
// together with M1 and M5, so they carry a 15-minute decay; there is no
// separate 1-hour, 1-day or 7-day window.
type EWMAWindows struct {
	M1, M5, H1, D1, D7 metrics.EWMA
}

func newEWMAWindows() EWMAWindows {
	return EWMAWindows{
		M1: metrics.NewEWMA1(),
		M5: metrics.NewEWMA5(),
		H1: metrics.NewEWMA15(), // coarsest built-in window, used for H1, D1 and D7
		D1: metrics.NewEWMA15(),
		D7: metrics.NewEWMA15(),
	}
}

func (w EWMAWindows) update(n int64) {
	w.M1.Update(n)
	w.M5.Update(n)
	w.H1.Update(n)
	w.D1.Update(n)
	w.D7.Update(n)
}

// Rates snapshots the five accumulation windows as per-second share
// rates (named dsps1/5/60/1440/10080 in spec.md §6 status JSON terms; the
// last three are all 15-minute averages, see EWMAWindows), for the
// stats subsystem's periodic persistence and the admin API's status
// responses.
type Rates struct {
	M1, M5, H1, D1, D7 float64
}

func (w EWMAWindows) rates() Rates {
	return Rates{
		M1: w.M1.Rate(),
		M5: w.M5.Rate(),
		H1: w.H1.Rate(),
		D1: w.D1.Rate(),
		D7: w.D7.Rate(),
	}
}

func (w EWMAWindows) tick() {
	w.M1.Tick()
	w.M5.Tick()
	w.H1.Tick()
	w.D1.Tick()
	w.D7.Tick()
}

// Client is a per-connection stratum session (spec.md §3 Client session).
type Client struct {
	ID        uint64
	ServerIdx int
	SessionID uint32 // 4-byte resume token

	Slot Slot

	mu sync.RWMutex

	diff        float64
	oldDiff     float64
	diffChangeJobID int64
	suggestDiff float64

	subscribed bool
	authorised bool
	useragent  string

	workerName string
	userID     int64

	refcount int64
	dropped  bool
	droppedAt time.Time

	firstShare time.Time
	lastShare  time.Time
	rejectStreak int
	rejectSince  time.Time

	ewma EWMAWindows

	bestDiff   float64
	shareCount int64

	boundProxyID int64 // 0 if pool mode / global
}

// NewClient constructs an inactive (not subscribed/authorised) session.
func NewClient(id uint64, serverIdx int) *Client {
	return &Client{
		ID:        id,
		ServerIdx: serverIdx,
		ewma:      newEWMAWindows(),
	}
}

// Active reports whether the session is usable for work distribution
// (spec.md §3: "active only when both subscribed and authorised").
func (c *Client) Active() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscribed && c.authorised
}

func (c *Client) SetSubscribed(useragent string) {
	c.mu.Lock()
	c.subscribed = true
	c.useragent = useragent
	c.mu.Unlock()
}

func (c *Client) SetAuthorised(workerName string, userID int64) {
	c.mu.Lock()
	c.authorised = true
	c.workerName = workerName
	c.userID = userID
	c.mu.Unlock()
}

func (c *Client) Useragent() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.useragent
}

// IsGminer reports whether this client's useragent contains "gminer";
// only such clients receive operator broadcast messages (spec.md §4.4).
func (c *Client) IsGminer() bool {
	ua := c.Useragent()
	return containsFold(ua, "gminer")
}

func containsFold(s, substr string) bool {
	if len(substr) == 0 {
		return true
	}
	sl, bl := len(s), len(substr)
	if bl > sl {
		return false
	}
	for i := 0; i+bl <= sl; i++ {
		if equalFold(s[i:i+bl], substr) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Diff returns the current and old (pre-change) difficulty plus the
// workbase id at which the new diff takes effect (spec.md §4.2: "Upward
// changes take effect on the next workbase boundary").
func (c *Client) Diff() (current, old float64, changeJobID int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.diff, c.oldDiff, c.diffChangeJobID
}

// SetDiff records a new target difficulty, effective at nextJobID. The
// previous diff is retained as oldDiff so an in-flight share submitted
// before the boundary is still evaluated leniently (spec.md §4.2, §8).
func (c *Client) SetDiff(newDiff float64, nextJobID int64) {
	c.mu.Lock()
	c.oldDiff = c.diff
	c.diff = newDiff
	c.diffChangeJobID = nextJobID
	c.mu.Unlock()
}

// EffectiveMinDiff returns the diff a share against wbID should be checked
// against: min(diff, oldDiff) if wbID predates the change boundary, else
// diff (spec.md §8 Diff-change boundary law).
func (c *Client) EffectiveMinDiff(wbID int64) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if wbID < c.diffChangeJobID && c.oldDiff > 0 {
		if c.oldDiff < c.diff {
			return c.oldDiff
		}
	}
	return c.diff
}

func (c *Client) SuggestDiff() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.suggestDiff
}

func (c *Client) SetSuggestDiff(d float64) {
	c.mu.Lock()
	c.suggestDiff = d
	c.mu.Unlock()
}

// RecordShare updates EWMAs and bests on an accepted share, and refreshes
// first/last timestamps (spec.md §4.3 step 6).
func (c *Client) RecordShare(sdiff float64) {
	now := time.Now()
	c.mu.Lock()
	if c.firstShare.IsZero() {
		c.firstShare = now
	}
	c.lastShare = now
	if sdiff > c.bestDiff {
		c.bestDiff = sdiff
	}
	c.shareCount++
	c.rejectStreak = 0
	c.mu.Unlock()
	c.ewma.update(int64(sdiff))
}

// ShareCount returns the number of accepted shares recorded.
func (c *Client) ShareCount() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shareCount
}

// RecordReject advances the bad-share streak, returning the escalation
// level reached (spec.md §4.2 Idle/rejection reactions).
func (c *Client) RecordReject() RejectLevel {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rejectStreak == 0 {
		c.rejectSince = now
	}
	c.rejectStreak++
	elapsed := now.Sub(c.rejectSince)
	switch {
	case elapsed >= 180*time.Second:
		return RejectLevel3
	case elapsed >= 120*time.Second:
		return RejectLevel2
	case elapsed >= 60*time.Second:
		return RejectLevel1
	default:
		return RejectNominal
	}
}

// Ref/Unref track how many in-flight operations reference this session; it
// may be marked dropped while refcount is non-zero but not freed
// (spec.md §3 Client session invariants).
func (c *Client) Ref() {
	c.mu.Lock()
	c.refcount++
	c.mu.Unlock()
}

func (c *Client) Unref() {
	c.mu.Lock()
	c.refcount--
	c.mu.Unlock()
}

func (c *Client) Refcount() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refcount
}

func (c *Client) MarkDropped() {
	c.mu.Lock()
	c.dropped = true
	c.droppedAt = time.Now()
	c.mu.Unlock()
}

func (c *Client) Dropped() (bool, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dropped, c.droppedAt
}

// WorkerName returns the authorised worker name (empty before
// authorisation), for the stats subsystem's per-worker persistence.
func (c *Client) WorkerName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.workerName
}

// BestShareDiff returns the highest share difficulty this client has
// submitted (spec.md §6 persisted `bestshare`).
func (c *Client) BestShareDiff() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bestDiff
}

// ShareTimes returns the first and last accepted-share timestamps.
func (c *Client) ShareTimes() (first, last time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.firstShare, c.lastShare
}

// Rates snapshots this client's share-rate EWMAs.
func (c *Client) Rates() Rates {
	return c.ewma.rates()
}

// TickEWMA advances every accumulation window by one interval, called
// periodically by the stats subsystem so idle clients decay toward zero
// rather than holding a stale rate (spec.md §6: "EWMAs are back-decayed
// by the elapsed interval").
func (c *Client) TickEWMA() {
	c.ewma.tick()
}
