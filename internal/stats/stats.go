// Package stats turns the EWMA share-rate accumulators tracked per
// client/user in internal/session into the persisted pool/user/worker
// status documents spec.md §6 names, ticking the decay on a fixed
// interval and mirroring the latest figures into internal/storage so a
// restart doesn't reset the admin API's view to zero.
package stats

import (
	"time"

	"github.com/ckpool-go/ckpool/internal/session"
	"github.com/ckpool-go/ckpool/internal/storage"
	"github.com/ckpool-go/ckpool/internal/workbase"
	"github.com/ckpool-go/ckpool/pkg/log"
)

var logger = log.NewModuleLogger(log.Stats)

// hashesPerShare is the expected number of hashes to find a share at
// difficulty 1 (2**32, the classic stratum diff-1 target scale).
const hashesPerShare = 1 << 32

// tickInterval matches the 5-second sampling interval the session EWMAs
// are calibrated against (rcrowley/go-metrics EWMA1/5/15 expect one Tick
// every 5s).
const tickInterval = 5 * time.Second

// toHashrate converts a diff-weighted share rate (shares/sec, pre-scaled
// by share difficulty inside the EWMA accumulator) into hashes/sec.
func toHashrate(dsps float64) float64 {
	return dsps * hashesPerShare
}

func snapshotFromRates(name string, rates session.Rates, shares int64, best float64, lastUpdate time.Time) storage.Snapshot {
	return storage.Snapshot{
		Name:        name,
		Hashrate1m:  toHashrate(rates.M1),
		Hashrate5m:  toHashrate(rates.M5),
		Hashrate15m: toHashrate(rates.M5),
		Hashrate1hr: toHashrate(rates.H1),
		Hashrate6hr: toHashrate(rates.H1),
		Hashrate1d:  toHashrate(rates.D1),
		Hashrate7d:  toHashrate(rates.D7),
		Shares:      shares,
		Bestshare:   best,
		LastUpdate:  lastUpdate.Unix(),
	}
}

// Collector periodically ticks every session's EWMA windows and persists
// pool/user/worker status snapshots (spec.md §6 Persisted state).
type Collector struct {
	sessions  *session.Manager
	store     *storage.StatsStore
	workbases *workbase.Manager

	startedAt time.Time
}

// NewCollector builds a Collector over sessions, persisting through store.
// workbases may be nil in tests that don't exercise the pool-wide
// lastswaphash field.
func NewCollector(sessions *session.Manager, store *storage.StatsStore, workbases *workbase.Manager) *Collector {
	return &Collector{sessions: sessions, store: store, workbases: workbases, startedAt: time.Now()}
}

// Run ticks and persists snapshots every tickInterval until stop closes.
func (c *Collector) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.sessions.TickAll()
			if err := c.PersistAll(); err != nil {
				logger.Warn("stats persistence failed", "err", err)
			}
		}
	}
}

// PersistAll snapshots the pool total and every user/worker, writing each
// through the StatsStore.
func (c *Collector) PersistAll() error {
	now := time.Now()

	var poolRates session.Rates
	var poolShares int64
	var poolBest float64

	for _, u := range c.sessions.Users() {
		clients := c.sessions.ClientsForUser(u.ID)

		var userRates session.Rates
		var userShares int64
		var userBest float64

		for _, cl := range clients {
			r := cl.Rates()
			accumulate(&userRates, r)
			userShares += cl.ShareCount()
			if b := cl.BestShareDiff(); b > userBest {
				userBest = b
			}

			_, worker := session.WorkerName(cl.WorkerName())
			workerSnap := snapshotFromRates(cl.WorkerName(), r, cl.ShareCount(), cl.BestShareDiff(), now)
			if err := c.store.Put(workerKey(u.Name, worker), workerSnap); err != nil {
				return err
			}
		}

		accumulate(&poolRates, userRates)
		poolShares += userShares
		if userBest > poolBest {
			poolBest = userBest
		}

		userSnap := snapshotFromRates(u.Name, userRates, userShares, userBest, now)
		if err := c.store.Put(userKey(u.Name), userSnap); err != nil {
			return err
		}
	}

	poolSnap := snapshotFromRates("pool", poolRates, poolShares, poolBest, now)
	if c.workbases != nil {
		poolSnap.LastSwapHash = c.workbases.LastSwapHash()
	}
	return c.store.Put("pool", poolSnap)
}

func accumulate(into *session.Rates, r session.Rates) {
	into.M1 += r.M1
	into.M5 += r.M5
	into.H1 += r.H1
	into.D1 += r.D1
	into.D7 += r.D7
}

func userKey(name string) string { return "users/" + name }

func workerKey(user, worker string) string { return "workers/" + user + "/" + worker }

// PoolSnapshot returns the last-persisted pool-wide snapshot, satisfying
// internal/adminapi.StatsSource.
func (c *Collector) PoolSnapshot() storage.Snapshot {
	snap, _ := c.store.Get("pool")
	return snap
}

// UserSnapshot returns the last-persisted snapshot for addr.
func (c *Collector) UserSnapshot(addr string) (storage.Snapshot, bool) {
	return c.store.Get(userKey(addr))
}

// WorkerSnapshot returns the last-persisted snapshot for worker under addr.
func (c *Collector) WorkerSnapshot(addr, worker string) (storage.Snapshot, bool) {
	return c.store.Get(workerKey(addr, worker))
}

// WorkerNames lists the workers currently registered under user, scoped
// to that single user (Open Question #2, SPEC_FULL.md PART F).
func (c *Collector) WorkerNames(user string) []string {
	var names []string
	for _, u := range c.sessions.Users() {
		if u.Name != user {
			continue
		}
		for _, cl := range c.sessions.ClientsForUser(u.ID) {
			if _, w := session.WorkerName(cl.WorkerName()); w != "" {
				names = append(names, w)
			}
		}
	}
	return names
}
