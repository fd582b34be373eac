package storage

import (
	"encoding/json"
	"time"
)

const resumeAge = 10 * time.Minute

var resumePrefix = []byte("resume/")

type resumeRecord struct {
	Enonce1Counter uint64    `json:"e1"`
	UserID         int64     `json:"u"`
	Addr           string    `json:"a"`
	SavedAt        time.Time `json:"t"`
}

// ResumeStore persists session-resume entries to an embedded Database,
// satisfying session.ResumeStore so a restarted stratifier can still
// honour in-flight client reconnects (spec.md §3 session table).
type ResumeStore struct {
	db Database
}

// NewResumeStore wraps db as a durable session.ResumeStore.
func NewResumeStore(db Database) *ResumeStore {
	return &ResumeStore{db: db}
}

func resumeKey(sessionID uint32) []byte {
	key := make([]byte, len(resumePrefix)+4)
	copy(key, resumePrefix)
	key[len(resumePrefix)+0] = byte(sessionID >> 24)
	key[len(resumePrefix)+1] = byte(sessionID >> 16)
	key[len(resumePrefix)+2] = byte(sessionID >> 8)
	key[len(resumePrefix)+3] = byte(sessionID)
	return key
}

func (s *ResumeStore) Save(sessionID uint32, enonce1Counter uint64, userID int64, addr string) {
	rec := resumeRecord{Enonce1Counter: enonce1Counter, UserID: userID, Addr: addr, SavedAt: time.Now()}
	body, err := json.Marshal(rec)
	if err != nil {
		logger.Error("resume store marshal failed", "err", err)
		return
	}
	if err := s.db.Put(resumeKey(sessionID), body); err != nil {
		logger.Error("resume store put failed", "err", err)
	}
}

func (s *ResumeStore) Lookup(sessionID uint32) (uint64, int64, string, bool) {
	raw, err := s.db.Get(resumeKey(sessionID))
	if err != nil {
		return 0, 0, "", false
	}
	var rec resumeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return 0, 0, "", false
	}
	if time.Since(rec.SavedAt) > resumeAge {
		return 0, 0, "", false
	}
	return rec.Enonce1Counter, rec.UserID, rec.Addr, true
}

// LookupByAddr scans the resume prefix for a matching address. The
// session table stays small (bounded by concurrently-resumable clients),
// so a linear scan over an embedded KV range is acceptable.
func (s *ResumeStore) LookupByAddr(addr string) (uint64, uint32, bool) {
	var enonce1 uint64
	var sessionID uint32
	found := false
	_ = s.db.Iterate(resumePrefix, func(key, value []byte) error {
		if found {
			return nil
		}
		var rec resumeRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil
		}
		if rec.Addr != addr || time.Since(rec.SavedAt) > resumeAge {
			return nil
		}
		id := uint32(key[len(resumePrefix)+0])<<24 | uint32(key[len(resumePrefix)+1])<<16 |
			uint32(key[len(resumePrefix)+2])<<8 | uint32(key[len(resumePrefix)+3])
		enonce1, sessionID, found = rec.Enonce1Counter, id, true
		return nil
	})
	return enonce1, sessionID, found
}

// Sweep deletes every resume entry older than the resume window.
func (s *ResumeStore) Sweep(now time.Time) {
	var stale [][]byte
	_ = s.db.Iterate(resumePrefix, func(key, value []byte) error {
		var rec resumeRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil
		}
		if now.Sub(rec.SavedAt) > resumeAge {
			stale = append(stale, append([]byte(nil), key...))
		}
		return nil
	})
	for _, key := range stale {
		if err := s.db.Delete(key); err != nil {
			logger.Warn("resume store sweep delete failed", "err", err)
		}
	}
}

// Len returns the number of live (not yet swept) resume entries.
func (s *ResumeStore) Len() int {
	n := 0
	_ = s.db.Iterate(resumePrefix, func(key, value []byte) error {
		n++
		return nil
	})
	return n
}
