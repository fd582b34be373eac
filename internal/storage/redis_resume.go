package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v7"
)

// RedisResumeStore is the pluggable session.ResumeStore backend (spec.md
// §3 session table) for deployments running more than one stratifier
// replica behind a shared connector/load balancer: every replica needs to
// see the same (session_id, enonce1 counter, user, address) tuples so a
// reconnecting client resumes regardless of which replica it lands on,
// which the embedded-KV ResumeStore can't give them.
type RedisResumeStore struct {
	client *redis.Client
}

// NewRedisResumeStore dials addr (host:port) and returns a ResumeStore
// backed by it. Entries expire after resumeAge via Redis TTLs instead of
// a manual Sweep scan.
func NewRedisResumeStore(addr string, db int) *RedisResumeStore {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	return &RedisResumeStore{client: client}
}

func redisResumeKey(sessionID uint32) string {
	return fmt.Sprintf("resume:id:%d", sessionID)
}

func redisAddrKey(addr string) string {
	return "resume:addr:" + addr
}

func (s *RedisResumeStore) Save(sessionID uint32, enonce1Counter uint64, userID int64, addr string) {
	rec := resumeRecord{Enonce1Counter: enonce1Counter, UserID: userID, Addr: addr, SavedAt: time.Now()}
	body, err := json.Marshal(rec)
	if err != nil {
		logger.Error("redis resume store marshal failed", "err", err)
		return
	}
	if err := s.client.Set(redisResumeKey(sessionID), body, resumeAge).Err(); err != nil {
		logger.Error("redis resume store set failed", "err", err)
		return
	}
	if addr != "" {
		if err := s.client.Set(redisAddrKey(addr), strconv.FormatUint(uint64(sessionID), 10), resumeAge).Err(); err != nil {
			logger.Warn("redis resume store addr index set failed", "err", err)
		}
	}
}

func (s *RedisResumeStore) Lookup(sessionID uint32) (uint64, int64, string, bool) {
	raw, err := s.client.Get(redisResumeKey(sessionID)).Bytes()
	if err != nil {
		return 0, 0, "", false
	}
	var rec resumeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return 0, 0, "", false
	}
	return rec.Enonce1Counter, rec.UserID, rec.Addr, true
}

func (s *RedisResumeStore) LookupByAddr(addr string) (uint64, uint32, bool) {
	idStr, err := s.client.Get(redisAddrKey(addr)).Result()
	if err != nil {
		return 0, 0, false
	}
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		return 0, 0, false
	}
	enonce1, _, _, ok := s.Lookup(uint32(id))
	return enonce1, uint32(id), ok
}

// Sweep is a no-op: Redis expires entries itself via the TTL set in Save.
func (s *RedisResumeStore) Sweep(now time.Time) {}

// Len counts live entries by scanning the resume:id: keyspace.
func (s *RedisResumeStore) Len() int {
	n := 0
	iter := s.client.Scan(0, "resume:id:*", 100).Iterator()
	for iter.Next() {
		n++
	}
	return n
}
