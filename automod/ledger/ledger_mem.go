package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wardenbot/warden/automod/immunity"
	"github.com/wardenbot/warden/automod/verdict"
)

// In-process ledger, used in tests and single-node deployments. Mutations
// serialize on a per-key mutex; there is no lock across distinct keys.
type MemLedger struct {
	mu        sync.Mutex
	records   map[Key]*Record
	whitelist map[Key]*WhitelistEntry
	locks     map[Key]*sync.Mutex

	// test hook; time.Now when nil
	Now func() time.Time
}

func NewMemLedger() *MemLedger {
	return &MemLedger{
		records:   make(map[Key]*Record),
		whitelist: make(map[Key]*WhitelistEntry),
		locks:     make(map[Key]*sync.Mutex),
	}
}

var _ Ledger = (*MemLedger)(nil)

func (s *MemLedger) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *MemLedger) keyLock(key Key) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *MemLedger) getRecord(key Key) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

func (s *MemLedger) putRecord(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[Key{CommunityID: rec.CommunityID, UserID: rec.UserID}] = rec
}

func (s *MemLedger) deleteRecord(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[key]
	delete(s.records, key)
	return ok
}

func (s *MemLedger) communityKeys(communityID string) []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []Key
	for k := range s.records {
		if k.CommunityID == communityID {
			keys = append(keys, k)
		}
	}
	return keys
}

func (s *MemLedger) BumpViolation(ctx context.Context, key Key, window time.Duration, severity verdict.Severity) (int, time.Time, error) {
	l := s.keyLock(key)
	l.Lock()
	defer l.Unlock()

	rec := applyBump(s.getRecord(key), key, s.now(), window, severity)
	s.putRecord(rec)
	return rec.ViolationCount, rec.WindowResetAt, nil
}

func (s *MemLedger) AwardPoints(ctx context.Context, key Key, points int, reason string) (*Record, error) {
	l := s.keyLock(key)
	l.Lock()
	defer l.Unlock()

	rec := applyAward(s.getRecord(key), key, s.now(), points)
	s.putRecord(rec)
	cp := *rec
	return &cp, nil
}

func (s *MemLedger) Get(ctx context.Context, key Key) (*Record, error) {
	return s.getRecord(key), nil
}

func (s *MemLedger) Clear(ctx context.Context, key Key) (bool, error) {
	l := s.keyLock(key)
	l.Lock()
	defer l.Unlock()
	return s.deleteRecord(key), nil
}

func (s *MemLedger) Leaderboard(ctx context.Context, communityID string, limit int) ([]Record, error) {
	s.mu.Lock()
	var out []Record
	for k, rec := range s.records {
		if k.CommunityID == communityID && rec.PositivePoints > 0 {
			out = append(out, *rec)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].PositivePoints != out[j].PositivePoints {
			return out[i].PositivePoints > out[j].PositivePoints
		}
		return out[i].UserID < out[j].UserID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemLedger) CleanupExpired(ctx context.Context, communityID string) (int, error) {
	deleted := 0
	for _, key := range s.communityKeys(communityID) {
		l := s.keyLock(key)
		l.Lock()
		rec := s.getRecord(key)
		now := s.now()
		if rec != nil && now.After(rec.WindowResetAt) {
			if rec.PositivePoints <= 0 {
				if s.deleteRecord(key) {
					deleted++
				}
			} else {
				// reputation survives, active strikes do not
				rec.ViolationCount = 0
				rec.WindowResetAt = now
				rec.ImmunityTier = immunity.TierFor(rec.PositivePoints, 0)
				rec.UpdatedAt = now
				s.putRecord(rec)
			}
		}
		l.Unlock()
	}
	return deleted, nil
}

func (s *MemLedger) WeeklyBonusSweep(ctx context.Context, communityID string) ([]BonusAward, error) {
	awards := []BonusAward{}
	for _, key := range s.communityKeys(communityID) {
		l := s.keyLock(key)
		l.Lock()
		rec := s.getRecord(key)
		now := s.now()
		if bonusEligible(rec, now) {
			rec = applyAward(rec, key, now, PointsWeeklyBonus)
			s.putRecord(rec)
			awards = append(awards, BonusAward{
				UserID:      key.UserID,
				Points:      PointsWeeklyBonus,
				TotalPoints: rec.PositivePoints,
				NewTier:     rec.ImmunityTier,
			})
		}
		l.Unlock()
	}
	return awards, nil
}

func (s *MemLedger) AddWhitelist(ctx context.Context, entry WhitelistEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := Key{CommunityID: entry.CommunityID, UserID: entry.UserID}
	prev, existed := s.whitelist[key]
	if existed {
		// re-adding updates the entry but keeps the original add time
		entry.CreatedAt = prev.CreatedAt
	} else if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	cp := entry
	s.whitelist[key] = &cp
	return !existed, nil
}

func (s *MemLedger) RemoveWhitelist(ctx context.Context, key Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.whitelist[key]
	delete(s.whitelist, key)
	return ok, nil
}

func (s *MemLedger) IsWhitelisted(ctx context.Context, key Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.whitelist[key].Active(s.now()), nil
}
