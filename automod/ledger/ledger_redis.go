package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wardenbot/warden/automod/immunity"
	"github.com/wardenbot/warden/automod/verdict"

	"github.com/redis/go-redis/v9"
)

var redisRecordPrefix string = "rep/"
var redisBoardPrefix string = "repboard/"
var redisWhitelistPrefix string = "wl/"

// retries for optimistic WATCH transactions before giving up
const redisTxnRetries = 5

// RedisLedger keeps reputation records as JSON values keyed per
// (community, user), a per-community sorted set for the leaderboard, and
// whitelist entries as separate keys. Per-key mutations use optimistic
// WATCH transactions so concurrent bumps never lose increments.
type RedisLedger struct {
	Client *redis.Client

	// test hook; time.Now when nil
	Now func() time.Time
}

func NewRedisLedger(redisURL string) (*RedisLedger, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(context.TODO()).Result()
	if err != nil {
		return nil, err
	}
	return &RedisLedger{Client: rdb}, nil
}

var _ Ledger = (*RedisLedger)(nil)

func (s *RedisLedger) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func recordKey(key Key) string {
	return redisRecordPrefix + key.CommunityID + "/" + key.UserID
}

func boardKey(communityID string) string {
	return redisBoardPrefix + communityID
}

func whitelistKey(key Key) string {
	return redisWhitelistPrefix + key.CommunityID + "/" + key.UserID
}

func (s *RedisLedger) readRecord(ctx context.Context, c redis.Cmdable, key Key) (*Record, error) {
	raw, err := c.Get(ctx, recordKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("corrupt reputation record: %w", err)
	}
	return &rec, nil
}

// mutate runs fn over the current record inside a WATCH transaction,
// retrying on contention. fn returning nil leaves the key untouched.
func (s *RedisLedger) mutate(ctx context.Context, key Key, fn func(rec *Record) *Record) (*Record, error) {
	var out *Record
	txn := func(tx *redis.Tx) error {
		cur, err := s.readRecord(ctx, tx, key)
		if err != nil {
			return err
		}
		out = fn(cur)
		if out == nil {
			return nil
		}
		raw, err := json.Marshal(out)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recordKey(key), raw, 0)
			if out.PositivePoints > 0 {
				pipe.ZAdd(ctx, boardKey(key.CommunityID), redis.Z{
					Score:  float64(out.PositivePoints),
					Member: key.UserID,
				})
			} else {
				pipe.ZRem(ctx, boardKey(key.CommunityID), key.UserID)
			}
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < redisTxnRetries; i++ {
		err = s.Client.Watch(ctx, txn, recordKey(key))
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
		// key changed under us, try again
	}
	return nil, storageErr(err)
}

func (s *RedisLedger) BumpViolation(ctx context.Context, key Key, window time.Duration, severity verdict.Severity) (int, time.Time, error) {
	rec, err := s.mutate(ctx, key, func(cur *Record) *Record {
		return applyBump(cur, key, s.now(), window, severity)
	})
	if err != nil {
		return 0, time.Time{}, err
	}
	return rec.ViolationCount, rec.WindowResetAt, nil
}

func (s *RedisLedger) AwardPoints(ctx context.Context, key Key, points int, reason string) (*Record, error) {
	return s.mutate(ctx, key, func(cur *Record) *Record {
		return applyAward(cur, key, s.now(), points)
	})
}

func (s *RedisLedger) Get(ctx context.Context, key Key) (*Record, error) {
	rec, err := s.readRecord(ctx, s.Client, key)
	if err != nil {
		return nil, storageErr(err)
	}
	return rec, nil
}

func (s *RedisLedger) Clear(ctx context.Context, key Key) (bool, error) {
	multi := s.Client.Pipeline()
	del := multi.Del(ctx, recordKey(key))
	multi.ZRem(ctx, boardKey(key.CommunityID), key.UserID)
	if _, err := multi.Exec(ctx); err != nil {
		return false, storageErr(err)
	}
	return del.Val() > 0, nil
}

func (s *RedisLedger) Leaderboard(ctx context.Context, communityID string, limit int) ([]Record, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	users, err := s.Client.ZRevRange(ctx, boardKey(communityID), 0, stop).Result()
	if err != nil {
		return nil, storageErr(err)
	}
	out := make([]Record, 0, len(users))
	for _, uid := range users {
		rec, err := s.readRecord(ctx, s.Client, Key{CommunityID: communityID, UserID: uid})
		if err != nil {
			return nil, storageErr(err)
		}
		if rec != nil && rec.PositivePoints > 0 {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// scanCommunity walks every reputation key for a community.
func (s *RedisLedger) scanCommunity(ctx context.Context, communityID string, fn func(key Key, rec *Record) error) error {
	match := redisRecordPrefix + communityID + "/*"
	var cursor uint64
	prefixLen := len(redisRecordPrefix + communityID + "/")
	for {
		keys, next, err := s.Client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			return err
		}
		for _, raw := range keys {
			if len(raw) <= prefixLen {
				continue
			}
			key := Key{CommunityID: communityID, UserID: raw[prefixLen:]}
			rec, err := s.readRecord(ctx, s.Client, key)
			if err != nil {
				return err
			}
			if rec == nil {
				continue
			}
			if err := fn(key, rec); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (s *RedisLedger) CleanupExpired(ctx context.Context, communityID string) (int, error) {
	deleted := 0
	err := s.scanCommunity(ctx, communityID, func(key Key, snapshot *Record) error {
		now := s.now()
		if !now.After(snapshot.WindowResetAt) {
			return nil
		}
		if snapshot.PositivePoints <= 0 {
			removed, err := s.Clear(ctx, key)
			if err != nil {
				return err
			}
			if removed {
				deleted++
			}
			return nil
		}
		// re-read under WATCH; the snapshot may be stale
		_, err := s.mutate(ctx, key, func(cur *Record) *Record {
			if cur == nil || !now.After(cur.WindowResetAt) || cur.ViolationCount == 0 {
				return nil
			}
			return &Record{
				CommunityID:        key.CommunityID,
				UserID:             key.UserID,
				ViolationCount:     0,
				WindowResetAt:      now,
				PositivePoints:     cur.PositivePoints,
				ImmunityTier:       immunity.TierFor(cur.PositivePoints, 0),
				LastPositiveUpdate: cur.LastPositiveUpdate,
				UpdatedAt:          now,
			}
		})
		return err
	})
	if err != nil {
		return deleted, storageErr(err)
	}
	return deleted, nil
}

func (s *RedisLedger) WeeklyBonusSweep(ctx context.Context, communityID string) ([]BonusAward, error) {
	awards := []BonusAward{}
	err := s.scanCommunity(ctx, communityID, func(key Key, snapshot *Record) error {
		now := s.now()
		if !bonusEligible(snapshot, now) {
			return nil
		}
		rec, err := s.mutate(ctx, key, func(cur *Record) *Record {
			if !bonusEligible(cur, now) {
				return nil
			}
			return applyAward(cur, key, now, PointsWeeklyBonus)
		})
		if err != nil {
			return err
		}
		if rec == nil {
			return nil
		}
		awards = append(awards, BonusAward{
			UserID:      key.UserID,
			Points:      PointsWeeklyBonus,
			TotalPoints: rec.PositivePoints,
			NewTier:     rec.ImmunityTier,
		})
		return nil
	})
	if err != nil {
		return awards, storageErr(err)
	}
	return awards, nil
}

func (s *RedisLedger) AddWhitelist(ctx context.Context, entry WhitelistEntry) (bool, error) {
	key := Key{CommunityID: entry.CommunityID, UserID: entry.UserID}
	existed := false
	prevRaw, err := s.Client.Get(ctx, whitelistKey(key)).Bytes()
	if err == nil {
		existed = true
		// re-adding updates the entry but keeps the original add time
		var prev WhitelistEntry
		if err := json.Unmarshal(prevRaw, &prev); err == nil {
			entry.CreatedAt = prev.CreatedAt
		}
	} else if err != redis.Nil {
		return false, storageErr(err)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	raw, err := json.Marshal(&entry)
	if err != nil {
		return false, err
	}
	var ttl time.Duration
	if entry.ExpiresAt != nil {
		ttl = time.Until(*entry.ExpiresAt)
		if ttl <= 0 {
			ttl = time.Millisecond
		}
	}
	if err := s.Client.Set(ctx, whitelistKey(key), raw, ttl).Err(); err != nil {
		return false, storageErr(err)
	}
	return !existed, nil
}

func (s *RedisLedger) RemoveWhitelist(ctx context.Context, key Key) (bool, error) {
	n, err := s.Client.Del(ctx, whitelistKey(key)).Result()
	if err != nil {
		return false, storageErr(err)
	}
	return n > 0, nil
}

func (s *RedisLedger) IsWhitelisted(ctx context.Context, key Key) (bool, error) {
	raw, err := s.Client.Get(ctx, whitelistKey(key)).Bytes()
	if err == redis.Nil {
		return false, nil
	} else if err != nil {
		return false, storageErr(err)
	}
	var entry WhitelistEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return false, fmt.Errorf("corrupt whitelist entry: %w", err)
	}
	return entry.Active(s.now()), nil
}
