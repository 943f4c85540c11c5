package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wardenbot/warden/automod/immunity"
	"github.com/wardenbot/warden/automod/verdict"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormLedger persists reputation records and whitelist entries in a SQL
// database. Per-key mutations run inside a transaction holding a row lock,
// so concurrent bumps for the same key serialize at the database.
type GormLedger struct {
	db *gorm.DB

	// test hook; time.Now when nil
	Now func() time.Time
}

type GormReputation struct {
	CommunityID        string `gorm:"primaryKey"`
	UserID             string `gorm:"primaryKey"`
	ViolationCount     int
	WindowResetAt      time.Time `gorm:"index"`
	PositivePoints     int       `gorm:"index"`
	ImmunityTier       string
	LastPositiveUpdate *time.Time
	UpdatedAt          time.Time
}

func (GormReputation) TableName() string {
	return "reputation"
}

type GormWhitelistEntry struct {
	CommunityID string `gorm:"primaryKey"`
	UserID      string `gorm:"primaryKey"`
	Reason      string
	AddedBy     string
	CreatedAt   time.Time
	ExpiresAt   *time.Time
}

func (GormWhitelistEntry) TableName() string {
	return "whitelist"
}

func NewGormLedger(db *gorm.DB) (*GormLedger, error) {
	if err := db.AutoMigrate(&GormReputation{}, &GormWhitelistEntry{}); err != nil {
		return nil, fmt.Errorf("initializing reputation storage: %w", err)
	}
	return &GormLedger{db: db}, nil
}

var _ Ledger = (*GormLedger)(nil)

func (s *GormLedger) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func storageErr(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func rowToRecord(row *GormReputation) *Record {
	return &Record{
		CommunityID:        row.CommunityID,
		UserID:             row.UserID,
		ViolationCount:     row.ViolationCount,
		WindowResetAt:      row.WindowResetAt,
		PositivePoints:     row.PositivePoints,
		ImmunityTier:       immunity.Tier(row.ImmunityTier),
		LastPositiveUpdate: row.LastPositiveUpdate,
		UpdatedAt:          row.UpdatedAt,
	}
}

func recordToRow(rec *Record) *GormReputation {
	return &GormReputation{
		CommunityID:        rec.CommunityID,
		UserID:             rec.UserID,
		ViolationCount:     rec.ViolationCount,
		WindowResetAt:      rec.WindowResetAt,
		PositivePoints:     rec.PositivePoints,
		ImmunityTier:       string(rec.ImmunityTier),
		LastPositiveUpdate: rec.LastPositiveUpdate,
		UpdatedAt:          rec.UpdatedAt,
	}
}

// mutate runs fn over the locked current record (nil when absent) and saves
// the returned record back.
func (s *GormLedger) mutate(ctx context.Context, key Key, fn func(rec *Record) *Record) (*Record, error) {
	var out *Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row GormReputation
		var cur *Record
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("community_id = ? AND user_id = ?", key.CommunityID, key.UserID).
			First(&row).Error
		if err == nil {
			cur = rowToRecord(&row)
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		out = fn(cur)
		if out == nil {
			return nil
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(recordToRow(out)).Error
	})
	if err != nil {
		return nil, storageErr(err)
	}
	return out, nil
}

func (s *GormLedger) BumpViolation(ctx context.Context, key Key, window time.Duration, severity verdict.Severity) (int, time.Time, error) {
	rec, err := s.mutate(ctx, key, func(cur *Record) *Record {
		return applyBump(cur, key, s.now(), window, severity)
	})
	if err != nil {
		return 0, time.Time{}, err
	}
	return rec.ViolationCount, rec.WindowResetAt, nil
}

func (s *GormLedger) AwardPoints(ctx context.Context, key Key, points int, reason string) (*Record, error) {
	return s.mutate(ctx, key, func(cur *Record) *Record {
		return applyAward(cur, key, s.now(), points)
	})
}

func (s *GormLedger) Get(ctx context.Context, key Key) (*Record, error) {
	var row GormReputation
	err := s.db.WithContext(ctx).
		Where("community_id = ? AND user_id = ?", key.CommunityID, key.UserID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr(err)
	}
	return rowToRecord(&row), nil
}

func (s *GormLedger) Clear(ctx context.Context, key Key) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("community_id = ? AND user_id = ?", key.CommunityID, key.UserID).
		Delete(&GormReputation{})
	if res.Error != nil {
		return false, storageErr(res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *GormLedger) Leaderboard(ctx context.Context, communityID string, limit int) ([]Record, error) {
	var rows []GormReputation
	q := s.db.WithContext(ctx).
		Where("community_id = ? AND positive_points > 0", communityID).
		Order("positive_points DESC, user_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, storageErr(err)
	}
	out := make([]Record, len(rows))
	for i := range rows {
		out[i] = *rowToRecord(&rows[i])
	}
	return out, nil
}

func (s *GormLedger) CleanupExpired(ctx context.Context, communityID string) (int, error) {
	now := s.now()

	res := s.db.WithContext(ctx).
		Where("community_id = ? AND window_reset_at < ? AND positive_points <= 0", communityID, now).
		Delete(&GormReputation{})
	if res.Error != nil {
		return 0, storageErr(res.Error)
	}
	deleted := int(res.RowsAffected)

	err := s.db.WithContext(ctx).Model(&GormReputation{}).
		Where("community_id = ? AND window_reset_at < ? AND positive_points > 0 AND violation_count > 0", communityID, now).
		Updates(map[string]interface{}{
			"violation_count": 0,
			"window_reset_at": now,
			"updated_at":      now,
		}).Error
	if err != nil {
		return deleted, storageErr(err)
	}
	// tiers may rise once active strikes drop away
	if err := s.retierCommunity(ctx, communityID); err != nil {
		return deleted, err
	}
	return deleted, nil
}

func (s *GormLedger) retierCommunity(ctx context.Context, communityID string) error {
	var rows []GormReputation
	if err := s.db.WithContext(ctx).
		Where("community_id = ?", communityID).
		Find(&rows).Error; err != nil {
		return storageErr(err)
	}
	for i := range rows {
		want := string(immunity.TierFor(rows[i].PositivePoints, rows[i].ViolationCount))
		if rows[i].ImmunityTier == want {
			continue
		}
		err := s.db.WithContext(ctx).Model(&GormReputation{}).
			Where("community_id = ? AND user_id = ?", rows[i].CommunityID, rows[i].UserID).
			Update("immunity_tier", want).Error
		if err != nil {
			return storageErr(err)
		}
	}
	return nil
}

func (s *GormLedger) WeeklyBonusSweep(ctx context.Context, communityID string) ([]BonusAward, error) {
	now := s.now()
	var candidates []GormReputation
	err := s.db.WithContext(ctx).
		Where("community_id = ? AND updated_at < ?", communityID, now.Add(-BonusQuietWindow)).
		Find(&candidates).Error
	if err != nil {
		return nil, storageErr(err)
	}

	awards := []BonusAward{}
	for i := range candidates {
		key := Key{CommunityID: candidates[i].CommunityID, UserID: candidates[i].UserID}
		rec, err := s.mutate(ctx, key, func(cur *Record) *Record {
			if !bonusEligible(cur, now) {
				return cur
			}
			return applyAward(cur, key, now, PointsWeeklyBonus)
		})
		if err != nil {
			return awards, err
		}
		if rec == nil || rec.LastPositiveUpdate == nil || !rec.LastPositiveUpdate.Equal(now) {
			continue
		}
		awards = append(awards, BonusAward{
			UserID:      key.UserID,
			Points:      PointsWeeklyBonus,
			TotalPoints: rec.PositivePoints,
			NewTier:     rec.ImmunityTier,
		})
	}
	return awards, nil
}

func (s *GormLedger) AddWhitelist(ctx context.Context, entry WhitelistEntry) (bool, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	row := GormWhitelistEntry{
		CommunityID: entry.CommunityID,
		UserID:      entry.UserID,
		Reason:      entry.Reason,
		AddedBy:     entry.AddedBy,
		CreatedAt:   entry.CreatedAt,
		ExpiresAt:   entry.ExpiresAt,
	}
	inserted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing GormWhitelistEntry
		err := tx.Where("community_id = ? AND user_id = ?", entry.CommunityID, entry.UserID).
			First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			inserted = true
		} else if err != nil {
			return err
		}
		// created_at stays off the conflict update so the original add time
		// survives re-adds
		return tx.Clauses(clause.OnConflict{
			DoUpdates: clause.AssignmentColumns([]string{"reason", "added_by", "expires_at"}),
		}).Create(&row).Error
	})
	if err != nil {
		return false, storageErr(err)
	}
	return inserted, nil
}

func (s *GormLedger) RemoveWhitelist(ctx context.Context, key Key) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("community_id = ? AND user_id = ?", key.CommunityID, key.UserID).
		Delete(&GormWhitelistEntry{})
	if res.Error != nil {
		return false, storageErr(res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *GormLedger) IsWhitelisted(ctx context.Context, key Key) (bool, error) {
	var row GormWhitelistEntry
	err := s.db.WithContext(ctx).
		Where("community_id = ? AND user_id = ?", key.CommunityID, key.UserID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storageErr(err)
	}
	entry := WhitelistEntry{ExpiresAt: row.ExpiresAt, CreatedAt: row.CreatedAt}
	return entry.Active(s.now()), nil
}
