// Package ledger tracks per-(community, user) behavioral history: violation
// counts inside a rolling window, accumulated positive points, the derived
// immunity tier, and the moderation whitelist.
//
// Every per-key mutation is atomic: backends either serialize on a keyed
// mutex (mem), run the read-modify-write inside a row-locked transaction
// (gorm), or use optimistic WATCH transactions (redis). A blind
// read-then-write is never acceptable; concurrent bumps for the same key
// must not lose increments.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/wardenbot/warden/automod/immunity"
	"github.com/wardenbot/warden/automod/verdict"
)

// Point values for the reputation currency.
const (
	PointsCleanMessage   = 1
	PointsHelpfulAction  = 3
	PointsQualityMessage = 5
	PointsWeeklyBonus    = 50

	// subtracted from positive points on every strike
	StrikePenalty = 10
	// additional penalty for severe violations
	SeverePenalty = 100
)

// Weekly bonus eligibility windows.
const (
	BonusQuietWindow = 7 * 24 * time.Hour
	BonusCooldown    = 6 * 24 * time.Hour
)

// ErrUnavailable wraps backend failures; callers treat it as "classification
// could not complete" and skip punitive action rather than guess.
var ErrUnavailable = errors.New("reputation storage unavailable")

type Key struct {
	CommunityID string
	UserID      string
}

type Record struct {
	CommunityID        string
	UserID             string
	ViolationCount     int
	WindowResetAt      time.Time
	PositivePoints     int
	ImmunityTier       immunity.Tier
	LastPositiveUpdate *time.Time
	UpdatedAt          time.Time
}

// Immunity derives the full immunity status for this record. A nil record is
// a blank slate.
func (r *Record) Immunity() immunity.Status {
	if r == nil {
		return immunity.Resolve(0, 0)
	}
	return immunity.Resolve(r.PositivePoints, r.ViolationCount)
}

type WhitelistEntry struct {
	CommunityID string
	UserID      string
	Reason      string
	AddedBy     string
	CreatedAt   time.Time
	ExpiresAt   *time.Time
}

// Active reports whether the entry currently whitelists its user.
func (e *WhitelistEntry) Active(now time.Time) bool {
	if e == nil {
		return false
	}
	return e.ExpiresAt == nil || !e.ExpiresAt.Before(now)
}

type BonusAward struct {
	UserID      string
	Points      int
	TotalPoints int
	NewTier     immunity.Tier
}

type Ledger interface {
	// BumpViolation records a strike. A fresh or expired window restarts at
	// count 1 with resetAt = now + window; an active window increments in
	// place. The strike penalty always applies to positive points (floored
	// at zero), with the severe penalty on top for severe violations; the
	// tier is recomputed from the new (points, count) before persisting.
	BumpViolation(ctx context.Context, key Key, window time.Duration, severity verdict.Severity) (count int, resetAt time.Time, err error)

	// AwardPoints adds positive points (creating the record if needed),
	// recomputes the tier against the current violation count, and stamps
	// the last positive update.
	AwardPoints(ctx context.Context, key Key, points int, reason string) (*Record, error)

	// Get returns the record, or nil without error when absent.
	Get(ctx context.Context, key Key) (*Record, error)

	// Clear removes the record entirely, reporting whether one existed.
	Clear(ctx context.Context, key Key) (bool, error)

	// Leaderboard lists records with positive points, highest first.
	Leaderboard(ctx context.Context, communityID string, limit int) ([]Record, error)

	// CleanupExpired deletes records with an expired window and no positive
	// points, and resets the count (in place) for expired records which do
	// have points. Returns the number of deleted records.
	CleanupExpired(ctx context.Context, communityID string) (int, error)

	// WeeklyBonusSweep grants the weekly bonus to records untouched for
	// BonusQuietWindow whose last award is older than BonusCooldown.
	WeeklyBonusSweep(ctx context.Context, communityID string) ([]BonusAward, error)

	AddWhitelist(ctx context.Context, entry WhitelistEntry) (inserted bool, err error)
	RemoveWhitelist(ctx context.Context, key Key) (removed bool, err error)
	IsWhitelisted(ctx context.Context, key Key) (bool, error)
}

// shared bump arithmetic, used by every backend once it holds the key
func applyBump(rec *Record, key Key, now time.Time, window time.Duration, severity verdict.Severity) *Record {
	out := &Record{
		CommunityID: key.CommunityID,
		UserID:      key.UserID,
	}
	points := 0
	if rec != nil {
		points = rec.PositivePoints
		out.LastPositiveUpdate = rec.LastPositiveUpdate
	}
	if rec == nil || now.After(rec.WindowResetAt) {
		out.ViolationCount = 1
		out.WindowResetAt = now.Add(window)
	} else {
		out.ViolationCount = rec.ViolationCount + 1
		out.WindowResetAt = rec.WindowResetAt
	}
	if severity == verdict.SeveritySevere {
		points -= SeverePenalty
	}
	points -= StrikePenalty
	if points < 0 {
		points = 0
	}
	out.PositivePoints = points
	out.ImmunityTier = immunity.TierFor(out.PositivePoints, out.ViolationCount)
	out.UpdatedAt = now
	return out
}

// shared award arithmetic
func applyAward(rec *Record, key Key, now time.Time, points int) *Record {
	out := &Record{
		CommunityID: key.CommunityID,
		UserID:      key.UserID,
	}
	if rec != nil {
		out.ViolationCount = rec.ViolationCount
		out.WindowResetAt = rec.WindowResetAt
		out.PositivePoints = rec.PositivePoints
	} else {
		out.WindowResetAt = now
	}
	out.PositivePoints += points
	out.ImmunityTier = immunity.TierFor(out.PositivePoints, out.ViolationCount)
	t := now
	out.LastPositiveUpdate = &t
	out.UpdatedAt = now
	return out
}

// weekly bonus eligibility check
func bonusEligible(rec *Record, now time.Time) bool {
	if rec == nil {
		return false
	}
	if now.Sub(rec.UpdatedAt) < BonusQuietWindow {
		return false
	}
	if rec.LastPositiveUpdate != nil && now.Sub(*rec.LastPositiveUpdate) < BonusCooldown {
		return false
	}
	return true
}
