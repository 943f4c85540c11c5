package ledger

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/wardenbot/warden/automod/immunity"
	"github.com/wardenbot/warden/automod/verdict"
	"github.com/wardenbot/warden/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clock is a settable test clock shared by the suite.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testLedgerSuite(t *testing.T, l Ledger, clk *clock) {
	ctx := context.TODO()
	window := time.Hour
	key := Key{CommunityID: "c1", UserID: "u1"}

	t.Run("BumpWindowSemantics", func(t *testing.T) {
		assert := assert.New(t)

		count, resetAt, err := l.BumpViolation(ctx, key, window, verdict.SeverityWarn)
		assert.NoError(err)
		assert.Equal(1, count)
		assert.Equal(clk.now().Add(window), resetAt.UTC())

		// second strike inside the window increments without moving resetAt
		clk.advance(10 * time.Minute)
		count, resetAt2, err := l.BumpViolation(ctx, key, window, verdict.SeverityWarn)
		assert.NoError(err)
		assert.Equal(2, count)
		assert.Equal(resetAt.UTC(), resetAt2.UTC())

		// a strike after expiry restarts the window at count 1
		clk.advance(2 * time.Hour)
		count, resetAt3, err := l.BumpViolation(ctx, key, window, verdict.SeverityWarn)
		assert.NoError(err)
		assert.Equal(1, count)
		assert.Equal(clk.now().Add(window), resetAt3.UTC())

		_, err = l.Clear(ctx, key)
		assert.NoError(err)
	})

	t.Run("Penalties", func(t *testing.T) {
		assert := assert.New(t)

		rec, err := l.AwardPoints(ctx, key, 150, "seed")
		assert.NoError(err)
		assert.Equal(150, rec.PositivePoints)
		assert.Equal(immunity.TierTrusted, rec.ImmunityTier)

		_, _, err = l.BumpViolation(ctx, key, window, verdict.SeverityWarn)
		assert.NoError(err)
		rec, err = l.Get(ctx, key)
		assert.NoError(err)
		assert.Equal(140, rec.PositivePoints)

		// severe costs the severe penalty plus the ordinary strike penalty
		_, _, err = l.BumpViolation(ctx, key, window, verdict.SeveritySevere)
		assert.NoError(err)
		rec, err = l.Get(ctx, key)
		assert.NoError(err)
		assert.Equal(30, rec.PositivePoints)

		// points floor at zero
		_, _, err = l.BumpViolation(ctx, key, window, verdict.SeveritySevere)
		assert.NoError(err)
		rec, err = l.Get(ctx, key)
		assert.NoError(err)
		assert.Equal(0, rec.PositivePoints)
		assert.Equal(immunity.TierNone, rec.ImmunityTier)

		_, err = l.Clear(ctx, key)
		assert.NoError(err)
	})

	t.Run("TierDisqualification", func(t *testing.T) {
		assert := assert.New(t)

		_, err := l.AwardPoints(ctx, key, 1000, "seed")
		assert.NoError(err)
		rec, err := l.Get(ctx, key)
		assert.NoError(err)
		assert.Equal(immunity.TierGuardian, rec.ImmunityTier)

		for i := 0; i < 3; i++ {
			_, _, err = l.BumpViolation(ctx, key, window, verdict.SeverityWarn)
			assert.NoError(err)
		}
		rec, err = l.Get(ctx, key)
		assert.NoError(err)
		assert.Equal(3, rec.ViolationCount)
		// three active strikes void the tier regardless of points
		assert.Equal(immunity.TierNone, rec.ImmunityTier)

		_, err = l.Clear(ctx, key)
		assert.NoError(err)
	})

	t.Run("GetAbsent", func(t *testing.T) {
		assert := assert.New(t)
		rec, err := l.Get(ctx, Key{CommunityID: "c1", UserID: "nobody"})
		assert.NoError(err)
		assert.Nil(rec)
	})

	t.Run("Leaderboard", func(t *testing.T) {
		assert := assert.New(t)

		_, err := l.AwardPoints(ctx, Key{CommunityID: "board", UserID: "a"}, 10, "seed")
		assert.NoError(err)
		_, err = l.AwardPoints(ctx, Key{CommunityID: "board", UserID: "b"}, 30, "seed")
		assert.NoError(err)
		_, err = l.AwardPoints(ctx, Key{CommunityID: "board", UserID: "c"}, 20, "seed")
		assert.NoError(err)
		// zero-point records stay off the board
		_, _, err = l.BumpViolation(ctx, Key{CommunityID: "board", UserID: "d"}, window, verdict.SeverityWarn)
		assert.NoError(err)

		board, err := l.Leaderboard(ctx, "board", 2)
		assert.NoError(err)
		if assert.Len(board, 2) {
			assert.Equal("b", board[0].UserID)
			assert.Equal("c", board[1].UserID)
		}

		board, err = l.Leaderboard(ctx, "board", 0)
		assert.NoError(err)
		assert.Len(board, 3)
	})

	t.Run("CleanupExpired", func(t *testing.T) {
		assert := assert.New(t)

		noPoints := Key{CommunityID: "cleanup", UserID: "strikes-only"}
		withPoints := Key{CommunityID: "cleanup", UserID: "has-points"}

		_, _, err := l.BumpViolation(ctx, noPoints, window, verdict.SeverityWarn)
		assert.NoError(err)
		_, err = l.AwardPoints(ctx, withPoints, 50, "seed")
		assert.NoError(err)
		_, _, err = l.BumpViolation(ctx, withPoints, window, verdict.SeverityWarn)
		assert.NoError(err)

		// nothing expired yet
		deleted, err := l.CleanupExpired(ctx, "cleanup")
		assert.NoError(err)
		assert.Equal(0, deleted)

		clk.advance(2 * time.Hour)
		deleted, err = l.CleanupExpired(ctx, "cleanup")
		assert.NoError(err)
		assert.Equal(1, deleted)

		rec, err := l.Get(ctx, noPoints)
		assert.NoError(err)
		assert.Nil(rec)

		rec, err = l.Get(ctx, withPoints)
		assert.NoError(err)
		if assert.NotNil(rec) {
			assert.Equal(0, rec.ViolationCount)
			assert.Equal(40, rec.PositivePoints)
		}
	})

	t.Run("WeeklyBonusSweep", func(t *testing.T) {
		assert := assert.New(t)

		quiet := Key{CommunityID: "sweep", UserID: "quiet"}
		active := Key{CommunityID: "sweep", UserID: "active"}

		_, err := l.AwardPoints(ctx, quiet, 10, "seed")
		assert.NoError(err)
		_, err = l.AwardPoints(ctx, active, 10, "seed")
		assert.NoError(err)

		// quiet goes silent for over a week; active keeps chatting
		clk.advance(4 * 24 * time.Hour)
		_, err = l.AwardPoints(ctx, active, 1, "clean message")
		assert.NoError(err)
		clk.advance(4 * 24 * time.Hour)

		awards, err := l.WeeklyBonusSweep(ctx, "sweep")
		assert.NoError(err)
		if assert.Len(awards, 1) {
			assert.Equal("quiet", awards[0].UserID)
			assert.Equal(PointsWeeklyBonus, awards[0].Points)
			assert.Equal(10+PointsWeeklyBonus, awards[0].TotalPoints)
		}

		// the award itself restarts the quiet clock
		awards, err = l.WeeklyBonusSweep(ctx, "sweep")
		assert.NoError(err)
		assert.Len(awards, 0)
	})

	t.Run("Whitelist", func(t *testing.T) {
		assert := assert.New(t)
		wlKey := Key{CommunityID: "c1", UserID: "wl"}

		ok, err := l.IsWhitelisted(ctx, wlKey)
		assert.NoError(err)
		assert.False(ok)

		inserted, err := l.AddWhitelist(ctx, WhitelistEntry{
			CommunityID: wlKey.CommunityID,
			UserID:      wlKey.UserID,
			Reason:      "verified bot",
			AddedBy:     "admin",
		})
		assert.NoError(err)
		assert.True(inserted)

		ok, err = l.IsWhitelisted(ctx, wlKey)
		assert.NoError(err)
		assert.True(ok)

		// second add is an update, not an insert
		inserted, err = l.AddWhitelist(ctx, WhitelistEntry{
			CommunityID: wlKey.CommunityID,
			UserID:      wlKey.UserID,
			Reason:      "still a bot",
			AddedBy:     "admin",
		})
		assert.NoError(err)
		assert.False(inserted)

		removed, err := l.RemoveWhitelist(ctx, wlKey)
		assert.NoError(err)
		assert.True(removed)

		ok, err = l.IsWhitelisted(ctx, wlKey)
		assert.NoError(err)
		assert.False(ok)

		removed, err = l.RemoveWhitelist(ctx, wlKey)
		assert.NoError(err)
		assert.False(removed)
	})

	t.Run("WhitelistExpiry", func(t *testing.T) {
		assert := assert.New(t)
		wlKey := Key{CommunityID: "c1", UserID: "wl-temp"}

		expires := clk.now().Add(time.Hour)
		_, err := l.AddWhitelist(ctx, WhitelistEntry{
			CommunityID: wlKey.CommunityID,
			UserID:      wlKey.UserID,
			Reason:      "trial",
			AddedBy:     "admin",
			ExpiresAt:   &expires,
		})
		assert.NoError(err)

		ok, err := l.IsWhitelisted(ctx, wlKey)
		assert.NoError(err)
		assert.True(ok)

		clk.advance(2 * time.Hour)
		ok, err = l.IsWhitelisted(ctx, wlKey)
		assert.NoError(err)
		assert.False(ok)
	})
}

func TestMemLedger(t *testing.T) {
	clk := &clock{t: time.Now().UTC()}
	l := NewMemLedger()
	l.Now = clk.now
	testLedgerSuite(t, l, clk)
}

func TestGormLedger(t *testing.T) {
	db, err := util.SetupDatabase("sqlite://:memory:", 1)
	require.NoError(t, err)

	clk := &clock{t: time.Now().UTC()}
	l, err := NewGormLedger(db)
	require.NoError(t, err)
	l.Now = clk.now
	testLedgerSuite(t, l, clk)
}

// only runs if REDIS_URL is set (eg, redis://localhost:6379/0)
func TestRedisLedger(t *testing.T) {
	if os.Getenv("REDIS_URL") == "" {
		t.Skip("REDIS_URL not set, skipping live redis test")
	}

	clk := &clock{t: time.Now().UTC()}
	l, err := NewRedisLedger(os.Getenv("REDIS_URL"))
	require.NoError(t, err)
	l.Now = clk.now
	testLedgerSuite(t, l, clk)
}

func TestMemLedgerConcurrentBumps(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	l := NewMemLedger()
	key := Key{CommunityID: "c1", UserID: "busy"}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := l.BumpViolation(ctx, key, time.Hour, verdict.SeverityWarn)
			assert.NoError(err)
		}()
	}
	wg.Wait()

	rec, err := l.Get(ctx, key)
	assert.NoError(err)
	if assert.NotNil(rec) {
		assert.Equal(20, rec.ViolationCount)
	}
}

// The weekly sweep holds no global lock, so it can interleave with live
// strike traffic. Whichever side wins the key, no increment and no award may
// be lost.
func TestMemLedgerSweepDuringBumps(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	clk := &clock{t: time.Now().UTC()}
	l := NewMemLedger()
	l.Now = clk.now
	key := Key{CommunityID: "c1", UserID: "racer"}

	_, err := l.AwardPoints(ctx, key, 200, "seed")
	assert.NoError(err)
	clk.advance(8 * 24 * time.Hour)

	const bumps = 5
	var awards []BonusAward
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var sweepErr error
		awards, sweepErr = l.WeeklyBonusSweep(ctx, "c1")
		assert.NoError(sweepErr)
	}()
	for i := 0; i < bumps; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := l.BumpViolation(ctx, key, time.Hour, verdict.SeverityWarn)
			assert.NoError(err)
		}()
	}
	wg.Wait()

	rec, err := l.Get(ctx, key)
	assert.NoError(err)
	if assert.NotNil(rec) {
		assert.Equal(bumps, rec.ViolationCount)
		// the bonus lands only if the sweep saw the record before any bump
		// touched it; either way the arithmetic must line up exactly
		want := 200 - bumps*StrikePenalty
		if len(awards) == 1 {
			want += PointsWeeklyBonus
		}
		assert.Equal(want, rec.PositivePoints)
		assert.Equal(immunity.TierFor(rec.PositivePoints, rec.ViolationCount), rec.ImmunityTier)
	}
}

func TestMemWhitelistReAddKeepsCreatedAt(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	clk := &clock{t: time.Now().UTC()}
	l := NewMemLedger()
	l.Now = clk.now
	key := Key{CommunityID: "c1", UserID: "wl"}

	added := clk.now()
	_, err := l.AddWhitelist(ctx, WhitelistEntry{CommunityID: key.CommunityID, UserID: key.UserID, Reason: "verified bot", AddedBy: "admin"})
	assert.NoError(err)

	clk.advance(48 * time.Hour)
	inserted, err := l.AddWhitelist(ctx, WhitelistEntry{CommunityID: key.CommunityID, UserID: key.UserID, Reason: "still a bot", AddedBy: "admin2"})
	assert.NoError(err)
	assert.False(inserted)

	entry := l.whitelist[key]
	if assert.NotNil(entry) {
		assert.True(entry.CreatedAt.Equal(added))
		assert.Equal("still a bot", entry.Reason)
		assert.Equal("admin2", entry.AddedBy)
	}
}

func TestGormWhitelistReAddKeepsCreatedAt(t *testing.T) {
	assert := assert.New(t)
	ctx := context.TODO()
	db, err := util.SetupDatabase("sqlite://:memory:", 1)
	require.NoError(t, err)

	clk := &clock{t: time.Now().UTC()}
	l, err := NewGormLedger(db)
	require.NoError(t, err)
	l.Now = clk.now
	key := Key{CommunityID: "c1", UserID: "wl"}

	added := clk.now()
	_, err = l.AddWhitelist(ctx, WhitelistEntry{CommunityID: key.CommunityID, UserID: key.UserID, Reason: "verified bot", AddedBy: "admin"})
	assert.NoError(err)

	clk.advance(48 * time.Hour)
	inserted, err := l.AddWhitelist(ctx, WhitelistEntry{CommunityID: key.CommunityID, UserID: key.UserID, Reason: "still a bot", AddedBy: "admin2"})
	assert.NoError(err)
	assert.False(inserted)

	var row GormWhitelistEntry
	require.NoError(t, l.db.Where("community_id = ? AND user_id = ?", key.CommunityID, key.UserID).First(&row).Error)
	assert.True(row.CreatedAt.Equal(added))
	assert.Equal("still a bot", row.Reason)
	assert.Equal("admin2", row.AddedBy)
}
