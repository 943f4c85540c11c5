// Package dispatch executes punishment decisions against the chat platform
// through narrow capability interfaces. Execution is best-effort: every
// failure is recorded in the outcome and never aborts the remaining actions.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wardenbot/warden/automod/escalation"
	"github.com/wardenbot/warden/automod/helpers"
	"github.com/wardenbot/warden/automod/verdict"
)

// Platform adapters must return these sentinels (wrapped is fine) so
// outcomes can distinguish permission problems from missing targets.
var (
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrTargetNotFound      = errors.New("target not found")
)

// Messenger sends and removes platform messages.
type Messenger interface {
	DeleteMessage(ctx context.Context, communityID, channelID, messageID string) error
	DirectMessage(ctx context.Context, userID, text string) error
}

// Moderator applies punishments to community members.
type Moderator interface {
	Timeout(ctx context.Context, communityID, userID string, until time.Time, reason string) error
	Kick(ctx context.Context, communityID, userID, reason string) error
}

// Target identifies the message and author being acted on.
type Target struct {
	CommunityID string
	ChannelID   string
	UserID      string
	MessageID   string
}

// Outcome records everything the dispatcher attempted for one violation.
type Outcome struct {
	MessageDeleted    bool
	WarningDelivered  bool
	PunishmentApplied bool
	PunishmentDetail  string
	Escalated         bool
	StrikeCount       int
	Errors            []string
}

// Summary renders a compact human-readable account for mod-log lines.
func (o *Outcome) Summary() string {
	var parts []string
	if o.MessageDeleted {
		parts = append(parts, "message deleted")
	}
	if o.WarningDelivered {
		parts = append(parts, "warning sent")
	} else {
		parts = append(parts, "warning failed")
	}
	if o.PunishmentDetail != "" {
		parts = append(parts, o.PunishmentDetail)
	}
	if o.Escalated {
		parts = append(parts, "(escalated)")
	}
	if len(o.Errors) > 0 {
		parts = append(parts, "errors: "+strings.Join(o.Errors, ", "))
	}
	if len(parts) == 0 {
		return "no actions taken"
	}
	return strings.Join(parts, " | ")
}

type Dispatcher struct {
	Logger    *slog.Logger
	Messenger Messenger
	Moderator Moderator

	// test hook; time.Now when nil
	Now func() time.Time
}

func NewDispatcher(logger *slog.Logger, messenger Messenger, moderator Moderator) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		Logger:    logger.With("system", "dispatch"),
		Messenger: messenger,
		Moderator: moderator,
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func warningText(severity verdict.Severity, reason string, strikeCount int) string {
	switch severity {
	case verdict.SeverityWarn:
		return fmt.Sprintf("Warning: %s\nPlease follow the community rules. (Strike %d)", reason, strikeCount)
	case verdict.SeverityFlag:
		return fmt.Sprintf("Your message was removed for: %s\nRepeated violations may result in a timeout. (Strike %d)", reason, strikeCount)
	case verdict.SeveritySevere:
		return fmt.Sprintf("Serious violation: %s\nYour message was removed and further action was taken. (Strike %d)", reason, strikeCount)
	default:
		return fmt.Sprintf("Please follow the community rules. Reason: %s", reason)
	}
}

// Execute carries out a punishment decision. The returned outcome is always
// complete; platform failures land in Outcome.Errors, never in an error
// return.
func (d *Dispatcher) Execute(ctx context.Context, decision escalation.Decision, target Target, severity verdict.Severity, reason string, strikeCount int) Outcome {
	out := Outcome{
		Escalated:   decision.Escalated,
		StrikeCount: strikeCount,
	}
	logger := d.Logger.With(
		"communityID", target.CommunityID,
		"userID", target.UserID,
		"action", string(decision.Action),
	)

	// deletion comes first so the content disappears even if punishment fails
	if severity == verdict.SeverityFlag || severity == verdict.SeveritySevere {
		err := d.Messenger.DeleteMessage(ctx, target.CommunityID, target.ChannelID, target.MessageID)
		switch {
		case err == nil:
			out.MessageDeleted = true
		case errors.Is(err, ErrTargetNotFound):
			// already gone, that is the state we wanted
			out.MessageDeleted = true
		default:
			out.Errors = append(out.Errors, fmt.Sprintf("delete failed: %v", err))
			actionFailures.WithLabelValues("delete").Inc()
			logger.Warn("message deletion failed", "err", err)
		}
	}

	if err := d.Messenger.DirectMessage(ctx, target.UserID, warningText(severity, reason, strikeCount)); err != nil {
		out.Errors = append(out.Errors, fmt.Sprintf("warning delivery failed: %v", err))
		actionFailures.WithLabelValues("warn_dm").Inc()
		logger.Info("warning delivery failed", "err", err)
	} else {
		out.WarningDelivered = true
	}

	switch decision.Action {
	case escalation.ActionTimeout:
		if decision.Duration <= 0 {
			out.PunishmentApplied = true
			out.PunishmentDetail = "warning issued"
			break
		}
		until := d.now().Add(decision.Duration)
		err := d.Moderator.Timeout(ctx, target.CommunityID, target.UserID, until, fmt.Sprintf("%s (Strike %d)", reason, strikeCount))
		if err != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("timeout failed: %v", err))
			actionFailures.WithLabelValues("timeout").Inc()
			logger.Warn("timeout failed", "err", err)
		} else {
			out.PunishmentApplied = true
			out.PunishmentDetail = "timeout: " + helpers.FormatMinutes(int(decision.Duration.Minutes()))
			actionsApplied.WithLabelValues("timeout").Inc()
		}
	case escalation.ActionKick:
		err := d.Moderator.Kick(ctx, target.CommunityID, target.UserID, fmt.Sprintf("Multiple violations: %s", reason))
		if err != nil {
			out.Errors = append(out.Errors, fmt.Sprintf("kick failed: %v", err))
			actionFailures.WithLabelValues("kick").Inc()
			logger.Warn("kick failed", "err", err)
		} else {
			out.PunishmentApplied = true
			out.PunishmentDetail = "user kicked"
			actionsApplied.WithLabelValues("kick").Inc()
		}
	default:
		out.PunishmentApplied = true
		out.PunishmentDetail = "warning issued"
		actionsApplied.WithLabelValues("warn").Inc()
	}

	return out
}
