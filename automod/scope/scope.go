// Package scope tracks which channels moderation is active in, per
// community. An empty set means the whole community is in scope; once any
// channel is registered, only registered channels are moderated.
package scope

import (
	"context"
)

type Store interface {
	// Contains reports whether messages in the channel should be moderated.
	Contains(ctx context.Context, communityID, channelID string) (bool, error)
	Add(ctx context.Context, communityID, channelID string) error
	Remove(ctx context.Context, communityID, channelID string) error
	List(ctx context.Context, communityID string) ([]string, error)
}
