package scope

import (
	"context"
	"sort"

	"github.com/redis/go-redis/v9"
)

var redisScopePrefix string = "modscope/"

type RedisStore struct {
	Client *redis.Client
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
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
	return &RedisStore{Client: rdb}, nil
}

// NewRedisStoreWithClient shares an existing client connection.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{Client: client}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) Contains(ctx context.Context, communityID, channelID string) (bool, error) {
	key := redisScopePrefix + communityID
	size, err := s.Client.SCard(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if size == 0 {
		// no restriction configured, everything is in scope
		return true, nil
	}
	return s.Client.SIsMember(ctx, key, channelID).Result()
}

func (s *RedisStore) Add(ctx context.Context, communityID, channelID string) error {
	return s.Client.SAdd(ctx, redisScopePrefix+communityID, channelID).Err()
}

func (s *RedisStore) Remove(ctx context.Context, communityID, channelID string) error {
	return s.Client.SRem(ctx, redisScopePrefix+communityID, channelID).Err()
}

func (s *RedisStore) List(ctx context.Context, communityID string) ([]string, error) {
	members, err := s.Client.SMembers(ctx, redisScopePrefix+communityID).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	return members, nil
}
