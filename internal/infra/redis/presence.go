package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence marks which sessions hold an attempt, shared across instances.
// Each attempt is a set of session ids that expires unless refreshed:
//
//	SADD attempt:{attemptID}:sessions {sessionID}; EXPIRE ... ttl
//
// Concurrent holders are only reported; the backend stays last-writer-wins.
type Presence struct {
	client *redis.Client
	ttl    time.Duration
}

func NewPresence(client *redis.Client, ttl time.Duration) *Presence {
	return &Presence{client: client, ttl: ttl}
}

func (p *Presence) Claim(ctx context.Context, attemptID, sessionID string) (bool, error) {
	key := p.key(attemptID)
	pipe := p.client.TxPipeline()
	members := pipe.SMembers(ctx, key)
	pipe.SAdd(ctx, key, sessionID)
	if p.ttl > 0 {
		pipe.Expire(ctx, key, p.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	for _, id := range members.Val() {
		if id != sessionID {
			return true, nil
		}
	}
	return false, nil
}

func (p *Presence) Release(ctx context.Context, attemptID, sessionID string) error {
	return p.client.SRem(ctx, p.key(attemptID), sessionID).Err()
}

func (p *Presence) key(attemptID string) string {
	return "attempt:" + attemptID + ":sessions"
}
