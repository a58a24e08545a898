// Package cooldown serializes rule firings so a burst of events fires a rule at most once per
// cooldown window.
package cooldown

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"cityflow/internal/domain"
	"cityflow/internal/repo"
)

// Claimer takes the right to fire rule at now. A false result means another firing won.
// Claims are recorded in tx so that they roll back with the firing.
type Claimer interface {
	Claim(ctx context.Context, tx *sql.Tx, rule domain.Rule, now time.Time) (bool, error)
}

// SQLClaimer claims with a conditional update on the rule row.
type SQLClaimer struct {
	Repo repo.Repo
}

func (c SQLClaimer) Claim(ctx context.Context, tx *sql.Tx, rule domain.Rule, now time.Time) (bool, error) {
	return c.Repo.ClaimRuleFiring(ctx, tx, rule.ID, now, rule.Cooldown())
}

type setNXer interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

// RedisClaimer claims with SET NX and a TTL equal to the cooldown, for several engine
// instances sharing one rule store. The winner still stamps the rule row.
type RedisClaimer struct {
	Client setNXer
	Prefix string
	Repo   repo.Repo
}

func NewRedisClaimer(addr, password string, db int, prefix string, r repo.Repo) (*RedisClaimer, *redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return &RedisClaimer{Client: client, Prefix: prefix, Repo: r}, client, nil
}

func (c RedisClaimer) Claim(ctx context.Context, tx *sql.Tx, rule domain.Rule, now time.Time) (bool, error) {
	if cd := rule.Cooldown(); cd > 0 {
		ok, err := c.Client.SetNX(ctx, c.Prefix+rule.ID, now.UTC().Format(time.RFC3339Nano), cd).Result()
		if err != nil {
			return false, fmt.Errorf("claim rule %s: %w", rule.ID, err)
		}
		if !ok {
			return false, nil
		}
	}
	if err := c.Repo.RecordRuleFiring(ctx, tx, rule.ID, now); err != nil {
		return false, err
	}
	return true, nil
}
