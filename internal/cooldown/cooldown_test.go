package cooldown

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cityflow/internal/domain"
	"cityflow/internal/repo"
)

type fakeRedis struct {
	keys map[string]time.Duration
}

func (f *fakeRedis) SetNX(_ context.Context, key string, _ any, ttl time.Duration) *redis.BoolCmd {
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = ttl
	return redis.NewBoolResult(true, nil)
}

var now = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func TestSQLClaimerLosesWhenNoRowUpdated(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE rules SET last_executed_at").
		WithArgs("2024-01-01T10:00:00.000000000Z", "r1", "2024-01-01T09:50:00.000000000Z").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	tx, err := db.Begin()
	require.NoError(t, err)
	ok, err := SQLClaimer{Repo: repo.Repo{DB: db}}.Claim(context.Background(), tx, domain.Rule{ID: "r1", CooldownMinutes: 10}, now)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisClaimerFirstWins(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE rules SET last_executed_at").WithArgs(sqlmock.AnyArg(), "r1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	fake := &fakeRedis{keys: map[string]time.Duration{}}
	c := RedisClaimer{Client: fake, Prefix: "cf:", Repo: repo.Repo{DB: db}}
	rule := domain.Rule{ID: "r1", CooldownMinutes: 5}

	tx, err := db.Begin()
	require.NoError(t, err)
	ok, err := c.Claim(context.Background(), tx, rule, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.Claim(context.Background(), tx, rule, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, tx.Commit())

	assert.Equal(t, 5*time.Minute, fake.keys["cf:r1"])
	require.NoError(t, mock.ExpectationsWereMet())
}
