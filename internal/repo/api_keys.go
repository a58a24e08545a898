package repo

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"cityflow/internal/domain"
)

// APIKey is a stored credential. Only the hash of the secret is kept.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Role      string `json:"role"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at"`
}

const apiKeyPrefix = "cf_"

// HashAPIKey returns the SHA-256 hex digest stored for key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// NewAPIKey generates a random secret for actorID and the record that stores its hash.
// The secret is returned once and cannot be recovered from the record.
func NewAPIKey(actorID, name, role string) (APIKey, string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return APIKey{}, "", err
	}
	secret := apiKeyPrefix + hex.EncodeToString(buf)
	return APIKey{
		ID:      uuid.NewString(),
		ActorID: actorID,
		Name:    name,
		Role:    role,
		KeyHash: HashAPIKey(secret),
	}, secret, nil
}

func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, key APIKey) error {
	switch {
	case key.ID == "":
		return errors.New("id required")
	case key.ActorID == "":
		return errors.New("actor_id required")
	case key.KeyHash == "":
		return errors.New("key_hash required")
	}
	if key.CreatedAt == "" {
		key.CreatedAt = formatTS(time.Now())
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO api_keys(id,actor_id,name,role,key_hash,created_at) VALUES (?,?,?,?,?,?)`,
		key.ID, key.ActorID, nullable(key.Name), key.Role, key.KeyHash, key.CreatedAt)
	if isUniqueViolation(err) {
		return domain.ConflictError{Entity: "api_key", ID: key.ID, Reason: "key already registered"}
	}
	return err
}

const apiKeyColumns = `id, actor_id, COALESCE(name,''), role, key_hash, created_at`

func scanAPIKey(row rowScanner) (APIKey, error) {
	var k APIKey
	err := row.Scan(&k.ID, &k.ActorID, &k.Name, &k.Role, &k.KeyHash, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return APIKey{}, ErrNotFound
	}
	return k, err
}

// GetAPIKeyByHash looks a key up by the digest of its secret.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (APIKey, error) {
	return scanAPIKey(r.DB.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=?`, hash))
}

// ListAPIKeys returns keys newest first, optionally only those owned by actorID.
func (r Repo) ListAPIKeys(ctx context.Context, actorID string) ([]APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys`
	var args []any
	if actorID != "" {
		query += ` WHERE actor_id=?`
		args = append(args, actorID)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY created_at DESC, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []APIKey{}
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
