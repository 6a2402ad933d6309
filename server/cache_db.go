package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// dbCache keeps entries in the search_cache table of the record store
type dbCache struct {
	db      *sql.DB
	dialect dialect
}

func (c *dbCache) Get(ctx context.Context, datatypeID int64, hash, loginState string) (*CacheEntry, error) {
	stmt, args, err := bindNamed(c.dialect, "SELECT payload FROM search_cache WHERE datatype_id = :dt AND key_hash = :hash AND login_state = :state",
		map[string]any{"dt": datatypeID, "hash": hash, "state": loginState})
	if err != nil {
		return nil, err
	}
	var payload string
	if err := c.db.QueryRowContext(ctx, stmt, args...).Scan(&payload); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	entry := &CacheEntry{}
	if err := json.Unmarshal([]byte(payload), entry); err != nil {
		return nil, fmt.Errorf("Corrupt cache entry: %w", err)
	}
	return entry, nil
}

func (c *dbCache) Put(ctx context.Context, datatypeID int64, hash, loginState string, entry *CacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	stmt, args, err := bindNamed(c.dialect, `INSERT INTO search_cache (datatype_id, key_hash, login_state, payload, created)
		VALUES (:dt, :hash, :state, :payload, :created)
		ON CONFLICT (datatype_id, key_hash, login_state) DO UPDATE SET payload = excluded.payload, created = excluded.created`,
		map[string]any{"dt": datatypeID, "hash": hash, "state": loginState, "payload": string(raw), "created": entry.Created.Unix()})
	if err != nil {
		return err
	}
	_, err = c.db.ExecContext(ctx, stmt, args...)
	return err
}

func (c *dbCache) Flush(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, "DELETE FROM search_cache")
	return err
}

// Close leaves the database open, because the engine owns it
func (c *dbCache) Close() error {
	return nil
}
