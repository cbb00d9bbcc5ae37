// Package eventcache is the on-disk signed-event store the resolver, state
// engine, and proposal indexer depend on through get/put primitives only; it does not itself define repo-ref or repo-state
// semantics. Backed by modernc.org/sqlite, with a secondary index on
// (kind, author, d_tag) as called for in the external-interfaces contract.
package eventcache

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS Event (
	Id        TEXT PRIMARY KEY,
	Kind      INTEGER NOT NULL,
	Pubkey    TEXT NOT NULL,
	CreatedAt INTEGER NOT NULL,
	DTag      TEXT NOT NULL DEFAULT '',
	Raw       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_kind_author_dtag ON Event (Kind, Pubkey, DTag);
CREATE INDEX IF NOT EXISTS idx_event_created_at ON Event (CreatedAt);
`

// Cache is the sqlite-backed event store.
type Cache struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite file at path and applies the
// schema.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open event cache: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate event cache schema: %w", err)
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func dTagOf(ev nostr.Event) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "d" {
			return tag[1]
		}
	}
	return ""
}

// Put inserts an event, doing nothing if an event with the same id is
// already stored. Replaceable kinds are not collapsed: every version stays
// as its own row, and selecting the newest per (kind, pubkey, d) is left to
// callers, which the newest-first ordering of the getters supports.
func (c *Cache) Put(ev nostr.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	_, err = c.db.Exec(
		`INSERT INTO Event (Id, Kind, Pubkey, CreatedAt, DTag, Raw) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(Id) DO NOTHING`,
		ev.ID, ev.Kind, ev.PubKey, ev.CreatedAt.Unix(), dTagOf(ev), string(raw),
	)
	if err != nil {
		return fmt.Errorf("put event %s: %w", ev.ID, err)
	}
	return nil
}

// GetByCoordinate returns every cached event for (kind, pubkey, d), newest
// first.
func (c *Cache) GetByCoordinate(kind int, pubkey, identifier string) ([]nostr.Event, error) {
	rows, err := c.db.Query(
		`SELECT Raw FROM Event WHERE Kind=? AND Pubkey=? AND DTag=? ORDER BY CreatedAt DESC`,
		kind, pubkey, identifier,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Filter mirrors the subset of nostr.Filter fields the cache can answer
// locally without a relay round trip.
type Filter struct {
	Kinds      []int
	Authors    []string
	Identifier string // matches the "d" tag, empty means "any"
}

// GetByFilter returns cached events matching f, newest first.
func (c *Cache) GetByFilter(f Filter) ([]nostr.Event, error) {
	query := "SELECT Raw FROM Event WHERE 1=1"
	var args []interface{}

	if len(f.Kinds) > 0 {
		query += " AND Kind IN (" + placeholders(len(f.Kinds)) + ")"
		for _, k := range f.Kinds {
			args = append(args, k)
		}
	}
	if len(f.Authors) > 0 {
		query += " AND Pubkey IN (" + placeholders(len(f.Authors)) + ")"
		for _, a := range f.Authors {
			args = append(args, a)
		}
	}
	if f.Identifier != "" {
		query += " AND DTag=?"
		args = append(args, f.Identifier)
	}
	query += " ORDER BY CreatedAt DESC"

	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func placeholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ","
		}
		s += "?"
	}
	return s
}

func scanEvents(rows *sql.Rows) ([]nostr.Event, error) {
	var out []nostr.Event
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var ev nostr.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal cached event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
