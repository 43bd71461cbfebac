package memory

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Scope selects whose facts or memories are addressed.
type Scope string

const (
	ScopeUser  Scope = "user"
	ScopeGuild Scope = "guild"
)

// Fact is a key/value pair remembered about a user or a guild.
type Fact struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Memory is a remembered piece of text ranked by importance (1-10).
type Memory struct {
	ID         int64
	Content    string
	Importance int
	CreatedAt  time.Time
}

// Exchange is one short-term conversation line.
type Exchange struct {
	Role      string
	Content   string
	CreatedAt time.Time
}

// Stats summarizes what is stored for a user.
type Stats struct {
	ShortTerm       int
	Facts           int
	Memories        int
	TotalMessages   int
	LastInteraction time.Time
}

// Limits bound per-owner storage.
type Limits struct {
	ShortTerm int
	Memories  int
}

// Store persists memory in SQLite.
type Store struct {
	db     *sql.DB
	limits Limits
	now    func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS facts (
	scope      TEXT NOT NULL,
	owner      TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (scope, owner, key)
);
CREATE TABLE IF NOT EXISTS memories (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	scope      TEXT NOT NULL,
	owner      TEXT NOT NULL,
	content    TEXT NOT NULL,
	importance INTEGER NOT NULL,
	hash       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE (scope, owner, hash)
);
CREATE TABLE IF NOT EXISTS short_term (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_short_term_user ON short_term(user_id, id);
CREATE TABLE IF NOT EXISTS stats (
	user_id          TEXT PRIMARY KEY,
	total_messages   INTEGER NOT NULL,
	last_interaction INTEGER NOT NULL
);
`

// OpenStore opens or creates the database at path. ":memory:" keeps
// everything in process.
func OpenStore(path string, limits Limits) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	if limits.ShortTerm <= 0 {
		limits.ShortTerm = DefaultMaxShortTerm
	}
	if limits.Memories <= 0 {
		limits.Memories = DefaultMaxMemories
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create memory schema: %w", err)
	}
	return &Store{db: db, limits: limits, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SetFact inserts or replaces a fact.
func (s *Store) SetFact(ctx context.Context, scope Scope, owner, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO facts (scope, owner, key, value, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (scope, owner, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		scope, owner, strings.ToLower(key), value, s.now().Unix())
	if err != nil {
		return fmt.Errorf("set fact: %w", err)
	}
	return nil
}

// Facts returns an owner's facts ordered by key.
func (s *Store) Facts(ctx context.Context, scope Scope, owner string) ([]Fact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, updated_at FROM facts WHERE scope = ? AND owner = ? ORDER BY key`, scope, owner)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	var facts []Fact
	for rows.Next() {
		var f Fact
		var updated int64
		if err := rows.Scan(&f.Key, &f.Value, &updated); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		f.UpdatedAt = time.Unix(updated, 0)
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// DeleteFact removes one fact and reports whether it existed.
func (s *Store) DeleteFact(ctx context.Context, scope Scope, owner, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM facts WHERE scope = ? AND owner = ? AND key = ?`, scope, owner, strings.ToLower(key))
	if err != nil {
		return false, fmt.Errorf("delete fact: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AddMemory stores text unless the owner already has it, then trims the
// owner's memories to the limit, dropping the least important first.
// Reports whether the text was new.
func (s *Store) AddMemory(ctx context.Context, scope Scope, owner, text string, importance int) (bool, error) {
	importance = min(max(importance, 1), 10)
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO memories (scope, owner, content, importance, hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		scope, owner, text, importance, hex.EncodeToString(sum[:]), s.now().Unix())
	if err != nil {
		return false, fmt.Errorf("insert memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM memories WHERE scope = ? AND owner = ? AND id NOT IN (
			SELECT id FROM memories WHERE scope = ? AND owner = ?
			ORDER BY importance DESC, id ASC LIMIT ?)`,
		scope, owner, scope, owner, s.limits.Memories); err != nil {
		return false, fmt.Errorf("trim memories: %w", err)
	}
	return true, tx.Commit()
}

// Memories returns up to limit memories, most important first. A limit of
// zero returns all.
func (s *Store) Memories(ctx context.Context, scope Scope, owner string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, importance, created_at FROM memories
		WHERE scope = ? AND owner = ? ORDER BY importance DESC, id ASC LIMIT ?`, scope, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var m Memory
		var created int64
		if err := rows.Scan(&m.ID, &m.Content, &m.Importance, &created); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.CreatedAt = time.Unix(created, 0)
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMemory removes the memory at 1-based position n in Memories order.
func (s *Store) DeleteMemory(ctx context.Context, scope Scope, owner string, n int) (bool, error) {
	all, err := s.Memories(ctx, scope, owner, 0)
	if err != nil {
		return false, err
	}
	if n < 1 || n > len(all) {
		return false, nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, all[n-1].ID); err != nil {
		return false, fmt.Errorf("delete memory: %w", err)
	}
	return true, nil
}

// ClearMemories removes all of an owner's memories.
func (s *Store) ClearMemories(ctx context.Context, scope Scope, owner string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE scope = ? AND owner = ?`, scope, owner); err != nil {
		return fmt.Errorf("clear memories: %w", err)
	}
	return nil
}

// AddExchange appends a short-term line, trims the user's history to the
// limit and returns the user's total message count.
func (s *Store) AddExchange(ctx context.Context, userID, channelID, role, text string) (int, error) {
	now := s.now().Unix()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO short_term (user_id, channel_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		userID, channelID, role, text, now); err != nil {
		return 0, fmt.Errorf("insert exchange: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM short_term WHERE user_id = ? AND id NOT IN (
			SELECT id FROM short_term WHERE user_id = ? ORDER BY id DESC LIMIT ?)`,
		userID, userID, s.limits.ShortTerm); err != nil {
		return 0, fmt.Errorf("trim short term: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stats (user_id, total_messages, last_interaction) VALUES (?, 1, ?)
		ON CONFLICT (user_id) DO UPDATE SET total_messages = total_messages + 1, last_interaction = excluded.last_interaction`,
		userID, now); err != nil {
		return 0, fmt.Errorf("update stats: %w", err)
	}
	var total int
	if err := tx.QueryRowContext(ctx, `SELECT total_messages FROM stats WHERE user_id = ?`, userID).Scan(&total); err != nil {
		return 0, fmt.Errorf("read stats: %w", err)
	}
	return total, tx.Commit()
}

// Exchanges returns a user's newest short-term lines, oldest first.
func (s *Store) Exchanges(ctx context.Context, userID string, limit int) ([]Exchange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, created_at FROM (
			SELECT id, role, content, created_at FROM short_term WHERE user_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query short term: %w", err)
	}
	defer rows.Close()

	var out []Exchange
	for rows.Next() {
		var e Exchange
		var created int64
		if err := rows.Scan(&e.Role, &e.Content, &created); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		e.CreatedAt = time.Unix(created, 0)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClearExchanges drops a user's short-term history.
func (s *Store) ClearExchanges(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM short_term WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("clear short term: %w", err)
	}
	return nil
}

// PruneExchanges drops a user's short-term lines older than cutoff.
func (s *Store) PruneExchanges(ctx context.Context, userID string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM short_term WHERE user_id = ? AND created_at < ?`, userID, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune short term: %w", err)
	}
	return res.RowsAffected()
}

// Stats counts what is stored for a user.
func (s *Store) Stats(ctx context.Context, userID string) (Stats, error) {
	var st Stats
	var last sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM short_term WHERE user_id = ?1),
			(SELECT COUNT(*) FROM facts WHERE scope = 'user' AND owner = ?1),
			(SELECT COUNT(*) FROM memories WHERE scope = 'user' AND owner = ?1),
			COALESCE((SELECT total_messages FROM stats WHERE user_id = ?1), 0),
			(SELECT last_interaction FROM stats WHERE user_id = ?1)`, userID).
		Scan(&st.ShortTerm, &st.Facts, &st.Memories, &st.TotalMessages, &last)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	if last.Valid {
		st.LastInteraction = time.Unix(last.Int64, 0)
	}
	return st, nil
}

// DeleteUser removes everything stored about a user.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	for _, q := range []string{
		`DELETE FROM facts WHERE scope = 'user' AND owner = ?`,
		`DELETE FROM memories WHERE scope = 'user' AND owner = ?`,
		`DELETE FROM short_term WHERE user_id = ?`,
		`DELETE FROM stats WHERE user_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, userID); err != nil {
			return fmt.Errorf("delete user data: %w", err)
		}
	}
	return tx.Commit()
}
