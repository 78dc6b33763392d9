// Package store persists serialized channels and event-hub replay
// cursors in SQLite, so a client can be restarted without losing its
// channel topology or re-processing delivered blocks.
package store

import (
	"database/sql"

	_ "modernc.org/sqlite"

	"github.com/fabclient/fabclient/errs"
)

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and ensures the
// schema exists. Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errs.New(errs.Argument, "store path is blank")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrapf(errs.Argument, err, "open store %s", path)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS channels (
		name TEXT PRIMARY KEY,
		blob BLOB NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS channel_progress (
		channel TEXT PRIMARY KEY,
		last_block BIGINT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return errs.Wrap(errs.Argument, err, "init store schema")
	}
	return nil
}

// SaveChannel upserts the serialized form of a channel.
func (s *Store) SaveChannel(name string, blob []byte) error {
	if name == "" {
		return errs.New(errs.Argument, "channel name is blank")
	}
	if len(blob) == 0 {
		return errs.New(errs.Argument, "channel blob is empty")
	}
	_, err := s.db.Exec(`
	INSERT INTO channels(name, blob, updated_at)
	VALUES (?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(name) DO UPDATE SET blob = excluded.blob, updated_at = CURRENT_TIMESTAMP;
	`, name, blob)
	if err != nil {
		return errs.Wrapf(errs.Argument, err, "save channel %s", name)
	}
	return nil
}

// LoadChannel returns the stored blob for a channel, or an argument
// error when the channel was never saved.
func (s *Store) LoadChannel(name string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRow("SELECT blob FROM channels WHERE name = ?", name).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, errs.Errorf(errs.Argument, "channel %q is not stored", name)
	}
	if err != nil {
		return nil, errs.Wrapf(errs.Argument, err, "load channel %s", name)
	}
	return blob, nil
}

// ChannelNames lists the stored channels.
func (s *Store) ChannelNames() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM channels ORDER BY name")
	if err != nil {
		return nil, errs.Wrap(errs.Argument, err, "list channels")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, errs.Wrap(errs.Argument, err, "scan channel name")
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Argument, err, "iterate channels")
	}
	return names, nil
}

// MarkProcessed checkpoints the highest delivered block for a channel.
// A lower block never overwrites a higher one, so replays after a
// reconnect cannot move the cursor backwards.
func (s *Store) MarkProcessed(channel string, block uint64) error {
	_, err := s.db.Exec(`
	INSERT INTO channel_progress(channel, last_block)
	VALUES (?, ?)
	ON CONFLICT(channel) DO UPDATE SET last_block = excluded.last_block
	WHERE excluded.last_block > channel_progress.last_block;
	`, channel, block)
	if err != nil {
		return errs.Wrapf(errs.Argument, err, "mark block %d processed", block)
	}
	return nil
}

// LastProcessedBlock returns the checkpointed block for a channel, with
// seen=false when no block was ever recorded.
func (s *Store) LastProcessedBlock(channel string) (block uint64, seen bool, err error) {
	var last sql.NullInt64
	scanErr := s.db.QueryRow("SELECT last_block FROM channel_progress WHERE channel = ?", channel).Scan(&last)
	if scanErr == sql.ErrNoRows {
		return 0, false, nil
	}
	if scanErr != nil {
		return 0, false, errs.Wrapf(errs.Argument, scanErr, "query last processed block for %s", channel)
	}
	if !last.Valid {
		return 0, false, nil
	}
	return uint64(last.Int64), true, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errs.Wrap(errs.Argument, err, "close store")
	}
	return nil
}
