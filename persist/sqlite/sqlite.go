// Package sqlite keeps blocks, repository heads and the sync cursor in
// a Sqlite database.
package sqlite

import (
	"context"
	"database/sql"
	stderrs "errors"

	"github.com/bobg/sqlutil"
	"github.com/ipfs/go-cid"
	_ "github.com/mattn/go-sqlite3" // register the sqlite3 type for sql.Open
	"github.com/pkg/errors"

	"github.com/jrhy/atmast/blockstore"
	"github.com/jrhy/atmast/codec"
)

var _ blockstore.Blockstore = &Store{}

// Store is a Sqlite-based block store that also records the current
// commit of each repository and the position of the event stream.
type Store struct {
	db *sql.DB
}

// Schema is the SQL that New executes.
// It creates the `blocks`, `heads` and `cursors` tables if they do not exist.
// (If they do exist, they must have the columns and constraints described here.)
const Schema = `
CREATE TABLE IF NOT EXISTS blocks (
  cid BLOB PRIMARY KEY NOT NULL,
  data BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS heads (
  did TEXT PRIMARY KEY NOT NULL,
  commit_cid BLOB NOT NULL,
  rev TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cursors (
  name TEXT PRIMARY KEY NOT NULL,
  seq INTEGER NOT NULL
);
`

// DefaultCursor names the cursor used by SaveCursor and Cursor.
const DefaultCursor = "firehose"

// New produces a new Store using `db` for storage.
// It expects to create its tables,
// or for those tables already to exist with the correct schema.
// (See constant Schema.)
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	_, err := db.ExecContext(ctx, Schema)
	return &Store{db: db}, errors.Wrap(err, "creating schema")
}

// Open opens (creating if necessary) the database file at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	s, err := New(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get gets the block with identifier c.
func (s *Store) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	const q = `SELECT data FROM blocks WHERE cid = $1`

	var data []byte
	err := s.db.QueryRowContext(ctx, q, c.Bytes()).Scan(&data)
	if stderrs.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(blockstore.ErrNotFound, "block %s", c)
	}
	return data, errors.Wrapf(err, "getting block %s", c)
}

func (s *Store) Has(ctx context.Context, c cid.Cid) (bool, error) {
	const q = `SELECT 1 FROM blocks WHERE cid = $1`

	var one int
	err := s.db.QueryRowContext(ctx, q, c.Bytes()).Scan(&one)
	if stderrs.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, errors.Wrapf(err, "checking block %s", c)
}

// Put adds a block to the store if it wasn't already present.
func (s *Store) Put(ctx context.Context, b codec.Block) error {
	const q = `INSERT INTO blocks (cid, data) VALUES ($1, $2) ON CONFLICT DO NOTHING`

	_, err := s.db.ExecContext(ctx, q, b.Cid.Bytes(), b.Data)
	return errors.Wrap(err, "inserting block")
}

// GetHead returns the current commit and revision recorded for a
// repository, or blockstore.ErrNotFound.
func (s *Store) GetHead(ctx context.Context, did string) (cid.Cid, string, error) {
	const q = `SELECT commit_cid, rev FROM heads WHERE did = $1`

	var (
		raw []byte
		rev string
	)
	err := s.db.QueryRowContext(ctx, q, did).Scan(&raw, &rev)
	if stderrs.Is(err, sql.ErrNoRows) {
		return cid.Undef, "", errors.Wrapf(blockstore.ErrNotFound, "head of %s", did)
	}
	if err != nil {
		return cid.Undef, "", errors.Wrapf(err, "getting head of %s", did)
	}
	c, err := cid.Cast(raw)
	return c, rev, errors.Wrapf(err, "parsing head of %s", did)
}

// SetHead records commit as the current commit of a repository.
func (s *Store) SetHead(ctx context.Context, did string, commit cid.Cid, rev string) error {
	const q = `INSERT INTO heads (did, commit_cid, rev) VALUES ($1, $2, $3)
ON CONFLICT (did) DO UPDATE SET commit_cid = excluded.commit_cid, rev = excluded.rev`

	_, err := s.db.ExecContext(ctx, q, did, commit.Bytes(), rev)
	return errors.Wrapf(err, "setting head of %s", did)
}

// ListHeads calls f for each recorded repository whose DID sorts after
// start, in DID order.
func (s *Store) ListHeads(ctx context.Context, start string, f func(did string, commit cid.Cid, rev string) error) error {
	const q = `SELECT did, commit_cid, rev FROM heads WHERE did > $1 ORDER BY did`
	return sqlutil.ForQueryRows(ctx, s.db, q, start, func(did string, raw []byte, rev string) error {
		c, err := cid.Cast(raw)
		if err != nil {
			return errors.Wrapf(err, "parsing head of %s", did)
		}
		return f(did, c, rev)
	})
}

// SaveCursor records seq as the last fully processed event.
func (s *Store) SaveCursor(ctx context.Context, seq int64) error {
	const q = `INSERT INTO cursors (name, seq) VALUES ($1, $2)
ON CONFLICT (name) DO UPDATE SET seq = excluded.seq`

	_, err := s.db.ExecContext(ctx, q, DefaultCursor, seq)
	return errors.Wrap(err, "saving cursor")
}

// Cursor returns the last saved sequence number, or 0 if none was saved.
func (s *Store) Cursor(ctx context.Context) (int64, error) {
	const q = `SELECT seq FROM cursors WHERE name = $1`

	var seq int64
	err := s.db.QueryRowContext(ctx, q, DefaultCursor).Scan(&seq)
	if stderrs.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, errors.Wrap(err, "reading cursor")
}
