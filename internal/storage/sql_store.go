// Package storage persists the ledger and approval records through
// database/sql. Events and blocks are append-only; records are mutable JSON
// documents guarded by a version column.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/gyaneshwarpardhi/quorumledger/internal/approval"
	apperrors "github.com/gyaneshwarpardhi/quorumledger/internal/errors"
	"github.com/gyaneshwarpardhi/quorumledger/internal/event"
	"github.com/gyaneshwarpardhi/quorumledger/internal/hashchain"
	"github.com/gyaneshwarpardhi/quorumledger/internal/ledger"
)

// Dialect selects placeholder syntax.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements workflow.Committer over SQLite or Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	log     *slog.Logger
}

// Open connects to driver ("sqlite" or "postgres") at dsn and pings it.
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (*SQLStore, error) {
	d := Dialect(strings.ToLower(strings.TrimSpace(driver)))
	if d != DialectSQLite && d != DialectPostgres {
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("storage dsn is required for driver %s", d)
	}
	db, err := sql.Open(string(d), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", d, err)
	}
	if d == DialectSQLite {
		// one writer connection avoids SQLITE_BUSY between pooled conns
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s db: %w", d, err)
	}
	return New(db, d, logger), nil
}

// New wraps an open handle.
func New(db *sql.DB, dialect Dialect, logger *slog.Logger) *SQLStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{db: db, dialect: dialect, log: logger.With("component", "storage", "driver", string(dialect))}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		seq BIGINT NOT NULL UNIQUE,
		record_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		ts BIGINT NOT NULL,
		block_number BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS events_record_idx ON events (record_id, seq)`,
	`CREATE TABLE IF NOT EXISTS blocks (
		number BIGINT PRIMARY KEY,
		prev_hash TEXT NOT NULL,
		merkle_root TEXT NOT NULL,
		hash TEXT NOT NULL UNIQUE,
		sealed_at BIGINT NOT NULL,
		event_count INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		version BIGINT NOT NULL,
		doc TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
}

// Init creates the tables if they do not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Ping checks the connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the handle.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Commit writes b in one transaction. A record update whose stored version
// is not b.PrevVersion fails with CONFLICT and nothing is written.
func (s *SQLStore) Commit(ctx context.Context, b Batch) (err error) {
	if b.Empty() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if b.Event != nil {
		if err = s.insertEvent(ctx, tx, b.Event); err != nil {
			return err
		}
	}
	if b.Block != nil {
		if err = s.insertBlock(ctx, tx, b.Block); err != nil {
			return err
		}
	}
	if b.Record != nil {
		if err = s.putRecord(ctx, tx, b.Record, b.PrevVersion); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLStore) insertEvent(ctx context.Context, tx *sql.Tx, ev *event.Event) error {
	payload := string(ev.Payload)
	if payload == "" {
		payload = "null"
	}
	_, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO events (id, seq, record_id, kind, actor_id, payload, ts) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		ev.ID, int64(ev.Sequence), ev.RecordID, string(ev.Kind), ev.ActorID, payload, ev.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	return nil
}

func (s *SQLStore) insertBlock(ctx context.Context, tx *sql.Tx, b *ledger.Block) error {
	_, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO blocks (number, prev_hash, merkle_root, hash, sealed_at, event_count) VALUES (?, ?, ?, ?, ?, ?)`),
		int64(b.Number), b.PreviousHash.String(), b.MerkleRoot.String(), b.Hash.String(), b.Timestamp.UnixNano(), len(b.Events),
	)
	if err != nil {
		return fmt.Errorf("insert block %d: %w", b.Number, err)
	}
	if len(b.Events) == 0 {
		return nil
	}
	first, last := b.Events[0].Sequence, b.Events[len(b.Events)-1].Sequence
	res, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE events SET block_number = ? WHERE seq >= ? AND seq <= ? AND block_number IS NULL`),
		int64(b.Number), int64(first), int64(last),
	)
	if err != nil {
		return fmt.Errorf("stamp events of block %d: %w", b.Number, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("stamp events of block %d: %w", b.Number, err)
	}
	if n != int64(len(b.Events)) {
		return apperrors.New(apperrors.CodeIntegrityFailure, "block %d seals %d events but %d are stored unsealed", b.Number, len(b.Events), n)
	}
	return nil
}

func (s *SQLStore) putRecord(ctx context.Context, tx *sql.Tx, rec *approval.Record, prevVersion uint64) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	if prevVersion == 0 {
		_, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO records (id, type, status, version, doc, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
			rec.ID, rec.Type, string(rec.Status), int64(rec.Version), string(doc), rec.CreatedAt.UnixNano(), rec.LastUpdated.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("insert record %s: %w", rec.ID, err)
		}
		return nil
	}
	res, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE records SET status = ?, version = ?, doc = ?, updated_at = ? WHERE id = ? AND version = ?`),
		string(rec.Status), int64(rec.Version), string(doc), rec.LastUpdated.UnixNano(), rec.ID, int64(prevVersion),
	)
	if err != nil {
		return fmt.Errorf("update record %s: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update record %s: %w", rec.ID, err)
	}
	if n == 0 {
		return apperrors.New(apperrors.CodeConflict, "record %s is no longer at version %d", rec.ID, prevVersion)
	}
	return nil
}

// LoadChain returns the sealed blocks in order and the events not yet sealed.
func (s *SQLStore) LoadChain(ctx context.Context) ([]*ledger.Block, []event.Event, error) {
	blocks, err := s.loadBlocks(ctx)
	if err != nil {
		return nil, nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, seq, record_id, kind, actor_id, payload, ts, block_number FROM events ORDER BY seq`)
	if err != nil {
		return nil, nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var pending []event.Event
	for rows.Next() {
		var (
			ev      event.Event
			seq, ts int64
			kind    string
			payload string
			blockNo sql.NullInt64
		)
		if err := rows.Scan(&ev.ID, &seq, &ev.RecordID, &kind, &ev.ActorID, &payload, &ts, &blockNo); err != nil {
			return nil, nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Sequence = uint64(seq)
		ev.Kind = event.Kind(kind)
		ev.Payload = json.RawMessage(payload)
		ev.Timestamp = time.Unix(0, ts).UTC()
		if !blockNo.Valid {
			pending = append(pending, ev)
			continue
		}
		if blockNo.Int64 < 0 || blockNo.Int64 >= int64(len(blocks)) {
			return nil, nil, apperrors.New(apperrors.CodeIntegrityFailure, "event %s references missing block %d", ev.ID, blockNo.Int64)
		}
		b := blocks[blockNo.Int64]
		b.Events = append(b.Events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate events: %w", err)
	}
	s.log.Debug("chain loaded", "blocks", len(blocks), "pending", len(pending))
	return blocks, pending, nil
}

func (s *SQLStore) loadBlocks(ctx context.Context) ([]*ledger.Block, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT number, prev_hash, merkle_root, hash, sealed_at, event_count FROM blocks ORDER BY number`)
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	blocks := make([]*ledger.Block, 0)
	for rows.Next() {
		var (
			number, sealedAt     int64
			prev, merkle, digest string
			count                int
		)
		if err := rows.Scan(&number, &prev, &merkle, &digest, &sealedAt, &count); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		if number != int64(len(blocks)) {
			return nil, apperrors.New(apperrors.CodeIntegrityFailure, "block %d missing from store", len(blocks))
		}
		b := &ledger.Block{Number: uint64(number), Timestamp: time.Unix(0, sealedAt).UTC(), Events: make([]event.Event, 0, count)}
		if b.PreviousHash, err = hashchain.ParseDigest(prev); err == nil {
			if b.MerkleRoot, err = hashchain.ParseDigest(merkle); err == nil {
				b.Hash, err = hashchain.ParseDigest(digest)
			}
		}
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeIntegrityFailure, err, "block %d", number)
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return blocks, nil
}

// LoadRecords returns every stored record, oldest first.
func (s *SQLStore) LoadRecords(ctx context.Context) ([]*approval.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, version, doc FROM records ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]*approval.Record, 0)
	for rows.Next() {
		var (
			id      string
			version int64
			doc     string
		)
		if err := rows.Scan(&id, &version, &doc); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var rec approval.Record
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", id, err)
		}
		if rec.ID != id || rec.Version != uint64(version) {
			return nil, apperrors.New(apperrors.CodeIntegrityFailure, "record %s document does not match its row", id)
		}
		if rec.Responses == nil {
			rec.Responses = make(map[string]approval.Response)
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// rebind rewrites ? placeholders as $1..$n for postgres.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var sb strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
