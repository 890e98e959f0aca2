package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS buckets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		bucket TEXT NOT NULL,
		method TEXT NOT NULL,
		url TEXT NOT NULL,
		status INTEGER NOT NULL,
		header BLOB,
		body BLOB,
		stored_at INTEGER NOT NULL,
		UNIQUE (bucket, method, url)
	)`,
	"CREATE INDEX IF NOT EXISTS entries_bucket_idx ON entries (bucket, seq)",
	"PRAGMA journal_mode=WAL",
}

// NewSQLiteStore 打开（或创建）filename 指向的 sqlite 数据库作为 Store。
// filename 为空时使用独立的内存数据库。正文以 zstd 压缩后存储。
func NewSQLiteStore(filename string) (Store, error) {
	if filename == "" {
		filename = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// 单连接，put/delete 天然串行。
	db.SetMaxOpenConns(1)

	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite schema: %w", err)
		}
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &sqliteStore{db: db, encoder: encoder, decoder: decoder}, nil
}

type sqliteStore struct {
	db      *sql.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

type sqliteBucket struct {
	store *sqliteStore
	name  string
}

func (s *sqliteStore) Open(ctx context.Context, name string) (Bucket, error) {
	if name == "" {
		return nil, ErrBucketNameRequired
	}
	if _, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO buckets (name) VALUES (?)", name); err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", name, err)
	}
	return &sqliteBucket{store: s, name: name}, nil
}

func (s *sqliteStore) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM buckets WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM buckets WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE bucket = ?", name); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStore) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM buckets ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStore) Match(ctx context.Context, key RequestKey) (*StoredResponse, error) {
	row := s.db.QueryRowContext(ctx, `SELECT e.status, e.header, e.body, e.stored_at
		FROM entries e JOIN buckets b ON b.name = e.bucket
		WHERE e.method = ? AND e.url = ?
		ORDER BY b.id LIMIT 1`, key.Method, key.URL)
	return s.scanResponse(row)
}

func (s *sqliteStore) Close() error {
	s.encoder.Close()
	s.decoder.Close()
	return s.db.Close()
}

func (s *sqliteStore) scanResponse(row *sql.Row) (*StoredResponse, error) {
	var (
		status   int
		header   []byte
		body     []byte
		storedAt int64
	)
	if err := row.Scan(&status, &header, &body, &storedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	resp := &StoredResponse{
		Status:   status,
		Header:   http.Header{},
		StoredAt: time.Unix(0, storedAt).UTC(),
	}
	if len(header) > 0 {
		if err := json.Unmarshal(header, &resp.Header); err != nil {
			return nil, fmt.Errorf("decode stored header: %w", err)
		}
	}
	if len(body) > 0 {
		decoded, err := s.decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("decode stored body: %w", err)
		}
		resp.Body = decoded
	}
	return resp, nil
}

func (b *sqliteBucket) Name() string {
	return b.name
}

func (b *sqliteBucket) Match(ctx context.Context, key RequestKey) (*StoredResponse, error) {
	row := b.store.db.QueryRowContext(ctx, `SELECT status, header, body, stored_at
		FROM entries WHERE bucket = ? AND method = ? AND url = ?`, b.name, key.Method, key.URL)
	return b.store.scanResponse(row)
}

func (b *sqliteBucket) Put(ctx context.Context, key RequestKey, resp *StoredResponse) error {
	if resp == nil {
		return errors.New("response required")
	}
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return err
	}
	var body []byte
	if len(resp.Body) > 0 {
		body = b.store.encoder.EncodeAll(resp.Body, nil)
	}
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}

	tx, err := b.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var one int
	if err := tx.QueryRowContext(ctx, "SELECT 1 FROM buckets WHERE name = ?", b.name).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("bucket %s unavailable", b.name)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE bucket = ? AND method = ? AND url = ?",
		b.name, key.Method, key.URL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO entries (bucket, method, url, status, header, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.name, key.Method, key.URL, resp.Status, header, body, storedAt.UnixNano()); err != nil {
		return err
	}
	return tx.Commit()
}

func (b *sqliteBucket) Delete(ctx context.Context, key RequestKey) (bool, error) {
	res, err := b.store.db.ExecContext(ctx, "DELETE FROM entries WHERE bucket = ? AND method = ? AND url = ?",
		b.name, key.Method, key.URL)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (b *sqliteBucket) Keys(ctx context.Context) ([]RequestKey, error) {
	rows, err := b.store.db.QueryContext(ctx, "SELECT method, url FROM entries WHERE bucket = ? ORDER BY seq", b.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []RequestKey
	for rows.Next() {
		var key RequestKey
		if err := rows.Scan(&key.Method, &key.URL); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
