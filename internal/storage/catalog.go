// Package storage persists databases, tables and documents of the
// reference server in SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kartikbazzad/reql/internal/logger"
)

var (
	ErrDBExists      = errors.New("database already exists")
	ErrDBNotFound    = errors.New("database not found")
	ErrTableExists   = errors.New("table already exists")
	ErrTableNotFound = errors.New("table not found")
	ErrInvalidName   = errors.New("invalid name")
	ErrInvalidKey    = errors.New("primary keys must be either a number or a string")
	ErrInvalidDoc    = errors.New("document must be an object")
)

// DefaultPrimaryKey is used when a table is created without one.
const DefaultPrimaryKey = "id"

// MemoryPath opens a private in-memory catalog.
const MemoryPath = ":memory:"

// Table describes a table.
type Table struct {
	DB         string
	Name       string
	PrimaryKey string
}

// InsertResult mirrors the summary object returned by insert.
type InsertResult struct {
	Inserted      int
	Errors        int
	FirstError    string
	GeneratedKeys []string
}

// Object renders the result as a datum-ready object.
func (r InsertResult) Object() map[string]any {
	out := map[string]any{
		"inserted":  int64(r.Inserted),
		"errors":    int64(r.Errors),
		"deleted":   int64(0),
		"replaced":  int64(0),
		"skipped":   int64(0),
		"unchanged": int64(0),
	}
	if r.FirstError != "" {
		out["first_error"] = r.FirstError
	}
	if len(r.GeneratedKeys) > 0 {
		keys := make([]any, len(r.GeneratedKeys))
		for i, k := range r.GeneratedKeys {
			keys[i] = k
		}
		out["generated_keys"] = keys
	}
	return out
}

type Catalog struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens or creates the catalog at path. MemoryPath keeps everything in
// memory for tests.
func Open(path string, log *slog.Logger) (*Catalog, error) {
	log = logger.OrNop(log)

	dsn := path
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	// one connection: an in-memory database lives and dies with it, and
	// SQLite serializes writers anyway
	db.SetMaxOpenConns(1)

	c := &Catalog{db: db, path: path, logger: log}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("catalog opened", "path", path)
	return c, nil
}

func (c *Catalog) initSchema() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS dbs (
			name TEXT PRIMARY KEY
		);
		CREATE TABLE IF NOT EXISTS tables (
			db TEXT NOT NULL,
			name TEXT NOT NULL,
			primary_key TEXT NOT NULL,
			PRIMARY KEY (db, name)
		);
		CREATE TABLE IF NOT EXISTS documents (
			db TEXT NOT NULL,
			tbl TEXT NOT NULL,
			key_kind INTEGER NOT NULL,
			key_num REAL NOT NULL,
			key_str TEXT NOT NULL,
			body TEXT NOT NULL,
			PRIMARY KEY (db, tbl, key_kind, key_num, key_str)
		);
	`)
	if err != nil {
		return fmt.Errorf("init catalog schema: %w", err)
	}
	return nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) CreateDB(ctx context.Context, name string) error {
	if err := ValidateName("database", name); err != nil {
		return err
	}
	res, err := c.db.ExecContext(ctx, `INSERT INTO dbs (name) VALUES (?) ON CONFLICT DO NOTHING`, name)
	if err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDBExists
	}
	c.logger.Info("created database", "db", name)
	return nil
}

// EnsureDB creates name unless it exists.
func (c *Catalog) EnsureDB(ctx context.Context, name string) error {
	if err := c.CreateDB(ctx, name); err != nil && !errors.Is(err, ErrDBExists) {
		return err
	}
	return nil
}

// DropDB removes a database with its tables and documents.
func (c *Catalog) DropDB(ctx context.Context, name string) (tables int, err error) {
	err = c.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM dbs WHERE name = ?`, name)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrDBNotFound
		}
		res, err = tx.ExecContext(ctx, `DELETE FROM tables WHERE db = ?`, name)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		tables = int(n)
		_, err = tx.ExecContext(ctx, `DELETE FROM documents WHERE db = ?`, name)
		return err
	})
	if err != nil {
		return 0, err
	}
	c.logger.Info("dropped database", "db", name, "tables", tables)
	return tables, nil
}

func (c *Catalog) ListDBs(ctx context.Context) ([]string, error) {
	return c.strings(ctx, `SELECT name FROM dbs ORDER BY name`)
}

func (c *Catalog) HasDB(ctx context.Context, name string) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx, `SELECT 1 FROM dbs WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (c *Catalog) CreateTable(ctx context.Context, db, name, primaryKey string) error {
	if err := ValidateName("table", name); err != nil {
		return err
	}
	if primaryKey == "" {
		primaryKey = DefaultPrimaryKey
	}
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireDB(ctx, tx, db); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO tables (db, name, primary_key) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
			db, name, primaryKey)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrTableExists
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.logger.Info("created table", "db", db, "table", name, "primary_key", primaryKey)
	return nil
}

func (c *Catalog) DropTable(ctx context.Context, db, name string) error {
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireDB(ctx, tx, db); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM tables WHERE db = ? AND name = ?`, db, name)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrTableNotFound
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM documents WHERE db = ? AND tbl = ?`, db, name)
		return err
	})
	if err != nil {
		return err
	}
	c.logger.Info("dropped table", "db", db, "table", name)
	return nil
}

func (c *Catalog) ListTables(ctx context.Context, db string) ([]string, error) {
	ok, err := c.HasDB(ctx, db)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrDBNotFound
	}
	return c.strings(ctx, `SELECT name FROM tables WHERE db = ? ORDER BY name`, db)
}

// Table returns the table description, ErrDBNotFound or ErrTableNotFound.
func (c *Catalog) Table(ctx context.Context, db, name string) (Table, error) {
	t := Table{DB: db, Name: name}
	err := c.db.QueryRowContext(ctx,
		`SELECT primary_key FROM tables WHERE db = ? AND name = ?`, db, name).Scan(&t.PrimaryKey)
	if errors.Is(err, sql.ErrNoRows) {
		ok, herr := c.HasDB(ctx, db)
		if herr != nil {
			return Table{}, herr
		}
		if !ok {
			return Table{}, ErrDBNotFound
		}
		return Table{}, ErrTableNotFound
	}
	if err != nil {
		return Table{}, err
	}
	return t, nil
}

// Insert stores docs. Documents without a primary key get a generated one.
// Per-document failures are counted in the result, not returned.
func (c *Catalog) Insert(ctx context.Context, t Table, docs []map[string]any) (InsertResult, error) {
	var result InsertResult
	err := c.inTx(ctx, func(tx *sql.Tx) error {
		result = InsertResult{}
		for _, doc := range docs {
			if doc == nil {
				result.fail(ErrInvalidDoc.Error())
				continue
			}
			keyVal, ok := doc[t.PrimaryKey]
			if !ok {
				generated := uuid.NewString()
				copied := make(map[string]any, len(doc)+1)
				for k, v := range doc {
					copied[k] = v
				}
				copied[t.PrimaryKey] = generated
				doc, keyVal = copied, generated
				result.GeneratedKeys = append(result.GeneratedKeys, generated)
			}
			key, err := encodeKey(keyVal)
			if err != nil {
				result.fail(err.Error())
				continue
			}
			body, err := json.Marshal(doc)
			if err != nil {
				result.fail(err.Error())
				continue
			}
			res, err := tx.ExecContext(ctx,
				`INSERT INTO documents (db, tbl, key_kind, key_num, key_str, body)
				 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
				t.DB, t.Name, key.kind, key.num, key.str, string(body))
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				result.fail(fmt.Sprintf("Duplicate primary key `%s`: %v", t.PrimaryKey, keyVal))
				continue
			}
			result.Inserted++
		}
		return nil
	})
	return result, err
}

func (r *InsertResult) fail(msg string) {
	if r.Errors == 0 {
		r.FirstError = msg
	}
	r.Errors++
}

// Get returns the document with the given primary key, or nil.
func (c *Catalog) Get(ctx context.Context, t Table, keyVal any) (map[string]any, error) {
	key, err := encodeKey(keyVal)
	if err != nil {
		return nil, err
	}
	var body string
	err = c.db.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE db = ? AND tbl = ? AND key_kind = ? AND key_num = ? AND key_str = ?`,
		t.DB, t.Name, key.kind, key.num, key.str).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeDoc(body)
}

// Between returns the documents with lower <= key < upper in key order.
// Numbers sort before strings.
func (c *Catalog) Between(ctx context.Context, t Table, lower, upper any) ([]map[string]any, error) {
	lo, err := encodeKey(lower)
	if err != nil {
		return nil, err
	}
	hi, err := encodeKey(upper)
	if err != nil {
		return nil, err
	}
	return c.documents(ctx, `
		SELECT body FROM documents
		WHERE db = ? AND tbl = ?
		  AND (key_kind, key_num, key_str) >= (?, ?, ?)
		  AND (key_kind, key_num, key_str) < (?, ?, ?)
		ORDER BY key_kind, key_num, key_str`,
		t.DB, t.Name, lo.kind, lo.num, lo.str, hi.kind, hi.num, hi.str)
}

// Scan returns every document of t in key order.
func (c *Catalog) Scan(ctx context.Context, t Table) ([]map[string]any, error) {
	return c.documents(ctx,
		`SELECT body FROM documents WHERE db = ? AND tbl = ? ORDER BY key_kind, key_num, key_str`,
		t.DB, t.Name)
}

func (c *Catalog) documents(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		doc, err := decodeDoc(body)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (c *Catalog) Count(ctx context.Context, t Table) (int64, error) {
	var n int64
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE db = ? AND tbl = ?`, t.DB, t.Name).Scan(&n)
	return n, err
}

func (c *Catalog) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (c *Catalog) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func requireDB(ctx context.Context, tx *sql.Tx, db string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM dbs WHERE name = ?`, db).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDBNotFound
	}
	return err
}

type storedKey struct {
	kind int // 0 number, 1 string
	num  float64
	str  string
}

func encodeKey(v any) (storedKey, error) {
	switch k := v.(type) {
	case int64:
		return storedKey{kind: 0, num: float64(k)}, nil
	case int:
		return storedKey{kind: 0, num: float64(k)}, nil
	case float64:
		if math.IsNaN(k) || math.IsInf(k, 0) {
			return storedKey{}, ErrInvalidKey
		}
		return storedKey{kind: 0, num: k}, nil
	case string:
		return storedKey{kind: 1, str: k}, nil
	}
	return storedKey{}, ErrInvalidKey
}

// decodeDoc parses a stored body, keeping integers as int64.
func decodeDoc(body string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return normalize(raw).(map[string]any), nil
}

func normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case []any:
		for i := range x {
			x[i] = normalize(x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = normalize(x[k])
		}
		return x
	}
	return v
}
