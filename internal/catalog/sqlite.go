package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"darwinup-go/internal/catalog/migrations"
	"darwinup-go/internal/depot"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteCatalog implements depot.Catalog on a single-file SQLite database.
//
// Prepared statements are cached per catalog, keyed by query string, and
// rebound to the active transaction for the duration of Begin..Commit.
type SQLiteCatalog struct {
	db    *sql.DB
	tx    *sql.Tx
	stmts map[string]*sql.Stmt
	path  string
}

var _ depot.Catalog = (*SQLiteCatalog)(nil)

// Open opens the catalog file, creating and migrating it when create is
// set. A missing file without create surfaces depot.ErrNotFound; an
// unreadable one surfaces depot.ErrPermissionDenied.
func Open(path string, create bool) (*SQLiteCatalog, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) && !create {
			return nil, fmt.Errorf("catalog %s: %w", path, depot.ErrNotFound)
		}
		if errors.Is(err, fs.ErrPermission) {
			return nil, &depot.CatalogError{Stmt: "open " + path, Err: depot.ErrPermissionDenied}
		}
	} else if f, err := os.Open(path); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, &depot.CatalogError{Stmt: "open " + path, Err: depot.ErrPermissionDenied}
		}
	} else {
		f.Close()
	}

	db, err := openConnection(path)
	if err != nil {
		return nil, err
	}

	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating catalog schema: %w", err)
	}

	return &SQLiteCatalog{
		db:    db,
		stmts: make(map[string]*sql.Stmt),
		path:  path,
	}, nil
}

// openConnection opens and configures a SQLite connection. path can be a
// file path or ":memory:".
func openConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}

	// Foreign keys drive the archive -> files ownership cascade.
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	return db, nil
}

// OpenMemory returns a migrated in-memory catalog. Use in tests.
func OpenMemory() (*SQLiteCatalog, error) {
	return Open(":memory:", true)
}

// Path returns the catalog file path.
func (c *SQLiteCatalog) Path() string { return c.path }

func (c *SQLiteCatalog) Close() error {
	for _, stmt := range c.stmts {
		stmt.Close()
	}
	if c.tx != nil {
		c.tx.Rollback()
		c.tx = nil
	}
	return c.db.Close()
}

// Transactions. Single-level: Begin inside an open transaction is an error.

func (c *SQLiteCatalog) Begin() error {
	if c.tx != nil {
		return &depot.CatalogError{Stmt: "BEGIN", Err: errors.New("transaction already open")}
	}
	tx, err := c.db.Begin()
	if err != nil {
		return &depot.CatalogError{Stmt: "BEGIN", Err: err}
	}
	c.tx = tx
	return nil
}

func (c *SQLiteCatalog) Commit() error {
	if c.tx == nil {
		return &depot.CatalogError{Stmt: "COMMIT", Err: errors.New("no open transaction")}
	}
	err := c.tx.Commit()
	c.tx = nil
	if err != nil {
		return &depot.CatalogError{Stmt: "COMMIT", Err: err}
	}
	return nil
}

func (c *SQLiteCatalog) Rollback() error {
	if c.tx == nil {
		return nil
	}
	err := c.tx.Rollback()
	c.tx = nil
	if err != nil {
		return &depot.CatalogError{Stmt: "ROLLBACK", Err: err}
	}
	return nil
}

// stmt prepares and caches a statement, binding it to the open transaction
// when one is active.
func (c *SQLiteCatalog) stmt(query string) (*sql.Stmt, error) {
	prepared, ok := c.stmts[query]
	if !ok {
		var err error
		prepared, err = c.db.Prepare(query)
		if err != nil {
			return nil, &depot.CatalogError{Stmt: query, Err: err}
		}
		c.stmts[query] = prepared
	}
	if c.tx != nil {
		return c.tx.Stmt(prepared), nil
	}
	return prepared, nil
}

// mutate runs a mutating statement. Mutations are only legal inside a
// transaction.
func (c *SQLiteCatalog) mutate(query string, args ...any) (sql.Result, error) {
	if c.tx == nil {
		return nil, &depot.CatalogError{Stmt: query, Err: errors.New("mutation outside transaction")}
	}
	stmt, err := c.stmt(query)
	if err != nil {
		return nil, err
	}
	res, err := stmt.Exec(args...)
	if err != nil {
		return nil, &depot.CatalogError{Stmt: query, Err: err}
	}
	return res, nil
}

// Archive operations

const insertArchiveQuery = `INSERT INTO archives (uuid, name, date_added, active, info) VALUES (?, ?, ?, 0, ?)`

func (c *SQLiteCatalog) InsertArchive(a *depot.ArchiveRecord) (int64, error) {
	res, err := c.mutate(insertArchiveQuery, a.UUID, a.Name, a.DateAdded, uint32(a.Info))
	if err != nil {
		return 0, err
	}
	serial, err := res.LastInsertId()
	if err != nil {
		return 0, &depot.CatalogError{Stmt: insertArchiveQuery, Err: err}
	}
	a.Serial = serial
	a.Active = false
	return serial, nil
}

func (c *SQLiteCatalog) DeleteArchive(serial int64) error {
	// files rows go with it via ON DELETE CASCADE
	_, err := c.mutate(`DELETE FROM archives WHERE serial = ?`, serial)
	return err
}

func (c *SQLiteCatalog) Activate(serial int64) error {
	_, err := c.mutate(`UPDATE archives SET active = 1 WHERE serial = ?`, serial)
	return err
}

func (c *SQLiteCatalog) Deactivate(serial int64) error {
	_, err := c.mutate(`UPDATE archives SET active = 0 WHERE serial = ?`, serial)
	return err
}

func (c *SQLiteCatalog) PruneEmptyArchives() error {
	_, err := c.mutate(`DELETE FROM archives WHERE serial NOT IN (SELECT DISTINCT archive FROM files)`)
	return err
}

const archiveColumns = `serial, uuid, name, date_added, active, info`

func (c *SQLiteCatalog) scanArchive(row interface{ Scan(...any) error }, query string) (*depot.ArchiveRecord, error) {
	var a depot.ArchiveRecord
	var active int
	var info uint32
	err := row.Scan(&a.Serial, &a.UUID, &a.Name, &a.DateAdded, &active, &info)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &depot.CatalogError{Stmt: query, Err: err}
	}
	a.Active = active != 0
	a.Info = depot.ArchiveInfo(info)
	return &a, nil
}

func (c *SQLiteCatalog) queryArchive(query string, args ...any) (*depot.ArchiveRecord, error) {
	stmt, err := c.stmt(query)
	if err != nil {
		return nil, err
	}
	return c.scanArchive(stmt.QueryRow(args...), query)
}

func (c *SQLiteCatalog) ArchiveBySerial(serial int64) (*depot.ArchiveRecord, error) {
	return c.queryArchive(`SELECT `+archiveColumns+` FROM archives WHERE serial = ?`, serial)
}

func (c *SQLiteCatalog) ArchiveByUUID(uuid string) (*depot.ArchiveRecord, error) {
	return c.queryArchive(`SELECT `+archiveColumns+` FROM archives WHERE uuid = ?`, uuid)
}

func (c *SQLiteCatalog) ArchiveByName(name string) (*depot.ArchiveRecord, error) {
	return c.queryArchive(`SELECT `+archiveColumns+` FROM archives WHERE name = ? ORDER BY serial DESC LIMIT 1`, name)
}

func (c *SQLiteCatalog) NewestArchive() (*depot.ArchiveRecord, error) {
	return c.queryArchive(`SELECT ` + archiveColumns + ` FROM archives WHERE (info & 1) = 0 ORDER BY serial DESC LIMIT 1`)
}

func (c *SQLiteCatalog) OldestArchive() (*depot.ArchiveRecord, error) {
	return c.queryArchive(`SELECT ` + archiveColumns + ` FROM archives WHERE (info & 1) = 0 ORDER BY serial ASC LIMIT 1`)
}

func (c *SQLiteCatalog) queryArchives(query string, args ...any) ([]*depot.ArchiveRecord, error) {
	stmt, err := c.stmt(query)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(args...)
	if err != nil {
		return nil, &depot.CatalogError{Stmt: query, Err: err}
	}
	defer rows.Close()

	var result []*depot.ArchiveRecord
	for rows.Next() {
		a, err := c.scanArchive(rows, query)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, &depot.CatalogError{Stmt: query, Err: err}
	}
	return result, nil
}

func (c *SQLiteCatalog) Archives(includeRollbacks bool) ([]*depot.ArchiveRecord, error) {
	if includeRollbacks {
		return c.queryArchives(`SELECT ` + archiveColumns + ` FROM archives ORDER BY serial DESC`)
	}
	return c.queryArchives(`SELECT ` + archiveColumns + ` FROM archives WHERE (info & 1) = 0 ORDER BY serial DESC`)
}

func (c *SQLiteCatalog) InactiveArchives() ([]*depot.ArchiveRecord, error) {
	return c.queryArchives(`SELECT ` + archiveColumns + ` FROM archives WHERE active = 0 ORDER BY serial DESC`)
}

// File operations

const insertFileQuery = `
INSERT INTO files (archive, info, mode, uid, gid, size, digest, path)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (archive, path) DO UPDATE
SET info = excluded.info, mode = excluded.mode, uid = excluded.uid,
    gid = excluded.gid, size = excluded.size, digest = excluded.digest`

func (c *SQLiteCatalog) InsertFile(archiveSerial int64, f *depot.FileRecord) (int64, error) {
	digest := sql.NullString{String: f.Digest, Valid: f.Digest != ""}
	if _, err := c.mutate(insertFileQuery, archiveSerial, uint32(f.Info), f.Mode, f.UID, f.GID, f.Size, digest, f.Path); err != nil {
		return 0, err
	}

	// LastInsertId is unreliable on the upsert path; read the serial back.
	const query = `SELECT serial FROM files WHERE archive = ? AND path = ?`
	stmt, err := c.stmt(query)
	if err != nil {
		return 0, err
	}
	var serial int64
	if err := stmt.QueryRow(archiveSerial, f.Path).Scan(&serial); err != nil {
		return 0, &depot.CatalogError{Stmt: query, Err: err}
	}
	f.Serial = serial
	f.ArchiveSerial = archiveSerial
	return serial, nil
}

func (c *SQLiteCatalog) DeleteFile(serial int64) error {
	_, err := c.mutate(`DELETE FROM files WHERE serial = ?`, serial)
	return err
}

const fileColumns = `serial, archive, info, mode, uid, gid, size, digest, path`

func (c *SQLiteCatalog) scanFile(row interface{ Scan(...any) error }, query string) (*depot.FileRecord, error) {
	var f depot.FileRecord
	var info uint32
	var digest sql.NullString
	err := row.Scan(&f.Serial, &f.ArchiveSerial, &info, &f.Mode, &f.UID, &f.GID, &f.Size, &digest, &f.Path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &depot.CatalogError{Stmt: query, Err: err}
	}
	f.Info = depot.InfoFlags(info)
	f.Digest = digest.String
	return &f, nil
}

func (c *SQLiteCatalog) Files(archiveSerial int64) ([]*depot.FileRecord, error) {
	const query = `SELECT ` + fileColumns + ` FROM files WHERE archive = ? ORDER BY path ASC`
	stmt, err := c.stmt(query)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(archiveSerial)
	if err != nil {
		return nil, &depot.CatalogError{Stmt: query, Err: err}
	}
	defer rows.Close()

	var result []*depot.FileRecord
	for rows.Next() {
		f, err := c.scanFile(rows, query)
		if err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, &depot.CatalogError{Stmt: query, Err: err}
	}
	return result, nil
}

func (c *SQLiteCatalog) Preceding(archiveSerial int64, path string) (*depot.FileRecord, error) {
	const query = `SELECT ` + fileColumns + ` FROM files WHERE archive < ? AND path = ? ORDER BY archive DESC LIMIT 1`
	stmt, err := c.stmt(query)
	if err != nil {
		return nil, err
	}
	return c.scanFile(stmt.QueryRow(archiveSerial, path), query)
}

func (c *SQLiteCatalog) Superseding(archiveSerial int64, path string) (*depot.FileRecord, error) {
	const query = `SELECT ` + fileColumns + ` FROM files WHERE archive > ? AND path = ? ORDER BY archive ASC LIMIT 1`
	stmt, err := c.stmt(query)
	if err != nil {
		return nil, err
	}
	return c.scanFile(stmt.QueryRow(archiveSerial, path), query)
}
