// Package db implements the installation database: the durable catalog of
// installed packages, their dependencies and files, and registered
// repositories. It is backed by an embedded sqlite3 database.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/alp-project/alp/internal/alperr"
)

const schema = `
CREATE TABLE IF NOT EXISTS packages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	version TEXT NOT NULL,
	description TEXT,
	architecture TEXT,
	maintainer TEXT,
	homepage TEXT,
	license TEXT,
	size INTEGER,
	checksum TEXT,
	install_date TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS dependencies (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	package_id INTEGER NOT NULL REFERENCES packages(id),
	dependency_name TEXT NOT NULL,
	dependency_version TEXT
);
CREATE INDEX IF NOT EXISTS idx_dependencies_package ON dependencies(package_id);
CREATE INDEX IF NOT EXISTS idx_dependencies_name ON dependencies(dependency_name);

CREATE TABLE IF NOT EXISTS files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	package_id INTEGER NOT NULL REFERENCES packages(id),
	file_path TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_files_package ON files(package_id);

CREATE TABLE IF NOT EXISTS repositories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	url TEXT NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT 1,
	priority INTEGER NOT NULL DEFAULT 100
);
`

// Package is an installed package's full record, as stored in and
// reconstructed from the packages/dependencies/files tables.
type Package struct {
	Name         string
	Version      string
	Description  string
	Architecture string
	Maintainer   string
	Homepage     string
	License      string
	Size         int64
	Checksum     string
	Dependencies []string // "name" or "name>=version"
	Conflicts    []string // not persisted; GetPackage returns it empty
	Provides     []string // not persisted; GetPackage returns it empty
	Files        []string
}

// Repository is a registered package source.
type Repository struct {
	Name     string
	URL      string
	Enabled  bool
	Priority int
}

// DB is a handle onto the installation database. It owns exactly one
// *sql.DB and is meant to be held by a single internal/alpctx.Context for
// the lifetime of one process invocation.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if necessary) the sqlite3 database at path and
// ensures its schema exists.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, alperr.Wrap(alperr.DatabaseError, "creating database directory", err)
		}
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, alperr.Wrap(alperr.DatabaseError, "opening database", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, alperr.Wrap(alperr.DatabaseError, "initializing schema", err)
	}
	return &DB{conn: conn}, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// AddPackage inserts pkg, or replaces an existing package of the same name
// (and its child dependency/file rows) if one is already present. The
// whole operation runs inside a single transaction.
func (d *DB) AddPackage(pkg Package) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return alperr.Wrap(alperr.DatabaseError, "beginning transaction", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRow(`SELECT id FROM packages WHERE name = ?`, pkg.Name).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		res, err := tx.Exec(`
			INSERT INTO packages (name, version, description, architecture, maintainer, homepage, license, size, checksum)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			pkg.Name, pkg.Version, pkg.Description, archOrDefault(pkg.Architecture),
			pkg.Maintainer, pkg.Homepage, pkg.License, pkg.Size, pkg.Checksum)
		if err != nil {
			return alperr.Wrap(alperr.DatabaseError, "inserting package", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return alperr.Wrap(alperr.DatabaseError, "reading inserted package id", err)
		}
	case err != nil:
		return alperr.Wrap(alperr.DatabaseError, "looking up existing package", err)
	default:
		if _, err := tx.Exec(`DELETE FROM dependencies WHERE package_id = ?`, id); err != nil {
			return alperr.Wrap(alperr.DatabaseError, "clearing dependencies", err)
		}
		if _, err := tx.Exec(`DELETE FROM files WHERE package_id = ?`, id); err != nil {
			return alperr.Wrap(alperr.DatabaseError, "clearing files", err)
		}
		if _, err := tx.Exec(`
			UPDATE packages SET version=?, description=?, architecture=?, maintainer=?, homepage=?,
				license=?, size=?, checksum=?, install_date=CURRENT_TIMESTAMP
			WHERE id=?`,
			pkg.Version, pkg.Description, archOrDefault(pkg.Architecture), pkg.Maintainer,
			pkg.Homepage, pkg.License, pkg.Size, pkg.Checksum, id); err != nil {
			return alperr.Wrap(alperr.DatabaseError, "updating package", err)
		}
	}

	for _, dep := range pkg.Dependencies {
		name, version := splitDependency(dep)
		if _, err := tx.Exec(`INSERT INTO dependencies (package_id, dependency_name, dependency_version) VALUES (?, ?, ?)`,
			id, name, version); err != nil {
			return alperr.Wrap(alperr.DatabaseError, "inserting dependency", err)
		}
	}
	for _, f := range pkg.Files {
		if _, err := tx.Exec(`INSERT INTO files (package_id, file_path) VALUES (?, ?)`, id, f); err != nil {
			return alperr.Wrap(alperr.DatabaseError, "inserting file", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return alperr.Wrap(alperr.DatabaseError, "committing transaction", err)
	}
	return nil
}

// RemovePackage deletes a package and its child rows. It reports whether a
// package with that name existed.
func (d *DB) RemovePackage(name string) (bool, error) {
	tx, err := d.conn.Begin()
	if err != nil {
		return false, alperr.Wrap(alperr.DatabaseError, "beginning transaction", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRow(`SELECT id FROM packages WHERE name = ?`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, alperr.Wrap(alperr.DatabaseError, "looking up package", err)
	}

	if _, err := tx.Exec(`DELETE FROM dependencies WHERE package_id = ?`, id); err != nil {
		return false, alperr.Wrap(alperr.DatabaseError, "deleting dependencies", err)
	}
	if _, err := tx.Exec(`DELETE FROM files WHERE package_id = ?`, id); err != nil {
		return false, alperr.Wrap(alperr.DatabaseError, "deleting files", err)
	}
	if _, err := tx.Exec(`DELETE FROM packages WHERE id = ?`, id); err != nil {
		return false, alperr.Wrap(alperr.DatabaseError, "deleting package", err)
	}

	if err := tx.Commit(); err != nil {
		return false, alperr.Wrap(alperr.DatabaseError, "committing transaction", err)
	}
	return true, nil
}

// GetPackage returns the full record for name, or nil if it is not installed.
func (d *DB) GetPackage(name string) (*Package, error) {
	var id int64
	pkg := Package{Name: name}
	row := d.conn.QueryRow(`
		SELECT id, version, description, architecture, maintainer, homepage, license, size, checksum
		FROM packages WHERE name = ?`, name)
	var desc, arch, maint, home, lic, checksum sql.NullString
	var size sql.NullInt64
	if err := row.Scan(&id, &pkg.Version, &desc, &arch, &maint, &home, &lic, &size, &checksum); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, alperr.Wrap(alperr.DatabaseError, "querying package", err)
	}
	pkg.Description = desc.String
	pkg.Architecture = arch.String
	pkg.Maintainer = maint.String
	pkg.Homepage = home.String
	pkg.License = lic.String
	pkg.Size = size.Int64
	pkg.Checksum = checksum.String

	depRows, err := d.conn.Query(`SELECT dependency_name, dependency_version FROM dependencies WHERE package_id = ?`, id)
	if err != nil {
		return nil, alperr.Wrap(alperr.DatabaseError, "querying dependencies", err)
	}
	defer depRows.Close()
	for depRows.Next() {
		var name, version string
		if err := depRows.Scan(&name, &version); err != nil {
			return nil, alperr.Wrap(alperr.DatabaseError, "scanning dependency", err)
		}
		pkg.Dependencies = append(pkg.Dependencies, joinDependency(name, version))
	}

	fileRows, err := d.conn.Query(`SELECT file_path FROM files WHERE package_id = ?`, id)
	if err != nil {
		return nil, alperr.Wrap(alperr.DatabaseError, "querying files", err)
	}
	defer fileRows.Close()
	for fileRows.Next() {
		var path string
		if err := fileRows.Scan(&path); err != nil {
			return nil, alperr.Wrap(alperr.DatabaseError, "scanning file", err)
		}
		pkg.Files = append(pkg.Files, path)
	}

	pkg.Conflicts = []string{}
	pkg.Provides = []string{}
	return &pkg, nil
}

// ListPackages returns every installed package's summary fields, ordered
// by name.
func (d *DB) ListPackages() ([]Package, error) {
	rows, err := d.conn.Query(`SELECT name, version, description, size FROM packages ORDER BY name`)
	if err != nil {
		return nil, alperr.Wrap(alperr.DatabaseError, "listing packages", err)
	}
	defer rows.Close()

	var out []Package
	for rows.Next() {
		var pkg Package
		var desc sql.NullString
		var size sql.NullInt64
		if err := rows.Scan(&pkg.Name, &pkg.Version, &desc, &size); err != nil {
			return nil, alperr.Wrap(alperr.DatabaseError, "scanning package row", err)
		}
		pkg.Description = desc.String
		pkg.Size = size.Int64
		out = append(out, pkg)
	}
	return out, rows.Err()
}

// IsInstalled reports whether a package with the given name is installed.
func (d *DB) IsInstalled(name string) (bool, error) {
	var count int
	if err := d.conn.QueryRow(`SELECT COUNT(*) FROM packages WHERE name = ?`, name).Scan(&count); err != nil {
		return false, alperr.Wrap(alperr.DatabaseError, "checking installed state", err)
	}
	return count > 0, nil
}

// AddRepository registers a repository, replacing any existing entry of
// the same name.
func (d *DB) AddRepository(name, url string, priority int) error {
	_, err := d.conn.Exec(`INSERT OR REPLACE INTO repositories (name, url, priority, enabled) VALUES (?, ?, ?, 1)`,
		name, url, priority)
	if err != nil {
		return alperr.Wrap(alperr.DatabaseError, "adding repository", err)
	}
	return nil
}

// ListRepositories returns the enabled repositories, highest priority first.
func (d *DB) ListRepositories() ([]Repository, error) {
	rows, err := d.conn.Query(`SELECT name, url, enabled, priority FROM repositories WHERE enabled = 1 ORDER BY priority DESC`)
	if err != nil {
		return nil, alperr.Wrap(alperr.DatabaseError, "listing repositories", err)
	}
	defer rows.Close()

	var out []Repository
	for rows.Next() {
		var r Repository
		if err := rows.Scan(&r.Name, &r.URL, &r.Enabled, &r.Priority); err != nil {
			return nil, alperr.Wrap(alperr.DatabaseError, "scanning repository row", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func archOrDefault(arch string) string {
	if arch == "" {
		return "x86_64"
	}
	return arch
}

// splitDependency splits a "name", "name>=version" or "name=version"
// constraint string into its name and (possibly empty) version parts, the
// way the dependencies table stores them. This mirrors
// resolver.ParseDependency exactly; it cannot call that function directly
// since resolver imports db, and db importing resolver back would cycle.
func splitDependency(dep string) (name, version string) {
	if idx := strings.Index(dep, ">="); idx >= 0 {
		return strings.TrimSpace(dep[:idx]), strings.TrimSpace(dep[idx+2:])
	}
	if idx := strings.Index(dep, "="); idx >= 0 {
		return strings.TrimSpace(dep[:idx]), strings.TrimSpace(dep[idx+1:])
	}
	return strings.TrimSpace(dep), ""
}

// joinDependency is the inverse of splitDependency.
func joinDependency(name, version string) string {
	if version == "" {
		return name
	}
	return fmt.Sprintf("%s>=%s", name, version)
}
