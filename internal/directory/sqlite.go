package directory

import (
	"database/sql"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
	_ "modernc.org/sqlite"
)

// SQLiteDirectory is a Directory backed by a sqlite database file.
// Usernames are NFC-normalized on the way in and on lookup so that a
// user registered from one keyboard layout can log in from another.
type SQLiteDirectory struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) a sqlite-backed directory at the
// given path. Use ":memory:" for an ephemeral store.
func OpenSQLite(path string) (*SQLiteDirectory, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// The directory is read-mostly with occasional registrations;
	// a single connection serializes writers against readers.
	db.SetMaxOpenConns(1)

	const schema = `CREATE TABLE IF NOT EXISTS users(
		name TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create users table: %w", err)
	}

	return &SQLiteDirectory{db: db}, nil
}

// Close releases the underlying database handle.
func (d *SQLiteDirectory) Close() error {
	return d.db.Close()
}

// ListUsers returns all users ordered by name.
func (d *SQLiteDirectory) ListUsers() ([]User, error) {
	rows, err := d.db.Query("SELECT name, password_hash FROM users ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.Username, &u.PasswordHash); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// AddUser stores a new user, failing with ErrUserExists on a duplicate
// name.
func (d *SQLiteDirectory) AddUser(u User) error {
	name := norm.NFC.String(u.Username)
	_, err := d.db.Exec("INSERT INTO users(name, password_hash) VALUES(?, ?)", name, u.PasswordHash)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrUserExists
		}
		return fmt.Errorf("add user %q: %w", name, err)
	}
	return nil
}

// FindUser returns the named user, or nil if absent.
func (d *SQLiteDirectory) FindUser(username string) (*User, error) {
	name := norm.NFC.String(username)
	row := d.db.QueryRow("SELECT name, password_hash FROM users WHERE name=?", name)

	var u User
	if err := row.Scan(&u.Username, &u.PasswordHash); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find user %q: %w", name, err)
	}
	return &u, nil
}

// DeleteUser removes the named user if present.
func (d *SQLiteDirectory) DeleteUser(username string) error {
	name := norm.NFC.String(username)
	if _, err := d.db.Exec("DELETE FROM users WHERE name=?", name); err != nil {
		return fmt.Errorf("delete user %q: %w", name, err)
	}
	return nil
}
