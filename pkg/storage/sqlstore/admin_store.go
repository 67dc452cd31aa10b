// SPDX-FileCopyrightText: Copyright 2026 Vera C. Rubin Observatory
// SPDX-License-Identifier: MIT

package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
)

// AdminStore is the list of token administrators.
type AdminStore struct {
	wrapper *DB
	db      *sql.DB
}

// NewAdminStore creates a new SQLite-backed AdminStore.
func NewAdminStore(db *DB) *AdminStore {
	return &AdminStore{wrapper: db, db: db.DB()}
}

// Add grants admin to a username. Adding an existing admin is a no-op.
func (s *AdminStore) Add(ctx context.Context, username string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO admin (username) VALUES (?) ON CONFLICT DO NOTHING`, username)
	if err != nil {
		return fmt.Errorf("inserting admin: %w", err)
	}
	return nil
}

// Delete revokes admin from a username. Returns whether the username was an
// admin.
func (s *AdminStore) Delete(ctx context.Context, username string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM admin WHERE username = ?`, username)
	if err != nil {
		return false, fmt.Errorf("deleting admin: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return affected > 0, nil
}

// List returns all admin usernames in sorted order.
func (s *AdminStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT username FROM admin ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("querying admins: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var admins []string
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, fmt.Errorf("scanning admin row: %w", err)
		}
		admins = append(admins, username)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating admin rows: %w", err)
	}
	return admins, nil
}

// Contains reports whether a username is an admin.
func (s *AdminStore) Contains(ctx context.Context, username string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM admin WHERE username = ?`, username).Scan(&one)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("querying admin: %w", err)
	}
	return true, nil
}
