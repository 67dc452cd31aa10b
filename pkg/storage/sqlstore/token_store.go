// SPDX-FileCopyrightText: Copyright 2026 Vera C. Rubin Observatory
// SPDX-License-Identifier: MIT

package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/lsst-sqre/gafaelfawr/pkg/gaferrors"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// TokenStore is the relational index of tokens. Rows here never contain the
// token secret, only the key.
type TokenStore struct {
	wrapper *DB
	db      *sql.DB
}

// NewTokenStore creates a new SQLite-backed TokenStore.
func NewTokenStore(db *DB) *TokenStore {
	return &TokenStore{wrapper: db, db: db.DB()}
}

// Modifications describes an update to a token row. Nil fields are left
// unchanged; ClearExpires removes the expiration entirely.
type Modifications struct {
	TokenName    *string
	Scopes       []string
	Expires      *time.Time
	ClearExpires bool
}

// tokenColumns is the SELECT column list shared by the read queries.
const tokenColumns = `t.token, t.username, t.token_type, t.token_name, t.scopes,
		t.service, t.created, t.last_used, t.expires, s.parent`

const tokenFrom = ` FROM token t LEFT JOIN subtoken s ON s.child = t.token`

// Add inserts the row for a newly created token. A non-empty parent records
// the subtoken edge for cascading revocation; the parent row must exist.
func (s *TokenStore) Add(ctx context.Context, data *token.Data, tokenName, service, parent string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO token (token, username, token_type, token_name, scopes,
			service, created, expires)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		data.Token.Key,
		data.Username,
		string(data.TokenType),
		nullString(tokenName),
		joinScopes(data.Scopes),
		nullString(service),
		formatTime(data.Created),
		formatTimePtr(data.Expires),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return gaferrors.NewDuplicateTokenNameError(
				fmt.Sprintf("token name %q already used", tokenName), err)
		}
		return fmt.Errorf("inserting token: %w", err)
	}

	if parent != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO subtoken (child, parent) VALUES (?, ?)`,
			data.Token.Key, parent,
		); err != nil {
			return fmt.Errorf("inserting subtoken edge: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// GetInfo retrieves the metadata for a token key. Returns nil without error
// when no row exists.
func (s *TokenStore) GetInfo(ctx context.Context, key string) (*token.Info, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+tokenFrom+` WHERE t.token = ?`, key)
	info, err := scanInfo(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return info, nil
}

// GetChildren returns the keys of all descendants of a token, breadth-first
// so parents precede their children. Revocation walks this list in reverse
// to delete leaves before the tokens they chain from.
func (s *TokenStore) GetChildren(ctx context.Context, key string) ([]string, error) {
	var children []string
	frontier := []string{key}
	for len(frontier) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(frontier)), ", ")
		args := make([]any, len(frontier))
		for i, k := range frontier {
			args[i] = k
		}
		rows, err := s.db.QueryContext(ctx,
			`SELECT child FROM subtoken WHERE parent IN (`+placeholders+`) ORDER BY child`,
			args...)
		if err != nil {
			return nil, fmt.Errorf("querying subtokens: %w", err)
		}
		var next []string
		for rows.Next() {
			var child string
			if err := rows.Scan(&child); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("scanning subtoken row: %w", err)
			}
			next = append(next, child)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("iterating subtoken rows: %w", err)
		}
		if err := rows.Close(); err != nil {
			return nil, fmt.Errorf("closing subtoken rows: %w", err)
		}
		children = append(children, next...)
		frontier = next
	}
	return children, nil
}

// Modify updates a token row and returns the updated metadata. Returns nil
// without error when no row exists.
func (s *TokenStore) Modify(ctx context.Context, key string, mods Modifications) (*token.Info, error) {
	var sets []string
	var args []any
	if mods.TokenName != nil {
		sets = append(sets, "token_name = ?")
		args = append(args, nullString(*mods.TokenName))
	}
	if mods.Scopes != nil {
		sets = append(sets, "scopes = ?")
		args = append(args, joinScopes(mods.Scopes))
	}
	if mods.ClearExpires {
		sets = append(sets, "expires = NULL")
	} else if mods.Expires != nil {
		sets = append(sets, "expires = ?")
		args = append(args, formatTime(*mods.Expires))
	}
	if len(sets) == 0 {
		return s.GetInfo(ctx, key)
	}
	args = append(args, key)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx,
		`UPDATE token SET `+strings.Join(sets, ", ")+` WHERE token = ?`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, gaferrors.NewDuplicateTokenNameError(
				fmt.Sprintf("token name %q already used", *mods.TokenName), err)
		}
		return nil, fmt.Errorf("updating token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+tokenColumns+tokenFrom+` WHERE t.token = ?`, key)
	info, err := scanInfo(row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return info, nil
}

// Delete removes a token row. Subtoken edges cascade: the token's own edge
// is deleted and its children's parent pointers become NULL, marking them
// orphaned if they somehow survive the revocation cascade.
func (s *TokenStore) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM token WHERE token = ?`, key)
	if err != nil {
		return false, fmt.Errorf("deleting token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return affected > 0, nil
}

// ListTokens returns the tokens for a user, or all tokens when username is
// empty, ordered newest first.
func (s *TokenStore) ListTokens(ctx context.Context, username string) ([]*token.Info, error) {
	query := `SELECT ` + tokenColumns + tokenFrom
	var args []any
	if username != "" {
		query += ` WHERE t.username = ?`
		args = append(args, username)
	}
	query += ` ORDER BY t.created DESC, t.token`
	return s.queryInfos(ctx, query, args...)
}

// ListWithParents returns every token. Used by the audit pass, which needs
// the parent edges to verify expiration containment.
func (s *TokenStore) ListWithParents(ctx context.Context) ([]*token.Info, error) {
	return s.queryInfos(ctx, `SELECT `+tokenColumns+tokenFrom+` ORDER BY t.created DESC, t.token`)
}

// ListOrphaned returns child tokens whose parent row has been deleted out
// from under them (the subtoken edge exists but points nowhere).
func (s *TokenStore) ListOrphaned(ctx context.Context) ([]*token.Info, error) {
	return s.queryInfos(ctx,
		`SELECT `+tokenColumns+` FROM subtoken s
		 JOIN token t ON t.token = s.child
		 WHERE s.parent IS NULL
		 ORDER BY t.token`)
}

// DeleteExpired removes all tokens whose expiration has passed and returns
// their metadata so the caller can record history entries.
func (s *TokenStore) DeleteExpired(ctx context.Context) ([]*token.Info, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	now := formatTime(time.Now())
	rows, err := tx.QueryContext(ctx,
		`SELECT `+tokenColumns+tokenFrom+` WHERE t.expires IS NOT NULL AND t.expires <= ?
		 ORDER BY t.username, t.token`, now)
	if err != nil {
		return nil, fmt.Errorf("querying expired tokens: %w", err)
	}
	infos, err := collectInfos(rows)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM token WHERE expires IS NOT NULL AND expires <= ?`, now,
	); err != nil {
		return nil, fmt.Errorf("deleting expired tokens: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return infos, nil
}

func (s *TokenStore) queryInfos(ctx context.Context, query string, args ...any) ([]*token.Info, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tokens: %w", err)
	}
	return collectInfos(rows)
}

func collectInfos(rows *sql.Rows) ([]*token.Info, error) {
	defer func() { _ = rows.Close() }()
	var infos []*token.Info
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating token rows: %w", err)
	}
	return infos, nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface{ Scan(dest ...any) error }

func scanInfo(sc scanner) (*token.Info, error) {
	var (
		key        string
		username   string
		tokenType  string
		tokenName  sql.NullString
		scopes     string
		service    sql.NullString
		createdStr string
		lastUsed   sql.NullString
		expires    sql.NullString
		parent     sql.NullString
	)
	err := sc.Scan(&key, &username, &tokenType, &tokenName, &scopes,
		&service, &createdStr, &lastUsed, &expires, &parent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning token row: %w", err)
	}

	created, err := parseTime(createdStr)
	if err != nil {
		return nil, err
	}
	lastUsedTime, err := parseTimePtr(lastUsed)
	if err != nil {
		return nil, err
	}
	expiresTime, err := parseTimePtr(expires)
	if err != nil {
		return nil, err
	}

	return &token.Info{
		Token:     key,
		Username:  username,
		TokenType: token.Type(tokenType),
		TokenName: tokenName.String,
		Scopes:    splitScopes(scopes),
		Service:   service.String,
		Created:   created,
		LastUsed:  lastUsedTime,
		Expires:   expiresTime,
		Parent:    parent.String,
	}, nil
}

// joinScopes serializes a scope set as a sorted comma-separated string.
func joinScopes(scopes []string) string {
	sorted := slices.Clone(scopes)
	slices.Sort(sorted)
	return strings.Join(sorted, ",")
}

func splitScopes(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ",")
}

// isUniqueViolation checks for a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
