// SPDX-FileCopyrightText: Copyright 2026 Vera C. Rubin Observatory
// SPDX-License-Identifier: MIT

package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/lsst-sqre/gafaelfawr/pkg/gaferrors"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// HistoryStore is the append-only log of token changes.
type HistoryStore struct {
	wrapper *DB
	db      *sql.DB
}

// NewHistoryStore creates a new SQLite-backed HistoryStore.
func NewHistoryStore(db *DB) *HistoryStore {
	return &HistoryStore{wrapper: db, db: db.DB()}
}

// HistoryFilters restricts a history listing. All set filters apply
// conjunctively. Key matches the token itself plus its direct children;
// IPOrCIDR matches an exact address or a CIDR block.
type HistoryFilters struct {
	Cursor    *token.HistoryCursor
	Limit     int
	Since     *time.Time
	Until     *time.Time
	Username  string
	Actor     string
	Key       string
	TokenType token.Type
	IPOrCIDR  string
}

const historyColumns = `id, token, username, token_type, token_name, parent,
		scopes, service, expires, actor, action, old_token_name, old_scopes,
		old_expires, ip_address, event_time`

// Add appends a history entry. A zero EventTime is filled in with the
// current time, and the assigned row id is written back to the entry.
func (s *HistoryStore) Add(ctx context.Context, e *token.HistoryEntry) error {
	if e.EventTime.IsZero() {
		e.EventTime = time.Now().UTC().Truncate(time.Second)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO token_change_history (token, username, token_type,
			token_name, parent, scopes, service, expires, actor, action,
			old_token_name, old_scopes, old_expires, ip_address, event_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Token,
		e.Username,
		string(e.TokenType),
		nullString(e.TokenName),
		nullString(e.Parent),
		joinScopes(e.Scopes),
		nullString(e.Service),
		formatTimePtr(e.Expires),
		e.Actor,
		string(e.Action),
		nullString(e.OldTokenName),
		nullScopes(e.OldScopes),
		formatTimePtr(e.OldExpires),
		nullString(e.IPAddress),
		formatTime(e.EventTime),
	)
	if err != nil {
		return fmt.Errorf("inserting history entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting history entry id: %w", err)
	}
	e.ID = id
	return nil
}

// List returns one page of history entries matching the filters, newest
// first, along with the total match count and cursors for the neighboring
// pages.
//
// A forward cursor names the first entry of the page to return (inclusive);
// a backward (p-prefixed) cursor returns the page of entries strictly newer
// than the named entry.
func (s *HistoryStore) List(ctx context.Context, filters HistoryFilters) (*token.PaginatedHistory, error) {
	where, args, err := buildHistoryWhere(filters)
	if err != nil {
		return nil, err
	}

	countQuery := `SELECT COUNT(*) FROM token_change_history` + where
	var count int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&count); err != nil {
		return nil, fmt.Errorf("counting history entries: %w", err)
	}

	page := &token.PaginatedHistory{Count: count}
	cursor := filters.Cursor
	limit := filters.Limit

	query := `SELECT ` + historyColumns + ` FROM token_change_history` + where
	queryArgs := slices.Clone(args)
	backward := cursor != nil && cursor.Previous
	switch {
	case backward:
		query += whereOrAnd(where) + `(event_time > ? OR (event_time = ? AND id > ?))`
		ct := formatTime(cursor.Time)
		queryArgs = append(queryArgs, ct, ct, cursor.ID)
		query += ` ORDER BY event_time ASC, id ASC`
	case cursor != nil:
		query += whereOrAnd(where) + `(event_time < ? OR (event_time = ? AND id <= ?))`
		ct := formatTime(cursor.Time)
		queryArgs = append(queryArgs, ct, ct, cursor.ID)
		query += ` ORDER BY event_time DESC, id DESC`
	default:
		query += ` ORDER BY event_time DESC, id DESC`
	}
	if limit > 0 {
		query += ` LIMIT ?`
		queryArgs = append(queryArgs, limit+1)
	}

	rows, err := s.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("querying history entries: %w", err)
	}
	entries, err := collectHistory(rows)
	if err != nil {
		return nil, err
	}

	hasMore := limit > 0 && len(entries) > limit
	var extra *token.HistoryEntry
	if hasMore {
		extra = entries[limit]
		entries = entries[:limit]
	}
	if backward {
		slices.Reverse(entries)
		page.NextCursor = ptrCursor(cursor.Invert())
		if hasMore && len(entries) > 0 {
			first := entries[0]
			page.PrevCursor = &token.HistoryCursor{
				Time: first.EventTime, ID: first.ID, Previous: true,
			}
		}
	} else {
		if cursor != nil {
			page.PrevCursor = ptrCursor(cursor.Invert())
		}
		if hasMore {
			// The extra row is the first entry of the next page.
			page.NextCursor = &token.HistoryCursor{
				Time: extra.EventTime, ID: extra.ID,
			}
		}
	}
	page.Entries = entries
	return page, nil
}

// DeleteOlderThan removes history entries with an event time before the
// cutoff and returns how many were removed.
func (s *HistoryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM token_change_history WHERE event_time < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("deleting old history entries: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return affected, nil
}

func buildHistoryWhere(filters HistoryFilters) (string, []any, error) {
	var conds []string
	var args []any
	if filters.Since != nil {
		conds = append(conds, "event_time >= ?")
		args = append(args, formatTime(*filters.Since))
	}
	if filters.Until != nil {
		conds = append(conds, "event_time <= ?")
		args = append(args, formatTime(*filters.Until))
	}
	if filters.Username != "" {
		conds = append(conds, "username = ?")
		args = append(args, filters.Username)
	}
	if filters.Actor != "" {
		conds = append(conds, "actor = ?")
		args = append(args, filters.Actor)
	}
	if filters.Key != "" {
		conds = append(conds, "(token = ? OR parent = ?)")
		args = append(args, filters.Key, filters.Key)
	}
	if filters.TokenType != "" {
		conds = append(conds, "token_type = ?")
		args = append(args, string(filters.TokenType))
	}
	if filters.IPOrCIDR != "" {
		cond, arg, err := ipFilterClause(filters.IPOrCIDR)
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, cond)
		args = append(args, arg)
	}
	if len(conds) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// whereOrAnd continues a query with AND when a WHERE clause is already
// present.
func whereOrAnd(where string) string {
	if where == "" {
		return " WHERE "
	}
	return " AND "
}

// ipFilterClause converts an IP address or CIDR block to a SQL condition
// over the textual ip_address column. CIDR blocks must fall on octet (IPv4)
// or hextet (IPv6) boundaries since matching is done with a string prefix.
func ipFilterClause(ipOrCIDR string) (string, string, error) {
	if !strings.Contains(ipOrCIDR, "/") {
		if _, err := netip.ParseAddr(ipOrCIDR); err != nil {
			return "", "", gaferrors.NewInvalidIPAddressError(
				fmt.Sprintf("invalid IP address %q", ipOrCIDR), err)
		}
		return "ip_address = ?", ipOrCIDR, nil
	}

	prefix, err := netip.ParsePrefix(ipOrCIDR)
	if err != nil {
		return "", "", gaferrors.NewInvalidIPAddressError(
			fmt.Sprintf("invalid CIDR block %q", ipOrCIDR), err)
	}
	prefix = prefix.Masked()
	addr := prefix.Addr()
	bits := prefix.Bits()

	if addr.Is4() {
		if bits == 32 {
			return "ip_address = ?", addr.String(), nil
		}
		if bits%8 != 0 {
			return "", "", gaferrors.NewInvalidIPAddressError(
				fmt.Sprintf("CIDR block %q not on an octet boundary", ipOrCIDR), nil)
		}
		octets := strings.Split(addr.String(), ".")
		like := strings.Join(octets[:bits/8], ".") + ".%"
		return "ip_address LIKE ?", like, nil
	}

	if bits == 128 {
		return "ip_address = ?", addr.String(), nil
	}
	if bits%16 != 0 {
		return "", "", gaferrors.NewInvalidIPAddressError(
			fmt.Sprintf("CIDR block %q not on a hextet boundary", ipOrCIDR), nil)
	}
	hextets := strings.Split(addr.StringExpanded(), ":")
	like := strings.Join(hextets[:bits/16], ":") + ":%"
	return "ip_address LIKE ?", like, nil
}

func collectHistory(rows *sql.Rows) ([]*token.HistoryEntry, error) {
	defer func() { _ = rows.Close() }()
	var entries []*token.HistoryEntry
	for rows.Next() {
		var (
			e            token.HistoryEntry
			tokenType    string
			action       string
			tokenName    sql.NullString
			parent       sql.NullString
			scopes       string
			service      sql.NullString
			expires      sql.NullString
			oldTokenName sql.NullString
			oldScopes    sql.NullString
			oldExpires   sql.NullString
			ipAddress    sql.NullString
			eventTime    string
		)
		err := rows.Scan(&e.ID, &e.Token, &e.Username, &tokenType, &tokenName,
			&parent, &scopes, &service, &expires, &e.Actor, &action,
			&oldTokenName, &oldScopes, &oldExpires, &ipAddress, &eventTime)
		if err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		e.TokenType = token.Type(tokenType)
		e.Action = token.Change(action)
		e.TokenName = tokenName.String
		e.Parent = parent.String
		e.Scopes = splitScopes(scopes)
		e.Service = service.String
		e.IPAddress = ipAddress.String
		e.OldTokenName = oldTokenName.String
		if oldScopes.Valid {
			e.OldScopes = splitScopes(oldScopes.String)
		}
		if e.Expires, err = parseTimePtr(expires); err != nil {
			return nil, err
		}
		if e.OldExpires, err = parseTimePtr(oldExpires); err != nil {
			return nil, err
		}
		if e.EventTime, err = parseTime(eventTime); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history rows: %w", err)
	}
	return entries, nil
}

// nullScopes distinguishes "scopes unchanged" (NULL) from "scopes changed to
// the empty set" (empty string) in old_scopes.
func nullScopes(scopes []string) sql.NullString {
	if scopes == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: joinScopes(scopes), Valid: true}
}

func ptrCursor(c token.HistoryCursor) *token.HistoryCursor {
	return &c
}
