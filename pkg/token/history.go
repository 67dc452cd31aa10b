// SPDX-FileCopyrightText: Copyright 2026 Vera C. Rubin Observatory
// SPDX-License-Identifier: MIT

package token

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lsst-sqre/gafaelfawr/pkg/gaferrors"
)

// Change is the action recorded by a change-history entry.
type Change string

// Change actions.
const (
	ChangeCreate Change = "create"
	ChangeRevoke Change = "revoke"
	ChangeExpire Change = "expire"
	ChangeEdit   Change = "edit"
)

// HistoryEntry is one row of the token change history. For edits, the old_*
// fields record the prior values of whatever changed.
type HistoryEntry struct {
	ID           int64      `json:"-"`
	Token        string     `json:"token"`
	Username     string     `json:"username"`
	TokenType    Type       `json:"token_type"`
	TokenName    string     `json:"token_name,omitempty"`
	Parent       string     `json:"parent,omitempty"`
	Scopes       []string   `json:"scopes"`
	Service      string     `json:"service,omitempty"`
	Expires      *time.Time `json:"expires,omitempty"`
	Actor        string     `json:"actor"`
	Action       Change     `json:"action"`
	OldTokenName string     `json:"old_token_name,omitempty"`
	OldScopes    []string   `json:"old_scopes,omitempty"`
	OldExpires   *time.Time `json:"old_expires,omitempty"`
	IPAddress    string     `json:"ip_address,omitempty"`
	EventTime    time.Time  `json:"event_time"`
}

var cursorRegexp = regexp.MustCompile(`^p?\d+_\d+$`)

// HistoryCursor is a keyset pagination cursor over the change history,
// ordered by (event time, id) descending. Previous is set for cursors that
// page backwards; their serialized form carries a p prefix.
type HistoryCursor struct {
	Time     time.Time
	ID       int64
	Previous bool
}

// ParseCursor parses the serialized form of a cursor,
// <unix-seconds>_<id> with an optional p prefix.
func ParseCursor(s string) (HistoryCursor, error) {
	if !cursorRegexp.MatchString(s) {
		return HistoryCursor{}, gaferrors.NewInvalidCursorError(
			fmt.Sprintf("invalid cursor %q", s), nil)
	}
	trimmed, previous := strings.CutPrefix(s, "p")
	secStr, idStr, _ := strings.Cut(trimmed, "_")
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return HistoryCursor{}, gaferrors.NewInvalidCursorError(
			fmt.Sprintf("invalid cursor %q", s), err)
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return HistoryCursor{}, gaferrors.NewInvalidCursorError(
			fmt.Sprintf("invalid cursor %q", s), err)
	}
	return HistoryCursor{Time: time.Unix(sec, 0).UTC(), ID: id, Previous: previous}, nil
}

// String returns the serialized form of the cursor.
func (c HistoryCursor) String() string {
	s := fmt.Sprintf("%d_%d", c.Time.Unix(), c.ID)
	if c.Previous {
		return "p" + s
	}
	return s
}

// Invert flips the cursor direction without moving it.
func (c HistoryCursor) Invert() HistoryCursor {
	return HistoryCursor{Time: c.Time, ID: c.ID, Previous: !c.Previous}
}

// PaginatedHistory is one page of change-history results plus the cursors
// to the neighboring pages and the total count of matching entries.
type PaginatedHistory struct {
	Entries    []*HistoryEntry
	Count      int
	PrevCursor *HistoryCursor
	NextCursor *HistoryCursor
}

// LinkHeader renders an RFC 5988 Link header for the page, rewriting the
// cursor query parameter of the request URL for the first, prev, and next
// relations.
func (p *PaginatedHistory) LinkHeader(u *url.URL) string {
	links := []string{fmt.Sprintf(`<%s>; rel="first"`, urlWithCursor(u, ""))}
	if p.PrevCursor != nil {
		links = append(links, fmt.Sprintf(`<%s>; rel="prev"`, urlWithCursor(u, p.PrevCursor.String())))
	}
	if p.NextCursor != nil {
		links = append(links, fmt.Sprintf(`<%s>; rel="next"`, urlWithCursor(u, p.NextCursor.String())))
	}
	return strings.Join(links, ", ")
}

func urlWithCursor(u *url.URL, cursor string) string {
	copied := *u
	q := copied.Query()
	if cursor == "" {
		q.Del("cursor")
	} else {
		q.Set("cursor", cursor)
	}
	copied.RawQuery = q.Encode()
	return copied.String()
}
