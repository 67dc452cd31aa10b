// SPDX-FileCopyrightText: Copyright 2026 Vera C. Rubin Observatory
// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage/sqlstore"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// auditActor is recorded as the actor of history entries written by the
// service itself: audit repairs and the expiration sweep.
const auditActor = "<internal>"

// Audit cross-checks the key-value store against the relational store and
// reports every inconsistency found. With fix set, the repairable classes
// are corrected: tokens known only to the database are expired, tokens
// known only to the key-value store are deleted, and scope mismatches are
// resolved in favor of the key-value store, which is what authentication
// actually consults.
func (s *TokenService) Audit(ctx context.Context, fix bool) ([]string, error) {
	var alerts []string

	redisKeys, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	inRedis := make(map[string]bool, len(redisKeys))
	for _, key := range redisKeys {
		inRedis[key] = true
	}

	dbTokens, err := s.db.ListTokens(ctx, "")
	if err != nil {
		return nil, err
	}
	inDB := make(map[string]*token.Info, len(dbTokens))
	for _, info := range dbTokens {
		inDB[info.Token] = info
	}

	now := time.Now().UTC().Truncate(time.Second)
	for _, info := range dbTokens {
		if info.Expires != nil && !info.Expires.After(now) {
			// Expired but not yet swept; the TTL has already removed the
			// key-value entry, so skip the pairing checks.
			continue
		}
		if !inRedis[info.Token] {
			alerts = append(alerts, fmt.Sprintf(
				"token %s for %s found in database but not Redis", info.Token, info.Username))
			if fix {
				if err := s.expireNow(ctx, info, now); err != nil {
					return nil, err
				}
			}
			continue
		}
		data, err := s.store.GetDataByKey(ctx, info.Token)
		if err != nil {
			return nil, err
		}
		if data == nil {
			continue
		}
		if data.Username != info.Username {
			alerts = append(alerts, fmt.Sprintf(
				"token %s stored under %s in database but %s in Redis",
				info.Token, info.Username, data.Username))
		}
		if data.TokenType != info.TokenType {
			alerts = append(alerts, fmt.Sprintf(
				"token %s has type %s in database but %s in Redis",
				info.Token, info.TokenType, data.TokenType))
		}
		if !data.Created.Equal(info.Created) {
			alerts = append(alerts, fmt.Sprintf(
				"token %s creation time mismatch between database and Redis", info.Token))
		}
		if !slices.Equal(sortScopes(data.Scopes), sortScopes(info.Scopes)) {
			alerts = append(alerts, fmt.Sprintf(
				"token %s scope mismatch: database %q, Redis %q", info.Token,
				strings.Join(info.Scopes, ","), strings.Join(data.Scopes, ",")))
			if fix {
				mods := sqlstore.Modifications{Scopes: sortScopes(data.Scopes)}
				if _, err := s.db.Modify(ctx, info.Token, mods); err != nil {
					return nil, err
				}
			}
		}
		if !timesEqual(data.Expires, info.Expires) {
			alerts = append(alerts, fmt.Sprintf(
				"token %s expiration mismatch between database and Redis", info.Token))
		}
		alerts = append(alerts, s.unknownScopeAlerts(data)...)
		if info.Parent != "" {
			if parent, ok := inDB[info.Parent]; ok && expiresAfter(info.Expires, parent.Expires) {
				alerts = append(alerts, fmt.Sprintf(
					"token %s expires after its parent %s", info.Token, info.Parent))
				if fix {
					if err := s.narrowChildren(ctx, info.Parent, *parent.Expires,
						auditActor, ""); err != nil {
						return nil, err
					}
				}
			}
		}
	}

	for _, key := range redisKeys {
		if _, ok := inDB[key]; ok {
			continue
		}
		alerts = append(alerts, fmt.Sprintf(
			"token %s found in Redis but not database", key))
		data, err := s.store.GetDataByKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if data != nil {
			alerts = append(alerts, s.unknownScopeAlerts(data)...)
		}
		if fix {
			if _, err := s.store.Delete(ctx, key); err != nil {
				return nil, err
			}
		}
	}

	orphaned, err := s.db.ListOrphaned(ctx)
	if err != nil {
		return nil, err
	}
	for _, info := range orphaned {
		alerts = append(alerts, fmt.Sprintf(
			"token %s for %s is orphaned", info.Token, info.Username))
	}

	if len(alerts) > 0 {
		logger.Warnw("token audit found inconsistencies", "count", len(alerts), "fix", fix)
	}
	return alerts, nil
}

// unknownScopeAlerts reports scopes carried by a live key-value entry that
// the configuration does not recognize.
func (s *TokenService) unknownScopeAlerts(data *token.Data) []string {
	var alerts []string
	for _, scope := range data.Scopes {
		if !s.config.IsKnownScope(scope) {
			alerts = append(alerts, fmt.Sprintf(
				"token %s for %s has unknown scope %q",
				data.Token.Key, data.Username, scope))
		}
	}
	return alerts
}

// expireNow sets a database-only token's expiration to the current time so
// the next expiration sweep removes it and records its history entry.
func (s *TokenService) expireNow(ctx context.Context, info *token.Info, now time.Time) error {
	_, err := s.db.Modify(ctx, info.Token, sqlstore.Modifications{Expires: &now})
	return err
}

// expiresAfter reports whether child outlives parent. A nil expiration
// means never expiring.
func expiresAfter(child, parent *time.Time) bool {
	if parent == nil {
		return false
	}
	if child == nil {
		return true
	}
	return child.After(*parent)
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
