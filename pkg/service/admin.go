// SPDX-FileCopyrightText: Copyright 2026 Vera C. Rubin Observatory
// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"fmt"

	"github.com/lsst-sqre/gafaelfawr/pkg/gaferrors"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage/sqlstore"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// AdminService manages the token administrator list.
type AdminService struct {
	admins *sqlstore.AdminStore
}

// NewAdminService creates the admin service.
func NewAdminService(admins *sqlstore.AdminStore) *AdminService {
	return &AdminService{admins: admins}
}

// GetAdmins lists the token administrators. Requires the admin scope.
func (s *AdminService) GetAdmins(ctx context.Context, auth *token.Data) ([]string, error) {
	if err := requireAdmin(auth); err != nil {
		return nil, err
	}
	return s.admins.List(ctx)
}

// AddAdmin adds a token administrator. Requires the admin scope.
func (s *AdminService) AddAdmin(ctx context.Context, auth *token.Data, username string) error {
	if err := requireAdmin(auth); err != nil {
		return err
	}
	if !token.IsValidUsername(username) {
		return gaferrors.NewInvalidRequestError(
			fmt.Sprintf("invalid username %q", username), nil)
	}
	if err := s.admins.Add(ctx, username); err != nil {
		return err
	}
	logger.Infow("added token admin", "user", username, "actor", auth.Username)
	return nil
}

// DeleteAdmin removes a token administrator. Requires the admin scope.
// Returns whether the username was an administrator.
func (s *AdminService) DeleteAdmin(ctx context.Context, auth *token.Data,
	username string) (bool, error) {
	if err := requireAdmin(auth); err != nil {
		return false, err
	}
	deleted, err := s.admins.Delete(ctx, username)
	if err != nil {
		return false, err
	}
	if deleted {
		logger.Infow("removed token admin", "user", username, "actor", auth.Username)
	}
	return deleted, nil
}

// AddInitialAdmins seeds the configured administrators. Used by init;
// duplicates are ignored so reruns are safe.
func (s *AdminService) AddInitialAdmins(ctx context.Context, usernames []string) error {
	for _, username := range usernames {
		if err := s.admins.Add(ctx, username); err != nil {
			return err
		}
	}
	return nil
}

func requireAdmin(auth *token.Data) error {
	if !auth.HasScope(AdminScope) {
		return gaferrors.NewPermissionDeniedError(
			fmt.Sprintf("%s is not a token administrator", auth.Username), nil)
	}
	return nil
}
