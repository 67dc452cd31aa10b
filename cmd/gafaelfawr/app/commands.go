// SPDX-FileCopyrightText: Copyright 2026 Vera C. Rubin Observatory
// SPDX-License-Identifier: MIT

// Package app provides the gafaelfawr command-line application.
package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lsst-sqre/gafaelfawr/pkg/api"
	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "gafaelfawr",
	DisableAutoGenTag: true,
	Short:             "Gafaelfawr is the token and authorization service for the Rubin Science Platform",
	Long: `Gafaelfawr issues, stores, and audits the opaque bearer tokens used to
authenticate to the Rubin Science Platform, and provides a minimal OpenID
Connect server for applications that expect one.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates the root command for the gafaelfawr CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("settings", "",
		"Path to the settings file (defaults to $"+config.SettingsEnvVar+")")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(expireCmd)
	rootCmd.AddCommand(newGenerateKeyCmd())
	rootCmd.AddCommand(generateTokenCmd)

	return rootCmd
}

// loadConfig reads the settings named by --settings or the environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("settings")
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

// withServer builds the assembled server for one-shot commands and tears
// it down afterwards.
func withServer(cmd *cobra.Command, fn func(ctx context.Context, srv *api.Server) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger.Initialize()
	ctx := cmd.Context()
	srv, err := api.NewServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Errorf("Error closing server: %v", err)
		}
	}()
	return fn(ctx, srv)
}

var initReset bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and seed the configured administrators",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withServer(cmd, func(ctx context.Context, srv *api.Server) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if initReset {
				if err := srv.Tokens().DeleteAllTokens(ctx); err != nil {
					return err
				}
			}
			if err := srv.Admins().AddInitialAdmins(ctx, cfg.InitialAdmins); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "database initialized")
			return nil
		})
	},
}

func init() {
	initCmd.Flags().BoolVar(&initReset, "reset", false,
		"Delete all stored tokens before initializing")
}

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Remove expired tokens and truncate old change history",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withServer(cmd, func(ctx context.Context, srv *api.Server) error {
			if err := srv.Tokens().ExpireTokens(ctx); err != nil {
				return err
			}
			return srv.Tokens().TruncateHistory(ctx)
		})
	},
}
