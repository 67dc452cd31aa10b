// SPDX-FileCopyrightText: Copyright 2026 Vera C. Rubin Observatory
// SPDX-License-Identifier: MIT

package app

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lsst-sqre/gafaelfawr/pkg/api"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the token service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withServer(cmd, func(ctx context.Context, srv *api.Server) error {
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		})
	},
}
