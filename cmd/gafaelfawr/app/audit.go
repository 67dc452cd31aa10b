// SPDX-FileCopyrightText: Copyright 2026 Vera C. Rubin Observatory
// SPDX-License-Identifier: MIT

package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lsst-sqre/gafaelfawr/pkg/api"
)

var auditFix bool

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Check the token stores for inconsistencies",
	Long: `Audit cross-checks the Redis and database token stores and reports every
inconsistency found. With --fix, the repairable classes of problems are
corrected.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withServer(cmd, func(ctx context.Context, srv *api.Server) error {
			alerts, err := srv.Tokens().Audit(ctx, auditFix)
			if err != nil {
				return err
			}
			if len(alerts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "token stores are consistent")
				return nil
			}
			for _, alert := range alerts {
				fmt.Fprintln(cmd.OutOrStdout(), alert)
			}
			return fmt.Errorf("found %d inconsistencies", len(alerts))
		})
	},
}

func init() {
	auditCmd.Flags().BoolVar(&auditFix, "fix", false,
		"Repair the inconsistencies that can be repaired")
}
