// SPDX-FileCopyrightText: Copyright 2026 Vera C. Rubin Observatory
// SPDX-License-Identifier: MIT

package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lsst-sqre/gafaelfawr/pkg/keys"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

func newGenerateKeyCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "generate-key",
		Short: "Generate an RSA signing key for the OpenID Connect server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pair, err := keys.Generate()
			if err != nil {
				return err
			}
			pemBytes, err := pair.PrivatePEM()
			if err != nil {
				return err
			}
			if output == "" {
				fmt.Fprint(cmd.OutOrStdout(), string(pemBytes))
				return nil
			}
			return os.WriteFile(output, pemBytes, 0o600)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "",
		"Write the key to this file instead of standard output")
	return cmd
}

var generateTokenCmd = &cobra.Command{
	Use:   "generate-token",
	Short: "Generate a random token, suitable for use as the bootstrap token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		tok, err := token.NewToken()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok.String())
		return nil
	},
}
