// SPDX-FileCopyrightText: Copyright 2026 Vera C. Rubin Observatory
// SPDX-License-Identifier: MIT

// Package main is the entry point for the gafaelfawr token service.
package main

import (
	"os"

	"github.com/lsst-sqre/gafaelfawr/cmd/gafaelfawr/app"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
