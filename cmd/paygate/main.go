// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the paygate server.
package main

import (
	"os"

	"github.com/spf13/viper"

	"github.com/walker77/paygate-mcp-sub009/cmd/paygate/app"
	"github.com/walker77/paygate-mcp-sub009/pkg/logger"
)

func main() {
	// The logger reads "debug" from the global viper; surface PAYGATE_DEBUG
	// there so the level is right from the first log line.
	viper.SetEnvPrefix("PAYGATE")
	_ = viper.BindEnv("debug")
	logger.Initialize()
	os.Exit(app.Run())
}
