// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command bridge exposes a local Gemini CLI installation as an
// OpenAI-compatible HTTP API.
package main

import (
	"log"

	"github.com/spf13/cobra"
)

var (
	flagConfig   string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "bridge",
	Short: "OpenAI-compatible HTTP bridge for the Gemini CLI",
	Long: `bridge fronts a local Gemini CLI installation with an
OpenAI-compatible API. Requests are validated, admitted through a
bounded execution queue, and run as sandboxed CLI invocations with
automatic recovery from sandbox container name conflicts.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "",
		"path to YAML config file (optional, env vars override)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "",
		"override the configured log level (debug, info, warn, error)")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
