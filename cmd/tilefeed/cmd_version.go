/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/friendsincode/tilefeed/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the Tilefeed version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tilefeed %s (%s/%s)\n", version.Version, runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
