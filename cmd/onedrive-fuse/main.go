// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

// Command onedrive-fuse mounts a OneDrive drive as a FUSE filesystem.
//
// The binary has three subcommands: "login" runs the OAuth2
// authorization-code flow and seals the resulting refresh token to
// the state directory, "mount" serves the drive at a mountpoint until
// interrupted, and "version" prints build information.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/onedrive-fuse/onedrive-fuse/lib/config"
	"github.com/onedrive-fuse/onedrive-fuse/lib/version"
)

const usageText = `Usage: onedrive-fuse <command> [flags]

Commands:
  login         authorize the application and store a refresh token
  mount <dir>   mount the drive at <dir> until interrupted
  version       print version information

Run "onedrive-fuse <command> --help" for command flags.
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usageText)
		return fmt.Errorf("a command is required")
	}

	switch args[0] {
	case "login":
		return runLogin(args[1:])
	case "mount":
		return runMount(args[1:])
	case "version":
		fmt.Println(version.Full())
		return nil
	case "help", "-h", "--help":
		fmt.Print(usageText)
		return nil
	default:
		fmt.Fprint(os.Stderr, usageText)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// newLogger creates the process-wide logger: structured JSON on
// stderr, so stdout stays clean for command output.
func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// defaultConfigPath resolves the config file location: the
// ONEDRIVE_FUSE_CONFIG environment variable if set, the per-user
// default otherwise.
func defaultConfigPath() string {
	if path := os.Getenv("ONEDRIVE_FUSE_CONFIG"); path != "" {
		return path
	}
	return config.DefaultPath()
}
