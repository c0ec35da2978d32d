package main

import (
	"log/slog"
	"os"

	"github.com/fly-io/multiflash/cmd/multiflash/commands"
)

func main() {
	// Logs go to stderr so command output on stdout stays parseable
	var level slog.LevelVar
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: &level,
	}))
	slog.SetDefault(logger)

	os.Exit(commands.Execute(&level))
}
