// Package main is the demo entry point for mcpcore: a thin kong-driven CLI
// that boots a Server over STDIO, mirroring the teacher's main.go
// (kong.Parse + lumberjack log rotation dispatching into daemon/cmd command
// structs).
package main

import (
	"context"
	"io"
	stdlog "log"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kbrennan/mcpcore/cmd"
	"github.com/kbrennan/mcpcore/logger"
)

// Version is set at build time via -ldflags "-X main.Version=...".
var Version = "dev"

var cli struct {
	LogsDir  string `default:"/var/log" env:"MCPCORE_LOGS_DIR" help:"directory to store logs"`
	LogLevel string `default:"info" env:"MCPCORE_LOG_LEVEL" help:"log level: debug, info, warning, error"`
	Debug    bool   `default:"false" help:"enable debug mode with stderr-only logging"`

	Serve cmd.Serve `cmd:"" default:"1" help:"run the MCP server over stdin/stdout"`
}

func main() {
	ctx := kong.Parse(&cli)
	cmd.Version = Version

	switch strings.ToLower(cli.LogLevel) {
	case "debug":
		logger.SetLevel(logger.LevelDebug)
	case "warning", "warn":
		logger.SetLevel(logger.LevelWarning)
	case "error":
		logger.SetLevel(logger.LevelError)
	default:
		logger.SetLevel(logger.LevelInfo)
	}

	// stdout is reserved for MCP JSON-RPC traffic; logs go to a rotated
	// file plus stderr (stderr only in debug mode), the way the teacher's
	// main.go redirects logging away from stdout in its mcp-stdio command.
	fileLogger := &lumberjack.Logger{
		Filename:   filepath.Join(cli.LogsDir, "mcpcore.log"),
		MaxSize:    5,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   false,
	}
	var writer io.Writer = io.MultiWriter(fileLogger, os.Stderr)
	if cli.Debug {
		writer = os.Stderr
		logger.SetLevel(logger.LevelDebug)
	}
	stdlog.SetOutput(writer)

	err := ctx.Run(context.Background())
	ctx.FatalIfErrorf(err)
}
