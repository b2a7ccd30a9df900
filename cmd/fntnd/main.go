// Command fntnd is the worker daemon and its administrative CLI: bootstrap
// a fresh namespace, run the worker (scheduler peer + VM pool + CloudCall
// dispatcher), inspect the stat timeline, and report build version.
package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	kongcompletion "github.com/jotaen/kong-completion"
	"github.com/posener/complete"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/faasten/faasten/internal/config"
)

// Context is the shared state kong.Context.Run hands to every subcommand.
type Context struct {
	Cfg config.Worker
}

// CLI is the top-level command surface.
type CLI struct {
	config.Worker

	ConfigFile string `short:"c" placeholder:"<config.yaml>" predictor:"yamlfile" help:"path to a worker config.yaml"`

	Bootstrap  BootstrapCmd              `cmd:"" help:"seed a fresh namespace from a bootstrap manifest"`
	Run        RunCmd                    `cmd:"" help:"run the worker daemon: scheduler peer, VM pool, CloudCall dispatcher"`
	Shell      ShellCmd                  `cmd:"" help:"boot a guest binary interactively for debugging"`
	Stat       StatCmd                   `cmd:"" help:"print the worker's stat timeline"`
	Version    VersionCmd                `cmd:"" help:"print version information about this binary"`
	Completion kongcompletion.Completion `cmd:"" help:"print shell code that enables tab completion"`
}

func (c *CLI) initSlog() {
	level := slog.LevelInfo
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var w io.Writer
	if c.LogFile == "" {
		f, err := os.CreateTemp("", "fntnd-log")
		if err != nil {
			panic(err)
		}
		w = f
	} else {
		if err := os.MkdirAll(filepath.Dir(c.LogFile), 0o755); err != nil {
			panic(err)
		}
		w = &lumberjack.Logger{Filename: c.LogFile, MaxSize: 64, MaxBackups: 4, Compress: true}
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
	slog.Info("fntnd: log initialized")
}

func main() {
	var cli CLI

	opts := []kong.Option{
		kong.Description("Run and administer a labeled-namespace serverless worker."),
	}

	// A --config-file (-c) flag, if present on argv, is resolved before kong.Parse can
	// see CLI.ConfigFile: scan argv directly rather than parsing twice.
	if path := scanConfigFlag(os.Args[1:]); path != "" {
		opts = append(opts, config.Resolver(path))
	}

	parser := kong.Must(&cli, opts...)
	kongcompletion.Register(parser, kongcompletion.WithPredictors(map[string]complete.Predictor{
		"yamlfile": complete.PredictFiles("*.yaml"),
	}))
	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	cli.initSlog()

	err = kctx.Run(&Context{Cfg: cli.Worker})
	kctx.FatalIfErrorf(err)
}

func scanConfigFlag(args []string) string {
	for i, a := range args {
		if a == "-c" || a == "--config-file" {
			if i+1 < len(args) {
				return args[i+1]
			}
		}
	}
	return ""
}
