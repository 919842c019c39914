// Command conduit runs prompts against LLM providers from the terminal.
//
// Usage:
//
//	conduit run "Summarize {{.topic}} in one paragraph." --var topic=bees
//	conduit batch "Describe {{.animal}}." inputs.json --max-concurrent 4
//	conduit usage --group-by provider
//	conduit cache list
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/conduit-llm/conduit/pkg/conduit"
	"github.com/conduit-llm/conduit/pkg/config"
	"github.com/conduit-llm/conduit/pkg/logger"
	"github.com/conduit-llm/conduit/pkg/protocol"
)

const (
	exitSuccess     = 0
	exitFailure     = 1
	exitInvalidArgs = 2
	exitProvider    = 3
	exitPersistence = 4
)

// CLI defines the command-line interface.
type CLI struct {
	Run      RunCmd      `cmd:"" help:"Run a prompt against a model."`
	Batch    BatchCmd    `cmd:"" help:"Run a prompt template against many inputs concurrently."`
	Usage    UsageCmd    `cmd:"" help:"Report recorded token usage."`
	Cache    CacheCmd    `cmd:"" help:"Inspect or prune the response cache."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to config file." type:"path" default:"conduit.yaml"`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)."`

	// errorVerbosity scales failure output; generation commands set it from
	// their verbosity flag before doing any work.
	errorVerbosity config.Verbosity
}

func main() {
	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("conduit"),
		kong.Description("Unified LLM orchestration runtime."),
		kong.UsageOnError(),
		kong.Exit(func(code int) {
			if code == 0 {
				os.Exit(exitSuccess)
			}
			os.Exit(exitInvalidArgs)
		}),
	)

	if err := kctx.Run(cli); err != nil {
		renderError(os.Stderr, err, cli.errorVerbosity)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a failure to the documented exit codes: 2 for caller
// mistakes, 3 for provider-side trouble, 4 for persistence trouble, 1 for
// everything else.
func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	if errors.Is(err, conduit.ErrPersistence) {
		return exitPersistence
	}
	var ce *protocol.ConduitError
	if errors.As(err, &ce) {
		switch ce.Info.Category {
		case protocol.CategoryClient:
			return exitInvalidArgs
		case protocol.CategoryServer, protocol.CategoryNetwork:
			return exitProvider
		}
	}
	return exitFailure
}

// loadConfig reads the config file and installs the process logger. Flags
// override file settings. The returned cleanup closes the log file, if any.
func loadConfig(cli *CLI) (*config.Config, func(), error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, nil, err
	}

	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.LogFormat = cli.LogFormat
	}

	output := os.Stderr
	cleanup := func() {}
	if cli.LogFile != "" {
		file, closeFile, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		cleanup = closeFile
	}

	level, _ := logger.ParseLevel(cfg.LogLevel)
	logger.Init(level, output, cfg.LogFormat)
	return cfg, cleanup, nil
}
