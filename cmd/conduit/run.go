package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/conduit-llm/conduit/pkg/conduit"
	"github.com/conduit-llm/conduit/pkg/config"
)

// RunCmd runs one prompt and prints the assistant's reply.
type RunCmd struct {
	Prompt string `arg:"" help:"Prompt text, parsed as a Go text/template."`

	Var        map[string]string `help:"Template variables (key=value)."`
	Fresh      bool              `help:"Start a fresh conversation instead of resuming the last one."`
	MaxHistory int               `name:"max-history" help:"Cap messages reloaded from a resumed conversation."`

	GenerationFlags `embed:""`
}

func (c *RunCmd) Run(cli *CLI) error {
	cli.errorVerbosity = config.ParseVerbosity(c.Verbosity)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env, err := buildRuntime(ctx, cli, &c.GenerationFlags, true)
	if err != nil {
		return err
	}
	defer env.Close(context.Background())

	if c.Fresh {
		env.options.PersistenceMode = config.PersistenceOverwrite
	}
	if c.MaxHistory > 0 {
		env.options.MaxHistory = c.MaxHistory
	}

	conv, err := env.conduit.Run(ctx, c.Prompt, templateVars(c.Var), env.params, env.options)
	if err != nil {
		return err
	}
	if last := conv.Last(); last != nil {
		fmt.Println(last.Content)
	}
	return nil
}

// BatchCmd fans one prompt template over many inputs.
type BatchCmd struct {
	Prompt string `arg:"" help:"Prompt template applied to every input."`
	Inputs string `arg:"" optional:"" help:"JSON file holding an array of variable maps (default: stdin)." type:"existingfile"`

	MaxConcurrent int `name:"max-concurrent" help:"Concurrent runs. Zero means unbounded." default:"4"`

	GenerationFlags `embed:""`
}

func (c *BatchCmd) Run(cli *CLI) error {
	cli.errorVerbosity = config.ParseVerbosity(c.Verbosity)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inputs, err := c.readInputs()
	if err != nil {
		return err
	}

	env, err := buildRuntime(ctx, cli, &c.GenerationFlags, false)
	if err != nil {
		return err
	}
	defer env.Close(context.Background())

	results, err := env.conduit.RunBatch(ctx, &conduit.Batch{
		Prompt:        c.Prompt,
		Inputs:        inputs,
		MaxConcurrent: c.MaxConcurrent,
	}, env.params, env.options)
	if err != nil {
		return err
	}

	failed := 0
	for i, conv := range results {
		last := conv.Last()
		if last == nil {
			failed++
			fmt.Fprintf(os.Stderr, "input %d produced no reply\n", i)
			continue
		}
		if last.Error != nil {
			failed++
			fmt.Fprintf(os.Stderr, "input %d failed: %v\n", i, last.Error)
			continue
		}
		if i > 0 {
			fmt.Println("---")
		}
		fmt.Println(last.Content)
	}
	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d inputs failed\n", failed, len(results))
	}
	return nil
}

func (c *BatchCmd) readInputs() ([]map[string]interface{}, error) {
	var data []byte
	var err error
	if c.Inputs == "" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(c.Inputs)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read batch inputs: %w", err)
	}

	var inputs []map[string]interface{}
	if err := json.Unmarshal(data, &inputs); err != nil {
		return nil, fmt.Errorf("batch inputs must be a JSON array of objects: %w", err)
	}
	return inputs, nil
}

func templateVars(vars map[string]string) map[string]interface{} {
	if len(vars) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}
