package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/conduit-llm/conduit/pkg/config"
	"github.com/conduit-llm/conduit/pkg/protocol"
)

// renderError writes a failure scaled to the requested verbosity: a single
// line by default, a category/code panel at summary and above, and the full
// serialized error (raw provider response included) at debug.
func renderError(w io.Writer, err error, verbosity config.Verbosity) {
	var ce *protocol.ConduitError
	if !errors.As(err, &ce) || verbosity < config.VerbositySummary {
		fmt.Fprintf(w, "Error: %v\n", err)
		return
	}

	fmt.Fprintf(w, "✗ %s error [%s]\n", ce.Info.Category, ce.Info.Code)
	fmt.Fprintf(w, "  %s\n", ce.Info.Message)

	if verbosity < config.VerbosityDebug {
		return
	}
	if data, merr := json.MarshalIndent(ce, "  ", "  "); merr == nil {
		fmt.Fprintf(w, "  %s\n", data)
	}
}
