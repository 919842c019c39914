package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/conduit-llm/conduit/pkg/conduit"
	"github.com/conduit-llm/conduit/pkg/protocol"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, exitSuccess},
		{"generic", errors.New("boom"), exitFailure},
		{"client error", protocol.NewClientError(protocol.CodeValidationError, "bad input"), exitInvalidArgs},
		{"server error", protocol.NewServerError(protocol.CodeProvider5xx, "upstream down"), exitProvider},
		{"network error", protocol.NewNetworkError(protocol.CodeTimeout, "deadline"), exitProvider},
		{"parse error", protocol.NewParseError(protocol.CodeXMLParseError, "bad xml"), exitFailure},
		{"persistence", fmt.Errorf("%w: disk full", conduit.ErrPersistence), exitPersistence},
		{"wrapped client error", fmt.Errorf("run failed: %w",
			protocol.NewClientError(protocol.CodeMissingCredentials, "no key")), exitInvalidArgs},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, exitCode(tc.err))
		})
	}
}
