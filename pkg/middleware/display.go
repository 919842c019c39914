package middleware

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/conduit-llm/conduit/pkg/config"
	"github.com/conduit-llm/conduit/pkg/llms"
	"github.com/conduit-llm/conduit/pkg/protocol"
)

const previewWidth = 40

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// display is the per-call progress line: "<spinner> model · preview" while
// the request is in flight, then a final status line. Disabled below
// progress verbosity; all output goes to the chain's writer (stderr).
type display struct {
	w       io.Writer
	enabled bool
	label   string

	mu   sync.Mutex
	stop chan struct{}
	done sync.WaitGroup
}

func newDisplay(w io.Writer, req *llms.GenerationRequest) *display {
	enabled := w != nil &&
		req.Options != nil &&
		req.Options.Verbosity >= config.VerbosityProgress

	model := ""
	if req.Params != nil {
		model = req.Params.Model
	}
	return &display{
		w:       w,
		enabled: enabled,
		label:   fmt.Sprintf("%s · %s", model, preview(req.Messages)),
	}
}

func (d *display) Start() {
	if !d.enabled {
		return
	}
	d.stop = make(chan struct{})
	d.done.Add(1)
	go func() {
		defer d.done.Done()
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		frame := 0
		for {
			select {
			case <-d.stop:
				return
			case <-ticker.C:
				d.mu.Lock()
				fmt.Fprintf(d.w, "\r%s %s", spinnerFrames[frame%len(spinnerFrames)], d.label)
				d.mu.Unlock()
				frame++
			}
		}
	}()
}

func (d *display) Finish(elapsed time.Duration) {
	d.end(fmt.Sprintf("\r✓ %s (%.1fs)\n", d.label, elapsed.Seconds()))
}

func (d *display) Fail(err error) {
	line := fmt.Sprintf("\r✗ %s\n", d.label)
	if err != nil {
		line = fmt.Sprintf("\r✗ %s: %v\n", d.label, err)
	}
	d.end(line)
}

func (d *display) end(line string) {
	if !d.enabled {
		return
	}
	close(d.stop)
	d.done.Wait()

	d.mu.Lock()
	fmt.Fprint(d.w, line)
	d.mu.Unlock()
}

// preview condenses the last user message for the progress line.
func preview(messages []*protocol.Message) string {
	text := ""
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == protocol.RoleUser {
			text = messages[i].TextContent()
			break
		}
	}
	text = strings.Join(strings.Fields(text), " ")
	if runes := []rune(text); len(runes) > previewWidth {
		text = string(runes[:previewWidth-1]) + "…"
	}
	return text
}
