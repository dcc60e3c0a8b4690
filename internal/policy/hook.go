package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"
)

// DefaultHookTimeout bounds one hook invocation.
const DefaultHookTimeout = 5 * time.Second

// UnavailableMessage is the reason given when the hook could not decide.
const UnavailableMessage = "blocked: write policy unavailable"

// Hook runs an external program once per candidate event: the event goes to
// its stdin as one JSON line and exactly one JSON decision object is read
// back from stdout. A crash, a non-zero exit, a timeout or any output other
// than a single valid decision is a reject.
type Hook struct {
	path    string
	args    []string
	timeout time.Duration
	logger  *slog.Logger
}

func NewHook(path string, args []string, timeout time.Duration, logger *slog.Logger) *Hook {
	if timeout <= 0 {
		timeout = DefaultHookTimeout
	}
	return &Hook{path: path, args: args, timeout: timeout, logger: logger}
}

func (h *Hook) Decide(ctx context.Context, candidate []byte) Decision {
	id := CandidateID(candidate)

	d, err := h.run(ctx, candidate)
	if err != nil {
		h.logger.Warn("write policy hook failed, rejecting",
			"hook", h.path,
			"event_id", id,
			"error", err,
		)
		return Reject(id, UnavailableMessage)
	}
	if d.ID == "" {
		d.ID = id
	}
	return d
}

func (h *Hook) run(ctx context.Context, candidate []byte) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, h.path, h.args...)
	cmd.Stdin = bytes.NewReader(append(bytes.TrimSpace(candidate), '\n'))
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Decision{}, fmt.Errorf("hook timed out after %s", h.timeout)
		}
		return Decision{}, fmt.Errorf("running hook: %w (stderr: %q)", err, tail(stderr.Bytes()))
	}
	return parseDecision(stdout.Bytes())
}

// parseDecision accepts exactly one JSON object whose action is accept or
// reject.
func parseDecision(out []byte) (Decision, error) {
	dec := json.NewDecoder(bytes.NewReader(out))

	var d Decision
	if err := dec.Decode(&d); err != nil {
		return Decision{}, fmt.Errorf("decoding hook output: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Decision{}, fmt.Errorf("hook wrote more than one decision")
	}

	switch d.Action {
	case ActionAccept, ActionReject:
		return d, nil
	default:
		return Decision{}, fmt.Errorf("hook returned unknown action %q", d.Action)
	}
}

func tail(b []byte) string {
	const max = 256
	if len(b) > max {
		b = b[len(b)-max:]
	}
	return string(bytes.TrimSpace(b))
}
