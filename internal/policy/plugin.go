package policy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/Priya8975/relay-cache-sync/internal/metrics"
)

const maxCandidateSize = 4 << 20

// TooLargeMessage answers a candidate line longer than the hook reads.
const TooLargeMessage = "invalid: event too large"

// Serve runs the hook side of the write-policy contract: every non-empty
// line read from r is a candidate event and gets one decision line on w.
// Lines that are not valid JSON are still answered. Serve returns when r is
// exhausted or ctx is cancelled. An oversized line is answered with a
// reject before Serve gives up on the stream.
func Serve(ctx context.Context, r io.Reader, w io.Writer, gate Gate, m *metrics.Metrics, logger *slog.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxCandidateSize)
	out := bufio.NewWriter(w)
	enc := json.NewEncoder(out)

	emit := func(d Decision) error {
		m.ObserveDecision(d.Action)
		logger.Debug("write attempt decided", "event_id", d.ID, "action", d.Action)
		if err := enc.Encode(d); err != nil {
			return fmt.Errorf("writing decision: %w", err)
		}
		if err := out.Flush(); err != nil {
			return fmt.Errorf("flushing decision: %w", err)
		}
		return nil
	}

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := emit(gate.Decide(ctx, line)); err != nil {
			return err
		}
	}

	err := scanner.Err()
	if errors.Is(err, bufio.ErrTooLong) {
		logger.Warn("candidate exceeds size limit, rejecting", "limit", maxCandidateSize)
		if werr := emit(Reject("", TooLargeMessage)); werr != nil {
			return werr
		}
	}
	if err != nil {
		return fmt.Errorf("reading candidates: %w", err)
	}
	return nil
}
