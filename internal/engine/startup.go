package engine

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
)

// ErrBackendDown is returned by EnsureReady when the backend does not answer.
var ErrBackendDown = errors.New("generation backend is not reachable")

// EnsureReady verifies the backend answers and that every distinct,
// non-empty model is available, pulling the missing ones. Progress goes to
// w. A failed pull does not stop the others; all failures are joined.
func EnsureReady(ctx context.Context, e Engine, w io.Writer, models ...string) error {
	if !e.IsRunning(ctx) {
		return ErrBackendDown
	}

	var errs []error
	for _, model := range distinct(models) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}

		fmt.Fprintf(w, "model %s: pulling\n", model)
		if err := e.PullModel(ctx, model, pullReporter(w)); err != nil {
			fmt.Fprintf(w, "model %s: failed\n", model)
			errs = append(errs, fmt.Errorf("pulling model %s: %w", model, err))
			continue
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}
	return errors.Join(errs...)
}

func distinct(models []string) []string {
	seen := make(map[string]bool, len(models))
	out := models[:0:0]
	for _, m := range models {
		if m != "" && !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

// pullReporter prints a line per status change and per 10% of a layer.
func pullReporter(w io.Writer) func(PullProgress) {
	lastStatus, lastBucket := "", -1
	return func(p PullProgress) {
		if p.Total <= 0 {
			if p.Status != lastStatus {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
			lastStatus, lastBucket = p.Status, -1
			return
		}
		bucket := int(p.Completed * 10 / p.Total)
		if p.Status == lastStatus && bucket == lastBucket {
			return
		}
		lastStatus, lastBucket = p.Status, bucket
		fmt.Fprintf(w, "  %s %s / %s\n", p.Status,
			humanize.Bytes(uint64(p.Completed)), humanize.Bytes(uint64(p.Total)))
	}
}
