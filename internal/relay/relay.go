// Package relay forwards upstream stream frames to a client writer through a
// bounded channel, rewriting frame identity and accounting usage.
package relay

import (
	"context"

	"github.com/felipepmaragno/model-router/internal/domain"
)

const DefaultBufferSize = 16

// Stream is the client-facing side of a relayed upstream stream.
type Stream struct {
	// Frames is closed when the upstream finished, failed or ctx was
	// cancelled.
	Frames <-chan domain.StreamFrame
	// Err yields at most one error once Frames is closed. A clean finish
	// closes it without a value.
	Err <-chan error

	usage domain.Usage
}

// Usage returns the accumulated usage. It is complete only after Err was
// closed without a value.
func (s *Stream) Usage() domain.Usage {
	return s.usage
}

// Run starts the relay goroutine. Each frame's Model is rewritten to alias.
// onUsage is called exactly once, before Frames is closed, and only when the
// upstream finished cleanly; a failed or cancelled stream never reports.
//
// The caller owns ctx and should derive the upstream call from it, so that
// cancelling ctx also tears down the upstream connection.
func Run(ctx context.Context, frames <-chan domain.StreamFrame, errs <-chan error, alias string, bufferSize int, onUsage func(domain.Usage)) *Stream {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	out := make(chan domain.StreamFrame, bufferSize)
	errc := make(chan error, 1)
	s := &Stream{Frames: out, Err: errc}

	go func() {
		defer close(errc)
		defer close(out)

		for frames != nil || errs != nil {
			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return

			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				if err != nil {
					errc <- err
					return
				}

			case f, ok := <-frames:
				if !ok {
					frames = nil
					continue
				}
				if f.Usage != nil {
					s.usage = Merge(s.usage, *f.Usage)
				}
				f.Model = alias

				select {
				case out <- f:
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}
		}

		// An upstream that simply closes on cancellation is not a clean finish.
		if err := ctx.Err(); err != nil {
			errc <- err
			return
		}

		if onUsage != nil {
			onUsage(s.usage)
		}
	}()

	return s
}

// Merge folds a later usage report into an earlier one. Upstreams report
// prompt counters at stream start and completion counters at the end, and
// some repeat cumulative values, so a nonzero field replaces the earlier one.
func Merge(acc, next domain.Usage) domain.Usage {
	if next.PromptTokens != 0 {
		acc.PromptTokens = next.PromptTokens
	}
	if next.CompletionTokens != 0 {
		acc.CompletionTokens = next.CompletionTokens
	}
	if next.CacheReadTokens != 0 {
		acc.CacheReadTokens = next.CacheReadTokens
	}
	if next.CacheCreationTokens != 0 {
		acc.CacheCreationTokens = next.CacheCreationTokens
	}
	return acc
}
