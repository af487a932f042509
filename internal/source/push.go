package source

import (
	"context"

	"trip-detector/internal/model"
)

// PushSource receives fixes pushed by the host, e.g. through the HTTP control API.
// Pushes made while no Run is active fail with ErrNotRunning.
type PushSource struct {
	att attachment
}

func NewPushSource() *PushSource { return &PushSource{} }

func (s *PushSource) Run(ctx context.Context, out chan<- model.Fix) error {
	s.att.attach(ctx, out)
	defer s.att.detach(out)
	<-ctx.Done()
	return nil
}

// Ready reports whether a Run call is currently accepting pushes.
func (s *PushSource) Ready() bool {
	_, _, ok := s.att.current()
	return ok
}

// Push hands f to the running engine, blocking until it is queued or ctx ends.
func (s *PushSource) Push(ctx context.Context, f model.Fix) error {
	runCtx, out, ok := s.att.current()
	if !ok {
		return ErrNotRunning
	}
	select {
	case out <- f:
		return nil
	case <-runCtx.Done():
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}
