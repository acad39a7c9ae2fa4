package common

import (
	"context"
	"sync"
)

// MergeContexts returns a context that is cancelled as soon as any of ctxs is
// cancelled. The returned stop function releases the watchers and must be
// called once the merged context is no longer used.
//
// Values and deadlines of ctxs are not propagated
func MergeContexts(ctxs ...context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancelCause(context.Background())

	stops := make([]func() bool, 0, len(ctxs))
	for _, ctx := range ctxs {
		if ctx == nil {
			continue
		}
		if ctx.Err() != nil {
			cancel(context.Cause(ctx))
			continue
		}
		stops = append(stops, context.AfterFunc(ctx, func() { cancel(context.Cause(ctx)) }))
	}

	var once sync.Once
	return merged, func() {
		once.Do(func() {
			for _, stop := range stops {
				stop()
			}
			cancel(context.Canceled)
		})
	}
}

// CancelScope is a context shared by several participants. It is cancelled as
// soon as the context of a joined participant is cancelled. A participant that
// left no longer affects the scope
type CancelScope struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewCancelScope creates a scope without participants
func NewCancelScope() *CancelScope {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &CancelScope{ctx: ctx, cancel: cancel}
}

// Context returns the shared context
func (s *CancelScope) Context() context.Context {
	return s.ctx
}

// Join adds ctx as participant. The returned leave function detaches it, a
// cancellation of ctx after leave is ignored
func (s *CancelScope) Join(ctx context.Context) (leave func()) {
	if ctx == nil {
		return func() {}
	}
	if ctx.Err() != nil {
		s.cancel(context.Cause(ctx))
		return func() {}
	}
	stop := context.AfterFunc(ctx, func() { s.cancel(context.Cause(ctx)) })
	return func() { stop() }
}

// Close cancels the shared context once no participant needs it anymore
func (s *CancelScope) Close() {
	s.cancel(context.Canceled)
}
