// Package source adapts host location services into a stream of fixes.
package source

import (
	"context"
	"errors"
	"sync"
	"time"

	"trip-detector/internal/model"
)

// Source delivers raw fixes into out until ctx is cancelled. Implementations must stop
// writing to out once ctx is done.
type Source interface {
	Run(ctx context.Context, out chan<- model.Fix) error
}

// Burster is implemented by sources able to deliver a short high-accuracy burst on demand.
// Burst fixes go to the same channel Run writes to.
type Burster interface {
	KickStart(ctx context.Context, d time.Duration) error
}

// Environment reports the host's location-service switch and the granted permission.
type Environment interface {
	ServicesEnabled() bool
	Authorization() model.Authorization
}

var ErrNotRunning = errors.New("source not running")

// StaticEnvironment is an Environment whose values are set by the host, e.g. from
// authorization messages or the control API. The zero value reports services disabled.
type StaticEnvironment struct {
	mu       sync.RWMutex
	enabled  bool
	auth     model.Authorization
	onChange func()
}

func NewStaticEnvironment(enabled bool, auth model.Authorization) *StaticEnvironment {
	return &StaticEnvironment{enabled: enabled, auth: auth}
}

func (e *StaticEnvironment) ServicesEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled
}

func (e *StaticEnvironment) Authorization() model.Authorization {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.auth
}

// OnChange registers fn to run after every Set call that changed a value.
func (e *StaticEnvironment) OnChange(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onChange = fn
}

// Set updates both values and notifies the change hook when anything changed.
func (e *StaticEnvironment) Set(enabled bool, auth model.Authorization) {
	e.mu.Lock()
	changed := e.enabled != enabled || e.auth != auth
	e.enabled, e.auth = enabled, auth
	fn := e.onChange
	e.mu.Unlock()

	if changed && fn != nil {
		fn()
	}
}

// forward copies f into out unless ctx ends first.
func forward(ctx context.Context, out chan<- model.Fix, f model.Fix) bool {
	select {
	case out <- f:
		return true
	case <-ctx.Done():
		return false
	}
}

// attachment tracks the output channel of the current Run call so bursts and pushes
// reach the active run.
type attachment struct {
	mu  sync.Mutex
	out chan<- model.Fix
	ctx context.Context
}

func (a *attachment) attach(ctx context.Context, out chan<- model.Fix) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ctx, a.out = ctx, out
}

func (a *attachment) detach(out chan<- model.Fix) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.out == out {
		a.ctx, a.out = nil, nil
	}
}

func (a *attachment) current() (context.Context, chan<- model.Fix, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.out == nil || a.ctx.Err() != nil {
		return nil, nil, false
	}
	return a.ctx, a.out, true
}
