package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/planrun/internal/model"
	"github.com/google/uuid"
)

// Execution is a single run of the runner. The launch state can be peeked
// without blocking by any number of observers, or waited for.
type Execution struct {
	ID        uuid.UUID
	StartedAt time.Time

	req      Request
	state    atomic.Int32
	launched chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc

	mx      sync.RWMutex
	logPath string
	err     error
	result  Result
}

func newExecution(req Request, now time.Time, cancel context.CancelFunc) *Execution {
	return &Execution{
		ID:        uuid.New(),
		StartedAt: now,
		req:       req,
		launched:  make(chan struct{}),
		done:      make(chan struct{}),
		cancel:    cancel,
	}
}

// Request returns the launch request without the password.
func (e *Execution) Request() Request {
	req := e.req
	req.Password = ""
	return req
}

// State returns the current launch state.
func (e *Execution) State() model.LaunchState {
	return model.LaunchState(e.state.Load())
}

// Launched returns a channel closed once the state leaves PENDING.
func (e *Execution) Launched() <-chan struct{} {
	return e.launched
}

// WaitLaunched blocks until the state leaves PENDING or ctx is done.
func (e *Execution) WaitLaunched(ctx context.Context) (model.LaunchState, error) {
	select {
	case <-ctx.Done():
		return e.State(), ctx.Err()
	case <-e.launched:
		return e.State(), nil
	}
}

// LogPath is the key of the captured output, empty unless LAUNCHED.
func (e *Execution) LogPath() string {
	e.mx.RLock()
	defer e.mx.RUnlock()
	return e.logPath
}

// Err is the reason of LAUNCH_FAILED.
func (e *Execution) Err() error {
	e.mx.RLock()
	defer e.mx.RUnlock()
	return e.err
}

// Done returns a channel closed when the output capture ended, or when
// the launch failed.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Result returns the runner result. The bool is false until Done.
func (e *Execution) Result() (Result, bool) {
	select {
	case <-e.done:
	default:
		return Result{}, false
	}
	e.mx.RLock()
	defer e.mx.RUnlock()
	return e.result, true
}

// Cancel kills the runner process. A pending execution fails to launch.
// Nothing is cancelled unless a caller asks for it.
func (e *Execution) Cancel() {
	e.cancel()
}

func (e *Execution) setLaunched(logPath string) {
	e.mx.Lock()
	e.logPath = logPath
	e.mx.Unlock()
	e.state.Store(int32(model.Launched))
	close(e.launched)
}

// setFailed is terminal for a pending execution.
func (e *Execution) setFailed(err error) {
	e.mx.Lock()
	e.err = err
	e.mx.Unlock()
	e.state.Store(int32(model.LaunchFailed))
	close(e.launched)
	close(e.done)
}

func (e *Execution) setResult(res Result) {
	e.mx.Lock()
	e.result = res
	e.mx.Unlock()
	close(e.done)
}
