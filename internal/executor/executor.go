// Package executor defines the contract for action executors.
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/fentz26/deadhand/internal/models"
)

// Executor carries out the disposition of one asset.
//
// Execute must honor ctx and return within its deadline. Implementations
// report failures as *ExecutionError; anything else is treated as
// retryable.
type Executor interface {
	// Name returns the executor identifier.
	Name() string

	// Action returns the action kind this executor handles.
	Action() models.Action

	// Execute performs the action for asset on behalf of ownerID.
	Execute(ctx context.Context, asset models.Asset, ownerID string) error
}

// Kind classifies an execution failure.
type Kind int

const (
	KindRetryable Kind = iota
	KindTerminal
)

func (k Kind) String() string {
	if k == KindTerminal {
		return "terminal"
	}
	return "retryable"
}

// ExecutionError is a typed executor failure.
type ExecutionError struct {
	Kind Kind
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s execution error: %v", e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Retryable wraps err as a failure eligible for re-attempt.
func Retryable(err error) error {
	return &ExecutionError{Kind: KindRetryable, Err: err}
}

// Terminal wraps err as a failure that cannot succeed on retry.
func Terminal(err error) error {
	return &ExecutionError{Kind: KindTerminal, Err: err}
}

// IsRetryable reports whether err may succeed on a later attempt.
// Deadline overruns and unclassified errors are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.Kind == KindRetryable
	}
	return true
}

// Registry maps action kinds to executors. It is built once and never
// modified.
type Registry struct {
	byAction map[models.Action]Executor
}

// NewRegistry builds a registry. Each action may be registered once.
func NewRegistry(execs ...Executor) (*Registry, error) {
	r := &Registry{byAction: make(map[models.Action]Executor, len(execs))}
	for _, e := range execs {
		a := e.Action()
		if !a.Valid() {
			return nil, fmt.Errorf("executor %s: invalid action %q", e.Name(), a)
		}
		if prev, ok := r.byAction[a]; ok {
			return nil, fmt.Errorf("action %s already handled by %s", a, prev.Name())
		}
		r.byAction[a] = e
	}
	return r, nil
}

// Lookup returns the executor for action.
func (r *Registry) Lookup(action models.Action) (Executor, bool) {
	e, ok := r.byAction[action]
	return e, ok
}

// Actions lists the registered action kinds.
func (r *Registry) Actions() []models.Action {
	out := make([]models.Action, 0, len(r.byAction))
	for _, a := range []models.Action{models.ActionDelete, models.ActionTransfer, models.ActionArchive} {
		if _, ok := r.byAction[a]; ok {
			out = append(out, a)
		}
	}
	return out
}
