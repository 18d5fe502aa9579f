package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// Invoker executes collaborator actions on behalf of the step executor. It
// abstracts whatever transport the action actually uses, from an HTTP call
// down to an in-process function. The engine only requires this contract,
// never a specific protocol.
//
// A returned error is treated as transient (retried per the step's policy)
// unless wrapped with Permanent. Context deadline expiry is reported by the
// executor as a timeout.
type Invoker interface {
	Invoke(ctx context.Context, ref ActionRef, payload json.RawMessage) (json.RawMessage, error)
}

// ActionFunc is an in-process collaborator action.
type ActionFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// FuncInvoker resolves ActionRefs to registered Go functions. It is the
// in-process Invoker used by the examples and tests; production systems
// implement Invoker over their own transport.
type FuncInvoker struct {
	actions *xsync.MapOf[ActionRef, ActionFunc]
}

// NewFuncInvoker creates an empty FuncInvoker.
func NewFuncInvoker() *FuncInvoker {
	return &FuncInvoker{
		actions: xsync.NewMapOf[ActionRef, ActionFunc](),
	}
}

// Register binds a function to an action ref.
func (f *FuncInvoker) Register(ref ActionRef, fn ActionFunc) error {
	if _, loaded := f.actions.LoadOrStore(ref, fn); loaded {
		return fmt.Errorf("action %q already registered", ref)
	}
	return nil
}

// Invoke implements Invoker. An unknown ref is a permanent failure: retrying
// cannot make the action appear.
func (f *FuncInvoker) Invoke(ctx context.Context, ref ActionRef, payload json.RawMessage) (json.RawMessage, error) {
	fn, ok := f.actions.Load(ref)
	if !ok {
		return nil, Permanent(fmt.Errorf("action %q not registered", ref))
	}
	return fn(ctx, payload)
}
