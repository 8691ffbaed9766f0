package wasmbridge

import (
	"context"

	"github.com/wippyai/wasm-bridge/capability"
	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/lifecycle"
	"github.com/wippyai/wasm-bridge/liveness"
	"github.com/wippyai/wasm-bridge/payload"
)

type (
	Capabilities = capability.Capabilities
	Options      = lifecycle.Options
	Instance     = lifecycle.Instance
	State        = liveness.State
)

// ErrInstanceDead matches every error caused by a dead instance.
var ErrInstanceDead = errors.ErrInstanceDead

// Start creates a controller from opts and starts the guest in store.
func Start(ctx context.Context, store *payload.Store, opts Options) (*Instance, error) {
	ctrl, err := lifecycle.New(opts)
	if err != nil {
		return nil, err
	}
	return ctrl.Start(ctx, store)
}
