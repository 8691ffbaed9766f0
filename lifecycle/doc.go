// Package lifecycle starts the guest and owns the running instance.
//
// A Controller moves through the liveness states exactly once:
//
//	Uninstantiated -> Starting -> Live -> Dead
//
// Start decodes the payload, builds both import namespaces against a
// shared environment, installs the kill-all action, instantiates the
// guest and only then publishes the Instance to the imports. Any failure
// before Live leaves the controller dead.
//
// The Instance serializes every entry into the guest. Host-side events
// (timers, advance_execution requests and connection traffic) are queued
// in a mailbox and delivered one at a time by Run:
//
//	inst, err := ctrl.Start(ctx, store)
//	go inst.Run(ctx)
//	err = inst.JSONRPCSend(ctx, chainID, `{"jsonrpc":"2.0","id":1,"method":"system_name"}`)
//
// The kill-all action is idempotent. It marks the instance dead, stops
// timers and closes every connection the guest opened. A dead instance
// refuses all calls; imports reached through raw exports fail with
// post_death errors.
package lifecycle
