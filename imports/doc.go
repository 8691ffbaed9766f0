// Package imports builds the host namespaces the guest links against.
//
// Two namespaces are produced from one Env: the guest-specific "smoldot"
// namespace (logging, clocks, timers, JSON-RPC output, buffers and
// network streams) and a minimal "wasi_snapshot_preview1" namespace
// (environment, clocks, randomness, stdio, exit).
//
// Every function is guarded by the liveness flag. Once the instance is
// dead any call panics with a post_death error, which wazero turns into
// the error of the guest call in progress. The guest's panic and
// proc_exit imports are fatal: they run the kill-all action, report the
// message to the panic sink once and unwind the guest.
//
// Functions that need the running instance (buffers, timers,
// connections) read it from a deferred slot. Before the slot is filled,
// for example while the reactor initializer runs, they do nothing.
package imports
