// Package errors provides structured error types for the bridge.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The four failure kinds a guest can produce are:
//
//	KindConnection   - a connect descriptor was malformed or unsupported (recoverable)
//	KindPanic        - the guest signaled an unrecoverable fault (fatal)
//	KindAbnormalExit - the guest runtime terminated itself (fatal)
//	KindPostDeath    - a host call arrived after the instance died
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseConnect, errors.KindConnection).
//		Detail("unknown protocol combination").
//		Value(descriptor).
//		Build()
//
// Sentinels match by kind with the standard errors.Is:
//
//	if errors.Is(err, errors.ErrInstanceDead) { ... }
package errors
