// Package capability defines the functions and callbacks the embedder
// hands to the bridge: clock, randomness, payload decoding, network access
// and the sinks that receive guest output.
package capability

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasm-bridge/connection"
	"github.com/wippyai/wasm-bridge/errors"
)

var validate = validator.New()

// LogLevel is the guest's log severity, 1 (error) through 5 (trace).
type LogLevel uint32

const (
	LevelError LogLevel = iota + 1
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

func (l LogLevel) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	case LevelTrace:
		return "trace"
	default:
		return fmt.Sprintf("level(%d)", uint32(l))
	}
}

// ZapLevel maps the guest level onto zap. Trace and unknown levels log at debug.
func (l LogLevel) ZapLevel() zapcore.Level {
	switch l {
	case LevelError:
		return zapcore.ErrorLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// ParseLogLevel accepts the names returned by String.
func ParseLogLevel(s string) (LogLevel, error) {
	for l := LevelError; l <= LevelTrace; l++ {
		if l.String() == s {
			return l, nil
		}
	}
	return 0, errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("unknown log level %q", s))
}

// Capabilities is the complete set of host services available to the guest.
// Every field except OnCurrentTask is required.
type Capabilities struct {
	// Now returns milliseconds since an arbitrary, monotonic epoch.
	Now func() float64 `validate:"required"`

	// FillRandom fills buf with random bytes.
	FillRandom func(buf []byte) `validate:"required"`

	// DecodeAndDecompress turns concatenated payload text back into the
	// guest binary.
	DecodeAndDecompress func(text string) ([]byte, error) `validate:"required"`

	// Connect opens outbound connections on behalf of the guest.
	Connect connection.Connector `validate:"required"`

	// OnPanic receives the message of a fatal guest failure, once.
	OnPanic func(message string) `validate:"required"`

	// OnLog receives guest log records.
	OnLog func(level LogLevel, target, message string) `validate:"required"`

	// OnJSONRPCResponse receives responses and notifications for a chain.
	OnJSONRPCResponse func(chainID uint32, response string) `validate:"required"`

	// OnDatabaseContent receives a chain's database export.
	OnDatabaseContent func(chainID uint32, content string) `validate:"required"`

	// OnCurrentTask observes the guest entering (entered=true) and leaving
	// named tasks. Optional.
	OnCurrentTask func(name string, entered bool)

	// CPURateLimit is the fraction of wall time the guest may spend
	// executing, in (0, 1].
	CPURateLimit float64 `validate:"gt=0,lte=1"`
}

// Validate reports missing callbacks and an out-of-range rate limit.
func (c *Capabilities) Validate() error {
	if c == nil {
		return errors.InvalidInput(errors.PhaseConfig, "capabilities are nil")
	}
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "invalid capabilities")
	}
	return nil
}
