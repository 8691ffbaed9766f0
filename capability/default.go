package capability

import (
	"crypto/rand"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-bridge/connection"
	"github.com/wippyai/wasm-bridge/payload"
)

// Default returns a complete capability set backed by the process: a
// monotonic clock, crypto/rand, zlib payload decoding, the default network
// dialer and callbacks that write to logger.
func Default(logger *zap.Logger) Capabilities {
	if logger == nil {
		logger = zap.NewNop()
	}
	start := time.Now()

	return Capabilities{
		Now: func() float64 {
			return float64(time.Since(start).Nanoseconds()) / 1e6
		},
		FillRandom: func(buf []byte) {
			_, _ = rand.Read(buf)
		},
		DecodeAndDecompress: payload.Inflate,
		Connect:             connection.NewDialer(nil, nil, logger),
		OnPanic: func(message string) {
			logger.Error("guest panicked", zap.String("message", message))
		},
		OnLog: LogSink(logger),
		OnJSONRPCResponse: func(chainID uint32, response string) {
			logger.Debug("json-rpc response",
				zap.Uint32("chain", chainID), zap.String("response", response))
		},
		OnDatabaseContent: func(chainID uint32, content string) {
			logger.Debug("database content ready",
				zap.Uint32("chain", chainID), zap.Int("bytes", len(content)))
		},
		CPURateLimit: 1,
	}
}

// LogSink returns an OnLog callback writing guest records to logger.
func LogSink(logger *zap.Logger) func(level LogLevel, target, message string) {
	guest := logger.Named("guest")
	return func(level LogLevel, target, message string) {
		if ce := guest.Check(level.ZapLevel(), message); ce != nil {
			ce.Write(zap.String("target", target), zap.Stringer("guest_level", level))
		}
	}
}
