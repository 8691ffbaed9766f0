package main

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/wasm-bridge/capability"
	"github.com/wippyai/wasm-bridge/config"
	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/lifecycle"
	"github.com/wippyai/wasm-bridge/metrics"
	"github.com/wippyai/wasm-bridge/payload"
)

// maxRequestLine bounds a single JSON-RPC request read from stdin.
const maxRequestLine = 4 << 20

func (c *cli) runCmd() *cobra.Command {
	var (
		chain       uint32
		interactive bool
	)
	cmd := &cobra.Command{
		Use:   "run [dir]",
		Short: "Start the guest and exchange JSON-RPC over stdin/stdout",
		Long: `run loads the chunk directory (argument or payload.dir), starts the guest and
forwards each stdin line as a JSON-RPC request for --chain. Responses are printed
one per line and the guest keeps running after end of input until interrupted.
With a terminal on stdin, or -i, an interactive console opens instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := c.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			dir := cfg.Payload.Dir
			if len(args) == 1 {
				dir = args[0]
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			b, err := newBridge(ctx, cfg, logger, dir)
			if err != nil {
				return err
			}
			defer b.shutdown()

			if interactive || term.IsTerminal(int(os.Stdin.Fd())) {
				return runConsole(ctx, b, chain)
			}
			return runLines(ctx, b, chain, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().Uint32Var(&chain, "chain", 0, "chain id requests are sent to")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "open the interactive console")
	cmd.Flags().String("metrics-listen", "", "serve /metrics on this address")
	_ = c.v.BindPFlag("metrics.listen", cmd.Flags().Lookup("metrics-listen"))
	return cmd
}

// bridge holds what every run mode shares: configuration, the decoded
// payload store and the metrics endpoint.
type bridge struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	store   *payload.Store
	server  *http.Server
}

func newBridge(ctx context.Context, cfg *config.Config, logger *zap.Logger, dir string) (*bridge, error) {
	store, m, err := payload.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	logger.Info("payload loaded",
		zap.String("dir", dir),
		zap.Int("chunks", store.Len()),
		zap.String("sha256", m.SHA256))

	reg := prometheus.NewRegistry()
	mt, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}

	b := &bridge{cfg: cfg, logger: logger, metrics: mt, store: store}
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		b.server = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		go func() {
			if err := b.server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		logger.Info("metrics listening", zap.String("addr", cfg.Metrics.Listen))
	}
	return b, nil
}

func (b *bridge) shutdown() {
	if b.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = b.server.Shutdown(ctx)
}

// start boots the guest with caps and runs its event loop until ctx ends or
// the instance dies. The returned channel yields Run's result.
func (b *bridge) start(ctx context.Context, caps capability.Capabilities, logger *zap.Logger) (*lifecycle.Instance, <-chan error, error) {
	ctrl, err := lifecycle.New(b.cfg.LifecycleOptions(caps, logger, b.metrics))
	if err != nil {
		return nil, nil, err
	}
	inst, err := ctrl.Start(ctx, b.store)
	if err != nil {
		return nil, nil, err
	}

	done := make(chan error, 1)
	go func() { done <- inst.Run(ctx) }()
	return inst, done, nil
}

// runLines forwards each non-empty input line as a request and prints
// responses as they arrive. It returns when ctx ends or the guest dies.
func runLines(ctx context.Context, b *bridge, chain uint32, in io.Reader, out io.Writer) error {
	var mu sync.Mutex
	caps := b.cfg.Capabilities(b.logger, b.metrics)
	caps.OnJSONRPCResponse = func(chainID uint32, response string) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(out, response)
	}

	inst, done, err := b.start(ctx, caps, b.logger)
	if err != nil {
		return err
	}
	defer inst.Close(context.Background())

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64*1024), maxRequestLine)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			b.logger.Error("reading requests", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-done:
			return runResult(err)
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if err := inst.JSONRPCSend(ctx, chain, line); err != nil {
				if stderrors.Is(err, errors.ErrInstanceDead) {
					return err
				}
				b.logger.Warn("request rejected", zap.Uint32("chain", chain), zap.Error(err))
			}
		}
	}
}

func runResult(err error) error {
	if stderrors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
