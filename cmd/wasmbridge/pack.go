package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-bridge/lifecycle"
	"github.com/wippyai/wasm-bridge/payload"
)

func (c *cli) packCmd() *cobra.Command {
	var (
		goPackage string
		goOut     string
		noVerify  bool
	)
	cmd := &cobra.Command{
		Use:   "pack <guest.wasm> <dir>",
		Short: "Compress and chunk a guest binary",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := c.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read guest: %w", err)
			}
			if !noVerify {
				if err := lifecycle.Verify(cmd.Context(), raw); err != nil {
					return fmt.Errorf("verify guest: %w", err)
				}
			}

			m, err := payload.WriteDir(args[1], raw, cfg.Payload.ChunkSize)
			if err != nil {
				return err
			}
			logger.Info("guest packed",
				zap.String("dir", args[1]),
				zap.Int("chunks", len(m.Chunks)),
				zap.Int("raw_bytes", m.RawSize),
				zap.String("sha256", m.SHA256))

			if goPackage != "" {
				if goOut == "" {
					goOut = filepath.Join(args[1], "chunks.go")
				}
				if err := writeGoSource(goOut, goPackage, raw, m.ChunkSize); err != nil {
					return err
				}
				logger.Info("chunk source written", zap.String("file", goOut))
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d chunks, %d bytes, sha256 %s\n",
				args[1], len(m.Chunks), m.RawSize, m.SHA256)
			return nil
		},
	}
	cmd.Flags().Int("chunk-size", payload.DefaultChunkSize, "maximum characters per chunk")
	_ = c.v.BindPFlag("payload.chunk_size", cmd.Flags().Lookup("chunk-size"))
	cmd.Flags().StringVar(&goPackage, "go-package", "", "also emit a Go source file in this package")
	cmd.Flags().StringVar(&goOut, "go-out", "", "Go source path (default <dir>/chunks.go)")
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "skip checking the guest's imports and exports")
	return cmd
}

func writeGoSource(path, pkg string, raw []byte, chunkSize int) error {
	chunks, err := payload.Encode(raw, chunkSize)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := payload.GenerateGo(f, pkg, chunks); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
