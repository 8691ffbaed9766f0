package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wippyai/wasm-bridge/payload"
)

func (c *cli) unpackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unpack <dir> <out.wasm>",
		Short: "Decode a chunk directory and verify it against its manifest",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, m, err := payload.ReadDir(args[0])
			if err != nil {
				return err
			}
			raw, err := store.Binary(payload.Inflate)
			if err != nil {
				return err
			}
			if err := m.Verify(raw); err != nil {
				return err
			}
			if err := os.WriteFile(args[1], raw, 0o644); err != nil {
				return fmt.Errorf("write guest: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d bytes, sha256 %s\n", args[1], len(raw), m.SHA256)
			return nil
		},
	}
}
