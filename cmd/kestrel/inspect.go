package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/finchml/kestrel/internal/checkpoint"
	"github.com/finchml/kestrel/internal/config"
	"github.com/finchml/kestrel/internal/quant"
)

func newInspectCmd() *cobra.Command {
	var checkpointDir string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the tensor table of a checkpoint and its quantization artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := checkpoint.Resolve(checkpointDir)
			if err != nil {
				return err
			}
			cfg, err := config.LoadModel(h.ConfigPath())
			if err != nil {
				return err
			}
			fmt.Printf("checkpoint %s (revision %s)\n", h.Dir, h.Revision)
			fmt.Printf("arch: dim=%d hidden=%d layers=%d heads=%d kv_heads=%d vocab=%d seq_len=%d\n\n",
				cfg.Dim, cfg.HiddenDim, cfg.Layers, cfg.Heads, cfg.KVHeads, cfg.VocabSize, cfg.SeqLen)

			tensors, err := checkpoint.ReadContainer(h.WeightsPath())
			if err != nil {
				return err
			}
			names := make([]string, 0, len(tensors))
			var total int64
			for name, t := range tensors {
				names = append(names, name)
				total += int64(t.SizeBytes())
			}
			sort.Strings(names)
			for _, name := range names {
				t := tensors[name]
				fmt.Printf("%-40s %-4s [%5d, %5d] %10d bytes\n", name, t.DType, t.Rows, t.Cols, t.SizeBytes())
			}
			fmt.Printf("\n%d tensors, %d bytes total\n", len(tensors), total)

			if _, err := os.Stat(h.ArtifactPath()); err == nil {
				entries, err := quant.ReadArtifact(h.ArtifactPath())
				if err != nil {
					return err
				}
				var qBytes int64
				var quantized int
				for _, e := range entries {
					if e.Int4 != nil {
						quantized++
						qBytes += e.Int4.SizeBytes()
					} else if e.Dense != nil {
						qBytes += int64(e.Dense.SizeBytes())
					}
				}
				fmt.Printf("\nint4 artifact: %d entries (%d quantized), %d bytes\n", len(entries), quantized, qBytes)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&checkpointDir, "checkpoint", "", "checkpoint directory (required)")
	cmd.MarkFlagRequired("checkpoint")
	return cmd
}
