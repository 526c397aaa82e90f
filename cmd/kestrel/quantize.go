package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/finchml/kestrel/internal/checkpoint"
	"github.com/finchml/kestrel/internal/config"
	"github.com/finchml/kestrel/internal/engine"
	"github.com/finchml/kestrel/internal/logger"
	"github.com/finchml/kestrel/internal/quant"
	"github.com/finchml/kestrel/internal/tensor"
	"github.com/finchml/kestrel/internal/tokenizer"
)

func newQuantizeCmd() *cobra.Command {
	var (
		checkpointDir string
		calibPath     string
		output        string
		groupSize     int
		damping       float64
	)

	cmd := &cobra.Command{
		Use:   "quantize",
		Short: "Run offline int4 calibration and write the quantization artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := checkpoint.Resolve(checkpointDir)
			if err != nil {
				return err
			}
			cfg, err := config.LoadModel(h.ConfigPath())
			if err != nil {
				return err
			}
			tok, err := tokenizer.Load(h.TokenizerPath())
			if err != nil {
				return err
			}
			ws, err := checkpoint.LoadWeights(h, cfg, tensor.F32)
			if err != nil {
				return err
			}

			sequences, err := readCalibration(calibPath, tok)
			if err != nil {
				return err
			}

			opts := quant.DefaultOptions()
			opts.GroupSize = groupSize
			opts.DampingFrac = damping

			start := time.Now()
			entries, err := engine.BuildInt4Artifact(cfg, ws, sequences, opts)
			if err != nil {
				return err
			}

			if output == "" {
				output = h.ArtifactPath()
			}
			if err := quant.WriteArtifact(output, entries); err != nil {
				return err
			}
			logger.Log.Info("artifact written",
				"path", output,
				"tensors", len(entries),
				"elapsed", time.Since(start))
			return nil
		},
	}

	cmd.Flags().StringVar(&checkpointDir, "checkpoint", "", "checkpoint directory (required)")
	cmd.Flags().StringVar(&calibPath, "calibration", "", "text file with one calibration sequence per line (required)")
	cmd.Flags().StringVar(&output, "output", "", "artifact output path (default: model.int4.arrow in the checkpoint)")
	cmd.Flags().IntVar(&groupSize, "group-size", quant.DefaultOptions().GroupSize, "int4 column group size")
	cmd.Flags().Float64Var(&damping, "damping", quant.DefaultOptions().DampingFrac, "Hessian damping fraction")
	cmd.MarkFlagRequired("checkpoint")
	cmd.MarkFlagRequired("calibration")
	return cmd
}

// readCalibration tokenizes one calibration sequence per non-empty line.
func readCalibration(path string, tok *tokenizer.Tokenizer) ([][]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open calibration file: %w", err)
	}
	defer f.Close()

	var sequences [][]int
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1<<20), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		ids := tok.Encode(line)
		if tok.BOS >= 0 {
			ids = append([]int{tok.BOS}, ids...)
		}
		if len(ids) > 0 {
			sequences = append(sequences, ids)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read calibration file: %w", err)
	}
	if len(sequences) == 0 {
		return nil, quant.CalibrationError{Reason: "calibration file contains no usable lines"}
	}
	return sequences, nil
}
