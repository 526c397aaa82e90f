package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/finchml/kestrel/internal/config"
	"github.com/finchml/kestrel/internal/logger"
	"github.com/finchml/kestrel/internal/quant"
	"github.com/finchml/kestrel/internal/tensor"
	"github.com/finchml/kestrel/internal/warmcache"
)

func newGenerateCmd() *cobra.Command {
	var (
		checkpointDir string
		prompt        string
		mode          string
		precision     string
		budgetBytes   int64

		temperature  float64
		topK         int
		topP         float64
		maxNewTokens int
		seed         int64
		stopStrings  []string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate text from a checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := quant.ParseMode(mode)
			if err != nil {
				return err
			}
			dt, err := tensor.ParseDType(precision)
			if err != nil {
				return err
			}

			reg := warmcache.NewRegistry(warmcache.Options{
				BudgetBytes: budgetBytes,
				Precision:   dt,
			})
			in, err := reg.Load(checkpointDir, m)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sampling := config.Sampling{
				Temperature:  temperature,
				TopK:         topK,
				TopP:         topP,
				MaxNewTokens: maxNewTokens,
				Seed:         seed,
				StopStrings:  stopStrings,
			}

			start := time.Now()
			text, res, err := in.Generate(ctx, prompt, sampling)
			if err != nil {
				return err
			}

			fmt.Println(text)
			elapsed := time.Since(start)
			logger.Log.Info("done",
				"generated", res.Generated,
				"reason", res.Reason.String(),
				"elapsed", elapsed,
				"tokens_per_sec", float64(res.Generated)/elapsed.Seconds())
			return nil
		},
	}

	d := config.DefaultSampling()
	cmd.Flags().StringVar(&checkpointDir, "checkpoint", "", "checkpoint directory (required)")
	cmd.Flags().StringVar(&prompt, "prompt", "Hello, my name is", "prompt to generate from")
	cmd.Flags().StringVar(&mode, "mode", "none", "quantization mode (none, dynamic-int8, calibrated-int4)")
	cmd.Flags().StringVar(&precision, "precision", "f32", "unquantized weight storage (f32, f16)")
	cmd.Flags().Int64Var(&budgetBytes, "budget-bytes", 0, "resident weight memory budget, 0 for unlimited")
	cmd.Flags().Float64Var(&temperature, "temperature", d.Temperature, "sampling temperature, 0 for greedy")
	cmd.Flags().IntVar(&topK, "top-k", d.TopK, "top-k filter, 0 to disable")
	cmd.Flags().Float64Var(&topP, "top-p", d.TopP, "nucleus filter, 0 to disable")
	cmd.Flags().IntVar(&maxNewTokens, "max-new-tokens", d.MaxNewTokens, "maximum tokens to generate")
	cmd.Flags().Int64Var(&seed, "seed", d.Seed, "rng seed for sampling")
	cmd.Flags().StringArrayVar(&stopStrings, "stop", nil, "stop string, repeatable")
	cmd.MarkFlagRequired("checkpoint")
	return cmd
}
