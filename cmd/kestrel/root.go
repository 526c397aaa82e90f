package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/finchml/kestrel/internal/logger"
)

var (
	flagLogLevel    string
	flagLogFormat   string
	flagMetricsAddr string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "kestrel",
		Short:         "Quantized transformer inference",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Setup(flagLogLevel, flagLogFormat)
			if flagMetricsAddr != "" {
				go serveMetrics(flagMetricsAddr)
			}
		},
	}

	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "console", "log format (console, json)")
	root.PersistentFlags().StringVar(&flagMetricsAddr, "metrics", "", "address to serve Prometheus metrics, e.g. :9090 (disabled when empty)")

	root.AddCommand(newGenerateCmd())
	root.AddCommand(newQuantizeCmd())
	root.AddCommand(newInspectCmd())
	return root
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Log.Info("metrics serving", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Log.Error("metrics server stopped", "error", err)
	}
}
