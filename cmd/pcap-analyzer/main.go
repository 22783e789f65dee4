// Command pcap-analyzer replays a pcap file through the router pipeline and
// prints the final report.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"NetSimCore/internal/config"
	coremodel "NetSimCore/internal/core/model"
	"NetSimCore/internal/engine/manager"
	"NetSimCore/internal/logging"
	"NetSimCore/internal/model"
	"NetSimCore/pkg/pcap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgPath string
		iface   string
		flows   bool
	)
	cmd := &cobra.Command{
		Use:          "pcap-analyzer <file.pcap>",
		Short:        "Replay a pcap file through the router and print the resulting report",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			return analyze(cmd, cfg, logger, args[0], iface, flows)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "configs/config.yaml", "path to the YAML config file")
	cmd.Flags().StringVarP(&iface, "iface", "i", "pcap0", "ingress interface name assigned to replayed frames")
	cmd.Flags().BoolVar(&flows, "flows", false, "include the per-flow table in the output")
	return cmd
}

func analyze(cmd *cobra.Command, cfg *config.Config, logger *zap.Logger, path, iface string, withFlows bool) error {
	reader, err := pcap.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open pcap file: %w", err)
	}
	defer reader.Close()

	mgr, err := manager.NewManager(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create manager: %w", err)
	}
	mgr.Start()

	start := time.Now()
	logger.Info("Replaying capture", zap.String("file", path), zap.String("interface", iface))
	n, readErr := reader.ReadFrames(iface, func(f coremodel.Frame) error {
		return mgr.Submit(f)
	})
	// The report is taken after Stop so every submitted frame is accounted for.
	mgr.Stop()
	if readErr != nil {
		return readErr
	}
	logger.Info("Replay finished", zap.Int("frames", n), zap.Duration("elapsed", time.Since(start)))

	report := mgr.Report()
	if !withFlows {
		report.Flows = nil
		report.Evicted = nil
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(output{
		Report:   report,
		Drops:    report.Metrics.DropsByReason(),
		DropRate: report.Metrics.DropRate(),
		Frames:   n,
	})
}

type output struct {
	*model.Report
	Drops    map[string]uint64 `json:"drops"`
	DropRate float64           `json:"drop_rate"`
	Frames   int               `json:"frames"`
}
