// Command ns-probe captures frames on an interface and publishes them to NATS,
// or subscribes to the frame subject and prints what arrives.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"NetSimCore/internal/config"
	"NetSimCore/internal/core/model"
	"NetSimCore/internal/engine/protocol"
	"NetSimCore/internal/logging"
	"NetSimCore/internal/probe"
	"NetSimCore/internal/probe/persistent"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	cfgPath string
	iface   string
	record  string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "ns-probe",
		Short:        "Capture frames and move them over NATS",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.cfgPath, "config", "c", "configs/config.yaml", "path to the YAML config file")

	pub := &cobra.Command{
		Use:   "pub",
		Short: "Capture on an interface and publish every frame",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, opts, runPublisher)
		},
	}
	pub.Flags().StringVarP(&opts.iface, "iface", "i", "", "capture interface (overrides probe.interface)")
	pub.Flags().StringVar(&opts.record, "record", "", "directory for a pcap copy of the capture (overrides probe.record_path)")

	sub := &cobra.Command{
		Use:   "sub",
		Short: "Subscribe to the frame subject and print every frame",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd, opts, runSubscriber)
		},
	}

	root.AddCommand(pub, sub)
	return root
}

func withRuntime(cmd *cobra.Command, opts *options, fn func(context.Context, *config.Config, *zap.Logger) error) error {
	cfg, err := config.LoadConfig(opts.cfgPath)
	if err != nil {
		return err
	}
	if opts.iface != "" {
		cfg.Probe.Interface = opts.iface
	}
	if opts.record != "" {
		cfg.Probe.RecordPath = opts.record
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, cfg, logger)
}

func runPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.Probe.Interface == "" {
		return errors.New("no capture interface: set probe.interface or --iface")
	}
	logger = logger.Named("probe").With(zap.String("interface", cfg.Probe.Interface))

	pub, err := probe.NewPublisher(cfg.Probe, logger)
	if err != nil {
		return err
	}
	defer pub.Close()

	handle, err := pcap.OpenLive(cfg.Probe.Interface, cfg.Probe.SnapLen, cfg.Probe.Promiscuous, pcap.BlockForever)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", cfg.Probe.Interface, err)
	}
	defer handle.Close()

	var recorder *persistent.Worker
	if cfg.Probe.RecordPath != "" {
		recorder, err = persistent.NewWorker(cfg.Probe.RecordPath, cfg.Probe.SnapLen, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := recorder.Stop(); err != nil {
				logger.Warn("Failed to close capture file", zap.Error(err))
			}
		}()
		logger.Info("Recording capture", zap.String("path", recorder.Path()))
	}

	logger.Info("Capture started, publishing frames")
	packets := gopacket.NewPacketSource(handle, handle.LinkType()).Packets()
	published := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info("Capture stopped", zap.Int("published", published))
			return nil
		case pkt, ok := <-packets:
			if !ok {
				logger.Info("Capture source closed", zap.Int("published", published))
				return nil
			}
			f := model.Frame{
				Interface: cfg.Probe.Interface,
				Timestamp: pkt.Metadata().Timestamp,
				Data:      pkt.Data(),
			}
			if recorder != nil {
				recorder.Enqueue(f)
			}
			if err := pub.Publish(f); err != nil {
				logger.Warn("Failed to publish frame", zap.Error(err))
				continue
			}
			published++
			if published%1000 == 0 {
				logger.Debug("Frames published", zap.Int("count", published))
			}
		}
	}
}

func runSubscriber(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	sub, err := probe.NewSubscriber(cfg.Probe, logger)
	if err != nil {
		return err
	}
	defer sub.Close()

	// NATS delivers a subscription's messages on one goroutine, so a single
	// parser is enough.
	parser := protocol.NewParser()
	var pkt model.Packet
	err = sub.Start(func(f model.Frame) {
		ts := f.Timestamp.Format("15:04:05.000")
		if err := parser.Parse(f.Data, &pkt); err != nil {
			fmt.Printf("[%s] %s %d bytes: %v\n", ts, f.Interface, len(f.Data), err)
			return
		}
		fmt.Printf("[%s] %s %s len=%d ttl=%d dscp=%d\n", ts, f.Interface, pkt.FiveTuple, pkt.Size, pkt.TTL, pkt.DSCP)
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}
