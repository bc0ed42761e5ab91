package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"circuitmesh/pkg/config"
	"circuitmesh/pkg/node"
)

func nodeCmd() *cobra.Command {
	var (
		nodeID         string
		listen         []string
		peers          []string
		dataDir        string
		metricsAddress string
	)

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a mesh node",
		Long: `Start a node that listens for peers, dials the configured peers and
votes on circuit proposals. Flags override the config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if nodeID != "" {
				cfg.NodeID = nodeID
			}
			if len(listen) > 0 {
				cfg.Listen = listen
			}
			if dataDir != "" {
				cfg.DataDir = config.ExpandPath(dataDir)
			}
			if metricsAddress != "" {
				cfg.MetricsAddress = metricsAddress
			}
			for _, p := range peers {
				// Format: nodeID=endpoint
				id, ep, ok := strings.Cut(p, "=")
				if !ok {
					return fmt.Errorf("invalid peer format: %s (expected nodeID=endpoint)", p)
				}
				cfg.Peers = append(cfg.Peers, config.PeerConfig{NodeID: id, Endpoint: ep})
			}

			n, err := node.New(cfg, node.Options{Logger: logger})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("Starting node",
				zap.String("node_id", cfg.NodeID),
				zap.Strings("listen", cfg.Listen),
				zap.String("data_dir", cfg.DataDir))
			if err := n.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			logger.Info("Shutting down node")
			n.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&nodeID, "node-id", "", "unique node identifier")
	cmd.Flags().StringSliceVar(&listen, "listen", nil, "listen endpoints (e.g. tcp://0.0.0.0:8044)")
	cmd.Flags().StringSliceVar(&peers, "peer", nil, "peer to keep connected, as nodeID=endpoint")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory for keys and the circuit directory")
	cmd.Flags().StringVar(&metricsAddress, "metrics-address", "", "address for /metrics and /health")

	return cmd
}
