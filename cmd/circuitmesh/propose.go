package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"circuitmesh/pkg/auth"
	"circuitmesh/pkg/client"
	"circuitmesh/pkg/transport"
	"circuitmesh/pkg/types"
)

func proposeCmd() *cobra.Command {
	var (
		circuitFile string
		endpoint    string
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Propose a circuit through the local node",
		Long: `Read a circuit definition (YAML or JSON), sign it with the node's key and
submit it through the running node. Waits until every member has voted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			if circuitFile == "" {
				return errors.New("--circuit is required")
			}
			circuit, err := readCircuit(circuitFile)
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.NodeID == "" {
				return errors.New("node_id is not configured")
			}
			if endpoint == "" {
				if len(cfg.Listen) == 0 {
					return errors.New("no endpoint given and no listen endpoint configured")
				}
				endpoint = cfg.Listen[0]
			}

			key, err := auth.LoadSigningKey(cfg.SigningKeyFile())
			if err != nil {
				return err
			}
			tr, err := transport.NewDefault(cfg.Auth, logger.Named("transport"))
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			c, err := client.Dial(ctx, tr, endpoint, auth.NewEd25519Signer(cfg.NodeID, key), logger)
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := c.Propose(ctx, circuit)
			if err != nil {
				return fmt.Errorf("no outcome for %s: %w", circuit.ID, err)
			}

			fmt.Println(field("Circuit", res.CircuitID))
			fmt.Println(field("Proposal", res.ProposalID))
			if res.Committed {
				fmt.Println(labelStyle.Render("Outcome") + okStyle.Render("committed"))
				return nil
			}
			outcome := res.Reason.String()
			if res.Detail != "" {
				outcome = res.Detail
			}
			fmt.Println(labelStyle.Render("Outcome") + dangerStyle.Render("rejected: "+outcome))
			return fmt.Errorf("circuit %s was not created", res.CircuitID)
		},
	}

	cmd.Flags().StringVar(&circuitFile, "circuit", "", "circuit definition file")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "node endpoint (default: first listen endpoint)")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "how long to wait for the vote")
	return cmd
}

// readCircuit parses a definition file. JSON is valid YAML.
func readCircuit(path string) (types.Circuit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Circuit{}, fmt.Errorf("failed to read circuit file: %w", err)
	}
	var c types.Circuit
	if err := yaml.Unmarshal(data, &c); err != nil {
		return types.Circuit{}, fmt.Errorf("failed to parse circuit file: %w", err)
	}
	c.Status = types.CircuitActive
	return c, nil
}
