package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"circuitmesh/pkg/config"
	"circuitmesh/pkg/directory"
	"circuitmesh/pkg/types"
)

func circuitsCmd() *cobra.Command {
	var (
		dataDir string
		all     bool
	)

	cmd := &cobra.Command{
		Use:   "circuits",
		Short: "List committed circuits",
		Long:  `Read the node's circuit directory from disk. Disbanded circuits are hidden unless --all is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if dataDir != "" {
				cfg.DataDir = config.ExpandPath(dataDir)
			}

			if _, err := os.Stat(cfg.CircuitsFile()); os.IsNotExist(err) {
				fmt.Println(mutedStyle.Render("No circuits committed yet"))
				return nil
			}
			backend, err := directory.NewYAMLFileBackend(cfg.CircuitsFile())
			if err != nil {
				return err
			}
			records, err := backend.Load()
			if err != nil {
				return err
			}

			t := newTable("CIRCUIT", "STATUS", "MEMBERS", "SERVICES", "MANAGEMENT", "COMMITTED")
			shown := 0
			for _, rec := range records {
				c := rec.Circuit
				if c.Status != types.CircuitActive && !all {
					continue
				}
				status := okStyle.Render("ACTIVE")
				if c.Status == types.CircuitDisbanded {
					status = mutedStyle.Render("DISBANDED")
				}

				members := make([]string, 0, len(c.Members))
				for _, m := range c.Members {
					members = append(members, string(m.ID))
				}
				services := make([]string, 0, len(c.Services))
				for _, s := range c.Services {
					services = append(services, fmt.Sprintf("%s@%s", s.ID, s.NodeID))
				}

				t.Row(
					string(c.ID),
					status,
					strings.Join(members, ", "),
					joinOr(services, "-"),
					c.ManagementType,
					rec.CommittedAt.Local().Format(time.DateTime),
				)
				shown++
			}

			fmt.Println(titleStyle.Render(fmt.Sprintf("Circuits on %s", cfg.NodeID)))
			if shown == 0 {
				fmt.Println(mutedStyle.Render("No active circuits"))
				return nil
			}
			fmt.Println(t.Render())
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "node data directory")
	cmd.Flags().BoolVar(&all, "all", false, "include disbanded circuits")
	return cmd
}
