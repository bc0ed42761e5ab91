package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"circuitmesh/pkg/auth"
	"circuitmesh/pkg/config"
)

func keygenCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create or show the node signing key",
		Long: `Create the Ed25519 key this node signs proposals and votes with, or load
the existing one, and print the public key line other nodes need under "keys".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path := cfg.SigningKeyFile()
			if out != "" {
				path = config.ExpandPath(out)
			}

			key, generated, err := auth.LoadOrGenerateSigningKey(path)
			if err != nil {
				return err
			}
			signer := auth.NewEd25519Signer(cfg.NodeID, key)

			status := mutedStyle.Render("existing")
			if generated {
				status = okStyle.Render("generated")
			}
			fmt.Println(field("Key file", path) + "  " + status)
			fmt.Println(field("Public key", auth.PublicKeyHex(signer.PublicKey())))
			if cfg.NodeID != "" {
				fmt.Printf("\n%q: %q\n", cfg.NodeID, auth.PublicKeyHex(signer.PublicKey()))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&out, "out", "", "key file (default: signing_key from config, else <data_dir>/node.key)")
	return cmd
}
