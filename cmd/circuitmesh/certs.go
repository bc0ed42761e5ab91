package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"circuitmesh/pkg/auth"
)

func certsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Manage TLS certificates for tls:// and grpc:// transports",
	}
	cmd.AddCommand(certsCACmd(), certsIssueCmd(), certsInfoCmd())
	return cmd
}

func certsCACmd() *cobra.Command {
	var (
		dir      string
		network  string
		validity time.Duration
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Create the mesh certificate authority",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(filepath.Join(dir, "ca.crt")); err == nil {
				if !force {
					return fmt.Errorf("a CA already exists in %s (use --force to replace it)", dir)
				}
				for _, name := range []string{"ca.crt", "ca.key"} {
					if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
						return fmt.Errorf("failed to remove old CA: %w", err)
					}
				}
			}
			cm, err := auth.NewCertManager(dir)
			if err != nil {
				return err
			}
			if err := cm.GenerateCA(network, validity); err != nil {
				return err
			}
			fmt.Println(okStyle.Render("CA created"))
			fmt.Println(field("Certificate", filepath.Join(dir, "ca.crt")))
			fmt.Println(field("Key", filepath.Join(dir, "ca.key")))
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "./ca", "directory for ca.crt and ca.key")
	cmd.Flags().StringVar(&network, "network", "circuitmesh", "network name recorded in issued certificates")
	cmd.Flags().DurationVar(&validity, "validity", 5*365*24*time.Hour, "CA validity")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing CA")
	return cmd
}

func certsIssueCmd() *cobra.Command {
	var (
		caDir     string
		nodeID    string
		addresses []string
		outDir    string
		validity  time.Duration
		client    bool
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a node certificate signed by the mesh CA",
		RunE: func(cmd *cobra.Command, args []string) error {
			if nodeID == "" {
				return errors.New("--node-id is required")
			}
			cm, err := auth.NewCertManager(caDir)
			if err != nil {
				return err
			}
			if cm.CACertificate() == nil {
				return fmt.Errorf("no CA found in %s (run 'circuitmesh certs ca' first)", caDir)
			}

			component := auth.ComponentNode
			if client {
				component = auth.ComponentClient
			}
			cert, key, err := cm.GenerateCertificate(component, nodeID, addresses, validity)
			if err != nil {
				return err
			}

			if err := os.MkdirAll(outDir, 0700); err != nil {
				return fmt.Errorf("failed to create output directory: %w", err)
			}
			certPath := filepath.Join(outDir, nodeID+".crt")
			keyPath := filepath.Join(outDir, nodeID+".key")
			if err := cm.SaveCertificate(cert, key, certPath, keyPath); err != nil {
				return err
			}

			fmt.Println(okStyle.Render("Certificate issued"))
			fmt.Println(field("Node", nodeID))
			fmt.Println(field("Certificate", certPath))
			fmt.Println(field("Key", keyPath))
			fmt.Println(field("Expires", cert.NotAfter.Format(time.RFC3339)))
			return nil
		},
	}

	cmd.Flags().StringVar(&caDir, "ca", "./ca", "CA directory")
	cmd.Flags().StringVar(&nodeID, "node-id", "", "node id the certificate proves")
	cmd.Flags().StringSliceVar(&addresses, "address", nil, "host names or IPs the node is reachable at")
	cmd.Flags().StringVar(&outDir, "out", "./certs", "output directory")
	cmd.Flags().DurationVar(&validity, "validity", 365*24*time.Hour, "certificate validity")
	cmd.Flags().BoolVar(&client, "client", false, "issue a client certificate instead of a node certificate")
	return cmd
}

func certsInfoCmd() *cobra.Command {
	var caPath string

	cmd := &cobra.Command{
		Use:   "info <cert>",
		Short: "Show certificate details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := auth.LoadCertificateInfo(args[0])
			if err != nil {
				return err
			}

			status := okStyle.Render("valid")
			switch {
			case info.IsExpired:
				status = dangerStyle.Render("expired")
			case !info.IsValid:
				status = warningStyle.Render(info.ErrorMsg)
			case info.ExpiresIn < 30*24*time.Hour:
				status = warningStyle.Render(fmt.Sprintf("expires in %s", info.ExpiresIn.Round(time.Hour)))
			}

			lines := []string{
				titleStyle.Render(filepath.Base(args[0])),
				field("Subject", info.Subject),
				field("Issuer", info.Issuer),
				field("Serial", info.SerialNumber),
				field("Type", info.ComponentType),
				field("Node", info.NodeID),
				field("Network", info.Network),
				field("Addresses", joinOr(append(append([]string(nil), info.DNSNames...), info.IPAddresses...), "none")),
				field("Valid from", info.NotBefore.Format(time.RFC3339)),
				field("Valid until", info.NotAfter.Format(time.RFC3339)),
				labelStyle.Render("Status") + status,
			}
			if caPath != "" {
				chain := okStyle.Render("signed by CA")
				if err := auth.VerifyCertificateChain(args[0], caPath); err != nil {
					chain = dangerStyle.Render(err.Error())
				}
				lines = append(lines, labelStyle.Render("Chain")+chain)
			}

			fmt.Println(lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(primaryColor).
				Padding(0, 1).
				Render(strings.Join(lines, "\n")))
			return nil
		},
	}

	cmd.Flags().StringVar(&caPath, "ca-cert", "", "verify against this CA certificate")
	return cmd
}
