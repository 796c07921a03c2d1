package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/opal-compute/gateway/core/controlplane/gateway"
	"github.com/opal-compute/gateway/core/infra/buildinfo"
	"github.com/opal-compute/gateway/core/infra/config"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		log.Fatalf("opal gateway error: %v", err)
	}
}

func newRootCommand() *cobra.Command {
	var admissionPath string
	root := &cobra.Command{
		Use:           "opal-gateway",
		Short:         "Admission gateway for OPAL compute jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&admissionPath, "config", "c", "", "admission config file (overrides GATEWAY_CONFIG_PATH)")

	loadConfig := func() *config.Config {
		cfg := config.Load()
		if admissionPath != "" {
			cfg.AdmissionConfigPath = admissionPath
		}
		return cfg
	}

	root.AddCommand(newServeCommand(loadConfig))
	root.AddCommand(newBootstrapAdminCommand(loadConfig))
	root.AddCommand(newVersionCommand())
	return root
}

func newServeCommand(loadConfig func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, gRPC health and metrics listeners",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log.Println("opal gateway starting...")
			buildinfo.Log("opal-gateway")
			return gateway.Run(cmd.Context(), loadConfig())
		},
	}
}

func newBootstrapAdminCommand(loadConfig func() *config.Config) *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "bootstrap-admin",
		Short: "Create an administrator account and print its token once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			comps, err := gateway.Open(loadConfig())
			if err != nil {
				return err
			}
			defer comps.Close()
			issued, err := comps.Admin.Bootstrap(cmd.Context(), username)
			if err != nil {
				return fmt.Errorf("bootstrap admin: %w", err)
			}
			return printIssued(cmd.OutOrStdout(), issued.User.Username, issued.Token)
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "admin", "administrator username")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "opal-gateway "+buildinfo.Info())
		},
	}
}

func printIssued(w io.Writer, username, token string) error {
	_, err := fmt.Fprintf(w, "username: %s\ntoken:    %s\n\nStore this token now; it cannot be shown again.\n", username, token)
	return err
}
