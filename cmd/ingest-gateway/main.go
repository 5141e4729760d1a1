package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/cordum/ingestguard/core/controlplane/gateway"
	"github.com/cordum/ingestguard/core/infra/buildinfo"
	"github.com/cordum/ingestguard/core/infra/config"
	"github.com/cordum/ingestguard/core/infra/logging"
	"github.com/cordum/ingestguard/core/ingest/sandbox"
	"github.com/spf13/cobra"
)

const service = "ingest-gateway"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          service,
		Short:        "Gateway for untrusted file uploads and remote image fetches",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newSandboxCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var policyPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, gRPC health and metrics listeners",
		RunE: func(cmd *cobra.Command, _ []string) error {
			buildinfo.Log(service)
			cfg := config.Load()
			if policyPath != "" {
				cfg.PolicyPath = policyPath
			}
			policy, err := config.LoadPolicy(cfg.PolicyPath)
			if errors.Is(err, fs.ErrNotExist) {
				logging.Warn(service, "policy file missing; using defaults", "path", cfg.PolicyPath)
			} else if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return gateway.Run(ctx, cfg, policy)
		},
	}
	cmd.Flags().StringVar(&policyPath, "policy", "", "Ingest policy file (default: $INGEST_POLICY_PATH or config/ingest.yaml)")
	return cmd
}

// newSandboxCmd is the entry point re-executed by the parser sandbox.
func newSandboxCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "sandbox-exec",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !sandbox.IsChild() {
				return fmt.Errorf("sandbox-exec must be started by the gateway")
			}
			if code := sandbox.ServeChild(cmd.InOrStdin(), cmd.OutOrStdout()); code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.Info())
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logging.Error(service, "exit", "error", err)
		os.Exit(1)
	}
}
