package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opensandbox/vmctl/internal/config"
	"github.com/opensandbox/vmctl/internal/registry"
)

var (
	registryPath string
	lockDir      string
	agentToken   string
)

var rootCmd = &cobra.Command{
	Use:   "vmctl",
	Short: "vmctl - Control virtual machines and their guests from the command line",
	Long: `vmctl manages locally registered virtual machines and controls their guest
operating system through the guest agent: run processes, copy files, create
directories and update the guest tools.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&registryPath, "registry", "", "machine registry database (default $VMCTL_REGISTRY_PATH or <data dir>/machines.db)")
	rootCmd.PersistentFlags().StringVar(&lockDir, "lock-dir", "", "machine lock directory (default $VMCTL_LOCK_DIR or <data dir>/locks)")
	rootCmd.PersistentFlags().StringVar(&agentToken, "agent-token", "", "guest agent token (default $VMCTL_AGENT_TOKEN)")
}

// loadConfig reads the environment configuration and applies the global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if registryPath != "" {
		cfg.RegistryPath = registryPath
	}
	if lockDir != "" {
		cfg.LockDir = lockDir
	}
	if agentToken != "" {
		cfg.AgentToken = agentToken
	}
	return cfg, nil
}

// openRegistry opens the machine registry named by the configuration.
func openRegistry(cfg *config.Config) (*registry.Registry, error) {
	reg, err := registry.Open(cfg.RegistryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open machine registry: %w", err)
	}
	return reg, nil
}
