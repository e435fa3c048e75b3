package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opensandbox/vmctl/internal/guestctl"
	"github.com/opensandbox/vmctl/internal/machine"
	"github.com/opensandbox/vmctl/internal/registry"
	"github.com/opensandbox/vmctl/internal/storage"
)

var guestControlCmd = &cobra.Command{
	Use:     "guestcontrol <vmname>|<uuid> <command> [options]",
	Aliases: []string{"gc"},
	Short:   "Control the guest operating system of a running machine",
	Long:    "Run processes, copy files, create directories and update the guest tools\ninside a running machine.\n\n" + guestctl.Usage,
	// The verbs parse their own options.
	DisableFlagParsing: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		args, err := applyGlobalFlags(args)
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		reg, err := openRegistry(cfg)
		if err != nil {
			return err
		}
		defer reg.Close()

		finder := machine.NewFinder(reg, registry.NewLocker(cfg.LockDir), cfg.AgentToken, cfg.ConnectTimeout)
		tools := storage.NewToolsStore(storage.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			ForcePathStyle:  cfg.S3ForcePathStyle,
		})

		r := guestctl.NewRunner(finder,
			guestctl.WithOutput(cmd.OutOrStdout(), cmd.ErrOrStderr()),
			guestctl.WithToolsFetcher(tools),
			guestctl.WithToolsSearchPaths(guestctl.DefaultToolsSearchPaths(cfg.ShareDir)...),
		)
		if code := r.Run(context.Background(), args); code != guestctl.ExitSuccess {
			return &guestctl.ExitError{Code: code}
		}
		return nil
	},
}

// applyGlobalFlags sets the root's persistent flags found in front of the
// machine name and returns the remaining arguments. Flag parsing is off
// for guestcontrol, so cobra hands them over as plain arguments.
func applyGlobalFlags(args []string) ([]string, error) {
	flags := rootCmd.PersistentFlags()
	for len(args) > 0 && strings.HasPrefix(args[0], "--") {
		name, value, hasValue := strings.Cut(args[0][2:], "=")
		if flags.Lookup(name) == nil {
			break
		}
		args = args[1:]
		if !hasValue {
			if len(args) == 0 {
				return nil, fmt.Errorf("flag needs an argument: --%s", name)
			}
			value, args = args[0], args[1:]
		}
		if err := flags.Set(name, value); err != nil {
			return nil, fmt.Errorf("invalid value %q for --%s: %w", value, name, err)
		}
	}
	return args, nil
}

func init() {
	rootCmd.AddCommand(guestControlCmd)
}
