package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensandbox/vmctl/internal/registry"
	"github.com/opensandbox/vmctl/pkg/client"
	"github.com/opensandbox/vmctl/pkg/types"
)

var machineCmd = &cobra.Command{
	Use:     "machine",
	Aliases: []string{"vm"},
	Short:   "Manage registered machines",
	Long:    `Register, list, change the state of, and unregister machines.`,
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a machine",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		agentAddr, _ := cmd.Flags().GetString("agent")
		stateStr, _ := cmd.Flags().GetString("state")
		if name == "" || agentAddr == "" {
			return fmt.Errorf("--name and --agent are required")
		}
		state, err := types.ParseMachineState(stateStr)
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

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		m, err := reg.Register(ctx, name, agentAddr, state)
		if err != nil {
			return fmt.Errorf("failed to register machine: %w", err)
		}

		fmt.Printf("✓ Machine registered: %s\n", m.ID)
		fmt.Printf("  Name: %s\n", m.Name)
		fmt.Printf("  State: %s\n", m.State.Name())
		fmt.Printf("  Agent: %s\n", m.AgentAddr)
		return nil
	},
}

var machineListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered machines",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		reg, err := openRegistry(cfg)
		if err != nil {
			return err
		}
		defer reg.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		machines, err := reg.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list machines: %w", err)
		}

		jsonOutput, _ := cmd.Flags().GetBool("json")
		if jsonOutput {
			data, _ := json.MarshalIndent(machines, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		if len(machines) == 0 {
			fmt.Println("No machines found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATE\tAGENT\tUPDATED")
		for _, m := range machines {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				m.ID, m.Name, m.State.Name(), m.AgentAddr, m.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
		}
		w.Flush()

		return nil
	},
}

var setStateCmd = &cobra.Command{
	Use:   "set-state <vmname>|<uuid> <state>",
	Short: "Record a new machine state",
	Long: `Record a new machine state. The machine is locked exclusively while the
state changes, so this fails while guest control sessions are active.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		state, err := types.ParseMachineState(args[1])
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

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		m, err := reg.Find(ctx, args[0])
		if err != nil {
			return err
		}
		lk, err := registry.NewLocker(cfg.LockDir).LockExclusive(m.ID)
		if err != nil {
			return err
		}
		defer lk.Unlock()

		if err := reg.SetState(ctx, m.ID, state); err != nil {
			return err
		}
		fmt.Printf("✓ Machine %s is now %s\n", m.Name, state.Name())
		return nil
	},
}

var unregisterCmd = &cobra.Command{
	Use:   "unregister <vmname>|<uuid>",
	Short: "Remove a machine from the registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		reg, err := openRegistry(cfg)
		if err != nil {
			return err
		}
		defer reg.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		m, err := reg.Find(ctx, args[0])
		if err != nil {
			return err
		}
		lk, err := registry.NewLocker(cfg.LockDir).LockExclusive(m.ID)
		if err != nil {
			return err
		}
		defer lk.Unlock()

		if err := reg.Unregister(ctx, m.ID); err != nil {
			return err
		}
		fmt.Printf("✓ Machine %s unregistered\n", m.Name)
		return nil
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping <vmname>|<uuid>",
	Short: "Check that the guest agent of a machine answers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		reg, err := openRegistry(cfg)
		if err != nil {
			return err
		}
		defer reg.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		m, err := reg.Find(ctx, args[0])
		if err != nil {
			return err
		}
		c, err := client.New(m.AgentAddr, cfg.AgentToken, cfg.ConnectTimeout)
		if err != nil {
			return err
		}
		defer c.Close()

		h, err := c.Health(ctx)
		if err != nil {
			return fmt.Errorf("agent of %s did not answer: %w", m.Name, err)
		}
		fmt.Printf("Agent %s on %s\n", h.Version, m.Name)
		fmt.Printf("  Uptime: %s\n", time.Duration(h.UptimeSeconds)*time.Second)
		fmt.Printf("  Processes: %d\n", h.Processes)
		if h.MemTotal > 0 {
			fmt.Printf("  Memory: %d MB available of %d MB\n", h.MemAvailable>>20, h.MemTotal>>20)
		}
		return nil
	},
}

func init() {
	registerCmd.Flags().String("name", "", "machine name")
	registerCmd.Flags().String("agent", "", "guest agent address (http://host:port, unix:///path, fc:///path?port=N, vsock://cid:port)")
	registerCmd.Flags().String("state", string(types.MachineStatePoweredOff), "initial machine state")

	machineListCmd.Flags().Bool("json", false, "Output as JSON")

	machineCmd.AddCommand(registerCmd)
	machineCmd.AddCommand(machineListCmd)
	machineCmd.AddCommand(setStateCmd)
	machineCmd.AddCommand(unregisterCmd)
	machineCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(machineCmd)
}
