package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/relaybot/internal/config"
	"github.com/nextlevelbuilder/relaybot/internal/policy"
	"github.com/nextlevelbuilder/relaybot/internal/runtime"
	"github.com/nextlevelbuilder/relaybot/internal/state"
)

func statusCmd() *cobra.Command {
	var showPolicy bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the persisted health snapshot",
		Long:  "Prints the machine-readable health snapshot from the state store: health state, rollout gate, queue depth, failure streak and last-cycle counters.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			if err := printHealth(cmd, cfg); err != nil {
				return err
			}
			if showPolicy {
				return printOpenDMRisk(cmd, cfg)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showPolicy, "policy", false, "also list channels with open-DM policy risk")
	return cmd
}

func printHealth(cmd *cobra.Command, cfg *config.Config) error {
	states, err := state.Open(cfg.StateDir)
	if err != nil {
		return err
	}
	defer states.Close()

	snapshot := runtime.NewSnapshot()
	found, err := states.LoadHealthSnapshot(cmd.Context(), &snapshot)
	if err != nil {
		return err
	}
	if !found {
		fmt.Fprintln(cmd.OutOrStdout(), "no health snapshot recorded yet")
	}
	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode health snapshot: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(payload))
	return nil
}

func printOpenDMRisk(cmd *cobra.Command, cfg *config.Config) error {
	file, err := policy.LoadChannelPolicyFile(policy.ChannelPolicyPath(cfg.SecurityDir))
	if err != nil {
		return fmt.Errorf("load channel policy: %w", err)
	}
	risky := policy.CollectOpenDMRiskChannels(file)
	out := cmd.OutOrStdout()
	if len(risky) == 0 {
		fmt.Fprintln(out, "open-DM risk: none")
		return nil
	}
	fmt.Fprintf(out, "open-DM risk (%d): %s\n", len(risky), strings.Join(risky, ", "))
	return nil
}
