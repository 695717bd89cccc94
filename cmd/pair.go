package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/relaybot/internal/config"
	"github.com/nextlevelbuilder/relaybot/internal/policy"
)

func pairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Manage actor pairings",
	}
	cmd.AddCommand(pairAddCmd())
	cmd.AddCommand(pairRemoveCmd())
	cmd.AddCommand(pairListCmd())
	return cmd
}

func pairingConfig() (policy.PairingConfig, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return policy.PairingConfig{}, err
	}
	return policy.PairingConfigForSecurityDir(cfg.SecurityDir), nil
}

func pairAddCmd() *cobra.Command {
	var (
		channel  string
		actor    string
		pairedBy string
		ttl      int64
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Pair an actor with a channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := pairingConfig()
			if err != nil {
				return err
			}
			record, err := policy.AddPairing(cfg, channel, actor, pairedBy, ttl, time.Now().UnixMilli())
			if err != nil {
				return err
			}
			if record.ExpiresUnixMS == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "paired %s on %s (no expiry)\n", record.ActorID, record.Channel)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "paired %s on %s (expires %s)\n",
					record.ActorID, record.Channel, time.UnixMilli(record.ExpiresUnixMS).UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "policy channel, e.g. telegram:chat-100 or telegram:*")
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&pairedBy, "by", "operator", "who approved the pairing")
	cmd.Flags().Int64Var(&ttl, "ttl", 0, "pairing lifetime in seconds (0 = no expiry)")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func pairRemoveCmd() *cobra.Command {
	var (
		channel string
		actor   string
	)
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove an actor pairing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := pairingConfig()
			if err != nil {
				return err
			}
			removed, err := policy.RemovePairing(cfg, channel, actor)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d pairing(s)\n", removed)
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "policy channel")
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func pairListCmd() *cobra.Command {
	var (
		channel string
		actor   string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pairings and their expiry",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := pairingConfig()
			if err != nil {
				return err
			}
			status, err := policy.CollectPairingStatus(cfg, channel, actor, time.Now().UnixMilli())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for ch, actors := range status.Allowlist {
				for _, a := range actors {
					fmt.Fprintf(out, "%s\t%s\tallowlist\n", ch, a)
				}
			}
			if len(status.Pairings) == 0 && len(status.Allowlist) == 0 {
				fmt.Fprintln(out, "no pairings recorded")
				return nil
			}
			for _, row := range status.Pairings {
				expiry := "never"
				if row.ExpiresUnixMS != 0 {
					expiry = time.UnixMilli(row.ExpiresUnixMS).UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(out, "%s\t%s\tpaired_by=%s\texpires=%s\t%s\n",
					row.Channel, row.ActorID, row.PairedBy, expiry, row.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "filter by policy channel")
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor id")
	return cmd
}
