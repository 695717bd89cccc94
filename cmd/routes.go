package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/relaybot/internal/config"
	"github.com/nextlevelbuilder/relaybot/internal/contract"
	"github.com/nextlevelbuilder/relaybot/internal/routing"
)

func routesCmd() *cobra.Command {
	var (
		transport    string
		conversation string
		actor        string
		kind         string
		accountID    string
	)
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Inspect route resolution for a hypothetical event",
		Long:  "Resolves the configured route bindings against a synthetic event and prints the decision, without touching the inbox or the trace log.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			parsedTransport, err := contract.ParseTransport(transport)
			if err != nil {
				return err
			}
			bindings, err := routing.LoadBindingsFile(routing.BindingsPath(cfg.SecurityDir))
			if err != nil {
				return fmt.Errorf("load route bindings: %w", err)
			}

			event := &contract.InboundEvent{
				SchemaVersion:  contract.SchemaVersion,
				Transport:      parsedTransport,
				Kind:           contract.EventKind(kind),
				EventID:        "route-inspect",
				ConversationID: conversation,
				ActorID:        actor,
			}
			if accountID != "" {
				event.SetMetaString("account_id", accountID)
			}

			decision := routing.Resolve(bindings, event)
			payload, err := json.MarshalIndent(decision, "", "  ")
			if err != nil {
				return fmt.Errorf("encode route decision: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(payload))
			return nil
		},
	}
	cmd.Flags().StringVar(&transport, "transport", "", "transport (telegram|discord|whatsapp)")
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation id")
	cmd.Flags().StringVar(&actor, "actor", "", "actor id")
	cmd.Flags().StringVar(&kind, "kind", string(contract.KindMessage), "event kind (message|edit|command|system)")
	cmd.Flags().StringVar(&accountID, "account", "", "account id metadata")
	_ = cmd.MarkFlagRequired("transport")
	_ = cmd.MarkFlagRequired("conversation")
	return cmd
}
