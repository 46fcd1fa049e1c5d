package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"abengine/internal/db"
)

func newCleanupCommand(a *app) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Purge stopped and completed experiments older than --days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("days") {
				days = a.cfg.RetentionDays
			}
			n, err := svc.CleanupOldTests(cmd.Context(), days)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"deleted": n, "days": days})
		},
	}
	cmd.Flags().IntVar(&days, "days", 90, "age in days after the experiment ended (defaults to APP_RETENTION_DAYS)")
	return cmd
}

func newAPIKeyCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage client API keys",
	}

	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a client API key owned by the bootstrap admin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			gdb, err := a.database()
			if err != nil {
				return err
			}
			admin, err := db.EnsureBootstrapAdmin(cmd.Context(), gdb, a.cfg)
			if err != nil {
				return err
			}
			key, err := db.CreateAPIKey(cmd.Context(), gdb, admin, name)
			if err != nil {
				return err
			}
			a.logger.Info("api key created", zap.String("name", key.Name), zap.Uint("id", key.ID))
			return printJSON(cmd.OutOrStdout(), map[string]any{"id": key.ID, "name": key.Name, "key": key.Key})
		},
	}
	create.Flags().StringVar(&name, "name", "cli", "label for the key")
	cmd.AddCommand(create)
	return cmd
}
