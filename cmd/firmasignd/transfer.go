package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"firma-sign/core/internal/config"
	"firma-sign/core/internal/store"
)

func transferCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "transfer", Short: "inspect persisted transfers"}
	cmd.AddCommand(&cobra.Command{
		Use:   "status <transferId>",
		Short: "print a transfer's status and recipients",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, _ := cmd.Parent().Parent().PersistentFlags().GetString("env")
			cfg, err := config.Load(env)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log := logrus.New()
			log.SetLevel(logrus.WarnLevel)

			st, err := store.Open(cfg.DatabasePath, log)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			ctx := context.Background()
			t, err := st.GetTransfer(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "id=%s direction=%s status=%s transport=%s\n", t.ID, t.Direction, t.Status, t.TransportName)

			recipients, err := st.FindRecipientsByTransferID(ctx, t.ID)
			if err != nil {
				return err
			}
			for _, r := range recipients {
				fmt.Fprintf(cmd.OutOrStdout(), "  recipient=%s identifier=%s status=%s\n", r.ID, r.Identifier, r.Status)
			}
			return nil
		},
	})
	return cmd
}
