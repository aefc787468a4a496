package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"firma-sign/core/internal/config"
	"firma-sign/core/internal/supervisor"
)

func transportCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "transport", Short: "inspect configured transports"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list transports the registry would configure and their capabilities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, _ := cmd.Parent().Parent().PersistentFlags().GetString("env")
			cfg, err := config.Load(env)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log := logrus.New()
			log.SetLevel(logrus.WarnLevel)

			ctx := context.Background()
			sup, err := supervisor.New(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("configure transports: %w", err)
			}
			defer sup.Shutdown(ctx)

			for _, name := range sup.Registry.Names() {
				t, err := sup.Registry.Get(name)
				if err != nil {
					continue
				}
				caps := t.Capabilities()
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tmaxFileSize=%d\tbatch=%v\tencryption=%v\n",
					name, caps.MaxFileSize, caps.SupportsBatch, caps.SupportsEncryption)
			}
			return nil
		},
	})
	return cmd
}
