package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"firma-sign/core/internal/config"
	"firma-sign/core/internal/supervisor"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "start the coordinator and block until terminated",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, _ := cmd.Flags().GetString("env")
			return runServe(cmd, env)
		},
	}
}

func runServe(cmd *cobra.Command, env string) error {
	cfg, err := config.Load(env)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logrus.New()
	if lv, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lv)
	}

	ctx := context.Background()
	sup, err := supervisor.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}
	sup.Start()
	fmt.Fprintf(cmd.OutOrStdout(), "firmasignd started, transports: %v\n", sup.Registry.Names())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		log.Info("firmasignd: shutdown signal received")
	case err := <-sup.Fatal():
		log.WithError(err).Error("firmasignd: fatal component error, shutting down")
	}

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	sup.Shutdown(sctx)
	return nil
}
