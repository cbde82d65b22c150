package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/akashsinga/quantpulse/internal/ops"
	"github.com/akashsinga/quantpulse/internal/sched"
	"github.com/akashsinga/quantpulse/internal/tasks"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, heartbeat monitor, and ops HTTP endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			scheduler, err := sched.New(ctx, a.tasks, a.loc)
			if err != nil {
				return err
			}
			scheduler.Start()
			defer scheduler.Stop()

			monitor := tasks.NewHeartbeatMonitor(a.tasks)
			go monitor.Run(ctx)

			srv := ops.NewServer(a.cfg.OpsAddr, a.tasks, a.taskRepo, a.bars, a.m,
				a.db, ops.PingerFunc(func(ctx context.Context) error {
					return a.rdb.Ping(ctx).Err()
				}))
			if err := srv.Start(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			log.Info().Msg("shutting down")
			return nil
		},
	}
}
