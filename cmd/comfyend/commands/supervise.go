package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/matyoung89/ComfyEndpoints/logger"
	"github.com/matyoung89/ComfyEndpoints/supervisor"
)

var superviseCmd = &cobra.Command{
	Use:   "supervise",
	Short: "Run the full pod startup: resolve artifacts, launch the engine, serve the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logger.Get()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		sup := supervisor.New(cfg, log)
		code, err := sup.Run(ctx)
		if err != nil {
			return err
		}
		logger.Cleanup()
		os.Exit(code)
		return nil
	},
}
