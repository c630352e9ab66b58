// Package cli provides functionality common to the k8s-lite binaries.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/abhigod/kubecache/internal/config"
	utillog "github.com/abhigod/kubecache/internal/log"
)

// NewCommand returns a root command whose run receives a context cancelled on
// SIGINT or SIGTERM. Config file and logging flags are registered on it, and
// both are applied before run is called.
func NewCommand(use, short string, v *viper.Viper, run func(ctx context.Context) error) *cobra.Command {
	command := &cobra.Command{
		Use:          use,
		Short:        short,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if err := config.ReadConfigFile(v); err != nil {
				return err
			}
			logCfg := config.LoadLogConfig(v)
			return utillog.Setup(logCfg.Format, logCfg.Level)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx)
		},
	}
	MustAddFlags(config.AddCommonFlags(command.Flags(), v))
	return command
}

// MustAddFlags panics when registering flags failed, which only happens on
// programming errors such as duplicate names.
func MustAddFlags(err error) {
	if err != nil {
		panic(fmt.Sprintf("failed to register flags: %v", err))
	}
}

// Execute runs command and exits non-zero on error.
func Execute(command *cobra.Command) {
	if err := command.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
