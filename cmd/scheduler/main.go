package main

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/abhigod/kubecache/internal/cli"
	"github.com/abhigod/kubecache/internal/client"
	"github.com/abhigod/kubecache/internal/config"
	"github.com/abhigod/kubecache/internal/scheduler"
)

func main() {
	v := config.NewViper()
	command := cli.NewCommand("scheduler", "Bind pending pods to nodes", v, func(ctx context.Context) error {
		cacheCfg, err := config.LoadCacheConfig(v)
		if err != nil {
			return err
		}
		apiClient, err := client.New(config.LoadClientConfig(v))
		if err != nil {
			return err
		}
		sched := scheduler.New(apiClient, cacheCfg.InformerOptions())
		err = sched.Start(ctx)
		log.Info("Shutting down Scheduler...")
		return err
	})
	cli.MustAddFlags(config.AddClientFlags(command.Flags(), v))
	cli.MustAddFlags(config.AddCacheFlags(command.Flags(), v))
	cli.Execute(command)
}
