package main

import (
	"context"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/abhigod/kubecache/internal/cli"
	"github.com/abhigod/kubecache/internal/client"
	"github.com/abhigod/kubecache/internal/config"
	"github.com/abhigod/kubecache/internal/controller/deployment"
	"github.com/abhigod/kubecache/internal/controller/endpoints"
	"github.com/abhigod/kubecache/internal/controller/replicaset"
	"github.com/abhigod/kubecache/internal/leaderelection"
)

func main() {
	v := config.NewViper()
	command := cli.NewCommand("controller-manager", "Run the replicaset, deployment and endpoints controllers", v, func(ctx context.Context) error {
		cacheCfg, err := config.LoadCacheConfig(v)
		if err != nil {
			return err
		}
		apiClient, err := client.New(config.LoadClientConfig(v))
		if err != nil {
			return err
		}
		opts := cacheCfg.InformerOptions()

		runControllers := func(ctx context.Context) error {
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return replicaset.New(apiClient, opts).Start(ctx) })
			g.Go(func() error { return deployment.New(apiClient, opts).Start(ctx) })
			g.Go(func() error { return endpoints.NewController(apiClient, opts).Run(ctx) })
			log.Info("Controllers started")
			return g.Wait()
		}

		le := config.LoadLeaderElectionConfig(v)
		if !le.Enabled {
			return runControllers(ctx)
		}

		var runErr error
		elector, err := leaderelection.NewLeaderElector(leaderelection.Config{
			LockName:        le.LockName,
			Namespace:       le.Namespace,
			Identity:        le.Identity,
			LeaseDuration:   le.LeaseDuration,
			RenewDeadline:   le.RenewDeadline,
			RetryPeriod:     le.RetryPeriod,
			ReleaseOnCancel: le.ReleaseOnCancel,
			Client:          apiClient,
			Callbacks: leaderelection.Callbacks{
				OnStartedLeading: func(ctx context.Context) {
					runErr = runControllers(ctx)
				},
				OnStoppedLeading: func() {
					if ctx.Err() == nil {
						log.Fatal("Lost leadership, restarting...")
					}
				},
				OnNewLeader: func(identity string) {
					log.Infof("New leader elected: %s", identity)
				},
			},
		})
		if err != nil {
			return err
		}
		elector.Run(ctx)
		return runErr
	})
	cli.MustAddFlags(config.AddClientFlags(command.Flags(), v))
	cli.MustAddFlags(config.AddCacheFlags(command.Flags(), v))
	cli.MustAddFlags(config.AddLeaderElectionFlags(command.Flags(), v, "k8s-lite-controller-manager"))
	cli.Execute(command)
}
