package main

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/abhigod/kubecache/internal/cli"
	"github.com/abhigod/kubecache/internal/client"
	"github.com/abhigod/kubecache/internal/config"
	"github.com/abhigod/kubecache/internal/kubelet"
)

func main() {
	v := config.NewViper()
	command := cli.NewCommand("kubelet", "Run the pods bound to this node", v, func(ctx context.Context) error {
		cfg, err := config.LoadKubeletConfig(v)
		if err != nil {
			return err
		}
		cacheCfg, err := config.LoadCacheConfig(v)
		if err != nil {
			return err
		}
		apiClient, err := client.New(config.LoadClientConfig(v))
		if err != nil {
			return err
		}

		var rt kubelet.Runtime = kubelet.NewDockerRuntime()
		if cfg.Runtime == "fake" {
			rt = kubelet.NewFakeRuntime()
		}
		agent := kubelet.NewAgent(cfg.NodeName, apiClient, rt, cacheCfg.InformerOptions())
		agent.SyncPeriod = cfg.SyncPeriod
		agent.HeartbeatInterval = cfg.HeartbeatInterval
		if cfg.NodeCPU != "" {
			agent.Capacity["cpu"] = cfg.NodeCPU
		}

		err = agent.Run(ctx)
		log.Info("Shutting down Kubelet...")
		return err
	})
	cli.MustAddFlags(config.AddKubeletFlags(command.Flags(), v))
	cli.MustAddFlags(config.AddClientFlags(command.Flags(), v))
	cli.MustAddFlags(config.AddCacheFlags(command.Flags(), v))
	cli.Execute(command)
}
