package main

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/abhigod/kubecache/internal/cli"
	"github.com/abhigod/kubecache/internal/client"
	"github.com/abhigod/kubecache/internal/config"
	"github.com/abhigod/kubecache/internal/proxy"
)

func main() {
	v := config.NewViper()
	command := cli.NewCommand("proxy", "Forward service NodePorts to their endpoints", v, func(ctx context.Context) error {
		cacheCfg, err := config.LoadCacheConfig(v)
		if err != nil {
			return err
		}
		apiClient, err := client.New(config.LoadClientConfig(v))
		if err != nil {
			return err
		}
		proxier := proxy.NewProxier(apiClient, cacheCfg.InformerOptions())
		proxier.ListenHost = v.GetString("listen-host")
		err = proxier.Run(ctx)
		log.Info("Shutting down Kube-Proxy...")
		return err
	})
	command.Flags().String("listen-host", "", "Address NodePorts are opened on, all interfaces when empty")
	cli.MustAddFlags(v.BindPFlag("listen-host", command.Flags().Lookup("listen-host")))
	cli.MustAddFlags(config.AddClientFlags(command.Flags(), v))
	cli.MustAddFlags(config.AddCacheFlags(command.Flags(), v))
	cli.Execute(command)
}
