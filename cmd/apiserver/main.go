package main

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/abhigod/kubecache/internal/apiserver"
	"github.com/abhigod/kubecache/internal/cli"
	"github.com/abhigod/kubecache/internal/config"
	"github.com/abhigod/kubecache/internal/storage"
)

func main() {
	v := config.NewViper()
	command := cli.NewCommand("apiserver", "Serve the k8s-lite API", v, func(ctx context.Context) error {
		cfg, err := config.LoadAPIServerConfig(v)
		if err != nil {
			return err
		}
		log.Info("Starting K8s-Lite API Server...")

		store := storage.NewMemoryStore(cfg.DataFile, cfg.HistorySize)
		server := apiserver.NewServer(store)
		server.BookmarkInterval = cfg.BookmarkInterval

		addr := fmt.Sprintf(":%d", cfg.Port)
		log.Infof("Listening on %s", addr)
		return server.ListenAndServe(ctx, addr, cfg.TLSCert, cfg.TLSKey, cfg.TLSCA)
	})
	cli.MustAddFlags(config.AddAPIServerFlags(command.Flags(), v))
	cli.Execute(command)
}
