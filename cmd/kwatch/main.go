package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/abhigod/kubecache/internal/api"
	"github.com/abhigod/kubecache/internal/cache"
	"github.com/abhigod/kubecache/internal/cli"
	"github.com/abhigod/kubecache/internal/client"
	"github.com/abhigod/kubecache/internal/config"
)

func main() {
	v := config.NewViper()
	command := cli.NewCommand("kwatch", "Watch a resource through an informer and print its changes", v, func(ctx context.Context) error {
		res, err := lookupResource(v.GetString("resource"))
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

		lw := apiClient.NamespacedListWatch(res, v.GetString("namespace"))
		if selector := v.GetString("selector"); selector != "" {
			lw.Options.LabelSelector = selector
		}
		informer := apiClient.NewInformer(lw, cacheCfg.InformerOptions())
		p := &printer{out: os.Stdout, json: v.GetString("output") == "json"}
		informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
			AddFunc:    func(obj *unstructured.Unstructured) { p.print("ADDED", obj) },
			UpdateFunc: func(_, obj *unstructured.Unstructured) { p.print("MODIFIED", obj) },
			DeleteFunc: func(obj *unstructured.Unstructured) { p.print("DELETED", obj) },
		})

		go func() {
			if err := informer.WaitForSync(ctx); err == nil {
				log.WithField("resourceVersion", informer.LastSyncResourceVersion()).Infof("Synced %d %s", len(informer.Store().ListKeys()), res.Name)
			}
		}()
		informer.Run(ctx)
		return nil
	})
	fs := command.Flags()
	fs.StringP("resource", "r", api.ResourcePods.Name, "Resource to watch ("+strings.Join(resourceNames(), ", ")+")")
	fs.StringP("namespace", "n", "", "Only watch this namespace, all namespaces when empty")
	fs.StringP("selector", "l", "", "Label selector")
	fs.StringP("output", "o", "text", "Output format (text, json)")
	for _, key := range []string{"resource", "namespace", "selector", "output"} {
		cli.MustAddFlags(v.BindPFlag(key, fs.Lookup(key)))
	}
	cli.MustAddFlags(config.AddClientFlags(fs, v))
	cli.MustAddFlags(config.AddCacheFlags(fs, v))
	cli.Execute(command)
}

func resourceNames() []string {
	var names []string
	for _, r := range api.Resources {
		names = append(names, r.Name)
	}
	sort.Strings(names)
	return names
}

func lookupResource(name string) (api.Resource, error) {
	res, ok := api.LookupResource(name)
	if !ok {
		return api.Resource{}, fmt.Errorf("unknown resource %q, expected one of %s", name, strings.Join(resourceNames(), ", "))
	}
	return res, nil
}

type printer struct {
	out  io.Writer
	json bool
}

func (p *printer) print(eventType string, obj *unstructured.Unstructured) {
	if p.json {
		data, err := json.Marshal(map[string]interface{}{"type": eventType, "object": obj.Object})
		if err != nil {
			log.Warnf("Failed to encode %s: %v", obj.GetName(), err)
			return
		}
		fmt.Fprintln(p.out, string(data))
		return
	}
	name := obj.GetName()
	if ns := obj.GetNamespace(); ns != "" {
		name = ns + "/" + name
	}
	fmt.Fprintf(p.out, "%-8s %s %s (rv %s)\n", eventType, obj.GetKind(), name, obj.GetResourceVersion())
}
