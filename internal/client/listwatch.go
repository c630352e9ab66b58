package client

import (
	"context"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/abhigod/kubecache/internal/api"
	"github.com/abhigod/kubecache/internal/cache"
)

// ResourceType returns the cache type of res.
func ResourceType(res api.Resource) cache.ResourceType {
	return cache.ResourceType{
		GroupVersionKind: res.GroupVersionKind,
		Resource:         res.Name,
		Namespaced:       res.Namespaced,
	}
}

// ListWatch returns a list-watcher over every object of res. optionsModifier,
// if set, adjusts the base options, e.g. to add selectors.
func (c *Client) ListWatch(res api.Resource, optionsModifier func(*metav1.ListOptions)) *cache.ListWatcher {
	lw := &cache.ListWatcher{
		Type: ResourceType(res),
		ListFunc: func(ctx context.Context, options metav1.ListOptions) (*unstructured.UnstructuredList, error) {
			return c.List(ctx, res, options)
		},
		WatchFunc: func(ctx context.Context, options metav1.ListOptions) (watch.Interface, error) {
			return c.Watch(ctx, res, options)
		},
	}
	if optionsModifier != nil {
		optionsModifier(&lw.Options)
	}
	return lw
}

// NamespacedListWatch limits a list-watcher to one namespace. An empty
// namespace, or a cluster-scoped resource, watches everything.
func (c *Client) NamespacedListWatch(res api.Resource, namespace string) *cache.ListWatcher {
	if namespace == "" || !res.Namespaced {
		return c.ListWatch(res, nil)
	}
	return c.ListWatch(res, func(options *metav1.ListOptions) {
		selector := fields.OneTermEqualSelector("metadata.namespace", namespace)
		if options.FieldSelector != "" {
			if existing, err := fields.ParseSelector(options.FieldSelector); err == nil {
				selector = fields.AndSelectors(existing, selector)
			}
		}
		options.FieldSelector = selector.String()
	})
}

// NewInformer returns an informer over lw. It is not started.
func (c *Client) NewInformer(lw *cache.ListWatcher, opts cache.InformerOptions) *cache.Informer {
	return cache.NewInformer(lw, opts)
}
