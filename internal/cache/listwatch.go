package cache

import (
	"context"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
)

// ResourceType identifies the kind of objects a ListWatcher serves.
type ResourceType struct {
	schema.GroupVersionKind
	// Resource is the plural name used in URLs, e.g. "pods".
	Resource   string
	Namespaced bool
}

// APIVersion returns the apiVersion objects of this type carry, e.g. "v1" or "apps/v1".
func (t ResourceType) APIVersion() string {
	return t.GroupVersion().String()
}

// String returns the type name used in logs and metrics, e.g. "v1, Kind=Pod".
func (t ResourceType) String() string {
	return t.APIVersion() + ", Kind=" + t.Kind
}

// Lister lists a collection of objects.
type Lister interface {
	List(ctx context.Context, options metav1.ListOptions) (*unstructured.UnstructuredList, error)
}

// Watcher opens a change stream on a collection of objects. The stream ends
// when ctx is cancelled.
type Watcher interface {
	Watch(ctx context.Context, options metav1.ListOptions) (watch.Interface, error)
}

type ListerWatcher interface {
	Lister
	Watcher
}

type ListFunc func(ctx context.Context, options metav1.ListOptions) (*unstructured.UnstructuredList, error)

type WatchFunc func(ctx context.Context, options metav1.ListOptions) (watch.Interface, error)

// ListWatcher binds a resource type and base list options (selectors) to a
// transport. Options passed to List and Watch are merged over the base options.
type ListWatcher struct {
	Type      ResourceType
	ListFunc  ListFunc
	WatchFunc WatchFunc
	Options   metav1.ListOptions
}

var _ ListerWatcher = &ListWatcher{}

func (lw *ListWatcher) List(ctx context.Context, options metav1.ListOptions) (*unstructured.UnstructuredList, error) {
	return lw.ListFunc(ctx, lw.merge(options))
}

func (lw *ListWatcher) Watch(ctx context.Context, options metav1.ListOptions) (watch.Interface, error) {
	merged := lw.merge(options)
	merged.Watch = true
	return lw.WatchFunc(ctx, merged)
}

func (lw *ListWatcher) merge(extra metav1.ListOptions) metav1.ListOptions {
	out := lw.Options
	if extra.LabelSelector != "" {
		out.LabelSelector = extra.LabelSelector
	}
	if extra.FieldSelector != "" {
		out.FieldSelector = extra.FieldSelector
	}
	if extra.ResourceVersion != "" {
		out.ResourceVersion = extra.ResourceVersion
	}
	if extra.ResourceVersionMatch != "" {
		out.ResourceVersionMatch = extra.ResourceVersionMatch
	}
	if extra.TimeoutSeconds != nil {
		out.TimeoutSeconds = extra.TimeoutSeconds
	}
	if extra.Limit != 0 {
		out.Limit = extra.Limit
	}
	if extra.Continue != "" {
		out.Continue = extra.Continue
	}
	out.Watch = out.Watch || extra.Watch
	out.AllowWatchBookmarks = out.AllowWatchBookmarks || extra.AllowWatchBookmarks
	return out
}
