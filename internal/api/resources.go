package api

import (
	"path"

	"k8s.io/apimachinery/pkg/runtime/schema"
)

// Resource describes one collection served by the API server.
type Resource struct {
	schema.GroupVersionKind
	// Name is the plural path segment, e.g. "pods".
	Name       string
	ListKind   string
	Namespaced bool
}

var (
	ResourcePods        = Resource{GroupVersionKind: schema.GroupVersionKind{Version: "v1", Kind: "Pod"}, Name: "pods", ListKind: "PodList", Namespaced: true}
	ResourceNodes       = Resource{GroupVersionKind: schema.GroupVersionKind{Version: "v1", Kind: "Node"}, Name: "nodes", ListKind: "NodeList"}
	ResourceServices    = Resource{GroupVersionKind: schema.GroupVersionKind{Version: "v1", Kind: "Service"}, Name: "services", ListKind: "ServiceList", Namespaced: true}
	ResourceEndpoints   = Resource{GroupVersionKind: schema.GroupVersionKind{Version: "v1", Kind: "Endpoints"}, Name: "endpoints", ListKind: "EndpointsList", Namespaced: true}
	ResourceLeases      = Resource{GroupVersionKind: schema.GroupVersionKind{Version: "v1", Kind: "Lease"}, Name: "leases", ListKind: "LeaseList", Namespaced: true}
	ResourceReplicaSets = Resource{GroupVersionKind: schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "ReplicaSet"}, Name: "replicasets", ListKind: "ReplicaSetList", Namespaced: true}
	ResourceDeployments = Resource{GroupVersionKind: schema.GroupVersionKind{Group: "apps", Version: "v1", Kind: "Deployment"}, Name: "deployments", ListKind: "DeploymentList", Namespaced: true}
)

// Resources lists everything the API server registers routes for.
var Resources = []Resource{ResourcePods, ResourceNodes, ResourceServices, ResourceEndpoints, ResourceLeases, ResourceReplicaSets, ResourceDeployments}

// APIVersion returns the apiVersion objects of this resource carry.
func (r Resource) APIVersion() string {
	return r.GroupVersion().String()
}

// Path returns the collection URL path, e.g. /api/v1/pods or
// /apis/apps/v1/replicasets.
func (r Resource) Path() string {
	if r.Group == "" {
		return path.Join("/api", r.Version, r.Name)
	}
	return path.Join("/apis", r.Group, r.Version, r.Name)
}

// StoragePrefix is the key prefix objects of this resource are stored under.
func (r Resource) StoragePrefix() string {
	return "/registry/" + r.Name + "/"
}

// LookupResource finds a resource by its plural name.
func LookupResource(name string) (Resource, bool) {
	for _, r := range Resources {
		if r.Name == name {
			return r, true
		}
	}
	return Resource{}, false
}
