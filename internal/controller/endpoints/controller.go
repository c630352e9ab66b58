package endpoints

import (
	"context"
	"reflect"
	"sort"

	log "github.com/sirupsen/logrus"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/abhigod/kubecache/internal/api"
	"github.com/abhigod/kubecache/internal/cache"
	"github.com/abhigod/kubecache/internal/client"
	"github.com/abhigod/kubecache/internal/controller"
)

// Controller keeps one Endpoints object per Service listing the IPs of the
// running pods the service selects.
type Controller struct {
	Client *client.Client

	serviceInformer   *cache.Informer
	podInformer       *cache.Informer
	endpointsInformer *cache.Informer
	worker            *controller.Worker
}

func NewController(cli *client.Client, opts cache.InformerOptions) *Controller {
	c := &Controller{
		Client:            cli,
		serviceInformer:   cli.NewInformer(cli.ListWatch(api.ResourceServices, nil), opts),
		podInformer:       cli.NewInformer(cli.ListWatch(api.ResourcePods, nil), opts),
		endpointsInformer: cli.NewInformer(cli.ListWatch(api.ResourceEndpoints, nil), opts),
	}
	c.worker = controller.NewWorker("endpoints", c.reconcileService)

	enqueue := func(obj *unstructured.Unstructured) { c.worker.Enqueue(obj.GetName()) }
	c.serviceInformer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    enqueue,
		UpdateFunc: func(_, obj *unstructured.Unstructured) { enqueue(obj) },
		DeleteFunc: enqueue,
	})
	c.endpointsInformer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		DeleteFunc: enqueue,
	})
	c.podInformer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    func(obj *unstructured.Unstructured) { c.enqueueServicesFor(obj) },
		UpdateFunc: func(oldObj, newObj *unstructured.Unstructured) { c.enqueueServicesFor(oldObj, newObj) },
		DeleteFunc: func(obj *unstructured.Unstructured) { c.enqueueServicesFor(obj) },
	})
	return c
}

func (c *Controller) Run(ctx context.Context) error {
	log.Info("Endpoints Controller started")
	return c.worker.Run(ctx, 2, c.serviceInformer, c.podInformer, c.endpointsInformer)
}

func (c *Controller) enqueueServicesFor(pods ...*unstructured.Unstructured) {
	for _, obj := range c.serviceInformer.Store().List() {
		var svc api.Service
		if err := client.FromUnstructured(obj, &svc); err != nil {
			continue
		}
		for _, pod := range pods {
			if pod.GetNamespace() == svc.Namespace && controller.LabelsMatch(svc.Spec.Selector, pod.GetLabels()) {
				c.worker.Enqueue(svc.Name)
				break
			}
		}
	}
}

func (c *Controller) reconcileService(ctx context.Context, name string) error {
	obj, found, err := controller.FindByName(c.serviceInformer.Store(), name)
	if err != nil {
		return err
	}
	existingObj, exists, err := controller.FindByName(c.endpointsInformer.Store(), name)
	if err != nil {
		return err
	}

	if !found {
		if !exists {
			return nil
		}
		log.Infof("Deleting Endpoints for removed Service %s", name)
		if err := c.Client.Delete(ctx, api.ResourceEndpoints, name); err != nil && !apierrors.IsNotFound(err) {
			return err
		}
		return nil
	}

	var svc api.Service
	if err := client.FromUnstructured(obj, &svc); err != nil {
		return err
	}
	// If the service has no selector, we don't manage endpoints (user might).
	if len(svc.Spec.Selector) == 0 {
		return nil
	}

	desired, err := c.desiredEndpoints(&svc)
	if err != nil {
		return err
	}

	if !exists {
		log.Infof("Creating Endpoints for Service %s with %d addresses", svc.Name, addressCount(desired))
		// AlreadyExists means the informer is behind; the requeue retries as an update.
		return c.Client.CreateFrom(ctx, api.ResourceEndpoints, desired)
	}

	var existing api.Endpoints
	if err := client.FromUnstructured(existingObj, &existing); err != nil {
		return err
	}
	if reflect.DeepEqual(existing.Subsets, desired.Subsets) {
		return nil
	}
	existing.Subsets = desired.Subsets
	log.Infof("Updating Endpoints for Service %s with %d addresses", svc.Name, addressCount(desired))
	return c.Client.UpdateFrom(ctx, api.ResourceEndpoints, &existing)
}

func (c *Controller) desiredEndpoints(svc *api.Service) (*api.Endpoints, error) {
	subset := api.EndpointSubset{}
	for _, obj := range c.podInformer.Store().List() {
		var pod api.Pod
		if err := client.FromUnstructured(obj, &pod); err != nil {
			return nil, err
		}
		if pod.Namespace != svc.Namespace || !controller.LabelsMatch(svc.Spec.Selector, pod.Labels) {
			continue
		}
		if pod.Status.Phase != "Running" || pod.Status.PodIP == "" {
			continue
		}
		subset.Addresses = append(subset.Addresses, api.EndpointAddress{
			IP:       pod.Status.PodIP,
			NodeName: pod.Spec.NodeName,
		})
	}
	sort.Slice(subset.Addresses, func(i, j int) bool {
		return subset.Addresses[i].IP < subset.Addresses[j].IP
	})

	subset.Ports = endpointPorts(svc.Spec.Ports)

	ep := &api.Endpoints{
		ObjectMeta: api.ObjectMeta{
			Name:      svc.Name,
			Namespace: svc.Namespace,
			Labels:    svc.Labels,
		},
	}
	if len(subset.Addresses) > 0 {
		ep.Subsets = []api.EndpointSubset{subset}
	}
	return ep, nil
}

func addressCount(ep *api.Endpoints) int {
	n := 0
	for _, s := range ep.Subsets {
		n += len(s.Addresses)
	}
	return n
}

// endpointPorts maps service ports to the ports on the pods. Named target
// ports are not resolved and fall back to the service port.
func endpointPorts(ports []api.ServicePort) []api.EndpointPort {
	var out []api.EndpointPort
	for _, sp := range ports {
		port := api.EndpointPort{Name: sp.Name, Port: sp.TargetPort.IntVal, Protocol: sp.Protocol}
		if port.Protocol == "" {
			port.Protocol = "TCP"
		}
		if sp.TargetPort.Type == intstr.String || sp.TargetPort.IntVal == 0 {
			port.Port = sp.Port
		}
		out = append(out, port)
	}
	return out
}
