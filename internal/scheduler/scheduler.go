package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/abhigod/kubecache/internal/api"
	"github.com/abhigod/kubecache/internal/cache"
	"github.com/abhigod/kubecache/internal/client"
	"github.com/abhigod/kubecache/internal/controller"
)

// ErrNoFit is returned when no ready node has room for a pod.
var ErrNoFit = errors.New("no node fits pod")

type Scheduler struct {
	Client *client.Client

	pendingInformer  *cache.Informer
	assignedInformer *cache.Informer
	nodeInformer     *cache.Informer
	worker           *controller.Worker

	// assumed holds pods bound by this scheduler that the assigned informer
	// has not seen yet, so back to back decisions account for them.
	assumedLock sync.Mutex
	assumed     map[string]assumedPod
}

type assumedPod struct {
	node string
	cpu  int64
}

func New(cli *client.Client, opts cache.InformerOptions) *Scheduler {
	withNodeName := func(selector string) func(*metav1.ListOptions) {
		return func(options *metav1.ListOptions) { options.FieldSelector = selector }
	}
	s := &Scheduler{
		Client:           cli,
		pendingInformer:  cli.NewInformer(cli.ListWatch(api.ResourcePods, withNodeName("spec.nodeName=")), opts),
		assignedInformer: cli.NewInformer(cli.ListWatch(api.ResourcePods, withNodeName("spec.nodeName!=")), opts),
		nodeInformer:     cli.NewInformer(cli.ListWatch(api.ResourceNodes, nil), opts),
		assumed:          map[string]assumedPod{},
	}
	s.worker = controller.NewWorker("scheduler", s.scheduleOne)

	enqueue := func(obj *unstructured.Unstructured) { s.worker.Enqueue(obj.GetName()) }
	s.pendingInformer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    enqueue,
		UpdateFunc: func(_, obj *unstructured.Unstructured) { enqueue(obj) },
	})
	// New or freed capacity can make room for pods that did not fit earlier.
	requeuePending := func(*unstructured.Unstructured) {
		for _, obj := range s.pendingInformer.Store().List() {
			enqueue(obj)
		}
	}
	s.nodeInformer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    requeuePending,
		UpdateFunc: func(_, obj *unstructured.Unstructured) { requeuePending(obj) },
	})
	s.assignedInformer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: func(obj *unstructured.Unstructured) { s.forget(obj.GetName()) },
		DeleteFunc: func(obj *unstructured.Unstructured) {
			s.forget(obj.GetName())
			requeuePending(obj)
		},
	})
	return s
}

// Start runs the scheduler until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	log.Info("Starting Scheduler...")
	return s.worker.Run(ctx, 1, s.pendingInformer, s.assignedInformer, s.nodeInformer)
}

func (s *Scheduler) scheduleOne(ctx context.Context, name string) error {
	obj, found, err := controller.FindByName(s.pendingInformer.Store(), name)
	if err != nil || !found {
		return err
	}
	var pod api.Pod
	if err := client.FromUnstructured(obj, &pod); err != nil {
		return err
	}
	if pod.Spec.NodeName != "" {
		return nil
	}

	var nodes []api.Node
	for _, item := range s.nodeInformer.Store().List() {
		var node api.Node
		if err := client.FromUnstructured(item, &node); err != nil {
			return err
		}
		nodes = append(nodes, node)
	}
	if len(nodes) == 0 {
		log.Debug("No nodes available for scheduling")
		return nil
	}

	node, err := selectNode(&pod, nodes, s.requestedCPU())
	if err != nil {
		return fmt.Errorf("failed to schedule pod %s: %w", pod.Name, err)
	}
	if err := s.bind(ctx, &pod, node); err != nil {
		return fmt.Errorf("failed to bind pod %s to %s: %w", pod.Name, node, err)
	}
	log.Infof("Successfully scheduled %s to %s", pod.Name, node)
	return nil
}

// requestedCPU sums the CPU requests of the pods on each node, in millicores.
func (s *Scheduler) requestedCPU() map[string]int64 {
	used := map[string]int64{}
	for _, obj := range s.assignedInformer.Store().List() {
		var pod api.Pod
		if err := client.FromUnstructured(obj, &pod); err != nil {
			continue
		}
		if pod.Status.Phase == "Succeeded" || pod.Status.Phase == "Failed" {
			continue
		}
		used[pod.Spec.NodeName] += podRequest(&pod, "cpu")
	}

	s.assumedLock.Lock()
	defer s.assumedLock.Unlock()
	for name, a := range s.assumed {
		if _, found, _ := controller.FindByName(s.assignedInformer.Store(), name); !found {
			used[a.node] += a.cpu
		}
	}
	return used
}

func (s *Scheduler) forget(name string) {
	s.assumedLock.Lock()
	defer s.assumedLock.Unlock()
	delete(s.assumed, name)
}

// bind writes the node name onto the version of pod the decision was made
// on. A conflict requeues the pod.
func (s *Scheduler) bind(ctx context.Context, pod *api.Pod, nodeName string) error {
	pod.Spec.NodeName = nodeName
	pod.Status.Conditions = append(pod.Status.Conditions, api.PodCondition{Type: "PodScheduled", Status: "True"})
	if err := s.Client.UpdateFrom(ctx, api.ResourcePods, pod); err != nil {
		return err
	}
	s.assumedLock.Lock()
	defer s.assumedLock.Unlock()
	s.assumed[pod.Name] = assumedPod{node: nodeName, cpu: podRequest(pod, "cpu")}
	return nil
}

// selectNode picks the ready node with the most free CPU after placing pod.
// Ties go to the node whose name sorts first.
func selectNode(pod *api.Pod, nodes []api.Node, used map[string]int64) (string, error) {
	request := podRequest(pod, "cpu")
	type candidate struct {
		name string
		free int64
	}
	var feasible []candidate
	for i := range nodes {
		node := &nodes[i]
		if !podFitsResources(request, node, used[node.Name]) {
			continue
		}
		feasible = append(feasible, candidate{name: node.Name, free: nodeCPU(node) - used[node.Name] - request})
	}
	if len(feasible) == 0 {
		return "", ErrNoFit
	}
	sort.Slice(feasible, func(i, j int) bool {
		if feasible[i].free != feasible[j].free {
			return feasible[i].free > feasible[j].free
		}
		return feasible[i].name < feasible[j].name
	})
	return feasible[0].name, nil
}

func podFitsResources(request int64, node *api.Node, used int64) bool {
	if node.Spec.Unschedulable {
		return false
	}
	isReady := false
	for _, cond := range node.Status.Conditions {
		if cond.Type == "Ready" && cond.Status == "True" {
			isReady = true
			break
		}
	}
	if !isReady {
		return false
	}
	return used+request <= nodeCPU(node)
}

// nodeCPU prefers allocatable over capacity.
func nodeCPU(node *api.Node) int64 {
	if v, ok := node.Status.Allocatable["cpu"]; ok {
		return parseCPU(v)
	}
	return parseCPU(node.Status.Capacity["cpu"])
}

// podRequest sums a resource request over the pod's containers, in milli-units.
func podRequest(pod *api.Pod, resourceName string) int64 {
	var total int64
	for _, c := range pod.Spec.Containers {
		total += parseCPU(c.Resources.Requests[resourceName])
	}
	return total
}

// parseCPU returns millicores. Unparseable values count as zero.
func parseCPU(val string) int64 {
	if val == "" {
		return 0
	}
	q, err := resource.ParseQuantity(val)
	if err != nil {
		log.Warnf("Ignoring invalid quantity %q: %v", val, err)
		return 0
	}
	return q.MilliValue()
}
