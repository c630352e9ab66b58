package replicaset

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/abhigod/kubecache/internal/api"
	"github.com/abhigod/kubecache/internal/cache"
	"github.com/abhigod/kubecache/internal/client"
	"github.com/abhigod/kubecache/internal/controller"
)

// expectationsTimeout bounds how long a replica set waits for the pod events
// of its own creates and deletes before it reconciles again regardless.
const expectationsTimeout = time.Minute

type Controller struct {
	Client *client.Client

	rsInformer  *cache.Informer
	podInformer *cache.Informer
	worker      *controller.Worker
	exp         *expectations
}

func New(cli *client.Client, opts cache.InformerOptions) *Controller {
	c := &Controller{
		Client:      cli,
		rsInformer:  cli.NewInformer(cli.ListWatch(api.ResourceReplicaSets, nil), opts),
		podInformer: cli.NewInformer(cli.ListWatch(api.ResourcePods, nil), opts),
		exp:         newExpectations(),
	}
	c.worker = controller.NewWorker("replicaset", c.reconcile)

	c.rsInformer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    func(obj *unstructured.Unstructured) { c.worker.Enqueue(obj.GetName()) },
		UpdateFunc: func(_, obj *unstructured.Unstructured) { c.worker.Enqueue(obj.GetName()) },
		DeleteFunc: func(obj *unstructured.Unstructured) {
			c.exp.forget(obj.GetName())
			c.worker.Enqueue(obj.GetName())
		},
	})
	c.podInformer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: func(obj *unstructured.Unstructured) {
			for _, rs := range c.ownersOf(obj) {
				c.exp.observeCreate(rs)
				c.worker.Enqueue(rs)
			}
		},
		UpdateFunc: func(oldObj, newObj *unstructured.Unstructured) {
			for _, rs := range c.ownersOf(oldObj, newObj) {
				c.worker.Enqueue(rs)
			}
		},
		DeleteFunc: func(obj *unstructured.Unstructured) {
			for _, rs := range c.ownersOf(obj) {
				c.exp.observeDelete(rs)
				c.worker.Enqueue(rs)
			}
		},
	})
	return c
}

// Start runs the controller until ctx is done.
func (c *Controller) Start(ctx context.Context) error {
	log.Info("Starting ReplicaSet Controller...")
	return c.worker.Run(ctx, 2, c.rsInformer, c.podInformer)
}

// ownersOf returns the names of the replica sets selecting any of pods.
func (c *Controller) ownersOf(pods ...*unstructured.Unstructured) []string {
	seen := map[string]bool{}
	var names []string
	for _, obj := range c.rsInformer.Store().List() {
		var rs api.ReplicaSet
		if err := client.FromUnstructured(obj, &rs); err != nil {
			continue
		}
		for _, pod := range pods {
			if pod.GetNamespace() == rs.Namespace && controller.LabelsMatch(rs.Spec.Selector.MatchLabels, pod.GetLabels()) && !seen[rs.Name] {
				seen[rs.Name] = true
				names = append(names, rs.Name)
			}
		}
	}
	return names
}

func (c *Controller) reconcile(ctx context.Context, name string) error {
	obj, found, err := controller.FindByName(c.rsInformer.Store(), name)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	var rs api.ReplicaSet
	if err := client.FromUnstructured(obj, &rs); err != nil {
		return err
	}
	if !c.exp.satisfied(name) {
		log.Debugf("RS %s: waiting for earlier pod changes to be observed", name)
		return nil
	}

	desired := int32(1)
	if rs.Spec.Replicas != nil {
		desired = *rs.Spec.Replicas
	}

	ownedPods, err := c.ownedPods(&rs)
	if err != nil {
		return err
	}
	current := int32(len(ownedPods))
	log.Debugf("RS %s: Desired=%d, Current=%d", rs.Name, desired, current)

	var errs []error
	if current < desired {
		diff := desired - current
		log.Infof("Scaling up RS %s by %d", rs.Name, diff)
		c.exp.expect(name, int(diff), 0)
		for i := int32(0); i < diff; i++ {
			if err := c.createPod(ctx, &rs); err != nil {
				c.exp.observeCreate(name)
				errs = append(errs, fmt.Errorf("failed to create pod for RS %s: %w", rs.Name, err))
			}
		}
	} else if current > desired {
		diff := current - desired
		log.Infof("Scaling down RS %s by %d", rs.Name, diff)
		c.exp.expect(name, 0, int(diff))
		for _, pod := range podsToDelete(ownedPods, int(diff)) {
			if err := c.Client.Delete(ctx, api.ResourcePods, pod.Name); err != nil {
				c.exp.observeDelete(name)
				if !apierrors.IsNotFound(err) {
					errs = append(errs, fmt.Errorf("failed to delete pod %s: %w", pod.Name, err))
				}
			}
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}

	return c.updateStatus(ctx, &rs, ownedPods)
}

func (c *Controller) ownedPods(rs *api.ReplicaSet) ([]api.Pod, error) {
	var owned []api.Pod
	for _, obj := range c.podInformer.Store().List() {
		var pod api.Pod
		if err := client.FromUnstructured(obj, &pod); err != nil {
			return nil, err
		}
		if pod.Namespace != rs.Namespace || !controller.LabelsMatch(rs.Spec.Selector.MatchLabels, pod.Labels) {
			continue
		}
		if pod.Status.Phase == "Succeeded" || pod.Status.Phase == "Failed" {
			continue
		}
		owned = append(owned, pod)
	}
	return owned, nil
}

// podsToDelete prefers pods that are not yet scheduled, then not running.
func podsToDelete(pods []api.Pod, n int) []api.Pod {
	rank := func(p api.Pod) int {
		switch {
		case p.Spec.NodeName == "":
			return 0
		case p.Status.Phase != "Running":
			return 1
		default:
			return 2
		}
	}
	sorted := append([]api.Pod(nil), pods...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if rank(sorted[i]) != rank(sorted[j]) {
			return rank(sorted[i]) < rank(sorted[j])
		}
		return sorted[i].Name < sorted[j].Name
	})
	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n]
}

func (c *Controller) createPod(ctx context.Context, rs *api.ReplicaSet) error {
	pod := &api.Pod{
		TypeMeta: api.TypeMeta{
			Kind:       "Pod",
			APIVersion: "v1",
		},
		ObjectMeta: api.ObjectMeta{
			Name:        fmt.Sprintf("%s-%s", rs.Name, uuid.New().String()[:5]),
			Namespace:   rs.Namespace,
			Labels:      rs.Spec.Template.Labels,
			Annotations: rs.Spec.Template.Annotations,
		},
		Spec: rs.Spec.Template.Spec,
	}
	if pod.Namespace == "" {
		pod.Namespace = "default"
	}
	return c.Client.CreateFrom(ctx, api.ResourcePods, pod)
}

func (c *Controller) updateStatus(ctx context.Context, rs *api.ReplicaSet, pods []api.Pod) error {
	var ready int32
	for _, pod := range pods {
		for _, cond := range pod.Status.Conditions {
			if cond.Type == "Ready" && cond.Status == "True" {
				ready++
				break
			}
		}
	}
	replicas := int32(len(pods))
	if rs.Status.Replicas == replicas && rs.Status.ReadyReplicas == ready {
		return nil
	}
	rs.Status.Replicas = replicas
	rs.Status.FullyLabeledReplicas = replicas
	rs.Status.ReadyReplicas = ready
	rs.Status.AvailableReplicas = ready
	if err := c.Client.UpdateFrom(ctx, api.ResourceReplicaSets, rs); err != nil {
		if apierrors.IsConflict(err) || apierrors.IsNotFound(err) {
			// A newer version is on its way through the informer.
			return nil
		}
		return err
	}
	return nil
}

// expectations tracks pod creates and deletes a replica set issued but has not
// yet seen through the pod informer.
type expectations struct {
	lock  sync.Mutex
	items map[string]*expectation
}

type expectation struct {
	adds, deletes int
	timestamp     time.Time
}

func newExpectations() *expectations {
	return &expectations{items: map[string]*expectation{}}
}

func (e *expectations) expect(name string, adds, deletes int) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.items[name] = &expectation{adds: adds, deletes: deletes, timestamp: time.Now()}
}

func (e *expectations) observeCreate(name string) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if exp, ok := e.items[name]; ok && exp.adds > 0 {
		exp.adds--
	}
}

func (e *expectations) observeDelete(name string) {
	e.lock.Lock()
	defer e.lock.Unlock()
	if exp, ok := e.items[name]; ok && exp.deletes > 0 {
		exp.deletes--
	}
}

func (e *expectations) satisfied(name string) bool {
	e.lock.Lock()
	defer e.lock.Unlock()
	exp, ok := e.items[name]
	if !ok {
		return true
	}
	if (exp.adds <= 0 && exp.deletes <= 0) || time.Since(exp.timestamp) > expectationsTimeout {
		delete(e.items, name)
		return true
	}
	return false
}

func (e *expectations) forget(name string) {
	e.lock.Lock()
	defer e.lock.Unlock()
	delete(e.items, name)
}
