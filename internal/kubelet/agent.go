// Package kubelet runs the pods bound to one node and reports their status.
package kubelet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"github.com/abhigod/kubecache/internal/api"
	"github.com/abhigod/kubecache/internal/cache"
	"github.com/abhigod/kubecache/internal/client"
	"github.com/abhigod/kubecache/internal/controller"
)

const Version = "v0.1.0-kubecache"

type Agent struct {
	NodeName string
	Client   *client.Client
	Runtime  Runtime
	Prober   Prober

	// Capacity is advertised on the node object.
	Capacity          api.ResourceList
	HeartbeatInterval time.Duration
	// SyncPeriod is how often every pod is reconciled against the runtime,
	// which is also when probes run.
	SyncPeriod time.Duration

	podInformer *cache.Informer
	worker      *controller.Worker
	clock       clock.PassiveClock

	// Per container name.
	lock     sync.Mutex
	restarts map[string]int
	started  map[string]time.Time
	probes   map[string]probeResult
}

type probeResult struct {
	at time.Time
	ok bool
}

func NewAgent(nodeName string, cli *client.Client, rt Runtime, opts cache.InformerOptions) *Agent {
	a := &Agent{
		NodeName:          nodeName,
		Client:            cli,
		Runtime:           rt,
		Prober:            NewProber(),
		Capacity:          api.ResourceList{"cpu": fmt.Sprintf("%d", runtime.NumCPU()), "pods": "110"},
		HeartbeatInterval: 10 * time.Second,
		SyncPeriod:        5 * time.Second,
		clock:             clock.RealClock{},
		restarts:          map[string]int{},
		started:           map[string]time.Time{},
		probes:            map[string]probeResult{},
	}
	onNode := fields.OneTermEqualSelector("spec.nodeName", nodeName).String()
	a.podInformer = cli.NewInformer(cli.ListWatch(api.ResourcePods, func(options *metav1.ListOptions) {
		options.FieldSelector = onNode
	}), opts)
	a.worker = controller.NewWorker("kubelet", a.syncPod)

	enqueue := func(obj *unstructured.Unstructured) { a.worker.Enqueue(obj.GetName()) }
	a.podInformer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    enqueue,
		UpdateFunc: func(_, obj *unstructured.Unstructured) { enqueue(obj) },
		DeleteFunc: enqueue,
	})
	return a
}

// Run registers the node and runs its pods until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	log.WithField("node", a.NodeName).Info("Starting Kubelet")
	if err := a.registerNode(ctx); err != nil {
		return fmt.Errorf("failed to register node %s: %w", a.NodeName, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		wait.UntilWithContext(ctx, a.heartbeat, a.HeartbeatInterval)
	}()
	go func() {
		defer wg.Done()
		wait.UntilWithContext(ctx, a.resync, a.SyncPeriod)
	}()
	defer wg.Wait()

	return a.worker.Run(ctx, 2, a.podInformer)
}

func (a *Agent) registerNode(ctx context.Context) error {
	hostname, _ := os.Hostname()
	node := &api.Node{
		ObjectMeta: api.ObjectMeta{
			Name:   a.NodeName,
			Labels: map[string]string{"kubernetes.io/hostname": a.NodeName},
		},
	}
	a.setNodeStatus(node, hostname)

	log.WithField("node", a.NodeName).Info("Registering node")
	err := a.Client.CreateFrom(ctx, api.ResourceNodes, node)
	if !apierrors.IsAlreadyExists(err) {
		return err
	}

	// Re-registration keeps the spec, e.g. a cordon, and replaces the status.
	var existing api.Node
	if err := a.Client.GetInto(ctx, api.ResourceNodes, a.NodeName, &existing); err != nil {
		return err
	}
	a.setNodeStatus(&existing, hostname)
	return a.Client.UpdateFrom(ctx, api.ResourceNodes, &existing)
}

func (a *Agent) setNodeStatus(node *api.Node, hostname string) {
	node.Status.Capacity = a.Capacity
	node.Status.Allocatable = a.Capacity
	node.Status.Conditions = []api.NodeCondition{{Type: "Ready", Status: "True", LastHeartbeatTime: time.Now()}}
	node.Status.Addresses = []api.NodeAddress{{Type: "Hostname", Address: hostname}}
	node.Status.NodeInfo = api.NodeSystemInfo{
		KubeletVersion:  Version,
		OperatingSystem: runtime.GOOS,
		Architecture:    runtime.GOARCH,
	}
}

func (a *Agent) heartbeat(ctx context.Context) {
	var node api.Node
	if err := a.Client.GetInto(ctx, api.ResourceNodes, a.NodeName, &node); err != nil {
		if apierrors.IsNotFound(err) {
			err = a.registerNode(ctx)
		}
		if err != nil && ctx.Err() == nil {
			log.WithField("node", a.NodeName).Warnf("Heartbeat failed: %v", err)
		}
		return
	}
	setNodeCondition(&node, api.NodeCondition{Type: "Ready", Status: "True", LastHeartbeatTime: time.Now()})
	if err := a.Client.UpdateFrom(ctx, api.ResourceNodes, &node); err != nil && ctx.Err() == nil {
		log.WithField("node", a.NodeName).Debugf("Heartbeat update failed: %v", err)
	}
}

func setNodeCondition(node *api.Node, cond api.NodeCondition) {
	for i := range node.Status.Conditions {
		if node.Status.Conditions[i].Type == cond.Type {
			node.Status.Conditions[i] = cond
			return
		}
	}
	node.Status.Conditions = append(node.Status.Conditions, cond)
}

// resync queues every pod in the cache plus every pod that still has
// containers, so exits, probes and orphans are noticed without an event.
func (a *Agent) resync(ctx context.Context) {
	for _, obj := range a.podInformer.Store().List() {
		a.worker.Enqueue(obj.GetName())
	}
	containers, err := a.Runtime.ListContainers(ctx)
	if err != nil {
		log.Warnf("Error listing containers: %v", err)
		return
	}
	for _, c := range containers {
		a.worker.Enqueue(c.PodName)
	}
}

func (a *Agent) syncPod(ctx context.Context, name string) error {
	containers, err := a.podContainers(ctx, name)
	if err != nil {
		return err
	}

	obj, found, err := controller.FindByName(a.podInformer.Store(), name)
	if err != nil {
		return err
	}
	if !found {
		return a.killPod(ctx, name, containers)
	}
	var pod api.Pod
	if err := client.FromUnstructured(obj, &pod); err != nil {
		return err
	}
	if pod.Status.Phase == "Succeeded" || pod.Status.Phase == "Failed" {
		return nil
	}

	var statuses []api.ContainerStatus
	var runErr error
	podIP := pod.Status.PodIP
	for i := range pod.Spec.Containers {
		spec := &pod.Spec.Containers[i]
		status, ip, err := a.syncContainer(ctx, &pod, spec, containers[ContainerName(&pod, spec)])
		if err != nil {
			if status.State.Waiting == nil {
				return err
			}
			// Report the waiting container and retry it later.
			runErr = err
		}
		if ip != "" {
			podIP = ip
		}
		statuses = append(statuses, status)
	}
	if err := a.updateStatus(ctx, &pod, podIP, statuses); err != nil {
		return err
	}
	return runErr
}

func (a *Agent) podContainers(ctx context.Context, podName string) (map[string]ContainerInfo, error) {
	all, err := a.Runtime.ListContainers(ctx)
	if err != nil {
		return nil, fmt.Errorf("error listing containers: %w", err)
	}
	out := map[string]ContainerInfo{}
	for _, c := range all {
		if c.PodName == podName {
			out[c.Name] = c
		}
	}
	return out, nil
}

func (a *Agent) killPod(ctx context.Context, name string, containers map[string]ContainerInfo) error {
	if len(containers) == 0 {
		return nil
	}
	log.WithField("pod", name).Infof("Pod no longer assigned, cleaning up %d containers", len(containers))
	for _, c := range containers {
		if err := a.Runtime.StopContainer(ctx, c.ID, 0); err != nil {
			return err
		}
		a.forget(c.Name)
	}
	return nil
}

// syncContainer starts, restarts or probes one container and returns its
// status and IP.
func (a *Agent) syncContainer(ctx context.Context, pod *api.Pod, spec *api.Container, current ContainerInfo) (api.ContainerStatus, string, error) {
	logger := log.WithFields(log.Fields{"pod": pod.Name, "container": spec.Name})
	status := api.ContainerStatus{Name: spec.Name, Image: spec.Image}

	if current.ID == "" {
		logger.Info("Starting container")
		id, err := a.Runtime.RunContainer(ctx, pod, spec)
		if err != nil {
			status.State.Waiting = &api.ContainerStateWaiting{Reason: "RunContainerError", Message: err.Error()}
			return status, "", fmt.Errorf("error running container %s: %w", spec.Name, err)
		}
		current = ContainerInfo{ID: id, Name: ContainerName(pod, spec), State: "running"}
		a.containerStarted(current.Name)
	}

	if current.Exited() {
		if !shouldRestart(pod.Spec.RestartPolicy, current.ExitCode) {
			status.State.Terminated = &api.ContainerStateTerminated{ExitCode: current.ExitCode, Reason: "Exited"}
			status.ContainerID = current.ID
			status.RestartCount = a.restartCount(current.Name)
			return status, "", nil
		}
		logger.Infof("Container exited with code %d. Restarting...", current.ExitCode)
		id, err := a.restart(ctx, pod, spec, current, 0)
		if err != nil {
			return status, "", err
		}
		current = ContainerInfo{ID: id, Name: current.Name, State: "running"}
	}

	ip, err := a.Runtime.GetContainerIP(ctx, current.ID)
	if err != nil {
		return status, "", err
	}
	probed := *pod
	probed.Status.PodIP = ip

	if spec.LivenessProbe != nil {
		if due, _ := a.probeDue(current.Name, "liveness", spec.LivenessProbe); due {
			ok, err := a.Prober.Probe(ctx, &probed, spec.LivenessProbe)
			a.recordProbe(current.Name, "liveness", err == nil && ok)
			if err != nil {
				logger.Warnf("Probe error: %v", err)
			} else if !ok {
				logger.Info("Liveness probe failed. Restarting...")
				id, err := a.restart(ctx, pod, spec, current, 1)
				if err != nil {
					return status, "", err
				}
				current.ID = id
			}
		}
	}

	status.Ready = true
	if spec.ReadinessProbe != nil {
		due, last := a.probeDue(current.Name, "readiness", spec.ReadinessProbe)
		status.Ready = last
		if due {
			ok, err := a.Prober.Probe(ctx, &probed, spec.ReadinessProbe)
			status.Ready = err == nil && ok
			a.recordProbe(current.Name, "readiness", status.Ready)
		}
	}
	status.State.Running = &api.ContainerStateRunning{}
	status.ContainerID = current.ID
	status.RestartCount = a.restartCount(current.Name)
	return status, ip, nil
}

func shouldRestart(policy string, exitCode int) bool {
	switch policy {
	case "Never":
		return false
	case "OnFailure":
		return exitCode != 0
	default:
		return true
	}
}

func (a *Agent) restart(ctx context.Context, pod *api.Pod, spec *api.Container, current ContainerInfo, timeoutSeconds int) (string, error) {
	if err := a.Runtime.StopContainer(ctx, current.ID, timeoutSeconds); err != nil {
		return "", err
	}
	id, err := a.Runtime.RunContainer(ctx, pod, spec)
	if err != nil {
		return "", fmt.Errorf("error restarting container %s: %w", spec.Name, err)
	}
	a.lock.Lock()
	a.restarts[current.Name]++
	a.lock.Unlock()
	a.containerStarted(current.Name)
	return id, nil
}

// containerStarted restarts the probe schedule of a container.
func (a *Agent) containerStarted(name string) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.started[name] = a.clock.Now()
	delete(a.probes, name+"/liveness")
	delete(a.probes, name+"/readiness")
}

func (a *Agent) forget(name string) {
	a.lock.Lock()
	defer a.lock.Unlock()
	delete(a.restarts, name)
	delete(a.started, name)
	delete(a.probes, name+"/liveness")
	delete(a.probes, name+"/readiness")
}

// probeDue reports whether a probe of the given kind should run now, and the
// result of its last run. Containers this agent did not start have no
// initial delay.
func (a *Agent) probeDue(container, kind string, probe *api.Probe) (bool, bool) {
	now := a.clock.Now()
	a.lock.Lock()
	defer a.lock.Unlock()
	if started, ok := a.started[container]; ok && now.Sub(started) < seconds(probe.InitialDelaySeconds) {
		return false, false
	}
	last, ok := a.probes[container+"/"+kind]
	if ok && now.Sub(last.at) < seconds(probe.PeriodSeconds) {
		return false, last.ok
	}
	return true, last.ok
}

func (a *Agent) recordProbe(container, kind string, ok bool) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.probes[container+"/"+kind] = probeResult{at: a.clock.Now(), ok: ok}
}

func seconds(n int32) time.Duration {
	return time.Duration(n) * time.Second
}

func (a *Agent) restartCount(containerName string) int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.restarts[containerName]
}

// podPhase derives the phase from container statuses. Terminated containers
// only appear when the restart policy let them stay down.
func podPhase(statuses []api.ContainerStatus) string {
	running, succeeded, failed := 0, 0, 0
	for _, s := range statuses {
		switch {
		case s.State.Running != nil:
			running++
		case s.State.Terminated != nil && s.State.Terminated.ExitCode == 0:
			succeeded++
		case s.State.Terminated != nil:
			failed++
		}
	}
	switch {
	case len(statuses) == 0:
		return "Pending"
	case failed > 0 && running == 0:
		return "Failed"
	case succeeded == len(statuses):
		return "Succeeded"
	case running > 0:
		return "Running"
	}
	return "Pending"
}

func (a *Agent) updateStatus(ctx context.Context, pod *api.Pod, podIP string, statuses []api.ContainerStatus) error {
	status := pod.Status
	status.Phase = podPhase(statuses)
	status.PodIP = podIP
	if status.Phase != "Running" {
		status.PodIP = ""
	}
	status.ContainerStatuses = statuses

	ready := status.Phase == "Running"
	for _, s := range statuses {
		ready = ready && s.Ready
	}
	readyStatus := "False"
	if ready {
		readyStatus = "True"
	}
	status.Conditions = setPodCondition(status.Conditions, api.PodCondition{Type: "Ready", Status: readyStatus})

	if sameStatus(pod.Status, status) {
		return nil
	}
	pod.Status = status
	if err := a.Client.UpdateFrom(ctx, api.ResourcePods, pod); err != nil {
		// Conflicts and deletes show up as new events.
		if apierrors.IsConflict(err) || apierrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to update pod status: %w", err)
	}
	log.WithField("pod", pod.Name).Infof("Updated Pod status to %s", status.Phase)
	return nil
}

func setPodCondition(conditions []api.PodCondition, cond api.PodCondition) []api.PodCondition {
	out := make([]api.PodCondition, 0, len(conditions)+1)
	replaced := false
	for _, c := range conditions {
		if c.Type == cond.Type {
			c = cond
			replaced = true
		}
		out = append(out, c)
	}
	if !replaced {
		out = append(out, cond)
	}
	return out
}

func sameStatus(a, b api.PodStatus) bool {
	x, err := json.Marshal(a)
	if err != nil {
		return false
	}
	y, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(x, y)
}
