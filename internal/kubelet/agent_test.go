package kubelet

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/abhigod/kubecache/internal/api"
	"github.com/abhigod/kubecache/internal/apiserver"
	"github.com/abhigod/kubecache/internal/cache"
	"github.com/abhigod/kubecache/internal/client"
	"github.com/abhigod/kubecache/internal/config"
	"github.com/abhigod/kubecache/internal/storage"
)

func newTestClient(t *testing.T) *client.Client {
	t.Helper()
	ts := httptest.NewServer(apiserver.NewServer(storage.NewMemoryStore("", 0)).Router)
	t.Cleanup(ts.Close)
	cli, err := client.New(config.ClientConfig{APIURL: ts.URL})
	require.NoError(t, err)
	return cli
}

func startAgent(t *testing.T, cli *client.Client, rt Runtime) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	a := NewAgent("node-1", cli, rt, cache.InformerOptions{Reflector: cache.DefaultReflectorOptions()})
	a.SyncPeriod = 50 * time.Millisecond
	a.HeartbeatInterval = 50 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("kubelet did not stop")
		}
	})
	return cancel
}

func boundPod(name, restartPolicy string) *api.Pod {
	return &api.Pod{
		ObjectMeta: api.ObjectMeta{Name: name, Namespace: "default"},
		Spec: api.PodSpec{
			NodeName:      "node-1",
			RestartPolicy: restartPolicy,
			Containers: []api.Container{
				{Name: "web", Image: "nginx"},
				{Name: "sidecar", Image: "busybox"},
			},
		},
	}
}

func getPod(t *testing.T, cli *client.Client, name string) api.Pod {
	var pod api.Pod
	require.NoError(t, cli.GetInto(context.Background(), api.ResourcePods, name, &pod))
	return pod
}

func TestAgentRunsBoundPods(t *testing.T) {
	cli := newTestClient(t)
	rt := NewFakeRuntime()
	ctx := context.Background()

	require.NoError(t, cli.CreateFrom(ctx, api.ResourcePods, boundPod("web", "")))
	other := boundPod("elsewhere", "")
	other.Spec.NodeName = "node-2"
	require.NoError(t, cli.CreateFrom(ctx, api.ResourcePods, other))

	startAgent(t, cli, rt)

	require.Eventually(t, func() bool {
		pod := getPod(t, cli, "web")
		return pod.Status.Phase == "Running" && pod.Status.PodIP != ""
	}, 10*time.Second, 20*time.Millisecond)

	pod := getPod(t, cli, "web")
	assert.Equal(t, "10.88.0.1", pod.Status.PodIP)
	assert.Contains(t, pod.Status.Conditions, api.PodCondition{Type: "Ready", Status: "True"})
	require.Len(t, pod.Status.ContainerStatuses, 2)
	assert.NotNil(t, pod.Status.ContainerStatuses[0].State.Running)

	var node api.Node
	require.NoError(t, cli.GetInto(ctx, api.ResourceNodes, "node-1", &node))
	assert.Equal(t, "True", node.Status.Conditions[0].Status)
	assert.Equal(t, Version, node.Status.NodeInfo.KubeletVersion)

	containers, err := rt.ListContainers(ctx)
	require.NoError(t, err)
	assert.Len(t, containers, 2, "pods of other nodes are not started")

	// An exited container is restarted under the default policy.
	require.True(t, rt.Exit("k8s-lite-web-web", 1))
	require.Eventually(t, func() bool {
		pod := getPod(t, cli, "web")
		for _, s := range pod.Status.ContainerStatuses {
			if s.Name == "web" {
				return s.RestartCount == 1 && s.State.Running != nil
			}
		}
		return false
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, cli.Delete(ctx, api.ResourcePods, "web"))
	require.Eventually(t, func() bool {
		containers, err := rt.ListContainers(ctx)
		return err == nil && len(containers) == 0
	}, 10*time.Second, 20*time.Millisecond)
}

func TestAgentCompletesPodsThatNeverRestart(t *testing.T) {
	cli := newTestClient(t)
	rt := NewFakeRuntime()
	ctx := context.Background()

	require.NoError(t, cli.CreateFrom(ctx, api.ResourcePods, boundPod("job", "Never")))
	startAgent(t, cli, rt)

	require.Eventually(t, func() bool {
		return getPod(t, cli, "job").Status.Phase == "Running"
	}, 10*time.Second, 20*time.Millisecond)

	require.True(t, rt.Exit("k8s-lite-job-web", 0))
	require.True(t, rt.Exit("k8s-lite-job-sidecar", 0))
	require.Eventually(t, func() bool {
		return getPod(t, cli, "job").Status.Phase == "Succeeded"
	}, 10*time.Second, 20*time.Millisecond)

	pod := getPod(t, cli, "job")
	assert.Empty(t, pod.Status.PodIP)
	assert.Contains(t, pod.Status.Conditions, api.PodCondition{Type: "Ready", Status: "False"})
}

func TestAgentKeepsNodeSpecOnReregister(t *testing.T) {
	cli := newTestClient(t)
	ctx := context.Background()
	node := &api.Node{ObjectMeta: api.ObjectMeta{Name: "node-1"}, Spec: api.NodeSpec{Unschedulable: true}}
	require.NoError(t, cli.CreateFrom(ctx, api.ResourceNodes, node))

	startAgent(t, cli, NewFakeRuntime())

	require.Eventually(t, func() bool {
		var got api.Node
		if err := cli.GetInto(ctx, api.ResourceNodes, "node-1", &got); err != nil {
			return false
		}
		return len(got.Status.Conditions) == 1 && got.Spec.Unschedulable
	}, 10*time.Second, 20*time.Millisecond)
}

// failingRuntime refuses to start containers of one image.
type failingRuntime struct {
	*FakeRuntime
	image string
}

func (f *failingRuntime) RunContainer(ctx context.Context, pod *api.Pod, container *api.Container) (string, error) {
	if container.Image == f.image {
		return "", fmt.Errorf("pull access denied for %s", container.Image)
	}
	return f.FakeRuntime.RunContainer(ctx, pod, container)
}

func TestAgentReportsContainersThatCannotStart(t *testing.T) {
	cli := newTestClient(t)
	rt := &failingRuntime{FakeRuntime: NewFakeRuntime(), image: "busybox"}
	ctx := context.Background()

	require.NoError(t, cli.CreateFrom(ctx, api.ResourcePods, boundPod("web", "")))
	startAgent(t, cli, rt)

	var waiting *api.ContainerStateWaiting
	require.Eventually(t, func() bool {
		for _, s := range getPod(t, cli, "web").Status.ContainerStatuses {
			if s.Name == "sidecar" {
				waiting = s.State.Waiting
			}
		}
		return waiting != nil
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, "RunContainerError", waiting.Reason)
	assert.Contains(t, waiting.Message, "pull access denied for busybox")

	pod := getPod(t, cli, "web")
	require.Len(t, pod.Status.ContainerStatuses, 2)
	web := pod.Status.ContainerStatuses[0]
	assert.NotNil(t, web.State.Running)
	assert.True(t, web.Ready)
	assert.False(t, pod.Status.ContainerStatuses[1].Ready)
	assert.Equal(t, "Running", pod.Status.Phase)
	assert.Contains(t, pod.Status.Conditions, api.PodCondition{Type: "Ready", Status: "False"})

	containers, err := rt.ListContainers(ctx)
	require.NoError(t, err)
	assert.Len(t, containers, 1)
}

func TestProbeSchedule(t *testing.T) {
	start := time.Now()
	fakeClock := testingclock.NewFakePassiveClock(start)
	a := &Agent{clock: fakeClock, restarts: map[string]int{}, started: map[string]time.Time{}, probes: map[string]probeResult{}}
	probe := &api.Probe{InitialDelaySeconds: 10, PeriodSeconds: 5}

	a.containerStarted("c")
	tests := []struct {
		name     string
		at       time.Duration
		record   *bool
		wantDue  bool
		wantLast bool
	}{
		{"within initial delay", 9 * time.Second, nil, false, false},
		{"delay passed", 10 * time.Second, ptr(true), true, false},
		{"within period", 14 * time.Second, nil, false, true},
		{"period passed", 15 * time.Second, ptr(false), true, true},
		{"last result kept", 16 * time.Second, nil, false, false},
	}
	for _, tt := range tests {
		fakeClock.SetTime(start.Add(tt.at))
		due, last := a.probeDue("c", "readiness", probe)
		assert.Equal(t, tt.wantDue, due, tt.name)
		assert.Equal(t, tt.wantLast, last, tt.name)
		if tt.record != nil {
			a.recordProbe("c", "readiness", *tt.record)
		}
	}

	// kinds are scheduled separately
	due, _ := a.probeDue("c", "liveness", probe)
	assert.True(t, due)

	// a restart starts the delay over
	a.containerStarted("c")
	due, last := a.probeDue("c", "readiness", probe)
	assert.False(t, due)
	assert.False(t, last)

	// containers started before the agent are probed right away
	due, _ = a.probeDue("other", "readiness", probe)
	assert.True(t, due)

	// zero values probe on every call
	a.recordProbe("c", "liveness", true)
	due, last = a.probeDue("c", "liveness", &api.Probe{})
	assert.True(t, due)
	assert.True(t, last)

	a.forget("c")
	assert.Empty(t, a.started)
	assert.Empty(t, a.probes)
}

func ptr[T any](v T) *T {
	return &v
}

func TestPodPhase(t *testing.T) {
	running := api.ContainerStatus{State: api.ContainerState{Running: &api.ContainerStateRunning{}}}
	ok := api.ContainerStatus{State: api.ContainerState{Terminated: &api.ContainerStateTerminated{}}}
	bad := api.ContainerStatus{State: api.ContainerState{Terminated: &api.ContainerStateTerminated{ExitCode: 2}}}
	waiting := api.ContainerStatus{State: api.ContainerState{Waiting: &api.ContainerStateWaiting{Reason: "RunContainerError"}}}

	tests := []struct {
		name     string
		statuses []api.ContainerStatus
		want     string
	}{
		{"none", nil, "Pending"},
		{"running", []api.ContainerStatus{running, running}, "Running"},
		{"partly done", []api.ContainerStatus{running, ok}, "Running"},
		{"succeeded", []api.ContainerStatus{ok, ok}, "Succeeded"},
		{"failed", []api.ContainerStatus{ok, bad}, "Failed"},
		{"waiting", []api.ContainerStatus{waiting}, "Pending"},
		{"partly waiting", []api.ContainerStatus{running, waiting}, "Running"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, podPhase(tt.statuses))
		})
	}
}

func TestShouldRestart(t *testing.T) {
	assert.True(t, shouldRestart("", 0))
	assert.True(t, shouldRestart("Always", 0))
	assert.True(t, shouldRestart("OnFailure", 1))
	assert.False(t, shouldRestart("OnFailure", 0))
	assert.False(t, shouldRestart("Never", 1))
}
