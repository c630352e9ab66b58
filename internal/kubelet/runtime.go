package kubelet

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/abhigod/kubecache/internal/api"
)

// Runtime abstracts the container engine (Docker, etc)
type Runtime interface {
	RunContainer(ctx context.Context, pod *api.Pod, container *api.Container) (string, error)
	StopContainer(ctx context.Context, containerID string, timeoutSeconds int) error
	ListContainers(ctx context.Context) ([]ContainerInfo, error)
	GetContainerIP(ctx context.Context, containerID string) (string, error)
}

type ContainerInfo struct {
	ID           string
	Name         string
	Image        string
	State        string // running, exited
	ExitCode     int
	PodName      string // stored in label
	PodNamespace string
}

func (c ContainerInfo) Exited() bool {
	return strings.HasPrefix(strings.ToLower(c.State), "exit")
}

// ContainerName is the runtime name of a pod's container.
func ContainerName(pod *api.Pod, container *api.Container) string {
	return fmt.Sprintf("k8s-lite-%s-%s", pod.Name, container.Name)
}

// DockerRuntime implements Runtime using the 'docker' CLI.
type DockerRuntime struct{}

func NewDockerRuntime() *DockerRuntime {
	return &DockerRuntime{}
}

func (d *DockerRuntime) RunContainer(ctx context.Context, pod *api.Pod, container *api.Container) (string, error) {
	args := []string{"run", "-d", "--name", ContainerName(pod, container)}
	args = append(args, "--label", fmt.Sprintf("k8s.pod.name=%s", pod.Name))
	args = append(args, "--label", fmt.Sprintf("k8s.pod.namespace=%s", pod.Namespace))
	// Bridge networking gives every container its own IP, so ports are not published.
	args = append(args, container.Image)
	args = append(args, container.Command...)
	args = append(args, container.Args...)

	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("docker run failed: %s, output: %s", err, string(out))
	}
	return strings.TrimSpace(string(out)), nil
}

func (d *DockerRuntime) StopContainer(ctx context.Context, containerID string, timeoutSeconds int) error {
	args := []string{"stop"}
	if timeoutSeconds > 0 {
		args = append(args, "-t", fmt.Sprintf("%d", timeoutSeconds))
	}
	args = append(args, containerID)

	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker stop failed: %s, output: %s", err, string(out))
	}
	// Restarts are stop plus run under the same name, so the old container has to go.
	if out, err := exec.CommandContext(ctx, "docker", "rm", containerID).CombinedOutput(); err != nil {
		return fmt.Errorf("docker rm failed: %s, output: %s", err, string(out))
	}
	return nil
}

func (d *DockerRuntime) ListContainers(ctx context.Context) ([]ContainerInfo, error) {
	cmd := exec.CommandContext(ctx, "docker", "ps", "-a", "--format",
		`{{.ID}}|{{.Names}}|{{.Image}}|{{.State}}|{{.Status}}|{{.Label "k8s.pod.name"}}|{{.Label "k8s.pod.namespace"}}`)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("docker ps failed: %s, output: %s", err, string(out))
	}
	return parseDockerPS(string(out)), nil
}

func parseDockerPS(out string) []ContainerInfo {
	var containers []ContainerInfo
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 7 || parts[5] == "" {
			continue
		}
		info := ContainerInfo{
			ID:           parts[0],
			Name:         parts[1],
			Image:        parts[2],
			State:        parts[3],
			PodName:      parts[5],
			PodNamespace: parts[6],
		}
		if info.Exited() {
			_, _ = fmt.Sscanf(parts[4], "Exited (%d)", &info.ExitCode)
		}
		containers = append(containers, info)
	}
	return containers
}

func (d *DockerRuntime) GetContainerIP(ctx context.Context, containerID string) (string, error) {
	// Ranging over networks works whatever the network is called.
	cmd := exec.CommandContext(ctx, "docker", "inspect", "-f", "{{range .NetworkSettings.Networks}}{{.IPAddress}}{{end}}", containerID)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("docker inspect ip failed: %s, output: %s", err, string(out))
	}
	return strings.TrimSpace(string(out)), nil
}

// FakeRuntime keeps containers in memory. Every pod gets an address from
// 10.88.0.0/16, shared by its containers.
type FakeRuntime struct {
	lock       sync.Mutex
	containers map[string]*ContainerInfo
	podIPs     map[string]string
	nextIP     int
}

func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		containers: map[string]*ContainerInfo{},
		podIPs:     map[string]string{},
	}
}

func (f *FakeRuntime) RunContainer(_ context.Context, pod *api.Pod, container *api.Container) (string, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	name := ContainerName(pod, container)
	for _, c := range f.containers {
		if c.Name == name {
			return "", fmt.Errorf("container %s already exists", name)
		}
	}
	podKey := pod.Namespace + "/" + pod.Name
	if _, ok := f.podIPs[podKey]; !ok {
		f.nextIP++
		f.podIPs[podKey] = fmt.Sprintf("10.88.%d.%d", f.nextIP/256, f.nextIP%256)
	}
	id := uuid.NewString()
	f.containers[id] = &ContainerInfo{
		ID:           id,
		Name:         name,
		Image:        container.Image,
		State:        "running",
		PodName:      pod.Name,
		PodNamespace: pod.Namespace,
	}
	return id, nil
}

func (f *FakeRuntime) StopContainer(_ context.Context, containerID string, _ int) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return fmt.Errorf("no such container %s", containerID)
	}
	delete(f.containers, containerID)
	podKey := c.PodNamespace + "/" + c.PodName
	for _, other := range f.containers {
		if other.PodNamespace+"/"+other.PodName == podKey {
			return nil
		}
	}
	delete(f.podIPs, podKey)
	return nil
}

func (f *FakeRuntime) ListContainers(context.Context) ([]ContainerInfo, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	out := make([]ContainerInfo, 0, len(f.containers))
	for _, c := range f.containers {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *FakeRuntime) GetContainerIP(_ context.Context, containerID string) (string, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return "", fmt.Errorf("no such container %s", containerID)
	}
	if c.Exited() {
		return "", nil
	}
	return f.podIPs[c.PodNamespace+"/"+c.PodName], nil
}

// Exit marks the named container as exited with code.
func (f *FakeRuntime) Exit(name string, code int) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	for _, c := range f.containers {
		if c.Name == name {
			c.State = "exited"
			c.ExitCode = code
			return true
		}
	}
	return false
}
