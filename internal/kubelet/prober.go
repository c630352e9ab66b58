package kubelet

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/abhigod/kubecache/internal/api"
)

type Prober interface {
	Probe(ctx context.Context, pod *api.Pod, probe *api.Probe) (bool, error)
}

type DefaultProber struct {
	HTTP    *http.Client
	Timeout time.Duration
}

func NewProber() *DefaultProber {
	return &DefaultProber{
		HTTP:    &http.Client{Timeout: 2 * time.Second},
		Timeout: 2 * time.Second,
	}
}

// Probe reports whether the probe passed. A probe with no action passes.
func (p *DefaultProber) Probe(ctx context.Context, pod *api.Pod, probe *api.Probe) (bool, error) {
	if probe.HTTPGet != nil {
		return p.probeHTTP(ctx, pod, probe.HTTPGet)
	}
	if probe.TCPSocket != nil {
		return p.probeTCP(ctx, pod, probe.TCPSocket)
	}
	return true, nil
}

func probeHost(pod *api.Pod) string {
	if pod.Status.PodIP == "" {
		return "localhost"
	}
	return pod.Status.PodIP
}

func (p *DefaultProber) probeHTTP(ctx context.Context, pod *api.Pod, action *api.HTTPGetAction) (bool, error) {
	url := fmt.Sprintf("http://%s%s", net.JoinHostPort(probeHost(pod), action.Port.String()), action.Path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := p.HTTP.Do(req)
	if err != nil {
		// Refused or timed out.
		return false, nil
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 400, nil
}

func (p *DefaultProber) probeTCP(ctx context.Context, pod *api.Pod, action *api.TCPSocketAction) (bool, error) {
	dialer := net.Dialer{Timeout: p.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(probeHost(pod), action.Port.String()))
	if err != nil {
		return false, nil
	}
	conn.Close()
	return true, nil
}
