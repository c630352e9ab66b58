package proxy

import (
	"context"
	"io"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/abhigod/kubecache/internal/api"
	"github.com/abhigod/kubecache/internal/cache"
	"github.com/abhigod/kubecache/internal/client"
	"github.com/abhigod/kubecache/internal/controller"
)

const syncKey = "node-ports"

// Proxier opens a listener for every service NodePort and forwards each
// connection to a random endpoint of the service, looked up in the endpoints
// cache at accept time.
type Proxier struct {
	Client *client.Client
	// ListenHost is the address NodePorts are opened on. Empty means all.
	ListenHost  string
	DialTimeout time.Duration

	serviceInformer   *cache.Informer
	endpointsInformer *cache.Informer
	worker            *controller.Worker

	lock      sync.Mutex
	listeners map[int32]*listener
}

type listener struct {
	net.Listener
	service  string
	portName string
}

func NewProxier(cli *client.Client, opts cache.InformerOptions) *Proxier {
	p := &Proxier{
		Client:            cli,
		DialTimeout:       2 * time.Second,
		serviceInformer:   cli.NewInformer(cli.ListWatch(api.ResourceServices, nil), opts),
		endpointsInformer: cli.NewInformer(cli.ListWatch(api.ResourceEndpoints, nil), opts),
		listeners:         make(map[int32]*listener),
	}
	p.worker = controller.NewWorker("proxy", func(context.Context, string) error { return p.syncListeners() })

	enqueue := func(*unstructured.Unstructured) { p.worker.Enqueue(syncKey) }
	p.serviceInformer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    enqueue,
		UpdateFunc: func(_, obj *unstructured.Unstructured) { enqueue(obj) },
		DeleteFunc: enqueue,
	})
	return p
}

func (p *Proxier) Run(ctx context.Context) error {
	log.Info("Starting K8s-Lite Proxy...")
	defer p.closeAll()
	return p.worker.Run(ctx, 1, p.serviceInformer, p.endpointsInformer)
}

// Ports returns the NodePorts currently listened on.
func (p *Proxier) Ports() []int32 {
	p.lock.Lock()
	defer p.lock.Unlock()
	var ports []int32
	for port := range p.listeners {
		ports = append(ports, port)
	}
	return ports
}

func (p *Proxier) syncListeners() error {
	type target struct{ service, portName string }
	desired := make(map[int32]target)
	for _, obj := range p.serviceInformer.Store().List() {
		var svc api.Service
		if err := client.FromUnstructured(obj, &svc); err != nil {
			return err
		}
		for _, port := range svc.Spec.Ports {
			if port.NodePort != 0 {
				desired[port.NodePort] = target{service: svc.Name, portName: port.Name}
			}
		}
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	for port, ln := range p.listeners {
		if t, ok := desired[port]; !ok || t.service != ln.service || t.portName != ln.portName {
			log.Infof("Closing Proxy Listener on :%d", port)
			ln.Close()
			delete(p.listeners, port)
		}
	}

	var failed error
	for port, t := range desired {
		if _, exists := p.listeners[port]; exists {
			continue
		}
		log.Infof("Opening Proxy Listener for Service %s on :%d", t.service, port)
		ln, err := net.Listen("tcp", net.JoinHostPort(p.ListenHost, strconv.Itoa(int(port))))
		if err != nil {
			log.Warnf("Failed to listen on :%d: %v", port, err)
			failed = err
			continue
		}
		l := &listener{Listener: ln, service: t.service, portName: t.portName}
		p.listeners[port] = l
		go p.serve(l)
	}
	// Returning the error retries the listeners that could not be opened.
	return failed
}

func (p *Proxier) serve(ln *listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go p.handleConnection(conn, ln.service, ln.portName)
	}
}

// backends returns host:port pairs for the named service port.
func (p *Proxier) backends(svcName, portName string) ([]string, error) {
	obj, found, err := controller.FindByName(p.endpointsInformer.Store(), svcName)
	if err != nil || !found {
		return nil, err
	}
	var ep api.Endpoints
	if err := client.FromUnstructured(obj, &ep); err != nil {
		return nil, err
	}
	var backends []string
	for _, subset := range ep.Subsets {
		port, ok := subsetPort(subset, portName)
		if !ok {
			continue
		}
		for _, addr := range subset.Addresses {
			backends = append(backends, net.JoinHostPort(addr.IP, strconv.Itoa(int(port))))
		}
	}
	return backends, nil
}

func subsetPort(subset api.EndpointSubset, name string) (int32, bool) {
	for _, port := range subset.Ports {
		if port.Name == name {
			return port.Port, true
		}
	}
	if len(subset.Ports) == 1 && name == "" {
		return subset.Ports[0].Port, true
	}
	return 0, false
}

func (p *Proxier) handleConnection(inConn net.Conn, svcName, portName string) {
	defer inConn.Close()

	backends, err := p.backends(svcName, portName)
	if err != nil {
		log.Warnf("Failed to look up endpoints for %s: %v", svcName, err)
		return
	}
	if len(backends) == 0 {
		log.Debugf("No endpoints for %s, closing connection", svcName)
		return
	}
	backend := backends[rand.Intn(len(backends))]

	outConn, err := net.DialTimeout("tcp", backend, p.DialTimeout)
	if err != nil {
		log.Warnf("Dial failed to %s: %v", backend, err)
		return
	}
	defer outConn.Close()

	go func() {
		_, _ = io.Copy(outConn, inConn)
		if tcp, ok := outConn.(*net.TCPConn); ok {
			_ = tcp.CloseWrite()
		}
	}()
	_, _ = io.Copy(inConn, outConn)
}

func (p *Proxier) closeAll() {
	p.lock.Lock()
	defer p.lock.Unlock()
	for port, ln := range p.listeners {
		ln.Close()
		delete(p.listeners, port)
	}
}
