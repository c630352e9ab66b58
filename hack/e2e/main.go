// Command e2e drives a running cluster through a deployment rollout and
// checks that pods start and a service picks them up.
package main

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/abhigod/kubecache/internal/api"
	"github.com/abhigod/kubecache/internal/cli"
	"github.com/abhigod/kubecache/internal/client"
	"github.com/abhigod/kubecache/internal/config"
)

type suite struct {
	Client    *client.Client
	Name      string
	Namespace string
	Image     string
	Replicas  int32
	Timeout   time.Duration
	Cleanup   bool
}

func main() {
	v := config.NewViper()
	s := &suite{}
	command := cli.NewCommand("e2e", "Run the end to end suite against a cluster", v, func(ctx context.Context) error {
		apiClient, err := client.New(config.LoadClientConfig(v))
		if err != nil {
			return err
		}
		s.Client = apiClient
		return s.run(ctx)
	})
	fs := command.Flags()
	fs.StringVar(&s.Name, "name", "e2e-web", "Name of the deployment and service")
	fs.StringVar(&s.Namespace, "namespace", "default", "Namespace to run in")
	fs.StringVar(&s.Image, "image", "nginx:latest", "Container image")
	fs.Int32Var(&s.Replicas, "replicas", 2, "Replicas of the deployment")
	fs.DurationVar(&s.Timeout, "timeout", time.Minute, "Timeout of each step")
	fs.BoolVar(&s.Cleanup, "cleanup", true, "Delete created objects afterwards")
	cli.MustAddFlags(config.AddClientFlags(fs, v))
	cli.Execute(command)
}

func (s *suite) run(ctx context.Context) error {
	log.Info("Running Go-based E2E Verification...")
	if s.Cleanup {
		defer s.cleanup()
	}
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"Ready node is registered", s.waitForNode},
		{"Deployment created", s.createDeployment},
		{"Pods running", s.waitForPods},
		{"Service created", s.createService},
		{"Endpoints list every pod", s.waitForEndpoints},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return fmt.Errorf("FAIL: %s: %w", step.name, err)
		}
		log.Infof("PASS: %s", step.name)
	}
	log.Info("=== E2E SUITE PASSED ===")
	return nil
}

func (s *suite) poll(ctx context.Context, condition wait.ConditionWithContextFunc) error {
	return wait.PollUntilContextTimeout(ctx, 200*time.Millisecond, s.Timeout, true, condition)
}

func (s *suite) selector() map[string]string {
	return map[string]string{"app": s.Name}
}

func (s *suite) waitForNode(ctx context.Context) error {
	return s.poll(ctx, func(ctx context.Context) (bool, error) {
		list, err := s.Client.List(ctx, api.ResourceNodes, metav1.ListOptions{})
		if err != nil {
			log.Debugf("Listing nodes: %v", err)
			return false, nil
		}
		for i := range list.Items {
			var node api.Node
			if err := client.FromUnstructured(&list.Items[i], &node); err != nil {
				return false, err
			}
			for _, cond := range node.Status.Conditions {
				if cond.Type == "Ready" && cond.Status == "True" {
					return true, nil
				}
			}
		}
		return false, nil
	})
}

func (s *suite) createDeployment(ctx context.Context) error {
	replicas := s.Replicas
	return s.Client.CreateFrom(ctx, api.ResourceDeployments, &api.Deployment{
		ObjectMeta: api.ObjectMeta{Name: s.Name, Namespace: s.Namespace},
		Spec: api.DeploymentSpec{
			Replicas: &replicas,
			Selector: api.LabelSelector{MatchLabels: s.selector()},
			Template: api.PodTemplateSpec{
				ObjectMeta: api.ObjectMeta{Labels: s.selector()},
				Spec: api.PodSpec{
					Containers: []api.Container{{
						Name:  "web",
						Image: s.Image,
						Ports: []api.ContainerPort{{Name: "http", ContainerPort: 80}},
					}},
				},
			},
		},
	})
}

func (s *suite) pods(ctx context.Context) ([]api.Pod, error) {
	list, err := s.Client.List(ctx, api.ResourcePods, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(s.selector()).String(),
	})
	if err != nil {
		return nil, err
	}
	pods := make([]api.Pod, 0, len(list.Items))
	for i := range list.Items {
		var pod api.Pod
		if err := client.FromUnstructured(&list.Items[i], &pod); err != nil {
			return nil, err
		}
		pods = append(pods, pod)
	}
	return pods, nil
}

func (s *suite) waitForPods(ctx context.Context) error {
	return s.poll(ctx, func(ctx context.Context) (bool, error) {
		pods, err := s.pods(ctx)
		if err != nil {
			return false, nil
		}
		running := 0
		for _, pod := range pods {
			if pod.Spec.NodeName != "" && pod.Status.Phase == "Running" {
				running++
			}
		}
		log.Debugf("%d/%d pods running", running, s.Replicas)
		return running == int(s.Replicas), nil
	})
}

func (s *suite) createService(ctx context.Context) error {
	return s.Client.CreateFrom(ctx, api.ResourceServices, &api.Service{
		ObjectMeta: api.ObjectMeta{Name: s.Name, Namespace: s.Namespace},
		Spec: api.ServiceSpec{
			Selector: s.selector(),
			Ports:    []api.ServicePort{{Name: "http", Port: 80, TargetPort: intstr.FromInt32(80)}},
		},
	})
}

func (s *suite) waitForEndpoints(ctx context.Context) error {
	return s.poll(ctx, func(ctx context.Context) (bool, error) {
		var ep api.Endpoints
		if err := s.Client.GetInto(ctx, api.ResourceEndpoints, s.Name, &ep); err != nil {
			return false, nil
		}
		addresses := 0
		for _, subset := range ep.Subsets {
			addresses += len(subset.Addresses)
		}
		return addresses == int(s.Replicas), nil
	})
}

// cleanup removes the service and deployment, then the replica sets and
// pods they left behind.
func (s *suite) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()
	del := func(res api.Resource, name string) {
		if err := s.Client.Delete(ctx, res, name); err != nil && !apierrors.IsNotFound(err) {
			log.Warnf("Failed to delete %s %s: %v", res.Name, name, err)
		}
	}
	del(api.ResourceServices, s.Name)
	del(api.ResourceDeployments, s.Name)

	selector := labels.SelectorFromSet(s.selector()).String()
	deleteAll := func(ctx context.Context, res api.Resource) (bool, error) {
		list, err := s.Client.List(ctx, res, metav1.ListOptions{LabelSelector: selector})
		if err != nil {
			return false, nil
		}
		for _, item := range list.Items {
			del(res, item.GetName())
		}
		return len(list.Items) == 0, nil
	}
	// A replica set controller that has not seen the delete yet may replace
	// a pod, so pods are deleted until none are left.
	for _, res := range []api.Resource{api.ResourceReplicaSets, api.ResourcePods} {
		err := s.poll(ctx, func(ctx context.Context) (bool, error) { return deleteAll(ctx, res) })
		if err != nil {
			log.Warnf("Failed to delete %s: %v", res.Name, err)
		}
	}
}
