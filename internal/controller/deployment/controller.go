package deployment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/abhigod/kubecache/internal/api"
	"github.com/abhigod/kubecache/internal/cache"
	"github.com/abhigod/kubecache/internal/client"
	"github.com/abhigod/kubecache/internal/controller"
)

// RevisionAnnotation carries the pod template hash a replica set was created for.
const RevisionAnnotation = "deployment.kubernetes.io/revision"

type Controller struct {
	Client *client.Client

	deploymentInformer *cache.Informer
	rsInformer         *cache.Informer
	worker             *controller.Worker
}

func New(cli *client.Client, opts cache.InformerOptions) *Controller {
	c := &Controller{
		Client:             cli,
		deploymentInformer: cli.NewInformer(cli.ListWatch(api.ResourceDeployments, nil), opts),
		rsInformer:         cli.NewInformer(cli.ListWatch(api.ResourceReplicaSets, nil), opts),
	}
	c.worker = controller.NewWorker("deployment", c.syncDeployment)

	enqueue := func(obj *unstructured.Unstructured) { c.worker.Enqueue(obj.GetName()) }
	c.deploymentInformer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    enqueue,
		UpdateFunc: func(_, obj *unstructured.Unstructured) { enqueue(obj) },
	})
	c.rsInformer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    func(obj *unstructured.Unstructured) { c.enqueueOwners(obj) },
		UpdateFunc: func(_, obj *unstructured.Unstructured) { c.enqueueOwners(obj) },
		DeleteFunc: func(obj *unstructured.Unstructured) { c.enqueueOwners(obj) },
	})
	return c
}

// Start runs the controller until ctx is done.
func (c *Controller) Start(ctx context.Context) error {
	log.Info("Starting Deployment Controller...")
	return c.worker.Run(ctx, 1, c.deploymentInformer, c.rsInformer)
}

func (c *Controller) enqueueOwners(rs *unstructured.Unstructured) {
	for _, obj := range c.deploymentInformer.Store().List() {
		var d api.Deployment
		if err := client.FromUnstructured(obj, &d); err != nil {
			continue
		}
		if d.Namespace == rs.GetNamespace() && controller.LabelsMatch(d.Spec.Selector.MatchLabels, rs.GetLabels()) {
			c.worker.Enqueue(d.Name)
		}
	}
}

func (c *Controller) syncDeployment(ctx context.Context, name string) error {
	obj, found, err := controller.FindByName(c.deploymentInformer.Store(), name)
	if err != nil || !found {
		return err
	}
	var d api.Deployment
	if err := client.FromUnstructured(obj, &d); err != nil {
		return err
	}

	var ownedRS []*api.ReplicaSet
	for _, item := range c.rsInformer.Store().List() {
		rs := &api.ReplicaSet{}
		if err := client.FromUnstructured(item, rs); err != nil {
			return err
		}
		if rs.Namespace == d.Namespace && controller.LabelsMatch(d.Spec.Selector.MatchLabels, rs.Labels) {
			ownedRS = append(ownedRS, rs)
		}
	}

	podTemplateHash := computeHash(d.Spec.Template)

	var newRS *api.ReplicaSet
	for _, rs := range ownedRS {
		if rs.Annotations[RevisionAnnotation] == podTemplateHash {
			newRS = rs
			break
		}
	}

	desiredReplicas := int32(1)
	if d.Spec.Replicas != nil {
		desiredReplicas = *d.Spec.Replicas
	}

	if newRS == nil {
		log.Infof("Creating new ReplicaSet for Deployment %s (hash: %s)", d.Name, podTemplateHash[:10])
		newRS, err = c.createNewReplicaSet(ctx, &d, podTemplateHash, desiredReplicas)
		if err != nil {
			return fmt.Errorf("failed to create new RS: %w", err)
		}
	}

	// New RS gets the full count right away and every old RS drops to zero.
	if newRS.Spec.Replicas == nil || *newRS.Spec.Replicas != desiredReplicas {
		log.Infof("Scaling New RS %s to %d", newRS.Name, desiredReplicas)
		if err := c.scale(ctx, newRS, desiredReplicas); err != nil {
			return err
		}
	}

	var available, updated, total int32
	for _, rs := range ownedRS {
		total += rs.Status.Replicas
		available += rs.Status.AvailableReplicas
		if rs.Name == newRS.Name {
			updated = rs.Status.Replicas
			continue
		}
		if rs.Spec.Replicas == nil || *rs.Spec.Replicas > 0 {
			log.Infof("Scaling Down Old RS %s to 0", rs.Name)
			if err := c.scale(ctx, rs, 0); err != nil {
				return err
			}
		}
	}

	return c.updateStatus(ctx, &d, api.DeploymentStatus{
		Replicas:          total,
		UpdatedReplicas:   updated,
		AvailableReplicas: available,
		ReadyReplicas:     available,
	})
}

func (c *Controller) scale(ctx context.Context, rs *api.ReplicaSet, replicas int32) error {
	rs.Spec.Replicas = &replicas
	err := c.Client.UpdateFrom(ctx, api.ResourceReplicaSets, rs)
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

func (c *Controller) updateStatus(ctx context.Context, d *api.Deployment, status api.DeploymentStatus) error {
	status.ObservedGeneration = d.Status.ObservedGeneration
	if d.Status == status {
		return nil
	}
	d.Status = status
	err := c.Client.UpdateFrom(ctx, api.ResourceDeployments, d)
	if apierrors.IsConflict(err) || apierrors.IsNotFound(err) {
		return nil
	}
	return err
}

func (c *Controller) createNewReplicaSet(ctx context.Context, d *api.Deployment, hash string, replicas int32) (*api.ReplicaSet, error) {
	rs := &api.ReplicaSet{
		TypeMeta: api.TypeMeta{Kind: "ReplicaSet", APIVersion: "apps/v1"},
		ObjectMeta: api.ObjectMeta{
			Name:      fmt.Sprintf("%s-%s", d.Name, hash[:10]),
			Namespace: d.Namespace,
			Labels:    d.Spec.Template.Labels,
			Annotations: map[string]string{
				RevisionAnnotation: hash,
			},
		},
		Spec: api.ReplicaSetSpec{
			Replicas: &replicas,
			Selector: d.Spec.Selector,
			Template: d.Spec.Template,
		},
	}
	if err := c.Client.CreateFrom(ctx, api.ResourceReplicaSets, rs); err != nil {
		return nil, err
	}
	return rs, nil
}

func computeHash(template api.PodTemplateSpec) string {
	data, _ := json.Marshal(template)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
