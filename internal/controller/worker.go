// Package controller holds the plumbing shared by the informer-driven
// controllers: a rate-limited work queue with workers and cache lookups.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/util/workqueue"

	"github.com/abhigod/kubecache/internal/cache"
)

var reconcileTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "controller_reconcile_total",
		Help: "Number of reconciles by controller and result",
	},
	[]string{"controller", "result"},
)

// ReconcileFunc brings the object with the given name to its desired state.
// Returning an error requeues the name with backoff.
type ReconcileFunc func(ctx context.Context, name string) error

// Worker feeds object names from a rate-limited queue to a ReconcileFunc.
type Worker struct {
	name      string
	queue     workqueue.TypedRateLimitingInterface[string]
	reconcile ReconcileFunc
	log       *log.Entry
}

func NewWorker(name string, reconcile ReconcileFunc) *Worker {
	return &Worker{
		name: name,
		queue: workqueue.NewTypedRateLimitingQueueWithConfig(
			workqueue.DefaultTypedControllerRateLimiter[string](),
			workqueue.TypedRateLimitingQueueConfig[string]{Name: name},
		),
		reconcile: reconcile,
		log:       log.WithField("controller", name),
	}
}

func (w *Worker) Enqueue(name string) {
	w.queue.Add(name)
}

// EnqueueAfter adds name once d has passed.
func (w *Worker) EnqueueAfter(name string, d time.Duration) {
	w.queue.AddAfter(name, d)
}

// Run starts the informers, waits for their caches to fill and then runs
// workers until ctx is done.
func (w *Worker) Run(ctx context.Context, workers int, informers ...*cache.Informer) error {
	defer w.queue.ShutDown()

	var wg sync.WaitGroup
	for _, informer := range informers {
		wg.Add(1)
		go func(i *cache.Informer) {
			defer wg.Done()
			i.Run(ctx)
		}(informer)
	}
	defer func() {
		for _, informer := range informers {
			informer.Stop()
		}
		wg.Wait()
	}()

	for _, informer := range informers {
		if err := informer.WaitForSync(ctx); err != nil {
			return fmt.Errorf("%s: caches did not sync: %w", w.name, err)
		}
	}
	w.log.Info("Caches synced, starting workers")

	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for w.processNextItem(ctx) {
			}
		}()
	}

	<-ctx.Done()
	w.queue.ShutDown()
	return nil
}

func (w *Worker) processNextItem(ctx context.Context) bool {
	name, shutdown := w.queue.Get()
	if shutdown {
		return false
	}
	defer w.queue.Done(name)

	err := w.reconcile(ctx, name)
	if err == nil {
		w.queue.Forget(name)
		reconcileTotal.WithLabelValues(w.name, "success").Inc()
		return true
	}
	reconcileTotal.WithLabelValues(w.name, "error").Inc()
	if ctx.Err() != nil {
		return true
	}
	w.log.WithField("name", name).Warnf("Reconcile failed, requeueing: %v", err)
	w.queue.AddRateLimited(name)
	return true
}

// FindByName looks an object up by name in an informer cache, whatever the
// cache is keyed by.
func FindByName(store cache.Reader, name string) (*unstructured.Unstructured, bool, error) {
	return store.Find(cache.MatchesProperty{Path: "metadata.name", Value: name})
}

// LabelsMatch reports whether every selector label is present on labels. An
// empty selector matches nothing.
func LabelsMatch(selector, labels map[string]string) bool {
	if len(selector) == 0 {
		return false
	}
	for k, v := range selector {
		if val, ok := labels[k]; !ok || val != v {
			return false
		}
	}
	return true
}
