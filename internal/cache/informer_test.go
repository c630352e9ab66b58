package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/watch"
)

// eventRecorder collects notifications as "<type> <name>[ <old name>]".
type eventRecorder struct {
	lock   sync.Mutex
	events []string
}

func (e *eventRecorder) record(s string) {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.events = append(e.events, s)
}

func (e *eventRecorder) OnAdd(obj *unstructured.Unstructured) {
	e.record("add " + obj.GetName())
}

func (e *eventRecorder) OnUpdate(oldObj, newObj *unstructured.Unstructured) {
	e.record(fmt.Sprintf("update %s %s", newObj.GetName(), oldObj.GetName()))
}

func (e *eventRecorder) OnDelete(obj *unstructured.Unstructured) {
	e.record("delete " + obj.GetName())
}

func (e *eventRecorder) take() []string {
	e.lock.Lock()
	defer e.lock.Unlock()
	out := e.events
	e.events = nil
	return out
}

func newTestInformer(lw *ListWatcher) (*Informer, *notifyingStore, *eventRecorder) {
	inf := NewInformer(lw, InformerOptions{Reflector: testReflectorOptions()})
	rec := &eventRecorder{}
	inf.AddEventHandler(rec)
	return inf, inf.reflector.store.(*notifyingStore), rec
}

func TestInformerNotifications(t *testing.T) {
	inf, store, rec := newTestInformer(&ListWatcher{Type: podType})

	a := newPod("1", "a", "1")
	b := newPod("2", "b", "1")
	c := newPod("3", "c", "1")
	require.NoError(t, store.Replace([]*unstructured.Unstructured{a, b, c}, "1"))
	assert.Equal(t, []string{"add a", "add b", "add c"}, rec.take())
	assert.True(t, inf.HasSynced())

	require.NoError(t, store.Delete(c))
	assert.Equal(t, []string{"delete c"}, rec.take())

	// same key as a, so it is an update
	x := newPod("1", "x", "2")
	require.NoError(t, store.Add(x))
	assert.Equal(t, []string{"update x a"}, rec.take())

	// unknown key, so it is an add
	y := newPod("2", "y", "2")
	z := newPod("3", "z", "2")
	require.NoError(t, store.Update(y))
	require.NoError(t, store.Update(z))
	assert.Equal(t, []string{"update y b", "add z"}, rec.take())

	require.NoError(t, store.Replace([]*unstructured.Unstructured{a, b}, "3"))
	assert.Equal(t, []string{"update a x", "update b y", "delete z"}, rec.take())
	assert.Equal(t, []string{"1", "2"}, inf.Store().ListKeys())
}

func TestInformerReplaceWithSameItemsOnlyUpdates(t *testing.T) {
	_, store, rec := newTestInformer(&ListWatcher{Type: podType})
	items := []*unstructured.Unstructured{newPod("1", "a", "1"), newPod("2", "b", "1")}

	require.NoError(t, store.Replace(items, "1"))
	rec.take()
	require.NoError(t, store.Replace(items, "1"))
	assert.Equal(t, []string{"update a a", "update b b"}, rec.take())
}

func TestInformerDeleteOfUnknownKeyIsSilent(t *testing.T) {
	_, store, rec := newTestInformer(&ListWatcher{Type: podType})
	require.NoError(t, store.Delete(newPod("9", "ghost", "1")))
	assert.Empty(t, rec.take())
}

func TestInformerFailedReplaceEmitsNothing(t *testing.T) {
	_, store, rec := newTestInformer(&ListWatcher{Type: podType})
	err := store.Replace([]*unstructured.Unstructured{newPod("1", "a", "1"), newPod("", "broken", "1")}, "1")
	require.Error(t, err)
	assert.Empty(t, rec.take())
}

func TestInformerRemoveHandler(t *testing.T) {
	inf, store, rec := newTestInformer(&ListWatcher{Type: podType})
	funcs := &eventRecorder{}
	remove := inf.AddEventHandler(ResourceEventHandlerFuncs{
		AddFunc: funcs.OnAdd,
	})

	require.NoError(t, store.Add(newPod("1", "a", "1")))
	assert.Equal(t, []string{"add a"}, funcs.take())
	assert.Equal(t, []string{"add a"}, rec.take())

	remove()
	remove()
	require.NoError(t, store.Add(newPod("2", "b", "1")))
	assert.Empty(t, funcs.take())
	assert.Equal(t, []string{"add b"}, rec.take())

	// nil funcs are skipped
	inf.AddEventHandler(ResourceEventHandlerFuncs{})
	require.NoError(t, store.Delete(newPod("2", "b", "1")))
}

func TestInformerRunAndStop(t *testing.T) {
	fw := watch.NewFakeWithChanSize(10, false)
	lw := &ListWatcher{
		Type: podType,
		ListFunc: func(context.Context, metav1.ListOptions) (*unstructured.UnstructuredList, error) {
			return podList("1", newPod("1", "a", "1")), nil
		},
		WatchFunc: func(ctx context.Context, _ metav1.ListOptions) (watch.Interface, error) {
			return fw, nil
		},
	}
	inf, _, rec := newTestInformer(lw)

	done := make(chan struct{})
	go func() {
		inf.Run(context.Background())
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, inf.WaitForSync(ctx))

	fw.Add(newPod("2", "b", "2"))
	require.Eventually(t, func() bool { return inf.LastSyncResourceVersion() == "2" }, 5*time.Second, time.Millisecond)
	assert.Equal(t, []string{"add a", "add b"}, rec.take())
	assert.True(t, inf.Store().HasByKey("2"))

	inf.Stop()
	inf.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestInformerStopBeforeRun(t *testing.T) {
	inf, _, _ := newTestInformer(&ListWatcher{Type: podType})
	inf.Stop()

	done := make(chan struct{})
	go func() {
		inf.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return for a stopped informer")
	}
}

func TestInformerStopAfterCancelledRun(t *testing.T) {
	fw := watch.NewRaceFreeFake()
	lw := &ListWatcher{
		Type: podType,
		ListFunc: func(context.Context, metav1.ListOptions) (*unstructured.UnstructuredList, error) {
			return podList("1", newPod("1", "a", "1")), nil
		},
		WatchFunc: func(context.Context, metav1.ListOptions) (watch.Interface, error) {
			return fw, nil
		},
	}
	inf, _, rec := newTestInformer(lw)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		inf.Run(ctx)
		close(done)
	}()
	require.NoError(t, inf.WaitForSync(context.Background()))
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, []string{"add a"}, rec.take())

	inf.Stop()
	inf.Stop()
	cancel()
	fw.Add(newPod("2", "b", "2"))

	// a finished informer does not start again
	again := make(chan struct{})
	go func() {
		inf.Run(context.Background())
		close(again)
	}()
	select {
	case <-again:
	case <-time.After(time.Second):
		t.Fatal("Run did not return for a finished informer")
	}
	assert.Empty(t, rec.take())
	assert.Equal(t, []string{"1"}, inf.Store().ListKeys())
	assert.Equal(t, "1", inf.LastSyncResourceVersion())
}
