package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/labels"
)

const podPrefix = "/registry/pods/"

func newPod(name, node string, lbls map[string]string) *unstructured.Unstructured {
	pod := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "Pod",
		"metadata": map[string]interface{}{
			"name":      name,
			"namespace": "default",
		},
		"spec": map[string]interface{}{
			"nodeName": node,
		},
	}}
	if lbls != nil {
		pod.SetLabels(lbls)
	}
	return pod
}

func podKey(name string) string {
	return podPrefix + "default/" + name
}

func mustCreate(t *testing.T, s *MemoryStore, pod *unstructured.Unstructured) *unstructured.Unstructured {
	t.Helper()
	out, err := s.Create(context.Background(), podKey(pod.GetName()), pod)
	require.NoError(t, err)
	return out
}

func nextEvent(t *testing.T, w WatchInterface) Event {
	t.Helper()
	select {
	case e, ok := <-w.ResultChan():
		require.True(t, ok, "watch closed")
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watch event")
	}
	return Event{}
}

func TestCreateAssignsMetadata(t *testing.T) {
	s := NewMemoryStore("", 0)
	created := mustCreate(t, s, newPod("a", "", nil))
	assert.NotEmpty(t, created.GetUID())
	assert.Equal(t, "1", created.GetResourceVersion())
	ts, found, _ := unstructured.NestedString(created.Object, "metadata", "creationTimestamp")
	assert.True(t, found)
	assert.NotEmpty(t, ts)

	_, err := s.Create(context.Background(), podKey("a"), newPod("a", "", nil))
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.Equal(t, "1", s.ResourceVersion())
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("", 0)
	created := mustCreate(t, s, newPod("a", "", nil))

	changed := newPod("a", "node-1", nil)
	changed.SetResourceVersion(created.GetResourceVersion())
	updated, err := s.Update(ctx, podKey("a"), changed)
	require.NoError(t, err)
	assert.Equal(t, "2", updated.GetResourceVersion())
	assert.Equal(t, created.GetUID(), updated.GetUID())

	stale := newPod("a", "node-2", nil)
	stale.SetResourceVersion("1")
	_, err = s.Update(ctx, podKey("a"), stale)
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.Update(ctx, podKey("missing"), newPod("missing", "", nil))
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.Get(ctx, podKey("a"))
	require.NoError(t, err)
	node, _, _ := unstructured.NestedString(got.Object, "spec", "nodeName")
	assert.Equal(t, "node-1", node)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("", 0)
	mustCreate(t, s, newPod("a", "", nil))

	deleted, err := s.Delete(ctx, podKey("a"))
	require.NoError(t, err)
	assert.Equal(t, "2", deleted.GetResourceVersion())

	_, err = s.Get(ctx, podKey("a"))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Delete(ctx, podKey("a"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListPaging(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("", 0)
	for _, name := range []string{"c", "a", "b"} {
		mustCreate(t, s, newPod(name, "", nil))
	}

	first, err := s.List(ctx, podPrefix, ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	assert.Equal(t, "a", first.Items[0].GetName())
	assert.Equal(t, "b", first.Items[1].GetName())
	assert.Equal(t, "3", first.ResourceVersion)
	require.NotEmpty(t, first.Continue)

	mustCreate(t, s, newPod("d", "", nil))

	second, err := s.List(ctx, podPrefix, ListOptions{Limit: 2, Continue: first.Continue})
	require.NoError(t, err)
	assert.Equal(t, "3", second.ResourceVersion)
	names := []string{}
	for _, item := range second.Items {
		names = append(names, item.GetName())
	}
	assert.Equal(t, []string{"c", "d"}, names)
	assert.Empty(t, second.Continue)
}

func TestListErrors(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("", 2)
	for _, name := range []string{"a", "b", "c"} {
		mustCreate(t, s, newPod(name, "", nil))
	}

	_, err := s.List(ctx, podPrefix, ListOptions{ResourceVersion: "10"})
	assert.ErrorIs(t, err, ErrTooLargeResourceVersion)

	_, err = s.List(ctx, podPrefix, ListOptions{ResourceVersion: "abc"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = s.List(ctx, podPrefix, ListOptions{Continue: "!!"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	token, err := encodeContinue(0, podKey("b"))
	require.NoError(t, err)
	_, err = s.List(ctx, podPrefix, ListOptions{Continue: token})
	assert.ErrorIs(t, err, ErrResourceExpired)
}

func TestListSelectors(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("", 0)
	mustCreate(t, s, newPod("a", "node-1", map[string]string{"app": "web"}))
	mustCreate(t, s, newPod("b", "", map[string]string{"app": "web"}))
	mustCreate(t, s, newPod("c", "", map[string]string{"app": "db"}))

	res, err := s.List(ctx, podPrefix, ListOptions{
		LabelSelector: labels.SelectorFromSet(labels.Set{"app": "web"}),
		FieldSelector: fields.OneTermEqualSelector("spec.nodeName", ""),
	})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "b", res.Items[0].GetName())
}

func TestWatchFromZeroSendsCurrentState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewMemoryStore("", 0)
	mustCreate(t, s, newPod("b", "", nil))
	mustCreate(t, s, newPod("a", "", nil))

	w, err := s.Watch(ctx, podPrefix, ListOptions{ResourceVersion: "0"})
	require.NoError(t, err)
	defer w.Stop()

	e := nextEvent(t, w)
	assert.Equal(t, Added, e.Type)
	assert.Equal(t, "a", e.Object.GetName())
	e = nextEvent(t, w)
	assert.Equal(t, "b", e.Object.GetName())

	mustCreate(t, s, newPod("c", "", nil))
	e = nextEvent(t, w)
	assert.Equal(t, Added, e.Type)
	assert.Equal(t, "c", e.Object.GetName())
	assert.Equal(t, "3", e.Object.GetResourceVersion())
}

func TestWatchReplaysHistory(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewMemoryStore("", 0)
	created := mustCreate(t, s, newPod("a", "", nil))
	created.SetResourceVersion("")
	_, err := s.Update(ctx, podKey("a"), created)
	require.NoError(t, err)
	_, err = s.Delete(ctx, podKey("a"))
	require.NoError(t, err)

	w, err := s.Watch(ctx, podPrefix, ListOptions{ResourceVersion: "1"})
	require.NoError(t, err)
	defer w.Stop()

	e := nextEvent(t, w)
	assert.Equal(t, Modified, e.Type)
	assert.Equal(t, "2", e.Object.GetResourceVersion())
	e = nextEvent(t, w)
	assert.Equal(t, Deleted, e.Type)
	assert.Equal(t, "3", e.Object.GetResourceVersion())
}

func TestWatchResourceVersionErrors(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("", 1)
	mustCreate(t, s, newPod("a", "", nil))
	mustCreate(t, s, newPod("b", "", nil))
	mustCreate(t, s, newPod("c", "", nil))

	_, err := s.Watch(ctx, podPrefix, ListOptions{ResourceVersion: "1"})
	assert.ErrorIs(t, err, ErrResourceExpired)
	_, err = s.Watch(ctx, podPrefix, ListOptions{ResourceVersion: "4"})
	assert.ErrorIs(t, err, ErrTooLargeResourceVersion)

	w, err := s.Watch(ctx, podPrefix, ListOptions{ResourceVersion: "3"})
	require.NoError(t, err)
	w.Stop()
}

func TestWatchSelectorTransitions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewMemoryStore("", 0)
	mustCreate(t, s, newPod("a", "", nil))

	w, err := s.Watch(ctx, podPrefix, ListOptions{
		ResourceVersion: "1",
		FieldSelector:   fields.OneTermEqualSelector("spec.nodeName", "node-1"),
	})
	require.NoError(t, err)
	defer w.Stop()

	_, err = s.Update(ctx, podKey("a"), newPod("a", "node-1", nil))
	require.NoError(t, err)
	e := nextEvent(t, w)
	assert.Equal(t, Added, e.Type)

	_, err = s.Update(ctx, podKey("a"), newPod("a", "node-2", nil))
	require.NoError(t, err)
	e = nextEvent(t, w)
	assert.Equal(t, Deleted, e.Type)
	assert.Equal(t, "3", e.Object.GetResourceVersion())
}

func TestWatchBookmarkAndStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewMemoryStore("", 0)
	mustCreate(t, s, newPod("a", "", nil))

	w, err := s.Watch(ctx, podPrefix, ListOptions{ResourceVersion: "1"})
	require.NoError(t, err)
	w.RequestBookmark()
	e := nextEvent(t, w)
	assert.Equal(t, Bookmark, e.Type)
	assert.Equal(t, "1", e.Object.GetResourceVersion())

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-w.ResultChan():
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	w.Stop()

	s.lock.RLock()
	defer s.lock.RUnlock()
	assert.Empty(t, s.watchers)
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")
	s := NewMemoryStore(path, 0)
	mustCreate(t, s, newPod("a", "", nil))
	mustCreate(t, s, newPod("b", "", nil))

	reloaded := NewMemoryStore(path, 0)
	assert.Equal(t, "2", reloaded.ResourceVersion())
	got, err := reloaded.Get(ctx, podKey("b"))
	require.NoError(t, err)
	assert.Equal(t, "2", got.GetResourceVersion())

	_, err = reloaded.Watch(ctx, podPrefix, ListOptions{ResourceVersion: "1"})
	assert.ErrorIs(t, err, ErrResourceExpired)
}
