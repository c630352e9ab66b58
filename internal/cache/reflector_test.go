package cache

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
	testingclock "k8s.io/utils/clock/testing"
)

func testReflectorOptions() ReflectorOptions {
	fast := BackoffOptions{Min: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2, ResetDuration: time.Minute}
	return ReflectorOptions{
		RestartGracePeriod:    time.Millisecond,
		Backoff:               fast,
		InitConnectionBackoff: fast,
	}
}

func podList(resourceVersion string, pods ...*unstructured.Unstructured) *unstructured.UnstructuredList {
	list := &unstructured.UnstructuredList{Object: map[string]interface{}{"apiVersion": "v1", "kind": "PodList"}}
	list.SetResourceVersion(resourceVersion)
	for _, p := range pods {
		list.Items = append(list.Items, *p)
	}
	return list
}

func bookmark(resourceVersion string) *unstructured.Unstructured {
	obj := &unstructured.Unstructured{Object: map[string]interface{}{"apiVersion": "v1", "kind": "Pod"}}
	obj.SetResourceVersion(resourceVersion)
	return obj
}

// recordingListWatch counts calls and hands out results from queues.
type recordingListWatch struct {
	lock      sync.Mutex
	listCalls []metav1.ListOptions
	watchOpts []metav1.ListOptions
	list      func(options metav1.ListOptions) (*unstructured.UnstructuredList, error)
	watches   []func() (watch.Interface, error)
}

func (r *recordingListWatch) List(_ context.Context, options metav1.ListOptions) (*unstructured.UnstructuredList, error) {
	r.lock.Lock()
	r.listCalls = append(r.listCalls, options)
	r.lock.Unlock()
	return r.list(options)
}

func (r *recordingListWatch) Watch(_ context.Context, options metav1.ListOptions) (watch.Interface, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.watchOpts = append(r.watchOpts, options)
	if len(r.watches) == 0 {
		return nil, errors.New("no more watches")
	}
	next := r.watches[0]
	r.watches = r.watches[1:]
	return next()
}

func (r *recordingListWatch) listCount() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.listCalls)
}

func watchOf(w watch.Interface) func() (watch.Interface, error) {
	return func() (watch.Interface, error) { return w, nil }
}

func TestReflectorConvergesOnWatchEvents(t *testing.T) {
	fw := watch.NewFakeWithChanSize(10, false)
	fw.Add(newPod("a", "pod-a", "2"))
	fw.Add(newPod("b", "pod-b", "3"))
	fw.Modify(newPod("b", "pod-b", "4"))
	fw.Delete(newPod("a", "pod-a", "5"))
	fw.Action(watch.Bookmark, bookmark("9"))
	fw.Error(&metav1.Status{Status: metav1.StatusFailure, Code: 410, Reason: metav1.StatusReasonExpired, Message: "too old resource version"})

	lw := &recordingListWatch{
		list: func(metav1.ListOptions) (*unstructured.UnstructuredList, error) {
			return podList("1"), nil
		},
		watches: []func() (watch.Interface, error){watchOf(fw)},
	}
	store := NewStore("")
	r := NewReflector(lw, podType, store, testReflectorOptions())

	err := r.ListAndWatch(context.Background())
	require.Error(t, err)
	assert.True(t, IsExpired(err))

	assert.Equal(t, []string{"b"}, store.ListKeys())
	b, _ := store.GetByKey("b")
	assert.Equal(t, "4", b.GetResourceVersion())
	assert.Equal(t, "9", r.LastSyncResourceVersion())
	assert.True(t, store.HasSynced())

	require.Len(t, lw.watchOpts, 1)
	watchOpts := lw.watchOpts[0]
	assert.Equal(t, "1", watchOpts.ResourceVersion)
	assert.True(t, watchOpts.AllowWatchBookmarks)
	require.NotNil(t, watchOpts.TimeoutSeconds)
	assert.GreaterOrEqual(t, *watchOpts.TimeoutSeconds, int64(300))
	assert.Less(t, *watchOpts.TimeoutSeconds, int64(600))
}

func TestReflectorStampsTypeOnListedItems(t *testing.T) {
	item := newPod("a", "pod-a", "1")
	delete(item.Object, "kind")
	delete(item.Object, "apiVersion")
	lw := &recordingListWatch{
		list: func(metav1.ListOptions) (*unstructured.UnstructuredList, error) {
			return podList("1", item), nil
		},
		watches: []func() (watch.Interface, error){watchOf(watch.NewEmptyWatch())},
	}
	store := NewStore("")
	r := NewReflector(lw, podType, store, testReflectorOptions())

	err := r.ListAndWatch(context.Background())
	assert.ErrorIs(t, err, ErrVeryShortWatch)

	got, ok := store.GetByKey("a")
	require.True(t, ok)
	assert.Equal(t, "Pod", got.GetKind())
	assert.Equal(t, "v1", got.GetAPIVersion())
}

func TestReflectorDropsListedItemsWithoutKey(t *testing.T) {
	lw := &recordingListWatch{
		list: func(metav1.ListOptions) (*unstructured.UnstructuredList, error) {
			return podList("1", newPod("a", "pod-a", "1"), newPod("", "no-uid", "1")), nil
		},
		watches: []func() (watch.Interface, error){watchOf(watch.NewEmptyWatch())},
	}
	store := NewStore("")
	r := NewReflector(lw, podType, store, testReflectorOptions())

	err := r.ListAndWatch(context.Background())
	assert.ErrorIs(t, err, ErrVeryShortWatch)

	assert.True(t, store.HasSynced())
	assert.Equal(t, []string{"a"}, store.ListKeys())
	assert.Equal(t, "1", r.LastSyncResourceVersion())
}

func TestReflectorRelistsWhenVersionIsUnavailable(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"expired", apierrors.NewResourceExpired("too old")},
		{"too large", apierrors.NewTimeoutError(tooLargeResourceVersionMessage, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lw := &recordingListWatch{
				list: func(options metav1.ListOptions) (*unstructured.UnstructuredList, error) {
					if options.ResourceVersion == "5" {
						return nil, tt.err
					}
					return podList("10", newPod("a", "pod-a", "10")), nil
				},
				watches: []func() (watch.Interface, error){watchOf(watch.NewEmptyWatch())},
			}
			store := NewStore("")
			r := NewReflector(lw, podType, store, testReflectorOptions())
			r.setLastSyncResourceVersion("5")

			err := r.ListAndWatch(context.Background())
			assert.ErrorIs(t, err, ErrVeryShortWatch)

			require.Len(t, lw.listCalls, 2)
			assert.Equal(t, "5", lw.listCalls[0].ResourceVersion)
			assert.Equal(t, int64(0), lw.listCalls[0].Limit)
			assert.Equal(t, "", lw.listCalls[1].ResourceVersion)
			assert.Equal(t, "10", r.LastSyncResourceVersion())
			assert.Equal(t, "10", r.relistResourceVersion())
			assert.Equal(t, []string{"a"}, store.ListKeys())
		})
	}
}

func TestReflectorListFailure(t *testing.T) {
	lw := &recordingListWatch{
		list: func(metav1.ListOptions) (*unstructured.UnstructuredList, error) {
			return nil, apierrors.NewResourceExpired("too old")
		},
	}
	store := NewStore("")
	r := NewReflector(lw, podType, store, testReflectorOptions())
	r.setLastSyncResourceVersion("5")

	err := r.ListAndWatch(context.Background())
	require.Error(t, err)
	assert.True(t, IsExpired(err))
	assert.Len(t, lw.listCalls, 2)
	assert.False(t, store.HasSynced())
	// the next relist goes straight to a consistent read
	assert.Equal(t, "", r.relistResourceVersion())
}

func TestReflectorRelistResourceVersion(t *testing.T) {
	r := NewReflector(&recordingListWatch{}, podType, NewStore(""), testReflectorOptions())
	assert.Equal(t, "0", r.relistResourceVersion())
	r.setLastSyncResourceVersion("12")
	assert.Equal(t, "12", r.relistResourceVersion())
	r.setIsLastSyncResourceVersionUnavailable(true)
	assert.Equal(t, "", r.relistResourceVersion())
}

func TestReflectorKeepsPagingOncePaginated(t *testing.T) {
	paged := &fakePagedLister{items: []string{"a", "b", "c"}, resourceVersion: "3"}
	lw := &recordingListWatch{list: func(options metav1.ListOptions) (*unstructured.UnstructuredList, error) {
		return paged.List(context.Background(), options)
	}}
	opts := testReflectorOptions()
	opts.PageSize = 2
	r := NewReflector(lw, podType, NewStore(""), opts)

	require.NoError(t, r.list(context.Background()))
	assert.True(t, r.paginatedResult)

	require.NoError(t, r.list(context.Background()))
	last := lw.listCalls[len(lw.listCalls)-2]
	assert.Equal(t, "3", last.ResourceVersion)
	assert.Equal(t, int64(2), last.Limit)
}

func TestReflectorExactVersionIsNotPaged(t *testing.T) {
	lw := &recordingListWatch{list: func(metav1.ListOptions) (*unstructured.UnstructuredList, error) {
		return podList("3"), nil
	}}
	r := NewReflector(lw, podType, NewStore(""), testReflectorOptions())

	require.NoError(t, r.list(context.Background()))
	assert.Equal(t, int64(500), lw.listCalls[0].Limit)
	assert.False(t, r.paginatedResult)

	require.NoError(t, r.list(context.Background()))
	assert.Equal(t, "3", lw.listCalls[1].ResourceVersion)
	assert.Equal(t, int64(0), lw.listCalls[1].Limit)
}

func TestReflectorRetriesRefusedWatchWithoutRelist(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: &os.SyscallError{Syscall: "connect", Err: syscall.ECONNREFUSED}}
	fw := watch.NewFakeWithChanSize(1, false)
	fw.Add(newPod("a", "pod-a", "2"))
	fw.Stop()

	lw := &recordingListWatch{
		list: func(metav1.ListOptions) (*unstructured.UnstructuredList, error) {
			return podList("1"), nil
		},
		watches: []func() (watch.Interface, error){
			func() (watch.Interface, error) { return nil, refused },
			watchOf(fw),
		},
	}
	store := NewStore("")
	r := NewReflector(lw, podType, store, testReflectorOptions())

	err := r.ListAndWatch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no more watches")

	assert.Equal(t, 1, lw.listCount())
	require.Len(t, lw.watchOpts, 3)
	assert.Equal(t, "1", lw.watchOpts[0].ResourceVersion)
	assert.Equal(t, "1", lw.watchOpts[1].ResourceVersion)
	// the next watch resumes from the last event
	assert.Equal(t, "2", lw.watchOpts[2].ResourceVersion)
	assert.Equal(t, []string{"a"}, store.ListKeys())
}

func TestReflectorSkipsUnexpectedObjects(t *testing.T) {
	node := &unstructured.Unstructured{Object: map[string]interface{}{"apiVersion": "v1", "kind": "Node"}}
	node.SetUID("n1")
	node.SetResourceVersion("7")

	fw := watch.NewFakeWithChanSize(4, false)
	fw.Add(node)
	fw.Add(&metav1.Status{})
	fw.Add(newPod("", "no-uid", "8"))
	fw.Add(newPod("b", "pod-b", "9"))
	fw.Stop()

	lw := &recordingListWatch{
		list: func(metav1.ListOptions) (*unstructured.UnstructuredList, error) {
			return podList("1"), nil
		},
		watches: []func() (watch.Interface, error){watchOf(fw)},
	}
	store := NewStore("")
	r := NewReflector(lw, podType, store, testReflectorOptions())

	_ = r.ListAndWatch(context.Background())
	assert.Equal(t, []string{"b"}, store.ListKeys())
	assert.Equal(t, "9", r.LastSyncResourceVersion())
}

func TestReflectorWatchHandlerCountsSkippedEvents(t *testing.T) {
	node := &unstructured.Unstructured{Object: map[string]interface{}{"apiVersion": "v1", "kind": "Node"}}
	node.SetUID("n1")
	node.SetResourceVersion("7")

	tests := []struct {
		name   string
		events []runtime.Object
		want   error
	}{
		{"no events", nil, ErrVeryShortWatch},
		{"wrong kind", []runtime.Object{node}, nil},
		{"not unstructured", []runtime.Object{&metav1.Status{}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewStore("")
			r := NewReflector(&recordingListWatch{}, podType, store, testReflectorOptions())
			fw := watch.NewFakeWithChanSize(len(tt.events), false)
			for _, obj := range tt.events {
				fw.Add(obj)
			}
			fw.Stop()

			err := r.watchHandler(context.Background(), fw, time.Minute)
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
			assert.Empty(t, store.ListKeys())
		})
	}
}

func TestReflectorRunDoesNotRelogWatchErrors(t *testing.T) {
	expired := func() (watch.Interface, error) {
		fw := watch.NewFakeWithChanSize(1, false)
		fw.Error(&metav1.Status{Status: metav1.StatusFailure, Code: 410, Reason: metav1.StatusReasonExpired, Message: "too old resource version"})
		return fw, nil
	}
	lw := &recordingListWatch{
		list: func(metav1.ListOptions) (*unstructured.UnstructuredList, error) {
			return podList("1"), nil
		},
		watches: []func() (watch.Interface, error){expired, expired},
	}
	logger, hook := logtest.NewNullLogger()
	opts := testReflectorOptions()
	opts.Logger = logger
	r := NewReflector(lw, podType, NewStore(""), opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	// the fourth list starts after Run handled the third, unopenable, watch
	require.Eventually(t, func() bool { return lw.listCount() >= 4 }, 5*time.Second, time.Millisecond)
	cancel()
	<-done

	closed, failed := 0, 0
	for _, entry := range hook.AllEntries() {
		switch {
		case strings.HasPrefix(entry.Message, "Watch closed with"):
			assert.Equal(t, log.InfoLevel, entry.Level)
			closed++
		case strings.HasPrefix(entry.Message, "ListAndWatch failed"):
			assert.NotContains(t, entry.Message, "too old resource version")
			failed++
		}
	}
	assert.Equal(t, 2, closed)
	// watches that could not be opened are only reported by Run
	assert.Positive(t, failed)
}

func TestReflectorForcesCloseOfSilentWatch(t *testing.T) {
	fakeClock := testingclock.NewFakeClock(time.Now())
	opts := testReflectorOptions()
	opts.Clock = fakeClock
	r := NewReflector(&recordingListWatch{}, podType, NewStore(""), opts)

	fw := watch.NewFake()
	done := make(chan error, 1)
	go func() {
		done <- r.watchHandler(context.Background(), fw, time.Minute)
	}()

	require.Eventually(t, fakeClock.HasWaiters, time.Second, time.Millisecond)
	fakeClock.Step(time.Minute)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errWatchForcedClose)
	case <-time.After(time.Second):
		t.Fatal("watch was not closed")
	}
	assert.True(t, fw.IsStopped())
}

func TestReflectorWatchHandlerStopsOnCancel(t *testing.T) {
	r := NewReflector(&recordingListWatch{}, podType, NewStore(""), testReflectorOptions())
	ctx, cancel := context.WithCancel(context.Background())
	fw := watch.NewFake()

	done := make(chan error, 1)
	go func() {
		done <- r.watchHandler(ctx, fw, time.Minute)
	}()
	cancel()
	cancel()

	select {
	case err := <-done:
		assert.True(t, IsCancellation(err))
	case <-time.After(time.Second):
		t.Fatal("watch handler did not return")
	}
	assert.True(t, fw.IsStopped())
}

func TestReflectorRunStopsOnCancel(t *testing.T) {
	lw := &recordingListWatch{
		list: func(metav1.ListOptions) (*unstructured.UnstructuredList, error) {
			return nil, apierrors.NewInternalError(errors.New("boom"))
		},
	}
	r := NewReflector(lw, podType, NewStore(""), testReflectorOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	// failed lists are retried
	require.Eventually(t, func() bool { return lw.listCount() >= 3 }, 5*time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	cancel()
}

func TestReflectorRunLeavesStoreAloneAfterCancel(t *testing.T) {
	fw := watch.NewRaceFreeFake()
	lw := &recordingListWatch{
		list: func(metav1.ListOptions) (*unstructured.UnstructuredList, error) {
			return podList("1", newPod("a", "pod-a", "1")), nil
		},
		watches: []func() (watch.Interface, error){watchOf(fw)},
	}
	store := NewStore("")
	r := NewReflector(lw, podType, store, testReflectorOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	fw.Add(newPod("b", "pod-b", "2"))
	require.Eventually(t, func() bool { return r.LastSyncResourceVersion() == "2" }, 5*time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, fw.IsStopped())
	keys := store.ListKeys()
	assert.Equal(t, []string{"a", "b"}, keys)

	// events sent after Run returned are dropped
	fw.Add(newPod("c", "pod-c", "3"))
	fw.Delete(newPod("a", "pod-a", "4"))
	cancel()
	assert.Equal(t, keys, store.ListKeys())
	assert.Equal(t, "2", r.LastSyncResourceVersion())
	assert.Equal(t, 1, lw.listCount())
}
