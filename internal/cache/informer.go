package cache

import (
	"context"
	"sort"
	"sync"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// ResourceEventHandler receives the changes an Informer applies to its store.
// Handlers are called one at a time, in order, from the informer goroutine.
type ResourceEventHandler interface {
	OnAdd(obj *unstructured.Unstructured)
	OnUpdate(oldObj, newObj *unstructured.Unstructured)
	OnDelete(obj *unstructured.Unstructured)
}

// ResourceEventHandlerFuncs adapts plain functions to ResourceEventHandler.
// Nil functions are skipped.
type ResourceEventHandlerFuncs struct {
	AddFunc    func(obj *unstructured.Unstructured)
	UpdateFunc func(oldObj, newObj *unstructured.Unstructured)
	DeleteFunc func(obj *unstructured.Unstructured)
}

func (r ResourceEventHandlerFuncs) OnAdd(obj *unstructured.Unstructured) {
	if r.AddFunc != nil {
		r.AddFunc(obj)
	}
}

func (r ResourceEventHandlerFuncs) OnUpdate(oldObj, newObj *unstructured.Unstructured) {
	if r.UpdateFunc != nil {
		r.UpdateFunc(oldObj, newObj)
	}
}

func (r ResourceEventHandlerFuncs) OnDelete(obj *unstructured.Unstructured) {
	if r.DeleteFunc != nil {
		r.DeleteFunc(obj)
	}
}

// InformerOptions configures an Informer.
type InformerOptions struct {
	// KeyPath is the dotted property path objects are keyed by.
	KeyPath   string
	Reflector ReflectorOptions
}

// Informer runs a Reflector into a Store and notifies handlers of every change.
type Informer struct {
	store     *Store
	reflector *Reflector

	handlerLock   sync.RWMutex
	handlers      []handlerEntry
	nextHandlerID int

	runLock sync.Mutex
	cancel  context.CancelFunc
	stopped bool
}

type handlerEntry struct {
	id      int
	handler ResourceEventHandler
}

func NewInformer(lw *ListWatcher, opts InformerOptions) *Informer {
	inf := &Informer{
		store: NewStore(opts.KeyPath),
	}
	inf.reflector = NewReflector(lw, lw.Type, &notifyingStore{store: inf.store, informer: inf}, opts.Reflector)
	return inf
}

// AddEventHandler registers handler and returns a function removing it again.
func (i *Informer) AddEventHandler(handler ResourceEventHandler) func() {
	i.handlerLock.Lock()
	defer i.handlerLock.Unlock()
	id := i.nextHandlerID
	i.nextHandlerID++
	i.handlers = append(i.handlers, handlerEntry{id: id, handler: handler})
	return func() {
		i.handlerLock.Lock()
		defer i.handlerLock.Unlock()
		for n, e := range i.handlers {
			if e.id == id {
				i.handlers = append(i.handlers[:n:n], i.handlers[n+1:]...)
				return
			}
		}
	}
}

// Run blocks until ctx is cancelled or Stop is called.
func (i *Informer) Run(ctx context.Context) {
	i.runLock.Lock()
	if i.stopped || i.cancel != nil {
		i.runLock.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	i.cancel = cancel
	i.runLock.Unlock()

	defer cancel()
	i.reflector.Run(ctx)
}

// Stop ends Run. Calling it more than once is harmless.
func (i *Informer) Stop() {
	i.runLock.Lock()
	defer i.runLock.Unlock()
	i.stopped = true
	if i.cancel != nil {
		i.cancel()
	}
}

// Store returns a read-only view of the informer cache.
func (i *Informer) Store() Reader {
	return i.store
}

func (i *Informer) HasSynced() bool {
	return i.store.HasSynced()
}

func (i *Informer) WaitForSync(ctx context.Context) error {
	return i.store.WaitForSync(ctx)
}

func (i *Informer) LastSyncResourceVersion() string {
	return i.reflector.LastSyncResourceVersion()
}

func (i *Informer) currentHandlers() []ResourceEventHandler {
	i.handlerLock.RLock()
	defer i.handlerLock.RUnlock()
	out := make([]ResourceEventHandler, len(i.handlers))
	for n, e := range i.handlers {
		out[n] = e.handler
	}
	return out
}

func (i *Informer) notifyAdd(obj *unstructured.Unstructured) {
	for _, h := range i.currentHandlers() {
		h.OnAdd(obj)
	}
}

func (i *Informer) notifyUpdate(oldObj, newObj *unstructured.Unstructured) {
	for _, h := range i.currentHandlers() {
		h.OnUpdate(oldObj, newObj)
	}
}

func (i *Informer) notifyDelete(obj *unstructured.Unstructured) {
	for _, h := range i.currentHandlers() {
		h.OnDelete(obj)
	}
}

// notifyingStore diffs every mutation against the informer store and turns
// the result into handler notifications.
type notifyingStore struct {
	store    *Store
	informer *Informer
}

var _ Mutator = &notifyingStore{}

func (s *notifyingStore) Add(obj *unstructured.Unstructured) error {
	key, err := s.store.KeyOf(obj)
	if err != nil {
		return err
	}
	old, exists := s.store.GetByKey(key)
	if err := s.store.Add(obj); err != nil {
		return err
	}
	if exists {
		s.informer.notifyUpdate(old, obj)
	} else {
		s.informer.notifyAdd(obj)
	}
	return nil
}

func (s *notifyingStore) KeyOf(obj *unstructured.Unstructured) (string, error) {
	return s.store.KeyOf(obj)
}

func (s *notifyingStore) Update(obj *unstructured.Unstructured) error {
	return s.Add(obj)
}

func (s *notifyingStore) Delete(obj *unstructured.Unstructured) error {
	key, err := s.store.KeyOf(obj)
	if err != nil {
		return err
	}
	_, exists := s.store.GetByKey(key)
	s.store.DeleteByKey(key)
	if exists {
		s.informer.notifyDelete(obj)
	}
	return nil
}

func (s *notifyingStore) Replace(items []*unstructured.Unstructured, resourceVersion string) error {
	old := s.store.snapshot()
	if err := s.store.Replace(items, resourceVersion); err != nil {
		return err
	}

	seen := make(map[string]*unstructured.Unstructured, len(items))
	for _, item := range items {
		// keys were already validated by Replace
		key, _ := s.store.KeyOf(item)
		prev, exists := seen[key]
		if !exists {
			prev, exists = old[key]
		}
		seen[key] = item
		if exists {
			s.informer.notifyUpdate(prev, item)
		} else {
			s.informer.notifyAdd(item)
		}
	}

	removed := make([]string, 0)
	for key := range old {
		if _, ok := seen[key]; !ok {
			removed = append(removed, key)
		}
	}
	sort.Strings(removed)
	for _, key := range removed {
		s.informer.notifyDelete(old[key])
	}
	return nil
}
