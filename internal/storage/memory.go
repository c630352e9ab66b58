package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/types"
	utiljson "k8s.io/apimachinery/pkg/util/json"
)

const (
	// DefaultHistorySize is how many events are kept for watches resuming from
	// an older resource version.
	DefaultHistorySize = 1000
	// watcherQueueLimit is how many live events may pile up for a single
	// watcher before it is terminated.
	watcherQueueLimit = 1000
)

type historyEntry struct {
	rev  uint64
	key  string
	typ  EventType
	obj  []byte
	prev []byte
}

// MemoryStore implements Store interface using an in-memory map of JSON
// documents, optionally persisted to a file.
type MemoryStore struct {
	lock        sync.RWMutex
	data        map[string][]byte
	rev         uint64
	history     []historyEntry
	historySize int
	// compactedRev is the newest revision whose event is no longer in history.
	compactedRev uint64
	watchers     []*memoryWatcher
	filePath     string
}

type persistedState struct {
	ResourceVersion uint64                     `json:"resourceVersion"`
	Objects         map[string]json.RawMessage `json:"objects"`
}

// NewMemoryStore returns a store persisting to filePath when it is not empty.
// historySize <= 0 means DefaultHistorySize.
func NewMemoryStore(filePath string, historySize int) *MemoryStore {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	store := &MemoryStore{
		data:        make(map[string][]byte),
		filePath:    filePath,
		historySize: historySize,
	}
	if filePath != "" {
		if err := store.load(); err != nil {
			log.Warnf("Failed to load store from %s: %v", filePath, err)
		}
	}
	return store
}

func (s *MemoryStore) load() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	for k, v := range state.Objects {
		s.data[k] = v
	}
	s.rev = state.ResourceVersion
	s.compactedRev = state.ResourceVersion
	return nil
}

func (s *MemoryStore) sync() error {
	if s.filePath == "" {
		return nil
	}

	state := persistedState{ResourceVersion: s.rev, Objects: make(map[string]json.RawMessage, len(s.data))}
	for k, v := range s.data {
		state.Objects[k] = v
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	return os.WriteFile(s.filePath, data, 0644)
}

// ResourceVersion returns the latest revision of the store.
func (s *MemoryStore) ResourceVersion() string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return strconv.FormatUint(s.rev, 10)
}

func (s *MemoryStore) Create(ctx context.Context, key string, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, exists := s.data[key]; exists {
		return nil, ErrAlreadyExists
	}

	stored := obj.DeepCopy()
	if stored.GetUID() == "" {
		stored.SetUID(types.UID(uuid.NewString()))
	}
	if ts, _, _ := unstructured.NestedString(stored.Object, "metadata", "creationTimestamp"); ts == "" {
		_ = unstructured.SetNestedField(stored.Object, time.Now().UTC().Format(time.RFC3339), "metadata", "creationTimestamp")
	}
	return s.commit(Added, key, stored, nil)
}

func (s *MemoryStore) Update(ctx context.Context, key string, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	prevData, exists := s.data[key]
	if !exists {
		return nil, ErrNotFound
	}
	prev, err := decode(prevData)
	if err != nil {
		return nil, err
	}
	if rv := obj.GetResourceVersion(); rv != "" && rv != prev.GetResourceVersion() {
		return nil, fmt.Errorf("%w: object has resource version %s, stored is %s", ErrConflict, rv, prev.GetResourceVersion())
	}

	stored := obj.DeepCopy()
	stored.SetUID(prev.GetUID())
	if ts, found, _ := unstructured.NestedString(prev.Object, "metadata", "creationTimestamp"); found {
		_ = unstructured.SetNestedField(stored.Object, ts, "metadata", "creationTimestamp")
	}
	return s.commit(Modified, key, stored, prevData)
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*unstructured.Unstructured, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	data, exists := s.data[key]
	if !exists {
		return nil, ErrNotFound
	}
	return decode(data)
}

func (s *MemoryStore) Delete(ctx context.Context, key string) (*unstructured.Unstructured, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	prevData, exists := s.data[key]
	if !exists {
		return nil, ErrNotFound
	}
	obj, err := decode(prevData)
	if err != nil {
		return nil, err
	}
	return s.commit(Deleted, key, obj, prevData)
}

// commit assigns the next revision to obj, applies the change, records it and
// fans it out to watchers. Callers hold the write lock.
func (s *MemoryStore) commit(typ EventType, key string, obj *unstructured.Unstructured, prev []byte) (*unstructured.Unstructured, error) {
	rev := s.rev + 1
	obj.SetResourceVersion(strconv.FormatUint(rev, 10))
	data, err := json.Marshal(obj.Object)
	if err != nil {
		return nil, err
	}

	s.rev = rev
	if typ == Deleted {
		delete(s.data, key)
	} else {
		s.data[key] = data
	}

	entry := historyEntry{rev: rev, key: key, typ: typ, obj: data, prev: prev}
	s.history = append(s.history, entry)
	if len(s.history) > s.historySize {
		s.compactedRev = s.history[0].rev
		s.history = s.history[1:]
	}
	s.notifyWatchers(entry)

	if err := s.sync(); err != nil {
		log.Errorf("Failed to persist store: %v", err)
	}
	return obj, nil
}

func (s *MemoryStore) parseResourceVersion(rv string) (uint64, error) {
	if rv == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(rv, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid resource version %q", ErrInvalidRequest, rv)
	}
	return n, nil
}

type continueToken struct {
	ResourceVersion uint64 `json:"rv"`
	Start           string `json:"start"`
}

func encodeContinue(rev uint64, start string) (string, error) {
	data, err := json.Marshal(continueToken{ResourceVersion: rev, Start: start})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func decodeContinue(token string) (continueToken, error) {
	var out continueToken
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return out, fmt.Errorf("%w: malformed continue token", ErrInvalidRequest)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("%w: malformed continue token", ErrInvalidRequest)
	}
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context, keyPrefix string, opts ListOptions) (*ListResult, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	listRev := s.rev
	start := ""
	if opts.Continue != "" {
		token, err := decodeContinue(opts.Continue)
		if err != nil {
			return nil, err
		}
		if token.ResourceVersion < s.compactedRev {
			return nil, fmt.Errorf("%w: continue token at %d is older than %d", ErrResourceExpired, token.ResourceVersion, s.compactedRev)
		}
		listRev = token.ResourceVersion
		start = token.Start
	} else {
		requested, err := s.parseResourceVersion(opts.ResourceVersion)
		if err != nil {
			return nil, err
		}
		if requested > s.rev {
			return nil, fmt.Errorf("%w: requested %d, current %d", ErrTooLargeResourceVersion, requested, s.rev)
		}
	}

	keys := make([]string, 0)
	for k := range s.data {
		if strings.HasPrefix(k, keyPrefix) && k >= start {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	result := &ListResult{ResourceVersion: strconv.FormatUint(listRev, 10), Items: []*unstructured.Unstructured{}}
	for i, k := range keys {
		if opts.Limit > 0 && int64(len(result.Items)) == opts.Limit {
			token, err := encodeContinue(listRev, keys[i])
			if err != nil {
				return nil, err
			}
			result.Continue = token
			break
		}
		obj, err := decode(s.data[k])
		if err != nil {
			return nil, err
		}
		if matches(obj, opts) {
			result.Items = append(result.Items, obj)
		}
	}
	return result, nil
}

func (s *MemoryStore) Watch(ctx context.Context, keyPrefix string, opts ListOptions) (WatchInterface, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	requested, err := s.parseResourceVersion(opts.ResourceVersion)
	if err != nil {
		return nil, err
	}
	if requested > s.rev {
		return nil, fmt.Errorf("%w: requested %d, current %d", ErrTooLargeResourceVersion, requested, s.rev)
	}
	if requested != 0 && requested < s.compactedRev {
		return nil, fmt.Errorf("%w: requested %d, oldest available %d", ErrResourceExpired, requested, s.compactedRev)
	}

	w := newMemoryWatcher(s, keyPrefix, opts)
	if requested == 0 {
		keys := make([]string, 0)
		for k := range s.data {
			if strings.HasPrefix(k, keyPrefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			obj, err := decode(s.data[k])
			if err != nil {
				return nil, err
			}
			if matches(obj, opts) {
				w.queue = append(w.queue, Event{Type: Added, Object: obj})
			}
		}
	} else {
		for _, entry := range s.history {
			if entry.rev > requested {
				w.deliver(entry)
			}
		}
	}
	s.watchers = append(s.watchers, w)
	w.start(ctx)
	return w, nil
}

func (s *MemoryStore) notifyWatchers(entry historyEntry) {
	for _, w := range s.watchers {
		w.deliver(entry)
	}
}

func (s *MemoryStore) removeWatcher(w *memoryWatcher) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for i, watcher := range s.watchers {
		if watcher == w {
			s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
			break
		}
	}
}

func decode(data []byte) (*unstructured.Unstructured, error) {
	obj := &unstructured.Unstructured{}
	if err := utiljson.Unmarshal(data, &obj.Object); err != nil {
		return nil, err
	}
	return obj, nil
}

// ObjectFields returns the fields field selectors can match on.
func ObjectFields(obj *unstructured.Unstructured) fields.Set {
	set := fields.Set{
		"metadata.name":      obj.GetName(),
		"metadata.namespace": obj.GetNamespace(),
	}
	nodeName, _, _ := unstructured.NestedString(obj.Object, "spec", "nodeName")
	set["spec.nodeName"] = nodeName
	phase, _, _ := unstructured.NestedString(obj.Object, "status", "phase")
	set["status.phase"] = phase
	return set
}

func matches(obj *unstructured.Unstructured, opts ListOptions) bool {
	if opts.LabelSelector != nil && !opts.LabelSelector.Matches(labels.Set(obj.GetLabels())) {
		return false
	}
	if opts.FieldSelector != nil && !opts.FieldSelector.Matches(ObjectFields(obj)) {
		return false
	}
	return true
}

type memoryWatcher struct {
	store     *MemoryStore
	keyPrefix string
	opts      ListOptions

	lock       sync.Mutex
	queue      []Event
	signal     chan struct{}
	resultChan chan Event
	done       chan struct{}
	stopOnce   sync.Once
}

func newMemoryWatcher(store *MemoryStore, keyPrefix string, opts ListOptions) *memoryWatcher {
	return &memoryWatcher{
		store:      store,
		keyPrefix:  keyPrefix,
		opts:       opts,
		signal:     make(chan struct{}, 1),
		resultChan: make(chan Event),
		done:       make(chan struct{}),
	}
}

// deliver translates a change into what this watcher should see, given its
// prefix and selectors. Objects moving out of the selection show up as
// DELETED, objects moving in as ADDED.
func (w *memoryWatcher) deliver(entry historyEntry) {
	if !strings.HasPrefix(entry.key, w.keyPrefix) {
		return
	}
	obj, err := decode(entry.obj)
	if err != nil {
		log.Errorf("Failed to decode %s for watch: %v", entry.key, err)
		return
	}
	newMatch := matches(obj, w.opts)
	oldMatch := false
	if entry.prev != nil {
		if prev, err := decode(entry.prev); err == nil {
			oldMatch = matches(prev, w.opts)
		}
	}

	typ := entry.typ
	switch entry.typ {
	case Added:
		if !newMatch {
			return
		}
	case Modified:
		switch {
		case oldMatch && newMatch:
		case newMatch:
			typ = Added
		case oldMatch:
			typ = Deleted
		default:
			return
		}
	case Deleted:
		if !oldMatch {
			return
		}
	}
	if !w.enqueue(Event{Type: typ, Object: obj}) {
		log.Warnf("Watcher on %s fell behind, terminating it", w.keyPrefix)
		go w.Stop()
	}
}

func (w *memoryWatcher) enqueue(e Event) bool {
	w.lock.Lock()
	defer w.lock.Unlock()
	select {
	case <-w.done:
		return true
	default:
	}
	if len(w.queue) >= watcherQueueLimit {
		return false
	}
	w.queue = append(w.queue, e)
	select {
	case w.signal <- struct{}{}:
	default:
	}
	return true
}

func (w *memoryWatcher) RequestBookmark() {
	w.store.lock.RLock()
	defer w.store.lock.RUnlock()
	obj := &unstructured.Unstructured{Object: map[string]interface{}{}}
	obj.SetResourceVersion(strconv.FormatUint(w.store.rev, 10))
	w.enqueue(Event{Type: Bookmark, Object: obj})
}

func (w *memoryWatcher) start(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			w.Stop()
		case <-w.done:
		}
	}()
	go w.pump()
}

// pump is the only sender on resultChan and closes it on exit.
func (w *memoryWatcher) pump() {
	defer close(w.resultChan)
	for {
		w.lock.Lock()
		pending := w.queue
		w.queue = nil
		w.lock.Unlock()

		for _, e := range pending {
			select {
			case w.resultChan <- e:
			case <-w.done:
				return
			}
		}

		select {
		case <-w.signal:
		case <-w.done:
			return
		}
	}
}

func (w *memoryWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.store.removeWatcher(w)
	})
}

func (w *memoryWatcher) ResultChan() <-chan Event {
	return w.resultChan
}

var _ Store = &MemoryStore{}
