package cache

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/jeremywohl/flatten"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// DefaultKeyPath is the property an object is keyed by unless configured otherwise.
const DefaultKeyPath = "metadata.uid"

// KeyFunc computes the store key of an object.
type KeyFunc func(obj *unstructured.Unstructured) (string, error)

// KeyFuncForPath returns a KeyFunc reading the scalar at a dotted property path.
func KeyFuncForPath(path string) KeyFunc {
	if path == "" {
		path = DefaultKeyPath
	}
	fields := strings.Split(path, ".")
	return func(obj *unstructured.Unstructured) (string, error) {
		if obj == nil {
			return "", KeyError{Obj: obj, Err: fmt.Errorf("object is nil")}
		}
		val, found, err := unstructured.NestedFieldNoCopy(obj.Object, fields...)
		if err != nil {
			return "", KeyError{Obj: obj, Err: err}
		}
		if !found || val == nil {
			return "", KeyError{Obj: obj, Err: fmt.Errorf("%s is not set", path)}
		}
		switch v := val.(type) {
		case string:
			if v == "" {
				return "", KeyError{Obj: obj, Err: fmt.Errorf("%s is empty", path)}
			}
			return v, nil
		case map[string]interface{}, []interface{}:
			return "", KeyError{Obj: obj, Err: fmt.Errorf("%s is not a scalar", path)}
		default:
			return fmt.Sprint(v), nil
		}
	}
}

// Reader is the read-only view of a Store.
type Reader interface {
	Get(obj *unstructured.Unstructured) (*unstructured.Unstructured, bool, error)
	GetByKey(key string) (*unstructured.Unstructured, bool)
	Has(obj *unstructured.Unstructured) bool
	HasByKey(key string) bool
	List() []*unstructured.Unstructured
	ListKeys() []string
	Find(predicate interface{}) (*unstructured.Unstructured, bool, error)
	HasSynced() bool
	Synced() <-chan struct{}
	WaitForSync(ctx context.Context) error
}

// Mutator is what a Reflector writes list and watch results into.
type Mutator interface {
	Add(obj *unstructured.Unstructured) error
	Update(obj *unstructured.Unstructured) error
	Delete(obj *unstructured.Unstructured) error
	Replace(items []*unstructured.Unstructured, resourceVersion string) error
	KeyOf(obj *unstructured.Unstructured) (string, error)
}

// Store is a thread-safe keyed table of objects. Stored objects are shared with
// callers and must not be modified.
type Store struct {
	keyFunc KeyFunc

	lock  sync.RWMutex
	items map[string]*unstructured.Unstructured

	synced     chan struct{}
	syncedOnce sync.Once
}

var (
	_ Reader  = &Store{}
	_ Mutator = &Store{}
)

// NewStore returns an empty store keyed by the given dotted property path.
func NewStore(keyPath string) *Store {
	return NewStoreWithKeyFunc(KeyFuncForPath(keyPath))
}

func NewStoreWithKeyFunc(keyFunc KeyFunc) *Store {
	return &Store{
		keyFunc: keyFunc,
		items:   map[string]*unstructured.Unstructured{},
		synced:  make(chan struct{}),
	}
}

// KeyOf returns the key obj is stored under.
func (s *Store) KeyOf(obj *unstructured.Unstructured) (string, error) {
	return s.keyFunc(obj)
}

func (s *Store) Add(obj *unstructured.Unstructured) error {
	key, err := s.keyFunc(obj)
	if err != nil {
		return err
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.items[key] = obj
	return nil
}

func (s *Store) Update(obj *unstructured.Unstructured) error {
	return s.Add(obj)
}

func (s *Store) Delete(obj *unstructured.Unstructured) error {
	key, err := s.keyFunc(obj)
	if err != nil {
		return err
	}
	s.DeleteByKey(key)
	return nil
}

func (s *Store) DeleteByKey(key string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.items, key)
}

func (s *Store) Get(obj *unstructured.Unstructured) (*unstructured.Unstructured, bool, error) {
	key, err := s.keyFunc(obj)
	if err != nil {
		return nil, false, err
	}
	item, exists := s.GetByKey(key)
	return item, exists, nil
}

func (s *Store) GetByKey(key string) (*unstructured.Unstructured, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	item, exists := s.items[key]
	return item, exists
}

func (s *Store) Has(obj *unstructured.Unstructured) bool {
	_, exists, err := s.Get(obj)
	return err == nil && exists
}

func (s *Store) HasByKey(key string) bool {
	_, exists := s.GetByKey(key)
	return exists
}

// List returns all objects ordered by key.
func (s *Store) List() []*unstructured.Unstructured {
	s.lock.RLock()
	defer s.lock.RUnlock()
	keys := sortedKeys(s.items)
	list := make([]*unstructured.Unstructured, 0, len(keys))
	for _, key := range keys {
		list = append(list, s.items[key])
	}
	return list
}

// ListKeys returns all keys in sorted order.
func (s *Store) ListKeys() []string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return sortedKeys(s.items)
}

// Replace swaps the whole content of the store. Nothing changes when any of the
// items cannot be keyed. The first call marks the store as synced.
func (s *Store) Replace(items []*unstructured.Unstructured, _ string) error {
	next := make(map[string]*unstructured.Unstructured, len(items))
	for _, item := range items {
		key, err := s.keyFunc(item)
		if err != nil {
			return err
		}
		next[key] = item
	}

	s.lock.Lock()
	s.items = next
	s.lock.Unlock()

	s.syncedOnce.Do(func() {
		close(s.synced)
	})
	return nil
}

func (s *Store) snapshot() map[string]*unstructured.Unstructured {
	s.lock.RLock()
	defer s.lock.RUnlock()
	out := make(map[string]*unstructured.Unstructured, len(s.items))
	for k, v := range s.items {
		out[k] = v
	}
	return out
}

func (s *Store) HasSynced() bool {
	select {
	case <-s.synced:
		return true
	default:
		return false
	}
}

// Synced returns a channel closed once the first Replace completed.
func (s *Store) Synced() <-chan struct{} {
	return s.synced
}

// WaitForSync blocks until the store is synced or ctx is done.
func (s *Store) WaitForSync(ctx context.Context) error {
	select {
	case <-s.synced:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MatchesProperty is a Find predicate matching objects whose value at Path equals Value.
type MatchesProperty struct {
	Path  string
	Value interface{}
}

// Find returns the first object, in key order, satisfying predicate. Supported
// predicates:
//
//	string                                   value at the dotted path is truthy
//	[]interface{}{path, value}, MatchesProperty value at path equals value
//	map[string]interface{}                   object contains the partial object
//	func(*unstructured.Unstructured) bool    custom test
func (s *Store) Find(predicate interface{}) (*unstructured.Unstructured, bool, error) {
	match, err := compilePredicate(predicate)
	if err != nil {
		return nil, false, err
	}
	for _, item := range s.List() {
		if match(item) {
			return item, true, nil
		}
	}
	return nil, false, nil
}

func compilePredicate(predicate interface{}) (func(*unstructured.Unstructured) bool, error) {
	switch p := predicate.(type) {
	case func(*unstructured.Unstructured) bool:
		return p, nil
	case string:
		fields := strings.Split(p, ".")
		return func(obj *unstructured.Unstructured) bool {
			val, found, _ := unstructured.NestedFieldNoCopy(obj.Object, fields...)
			return found && truthy(val)
		}, nil
	case MatchesProperty:
		return matchesProperty(p.Path, p.Value), nil
	case []interface{}:
		if len(p) != 2 {
			break
		}
		path, ok := p[0].(string)
		if !ok {
			break
		}
		return matchesProperty(path, p[1]), nil
	case map[string]interface{}:
		want, err := flatten.Flatten(p, "", flatten.DotStyle)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPredicate, err)
		}
		return func(obj *unstructured.Unstructured) bool {
			have, err := flatten.Flatten(obj.Object, "", flatten.DotStyle)
			if err != nil {
				return false
			}
			for k, v := range want {
				got, ok := have[k]
				if !ok || !valuesEqual(got, v) {
					return false
				}
			}
			return true
		}, nil
	}
	return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidPredicate, predicate)
}

func matchesProperty(path string, value interface{}) func(*unstructured.Unstructured) bool {
	fields := strings.Split(path, ".")
	return func(obj *unstructured.Unstructured) bool {
		val, found, _ := unstructured.NestedFieldNoCopy(obj.Object, fields...)
		return found && valuesEqual(val, value)
	}
}

func truthy(val interface{}) bool {
	switch v := val.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	}
	if f, ok := toFloat(val); ok {
		return f != 0
	}
	return true
}

func valuesEqual(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(val interface{}) (float64, bool) {
	switch v := val.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

func sortedKeys(items map[string]*unstructured.Unstructured) []string {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func describe(obj interface{}) string {
	if u, ok := obj.(*unstructured.Unstructured); ok && u != nil {
		if ns := u.GetNamespace(); ns != "" {
			return fmt.Sprintf("%s %s/%s", u.GetKind(), ns, u.GetName())
		}
		return fmt.Sprintf("%s %s", u.GetKind(), u.GetName())
	}
	return fmt.Sprintf("%T", obj)
}
