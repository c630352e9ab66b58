package storage

import (
	"context"
	"errors"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/labels"
)

var (
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrConflict      = errors.New("resource version conflict")
	// ErrResourceExpired means the requested resource version was compacted.
	ErrResourceExpired = errors.New("resource version expired")
	// ErrTooLargeResourceVersion means the requested resource version is in the future.
	ErrTooLargeResourceVersion = errors.New("too large resource version")
	ErrInvalidRequest          = errors.New("invalid request")
)

// ListOptions contains options for listing and watching resources
type ListOptions struct {
	// ResourceVersion is "" or "0" for the latest state, or a version the
	// result must be at least as fresh as. For watches it is the version to
	// start after.
	ResourceVersion string
	Limit           int64
	Continue        string
	LabelSelector   labels.Selector
	FieldSelector   fields.Selector
}

// ListResult is one page of a list.
type ListResult struct {
	Items           []*unstructured.Unstructured
	ResourceVersion string
	Continue        string
}

// WatchInterface defines the interface for watching resources
type WatchInterface interface {
	Stop()
	// ResultChan returns a channel for events. It is closed when the watch is
	// stopped or the watcher fell too far behind.
	ResultChan() <-chan Event
	// RequestBookmark queues a BOOKMARK event carrying the store's current
	// resource version behind all events queued so far.
	RequestBookmark()
}

// EventType defines the possible types of events.
type EventType string

const (
	Added    EventType = "ADDED"
	Modified EventType = "MODIFIED"
	Deleted  EventType = "DELETED"
	Bookmark EventType = "BOOKMARK"
)

// Event represents a single event to a watched resource.
type Event struct {
	Type   EventType
	Object *unstructured.Unstructured
}

// Store is the interface that all persistence backends must implement
type Store interface {
	// Create adds a new object to the store. Fails if it already exists.
	Create(ctx context.Context, key string, obj *unstructured.Unstructured) (*unstructured.Unstructured, error)

	// Update replaces an existing object. Fails if it doesn't exist, or if obj
	// carries a resource version other than the stored one.
	Update(ctx context.Context, key string, obj *unstructured.Unstructured) (*unstructured.Unstructured, error)

	// Get retrieves an object by key.
	Get(ctx context.Context, key string) (*unstructured.Unstructured, error)

	// Delete removes an object by key and returns its last state.
	Delete(ctx context.Context, key string) (*unstructured.Unstructured, error)

	// List retrieves the objects under keyPrefix, sorted by key.
	List(ctx context.Context, keyPrefix string, opts ListOptions) (*ListResult, error)

	// Watch streams changes to objects under keyPrefix until ctx is done or
	// the watch is stopped.
	Watch(ctx context.Context, keyPrefix string, opts ListOptions) (WatchInterface, error)
}
