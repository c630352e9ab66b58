package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/utils/clock"
)

// ReflectorOptions tunes list paging, watch timeouts and retry delays.
type ReflectorOptions struct {
	// PageSize is the list page size. Zero means the default of 500; a negative
	// value disables paging.
	PageSize int64
	// MinWatchTimeout is the lower bound of the server side watch timeout. Each
	// watch picks a random timeout in [MinWatchTimeout, 2*MinWatchTimeout).
	MinWatchTimeout time.Duration
	// WatchGracePeriod is added to the watch timeout before a silent watch is
	// closed from the client side.
	WatchGracePeriod time.Duration
	// RestartGracePeriod is added to the backoff delay between two ListAndWatch runs.
	RestartGracePeriod time.Duration
	// ShortWatchThreshold is the minimum lifetime of a watch that delivered no events.
	ShortWatchThreshold time.Duration

	Backoff               BackoffOptions
	InitConnectionBackoff BackoffOptions

	Clock  clock.WithDelayedExecution
	Logger log.FieldLogger
}

func DefaultReflectorOptions() ReflectorOptions {
	return ReflectorOptions{
		PageSize:              defaultPageSize,
		MinWatchTimeout:       5 * time.Minute,
		WatchGracePeriod:      5 * time.Second,
		RestartGracePeriod:    time.Second,
		ShortWatchThreshold:   time.Second,
		Backoff:               DefaultBackoffOptions(),
		InitConnectionBackoff: DefaultBackoffOptions(),
	}
}

func (o ReflectorOptions) withDefaults() ReflectorOptions {
	def := DefaultReflectorOptions()
	if o.PageSize == 0 {
		o.PageSize = def.PageSize
	} else if o.PageSize < 0 {
		o.PageSize = 0
	}
	if o.MinWatchTimeout <= 0 {
		o.MinWatchTimeout = def.MinWatchTimeout
	}
	if o.WatchGracePeriod <= 0 {
		o.WatchGracePeriod = def.WatchGracePeriod
	}
	if o.RestartGracePeriod <= 0 {
		o.RestartGracePeriod = def.RestartGracePeriod
	}
	if o.ShortWatchThreshold <= 0 {
		o.ShortWatchThreshold = def.ShortWatchThreshold
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Logger == nil {
		o.Logger = log.StandardLogger()
	}
	return o
}

// Reflector keeps a Mutator in sync with a remote collection by listing it and
// then applying the watch stream, relisting whenever the stream breaks.
type Reflector struct {
	name         string
	expectedType ResourceType
	lw           ListerWatcher
	store        Mutator
	opts         ReflectorOptions

	backoff         *BackoffManager
	initConnBackoff *BackoffManager
	clock           clock.WithDelayedExecution
	log             *log.Entry
	metrics         *reflectorMetrics

	lock                                 sync.RWMutex
	lastSyncResourceVersion              string
	isLastSyncResourceVersionUnavailable bool
	// paginatedResult is set once a list at resourceVersion "0" came back in
	// several pages. From then on every relist keeps paging.
	paginatedResult bool
}

func NewReflector(lw ListerWatcher, expectedType ResourceType, store Mutator, opts ReflectorOptions) *Reflector {
	opts = opts.withDefaults()
	name := expectedType.String()
	return &Reflector{
		name:            name,
		expectedType:    expectedType,
		lw:              lw,
		store:           store,
		opts:            opts,
		backoff:         NewBackoffManager(opts.Backoff, opts.Clock),
		initConnBackoff: NewBackoffManager(opts.InitConnectionBackoff, opts.Clock),
		clock:           opts.Clock,
		log:             opts.Logger.WithField("type", name),
		metrics:         newReflectorMetrics(name),
	}
}

// Name returns the expected type name, e.g. "v1, Kind=Pod".
func (r *Reflector) Name() string {
	return r.name
}

// Run lists and watches until ctx is cancelled, backing off between attempts.
func (r *Reflector) Run(ctx context.Context) {
	r.log.Debug("Starting reflector")
	defer r.backoff.Stop()
	defer r.initConnBackoff.Stop()

	for {
		var ended *watchEndedError
		if err := r.ListAndWatch(ctx); err != nil && !IsCancellation(err) && ctx.Err() == nil && !errors.As(err, &ended) {
			r.log.Warnf("ListAndWatch failed: %v", err)
		}
		if ctx.Err() != nil {
			r.log.Debug("Stopping reflector")
			return
		}
		if err := r.sleep(ctx, r.backoff.Duration()+r.opts.RestartGracePeriod); err != nil {
			r.log.Debug("Stopping reflector")
			return
		}
	}
}

// ListAndWatch lists the collection into the store, then applies watch events
// until the watch breaks or ctx is cancelled. It always returns an error.
func (r *Reflector) ListAndWatch(ctx context.Context) error {
	r.log.Debugf("Listing and watching %s", r.name)
	if err := r.list(ctx); err != nil {
		return err
	}
	return r.watch(ctx)
}

func (r *Reflector) list(ctx context.Context) error {
	options := metav1.ListOptions{ResourceVersion: r.relistResourceVersion()}

	r.lock.RLock()
	paginatedResult := r.paginatedResult
	r.lock.RUnlock()

	pager := NewListPager(r.lw)
	pager.PageSize = r.opts.PageSize
	if !paginatedResult && options.ResourceVersion != "" && options.ResourceVersion != "0" {
		// lists at an exact version are not paged
		pager.PageSize = 0
	}

	start := r.clock.Now()
	r.metrics.lists.Inc()
	list, paginated, err := pager.List(ctx, options)
	if isExpiredOrTooLarge(err) {
		r.setIsLastSyncResourceVersionUnavailable(true)
		r.log.Infof("Resource version %q is not available any more, relisting: %v", options.ResourceVersion, err)
		list, paginated, err = pager.List(ctx, metav1.ListOptions{ResourceVersion: r.relistResourceVersion()})
	}
	r.metrics.listDuration.Observe(r.clock.Since(start).Seconds())
	if err != nil {
		r.metrics.listErrors.Inc()
		return fmt.Errorf("failed to list %s: %w", r.name, err)
	}

	if options.ResourceVersion == "0" && paginated {
		r.lock.Lock()
		r.paginatedResult = true
		r.lock.Unlock()
	}
	r.setIsLastSyncResourceVersionUnavailable(false)

	items := make([]*unstructured.Unstructured, 0, len(list.Items))
	for i := range list.Items {
		item := &list.Items[i]
		item.SetAPIVersion(r.expectedType.APIVersion())
		item.SetKind(r.expectedType.Kind)
		if _, err := r.store.KeyOf(item); err != nil {
			r.log.Errorf("Dropping listed %s: %v", describe(item), err)
			continue
		}
		items = append(items, item)
	}
	resourceVersion := list.GetResourceVersion()
	if err := r.store.Replace(items, resourceVersion); err != nil {
		return fmt.Errorf("unable to sync list result for %s: %w", r.name, err)
	}
	r.setLastSyncResourceVersion(resourceVersion)
	r.metrics.listItems.Set(float64(len(items)))
	r.log.Debugf("Listed %d items at resource version %q in %v", len(items), resourceVersion, r.clock.Since(start))
	return nil
}

func (r *Reflector) watch(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		timeout := wait.Jitter(r.opts.MinWatchTimeout, 1.0)
		timeoutSeconds := int64(timeout.Seconds())
		options := metav1.ListOptions{
			ResourceVersion:     r.LastSyncResourceVersion(),
			TimeoutSeconds:      &timeoutSeconds,
			AllowWatchBookmarks: true,
		}

		r.metrics.watches.Inc()
		w, err := r.lw.Watch(ctx, options)
		if err != nil {
			if IsConnectionRefused(err) && ctx.Err() == nil {
				delay := r.initConnBackoff.Duration()
				r.log.Warnf("Watch failed to connect, retrying in %v: %v", delay, err)
				if err := r.sleep(ctx, delay); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("failed to watch %s: %w", r.name, err)
		}

		if err := r.watchHandler(ctx, w, timeout+r.opts.WatchGracePeriod); err != nil {
			switch {
			case IsCancellation(err) || ctx.Err() != nil:
				return err
			case IsExpired(err):
				r.log.Infof("Watch closed with: %v", err)
			default:
				r.log.Warnf("Watch ended with: %v", err)
			}
			return &watchEndedError{err: err}
		}
	}
}

// watchHandler applies events from w to the store until the stream ends.
func (r *Reflector) watchHandler(ctx context.Context, w watch.Interface, timeout time.Duration) error {
	defer w.Stop()

	start := r.clock.Now()
	eventCount := 0
	timer := r.clock.NewTimer(timeout)
	defer timer.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C():
			r.log.Errorf("Watch did not end within %v, closing it", timeout)
			return fmt.Errorf("%w after %v", errWatchForcedClose, timeout)
		case event, ok := <-w.ResultChan():
			if !ok {
				break loop
			}
			eventCount++
			r.metrics.watchEvent(string(event.Type))
			if event.Type == watch.Error {
				return apierrors.FromObject(event.Object)
			}
			obj, ok := event.Object.(*unstructured.Unstructured)
			if !ok {
				r.log.Errorf("Unexpected watch event object %T", event.Object)
				continue
			}
			if obj.GetAPIVersion() != r.expectedType.APIVersion() || obj.GetKind() != r.expectedType.Kind {
				r.log.Errorf("Expected %s, but watch event object had %s, Kind=%s", r.name, obj.GetAPIVersion(), obj.GetKind())
				continue
			}

			var err error
			switch event.Type {
			case watch.Added:
				err = r.store.Add(obj)
			case watch.Modified:
				err = r.store.Update(obj)
			case watch.Deleted:
				err = r.store.Delete(obj)
			case watch.Bookmark:
			default:
				r.log.Errorf("Unknown watch event type %q", event.Type)
			}
			if err != nil {
				r.log.Errorf("Unable to apply %s event for %s: %v", event.Type, describe(obj), err)
			}

			if rv := obj.GetResourceVersion(); rv != "" {
				r.setLastSyncResourceVersion(rv)
			} else {
				r.log.Errorf("Watch event %s for %s has no resource version", event.Type, describe(obj))
			}
		}
	}

	elapsed := r.clock.Since(start)
	if elapsed < r.opts.ShortWatchThreshold && eventCount == 0 {
		r.metrics.shortWatches.Inc()
		return fmt.Errorf("%w: watch of %s lasted %v and received no items", ErrVeryShortWatch, r.name, elapsed)
	}
	r.log.Debugf("Watch closed after %v, %d events received", elapsed, eventCount)
	return nil
}

// watchEndedError marks a watch failure that watch already logged.
type watchEndedError struct {
	err error
}

func (e *watchEndedError) Error() string { return e.err.Error() }

func (e *watchEndedError) Unwrap() error { return e.err }

func (r *Reflector) sleep(ctx context.Context, d time.Duration) error {
	t := r.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}

// relistResourceVersion picks the version the next list is served at: "0" lets
// the server answer from its cache, "" forces a consistent read.
func (r *Reflector) relistResourceVersion() string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	if r.isLastSyncResourceVersionUnavailable {
		return ""
	}
	if r.lastSyncResourceVersion == "" {
		return "0"
	}
	return r.lastSyncResourceVersion
}

// LastSyncResourceVersion returns the resource version of the latest list or event seen.
func (r *Reflector) LastSyncResourceVersion() string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.lastSyncResourceVersion
}

func (r *Reflector) setLastSyncResourceVersion(v string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.lastSyncResourceVersion = v
}

func (r *Reflector) setIsLastSyncResourceVersionUnavailable(unavailable bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.isLastSyncResourceVersionUnavailable = unavailable
}
