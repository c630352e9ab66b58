package apiserver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/labels"
	utiljson "k8s.io/apimachinery/pkg/util/json"

	"github.com/abhigod/kubecache/internal/api"
	"github.com/abhigod/kubecache/internal/storage"
)

// DefaultBookmarkInterval is how often watches that allow bookmarks get one.
const DefaultBookmarkInterval = time.Minute

const maxBodySize = 3 << 20

type Server struct {
	Store  storage.Store
	Router *chi.Mux
	// BookmarkInterval is read when a watch starts.
	BookmarkInterval time.Duration
}

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "http_request_duration_seconds",
			Help: "HTTP request duration in seconds",
		},
		[]string{"method", "path"},
	)
	activeWatches = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "apiserver_active_watches",
			Help: "Number of open watch streams",
		},
		[]string{"resource"},
	)
)

func NewServer(store storage.Store) *Server {
	s := &Server{
		Store:            store,
		Router:           chi.NewRouter(),
		BookmarkInterval: DefaultBookmarkInterval,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(render.SetContentType(render.ContentTypeJSON))
	s.Router.Use(s.prometheusMiddleware)
	s.Router.Use(s.authMiddleware)

	s.Router.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("K8s-Lite API Server"))
	})

	s.Router.Handle("/metrics", promhttp.Handler())

	for _, res := range api.Resources {
		s.registerResourceRoutes(res)
	}
}

func (s *Server) registerResourceRoutes(res api.Resource) {
	// e.g. /api/v1/pods
	s.Router.Route(res.Path(), func(r chi.Router) {
		r.Get("/", s.handleList(res))
		r.Post("/", s.handleCreate(res))

		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", s.handleGet(res))
			r.Delete("/", s.handleDelete(res))
			r.Put("/", s.handleUpdate(res))
		})
	})
}

func decodeObject(r *http.Request, res api.Resource) (*unstructured.Unstructured, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, err
	}
	obj := &unstructured.Unstructured{}
	if err := utiljson.Unmarshal(data, &obj.Object); err != nil {
		return nil, err
	}
	if obj.Object == nil {
		return nil, fmt.Errorf("request body must be a JSON object")
	}
	if kind := obj.GetKind(); kind != "" && kind != res.Kind {
		return nil, fmt.Errorf("kind %s does not match resource %s", kind, res.Name)
	}
	obj.SetAPIVersion(res.APIVersion())
	obj.SetKind(res.Kind)
	return obj, nil
}

func (s *Server) handleCreate(res api.Resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		obj, err := decodeObject(r, res)
		if err != nil {
			render.Render(w, r, ErrInvalidRequest(err))
			return
		}
		if obj.GetName() == "" {
			render.Render(w, r, ErrInvalidRequest(fmt.Errorf("metadata.name is required")))
			return
		}

		created, err := s.Store.Create(r.Context(), res.StoragePrefix()+obj.GetName(), obj)
		if err != nil {
			render.Render(w, r, ErrFromStorage(err, res, obj.GetName()))
			return
		}

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, created.Object)
	}
}

func (s *Server) handleGet(res api.Resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		obj, err := s.Store.Get(r.Context(), res.StoragePrefix()+name)
		if err != nil {
			render.Render(w, r, ErrFromStorage(err, res, name))
			return
		}
		render.JSON(w, r, obj.Object)
	}
}

func (s *Server) handleUpdate(res api.Resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		obj, err := decodeObject(r, res)
		if err != nil {
			render.Render(w, r, ErrInvalidRequest(err))
			return
		}
		if obj.GetName() == "" {
			obj.SetName(name)
		} else if obj.GetName() != name {
			render.Render(w, r, ErrInvalidRequest(fmt.Errorf("name %q does not match %q in the URL", obj.GetName(), name)))
			return
		}

		updated, err := s.Store.Update(r.Context(), res.StoragePrefix()+name, obj)
		if err != nil {
			render.Render(w, r, ErrFromStorage(err, res, name))
			return
		}
		render.JSON(w, r, updated.Object)
	}
}

func (s *Server) handleDelete(res api.Resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		deleted, err := s.Store.Delete(r.Context(), res.StoragePrefix()+name)
		if err != nil {
			render.Render(w, r, ErrFromStorage(err, res, name))
			return
		}
		render.JSON(w, r, deleted.Object)
	}
}

// parseListOptions reads limit, continue, resourceVersion, labelSelector and
// fieldSelector from the query string.
func parseListOptions(r *http.Request) (storage.ListOptions, error) {
	q := r.URL.Query()
	opts := storage.ListOptions{
		ResourceVersion: q.Get("resourceVersion"),
		Continue:        q.Get("continue"),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.ParseInt(v, 10, 64)
		if err != nil || limit < 0 {
			return opts, fmt.Errorf("invalid limit %q", v)
		}
		opts.Limit = limit
	}
	if v := q.Get("labelSelector"); v != "" {
		selector, err := labels.Parse(v)
		if err != nil {
			return opts, fmt.Errorf("invalid label selector: %w", err)
		}
		opts.LabelSelector = selector
	}
	if v := q.Get("fieldSelector"); v != "" {
		selector, err := fields.ParseSelector(v)
		if err != nil {
			return opts, fmt.Errorf("invalid field selector: %w", err)
		}
		opts.FieldSelector = selector
	}
	return opts, nil
}

func (s *Server) handleList(res api.Resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts, err := parseListOptions(r)
		if err != nil {
			render.Render(w, r, ErrInvalidRequest(err))
			return
		}

		if r.URL.Query().Get("watch") == "true" {
			s.handleWatch(res, opts, w, r)
			return
		}

		result, err := s.Store.List(r.Context(), res.StoragePrefix(), opts)
		if err != nil {
			render.Render(w, r, ErrFromStorage(err, res, ""))
			return
		}

		items := make([]interface{}, 0, len(result.Items))
		for _, item := range result.Items {
			items = append(items, item.Object)
		}
		metadata := map[string]interface{}{
			"resourceVersion": result.ResourceVersion,
			"selfLink":        res.Path(),
		}
		if result.Continue != "" {
			metadata["continue"] = result.Continue
		}
		render.JSON(w, r, map[string]interface{}{
			"apiVersion": res.APIVersion(),
			"kind":       res.ListKind,
			"metadata":   metadata,
			"items":      items,
		})
	}
}

type watchEvent struct {
	Type   storage.EventType      `json:"type"`
	Object map[string]interface{} `json:"object"`
}

func (s *Server) handleWatch(res api.Resource, opts storage.ListOptions, w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ctx := r.Context()

	timeout := time.Duration(0)
	if v := q.Get("timeoutSeconds"); v != "" {
		seconds, err := strconv.ParseInt(v, 10, 64)
		if err != nil || seconds < 0 {
			render.Render(w, r, ErrInvalidRequest(fmt.Errorf("invalid timeoutSeconds %q", v)))
			return
		}
		timeout = time.Duration(seconds) * time.Second
	}

	watcher, err := s.Store.Watch(ctx, res.StoragePrefix(), opts)
	if err != nil {
		render.Render(w, r, ErrFromStorage(err, res, ""))
		return
	}
	defer watcher.Stop()

	flusher, ok := w.(http.Flusher)
	if !ok {
		render.Render(w, r, ErrInternal(fmt.Errorf("streaming not supported")))
		return
	}

	activeWatches.WithLabelValues(res.Name).Inc()
	defer activeWatches.WithLabelValues(res.Name).Dec()

	// Set headers for streaming
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}
	var bookmarkC <-chan time.Time
	if q.Get("allowWatchBookmarks") == "true" && s.BookmarkInterval > 0 {
		ticker := time.NewTicker(s.BookmarkInterval)
		defer ticker.Stop()
		bookmarkC = ticker.C
	}

	encoder := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return
		case <-timeoutC:
			return
		case <-bookmarkC:
			watcher.RequestBookmark()
		case event, ok := <-watcher.ResultChan():
			if !ok {
				return
			}
			event.Object.SetAPIVersion(res.APIVersion())
			event.Object.SetKind(res.Kind)
			if err := encoder.Encode(watchEvent{Type: event.Type, Object: event.Object.Object}); err != nil {
				log.WithField("resource", res.Name).Debugf("Watch stream closed: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}

// Errors

// ErrResponse renders a metav1.Status body.
type ErrResponse struct {
	Err            error `json:"-"` // low-level runtime error
	HTTPStatusCode int   `json:"-"` // http response status code

	metav1.Status `json:",inline"`
}

func (e *ErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func newErrResponse(err error, code int, reason metav1.StatusReason, details *metav1.StatusDetails) *ErrResponse {
	return &ErrResponse{
		Err:            err,
		HTTPStatusCode: code,
		Status: metav1.Status{
			TypeMeta: metav1.TypeMeta{Kind: "Status", APIVersion: "v1"},
			Status:   metav1.StatusFailure,
			Message:  err.Error(),
			Reason:   reason,
			Details:  details,
			Code:     int32(code),
		},
	}
}

func ErrInvalidRequest(err error) render.Renderer {
	return newErrResponse(err, http.StatusBadRequest, metav1.StatusReasonBadRequest, nil)
}

func ErrInternal(err error) render.Renderer {
	log.Errorf("Internal error: %v", err)
	return newErrResponse(err, http.StatusInternalServerError, metav1.StatusReasonInternalError, nil)
}

// ErrFromStorage maps a storage error to the status the client expects for it.
func ErrFromStorage(err error, res api.Resource, name string) render.Renderer {
	details := &metav1.StatusDetails{Name: name, Group: res.Group, Kind: res.Name}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return newErrResponse(fmt.Errorf("%s %q not found", res.Name, name), http.StatusNotFound, metav1.StatusReasonNotFound, details)
	case errors.Is(err, storage.ErrAlreadyExists):
		return newErrResponse(fmt.Errorf("%s %q already exists", res.Name, name), http.StatusConflict, metav1.StatusReasonAlreadyExists, details)
	case errors.Is(err, storage.ErrConflict):
		return newErrResponse(err, http.StatusConflict, metav1.StatusReasonConflict, details)
	case errors.Is(err, storage.ErrResourceExpired):
		return newErrResponse(err, http.StatusGone, metav1.StatusReasonExpired, nil)
	case errors.Is(err, storage.ErrTooLargeResourceVersion):
		return newErrResponse(err, http.StatusGatewayTimeout, metav1.StatusReasonTimeout, &metav1.StatusDetails{
			Causes: []metav1.StatusCause{{
				Type:    metav1.CauseTypeResourceVersionTooLarge,
				Message: "Too large resource version",
			}},
			RetryAfterSeconds: 1,
		})
	case errors.Is(err, storage.ErrInvalidRequest):
		return ErrInvalidRequest(err)
	default:
		return ErrInternal(err)
	}
}

func (s *Server) prometheusMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(ww.Status())
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}

		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
		log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start),
		}).Debug("Handled request")
	})
}

// ListenAndServe serves the API on addr until ctx is done. With all three TLS
// files set it requires client certificates signed by caFile.
func (s *Server) ListenAndServe(ctx context.Context, addr, certFile, keyFile, caFile string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: s.Router,
		// Open watch streams end with ctx.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	useTLS := certFile != "" && keyFile != "" && caFile != ""
	if useTLS {
		tlsConfig, err := clientAuthTLSConfig(caFile)
		if err != nil {
			return err
		}
		server.TLSConfig = tlsConfig
	}

	errCh := make(chan error, 1)
	go func() {
		if useTLS {
			log.Info("Serving with TLS (mTLS enabled)...")
			errCh <- server.ListenAndServeTLS(certFile, keyFile)
		} else {
			log.Info("Serving insecurely (HTTP)...")
			errCh <- server.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func clientAuthTLSConfig(caFile string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read ca cert: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	return &tls.Config{
		ClientCAs:  caCertPool,
		ClientAuth: tls.RequireAndVerifyClientCert,
		MinVersion: tls.VersionTLS12,
	}, nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
			log.WithField("user", r.TLS.PeerCertificates[0].Subject.CommonName).Trace("Authenticated request")
		}
		// Client certificates are enforced by the TLS config; plain HTTP listeners are open.
		next.ServeHTTP(w, r)
	})
}
