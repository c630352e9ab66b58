package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/abhigod/kubecache/internal/api"
	"github.com/abhigod/kubecache/internal/config"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New builds a client for the API server at cfg.APIURL. When a certificate,
// key and CA are all set the client authenticates with mTLS.
func New(cfg config.ClientConfig) (*Client, error) {
	if cfg.APIURL == "" {
		return nil, fmt.Errorf("api url must not be empty")
	}
	httpClient := &http.Client{}

	if cfg.TLSCert != "" && cfg.TLSKey != "" && cfg.TLSCA != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert: %w", err)
		}

		caCert, err := os.ReadFile(cfg.TLSCA)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.TLSCA)
		}

		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				Certificates: []tls.Certificate{cert},
				RootCAs:      caCertPool,
				MinVersion:   tls.VersionTLS12,
			},
		}
	}

	return &Client{
		BaseURL: strings.TrimSuffix(cfg.APIURL, "/"),
		HTTP:    httpClient,
	}, nil
}

func (c *Client) resourceURL(res api.Resource, name string, query url.Values) string {
	u := c.BaseURL + res.Path()
	if name != "" {
		u += "/" + url.PathEscape(name)
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// listQuery encodes the list options the API server understands.
func listQuery(opts metav1.ListOptions) url.Values {
	q := url.Values{}
	if opts.ResourceVersion != "" {
		q.Set("resourceVersion", opts.ResourceVersion)
	}
	if opts.ResourceVersionMatch != "" {
		q.Set("resourceVersionMatch", string(opts.ResourceVersionMatch))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.FormatInt(opts.Limit, 10))
	}
	if opts.Continue != "" {
		q.Set("continue", opts.Continue)
	}
	if opts.LabelSelector != "" {
		q.Set("labelSelector", opts.LabelSelector)
	}
	if opts.FieldSelector != "" {
		q.Set("fieldSelector", opts.FieldSelector)
	}
	if opts.Watch {
		q.Set("watch", "true")
	}
	if opts.AllowWatchBookmarks {
		q.Set("allowWatchBookmarks", "true")
	}
	if opts.TimeoutSeconds != nil {
		q.Set("timeoutSeconds", strconv.FormatInt(*opts.TimeoutSeconds, 10))
	}
	return q
}

// do sends a request and returns the response when its status is 2xx. Any
// other status is turned into an *apierrors.StatusError.
func (c *Client) do(ctx context.Context, method, u string, body interface{}, res api.Resource, name string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, statusError(resp, method, res, name)
}

func statusError(resp *http.Response, method string, res api.Resource, name string) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var status metav1.Status
	if err := json.Unmarshal(data, &status); err == nil && status.Kind == "Status" {
		if status.Code == 0 {
			status.Code = int32(resp.StatusCode)
		}
		return &apierrors.StatusError{ErrStatus: status}
	}
	gr := schema.GroupResource{Group: res.Group, Resource: res.Name}
	return apierrors.NewGenericServerResponse(resp.StatusCode, method, gr, name, string(data), 0, false)
}

func decodeObject(resp *http.Response) (*unstructured.Unstructured, error) {
	defer resp.Body.Close()
	obj := &unstructured.Unstructured{}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if err := obj.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return obj, nil
}

// List returns one page of objects.
func (c *Client) List(ctx context.Context, res api.Resource, opts metav1.ListOptions) (*unstructured.UnstructuredList, error) {
	opts.Watch = false
	resp, err := c.do(ctx, http.MethodGet, c.resourceURL(res, "", listQuery(opts)), nil, res, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	list := &unstructured.UnstructuredList{}
	if err := list.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("failed to decode %s list: %w", res.Name, err)
	}
	return list, nil
}

func (c *Client) Get(ctx context.Context, res api.Resource, name string) (*unstructured.Unstructured, error) {
	resp, err := c.do(ctx, http.MethodGet, c.resourceURL(res, name, nil), nil, res, name)
	if err != nil {
		return nil, err
	}
	return decodeObject(resp)
}

func (c *Client) Create(ctx context.Context, res api.Resource, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	resp, err := c.do(ctx, http.MethodPost, c.resourceURL(res, "", nil), obj.Object, res, obj.GetName())
	if err != nil {
		return nil, err
	}
	return decodeObject(resp)
}

// Update replaces the object. A non-empty resourceVersion on obj makes the
// update conditional on it.
func (c *Client) Update(ctx context.Context, res api.Resource, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	resp, err := c.do(ctx, http.MethodPut, c.resourceURL(res, obj.GetName(), nil), obj.Object, res, obj.GetName())
	if err != nil {
		return nil, err
	}
	return decodeObject(resp)
}

func (c *Client) Delete(ctx context.Context, res api.Resource, name string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.resourceURL(res, name, nil), nil, res, name)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
