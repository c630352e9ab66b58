package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/framer"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/abhigod/kubecache/internal/api"
)

// Watch opens a change stream. The stream ends when ctx is done, the server
// closes it, or Stop is called on the returned watch.
func (c *Client) Watch(ctx context.Context, res api.Resource, opts metav1.ListOptions) (watch.Interface, error) {
	opts.Watch = true
	ctx, cancel := context.WithCancel(ctx)
	resp, err := c.do(ctx, http.MethodGet, c.resourceURL(res, "", listQuery(opts)), nil, res, "")
	if err != nil {
		cancel()
		return nil, err
	}
	d := newEventDecoder(resp.Body, cancel, log.WithField("resource", res.Name))
	return watch.NewStreamWatcher(d, statusReporter{}), nil
}

type wireEvent struct {
	Type   watch.EventType `json:"type"`
	Object json.RawMessage `json:"object"`
}

// eventDecoder reads a stream of JSON watch events, one object per frame.
// Frames that are valid JSON but not a watch event are logged and skipped; a
// syntax error ends the stream.
type eventDecoder struct {
	frames io.ReadCloser
	cancel context.CancelFunc
	buf    []byte
	log    *log.Entry
}

func newEventDecoder(body io.ReadCloser, cancel context.CancelFunc, logger *log.Entry) *eventDecoder {
	return &eventDecoder{
		frames: framer.NewJSONFramedReader(body),
		cancel: cancel,
		buf:    make([]byte, 4096),
		log:    logger,
	}
}

// readFrame returns the next JSON object, growing buf until it fits.
func (d *eventDecoder) readFrame() ([]byte, error) {
	n := 0
	for {
		m, err := d.frames.Read(d.buf[n:])
		n += m
		if errors.Is(err, io.ErrShortBuffer) {
			d.buf = append(d.buf, make([]byte, len(d.buf))...)
			continue
		}
		if err != nil {
			return nil, err
		}
		return d.buf[:n], nil
	}
}

func (d *eventDecoder) Decode() (watch.EventType, runtime.Object, error) {
	for {
		frame, err := d.readFrame()
		if err != nil {
			return "", nil, err
		}
		var event wireEvent
		if err := json.Unmarshal(frame, &event); err != nil || event.Type == "" {
			d.log.Warnf("Skipping malformed watch event: %q", truncate(frame))
			continue
		}
		if event.Type == watch.Error {
			status := &metav1.Status{}
			if err := json.Unmarshal(event.Object, status); err != nil {
				d.log.Warnf("Skipping malformed watch error: %v", err)
				continue
			}
			return event.Type, status, nil
		}
		obj := &unstructured.Unstructured{}
		if err := obj.UnmarshalJSON(event.Object); err != nil {
			d.log.Warnf("Skipping watch event with undecodable object: %v", err)
			continue
		}
		return event.Type, obj, nil
	}
}

func (d *eventDecoder) Close() {
	d.cancel()
	d.frames.Close()
}

func truncate(frame []byte) string {
	const max = 256
	if len(frame) > max {
		return string(frame[:max]) + "..."
	}
	return string(frame)
}

type statusReporter struct{}

func (statusReporter) AsObject(err error) runtime.Object {
	status := apierrors.NewInternalError(err).Status()
	return &status
}
