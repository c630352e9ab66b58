package cache

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilnet "k8s.io/apimachinery/pkg/util/net"
)

var (
	// ErrPingCancelled is raised by transports whose keep-alive ping was aborted.
	// It is treated like a refused connection.
	ErrPingCancelled = errors.New("ping cancelled")

	// ErrVeryShortWatch is returned when a watch closes almost immediately
	// without delivering a single event.
	ErrVeryShortWatch = errors.New("very short watch")

	// ErrInvalidPredicate is returned by Store.Find for unsupported predicate shapes.
	ErrInvalidPredicate = errors.New("invalid predicate")

	errWatchForcedClose = errors.New("watch forcibly closed")
)

const tooLargeResourceVersionMessage = "Too large resource version"

func apiStatus(err error) (metav1.Status, bool) {
	if err == nil {
		return metav1.Status{}, false
	}
	var status apierrors.APIStatus
	if !errors.As(err, &status) {
		return metav1.Status{}, false
	}
	return status.Status(), true
}

// IsExpired reports whether err means the requested resource version has been
// compacted away on the server.
func IsExpired(err error) bool {
	status, ok := apiStatus(err)
	if !ok {
		return false
	}
	return status.Reason == metav1.StatusReasonExpired || status.Code == http.StatusGone
}

// IsTooLargeResourceVersion reports whether err means the requested resource
// version is newer than anything the server has seen.
func IsTooLargeResourceVersion(err error) bool {
	status, ok := apiStatus(err)
	if !ok {
		return false
	}
	if apierrors.HasStatusCause(err, metav1.CauseTypeResourceVersionTooLarge) {
		return true
	}
	if status.Details != nil {
		for _, cause := range status.Details.Causes {
			if cause.Message == tooLargeResourceVersionMessage {
				return true
			}
		}
	}
	return status.Reason == metav1.StatusReasonTimeout && status.Code == http.StatusGatewayTimeout
}

// IsConnectionRefused reports whether err is a transport level failure to reach
// the server, as opposed to an error returned by it.
func IsConnectionRefused(err error) bool {
	if err == nil {
		return false
	}
	if utilnet.IsConnectionRefused(err) || errors.Is(err, ErrPingCancelled) {
		return true
	}
	if errors.Is(err, syscall.ETIMEDOUT) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsCancellation reports whether err was caused by cancelling the caller's context.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

func isExpiredOrTooLarge(err error) bool {
	return IsExpired(err) || IsTooLargeResourceVersion(err)
}

// KeyError is returned when the key of an object cannot be computed.
type KeyError struct {
	Obj interface{}
	Err error
}

func (k KeyError) Error() string {
	return "couldn't create key for object " + describe(k.Obj) + ": " + k.Err.Error()
}

func (k KeyError) Unwrap() error {
	return k.Err
}
