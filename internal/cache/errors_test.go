package cache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func statusError(code int32, reason metav1.StatusReason, causes ...metav1.StatusCause) error {
	status := metav1.Status{Status: metav1.StatusFailure, Code: code, Reason: reason}
	if len(causes) > 0 {
		status.Details = &metav1.StatusDetails{Causes: causes}
	}
	return &apierrors.StatusError{ErrStatus: status}
}

func TestIsExpired(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"reason expired", statusError(500, metav1.StatusReasonExpired), true},
		{"code gone", statusError(410, metav1.StatusReasonGone), true},
		{"wrapped", fmt.Errorf("list: %w", statusError(410, "")), true},
		{"not found", statusError(404, metav1.StatusReasonNotFound), false},
		{"plain error", errors.New("Expired"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsExpired(tt.err))
		})
	}
}

func TestIsTooLargeResourceVersion(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"cause type", statusError(500, metav1.StatusReasonInternalError, metav1.StatusCause{Type: metav1.CauseTypeResourceVersionTooLarge}), true},
		{"cause message", statusError(500, metav1.StatusReasonInternalError, metav1.StatusCause{Message: "Too large resource version"}), true},
		{"timeout 504", statusError(504, metav1.StatusReasonTimeout), true},
		{"timeout without 504", statusError(500, metav1.StatusReasonTimeout), false},
		{"unrelated cause", statusError(422, metav1.StatusReasonInvalid, metav1.StatusCause{Type: metav1.CauseTypeFieldValueInvalid}), false},
		{"plain error", errors.New("Too large resource version"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTooLargeResourceVersion(tt.err))
		})
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestIsConnectionRefused(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: &os.SyscallError{Syscall: "connect", Err: syscall.ECONNREFUSED}}
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"econnrefused", refused, true},
		{"etimedout", fmt.Errorf("dial: %w", syscall.ETIMEDOUT), true},
		{"ehostunreach", fmt.Errorf("dial: %w", syscall.EHOSTUNREACH), true},
		{"enetunreach", fmt.Errorf("dial: %w", syscall.ENETUNREACH), true},
		{"net timeout", &net.OpError{Op: "read", Net: "tcp", Err: timeoutError{}}, true},
		{"ping cancelled", fmt.Errorf("watch: %w", ErrPingCancelled), true},
		{"status error", statusError(500, metav1.StatusReasonInternalError), false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConnectionRefused(tt.err))
		})
	}
}

func TestIsCancellation(t *testing.T) {
	assert.True(t, IsCancellation(context.Canceled))
	assert.True(t, IsCancellation(fmt.Errorf("watch: %w", context.Canceled)))
	assert.False(t, IsCancellation(context.DeadlineExceeded))
	assert.False(t, IsCancellation(nil))
}

func TestKeyError(t *testing.T) {
	err := KeyError{Obj: newPod("", "a", "1"), Err: errors.New("metadata.uid is not set")}
	assert.Equal(t, "couldn't create key for object Pod default/a: metadata.uid is not set", err.Error())
	assert.EqualError(t, errors.Unwrap(err), "metadata.uid is not set")
}
