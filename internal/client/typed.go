package client

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"

	"github.com/abhigod/kubecache/internal/api"
)

// ToUnstructured converts a typed object such as *api.Pod, filling in its
// kind and apiVersion from res.
func ToUnstructured(res api.Resource, obj interface{}) (*unstructured.Unstructured, error) {
	content, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %T: %w", obj, err)
	}
	u := &unstructured.Unstructured{Object: content}
	u.SetAPIVersion(res.APIVersion())
	u.SetKind(res.Kind)
	return u, nil
}

// FromUnstructured converts obj into out, a pointer to a typed object.
func FromUnstructured(obj *unstructured.Unstructured, out interface{}) error {
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(obj.Object, out); err != nil {
		return fmt.Errorf("failed to convert %s %s into %T: %w", obj.GetKind(), obj.GetName(), out, err)
	}
	return nil
}

// GetInto fetches name and decodes it into out.
func (c *Client) GetInto(ctx context.Context, res api.Resource, name string, out interface{}) error {
	obj, err := c.Get(ctx, res, name)
	if err != nil {
		return err
	}
	return FromUnstructured(obj, out)
}

// CreateFrom creates a typed object and decodes the stored result back into it.
func (c *Client) CreateFrom(ctx context.Context, res api.Resource, obj interface{}) error {
	u, err := ToUnstructured(res, obj)
	if err != nil {
		return err
	}
	created, err := c.Create(ctx, res, u)
	if err != nil {
		return err
	}
	return FromUnstructured(created, obj)
}

// UpdateFrom updates a typed object and decodes the stored result back into it.
func (c *Client) UpdateFrom(ctx context.Context, res api.Resource, obj interface{}) error {
	u, err := ToUnstructured(res, obj)
	if err != nil {
		return err
	}
	updated, err := c.Update(ctx, res, u)
	if err != nil {
		return err
	}
	return FromUnstructured(updated, obj)
}
