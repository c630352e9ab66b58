package cache

import (
	"context"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

const defaultPageSize = 500

// ListPager lists a collection page by page and assembles the pages into a
// single list.
type ListPager struct {
	// PageSize is the limit sent with each request. Zero disables paging.
	PageSize int64
	// FullListIfExpired makes the pager fall back to one unpaginated list when a
	// continue token expires in the middle of paging.
	FullListIfExpired bool

	lister Lister
}

func NewListPager(lister Lister) *ListPager {
	return &ListPager{
		PageSize:          defaultPageSize,
		FullListIfExpired: true,
		lister:            lister,
	}
}

// List returns the full collection and whether more than one page was fetched.
func (p *ListPager) List(ctx context.Context, options metav1.ListOptions) (*unstructured.UnstructuredList, bool, error) {
	if options.Limit == 0 {
		options.Limit = p.PageSize
	}
	requestedResourceVersion := options.ResourceVersion
	requestedResourceVersionMatch := options.ResourceVersionMatch

	var list *unstructured.UnstructuredList
	paginated := false
	for {
		if err := ctx.Err(); err != nil {
			return nil, paginated, err
		}

		page, err := p.lister.List(ctx, options)
		if err != nil {
			if !IsExpired(err) || !p.FullListIfExpired || options.Continue == "" {
				return nil, paginated, err
			}
			// the continue token expired, fall back to a single full list at the
			// originally requested version
			options.Limit = 0
			options.Continue = ""
			options.ResourceVersion = requestedResourceVersion
			options.ResourceVersionMatch = requestedResourceVersionMatch
			result, err := p.lister.List(ctx, options)
			if err != nil {
				return nil, paginated, err
			}
			return result, paginated, nil
		}

		if page.GetContinue() == "" && list == nil {
			return page, paginated, nil
		}

		if list == nil {
			list = &unstructured.UnstructuredList{Object: map[string]interface{}{}}
			list.SetAPIVersion(page.GetAPIVersion())
			list.SetKind(page.GetKind())
			list.SetResourceVersion(page.GetResourceVersion())
		}
		list.Items = append(list.Items, page.Items...)

		if page.GetContinue() == "" {
			return list, paginated, nil
		}

		options.Continue = page.GetContinue()
		// the continue token already pins the version
		options.ResourceVersion = ""
		options.ResourceVersionMatch = ""
		paginated = true
	}
}
