/*
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package fhirclient

import (
	"context"
	"fmt"
	"net/url"

	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// Paginate scans through all pages of a FHIR search result.
// It calls the consumeFunc for each page, which can return false to stop early.
// It stops when a page has no "next" link, and fails when the consumeFunc or the FHIR server fails.
// By default, at most 100 pages are consumed to prevent endless loops caused by a server that keeps returning the same next link.
func Paginate(ctx context.Context, fhirClient Client, searchSet fhir.Bundle, consumeFunc func(*fhir.Bundle) (bool, error), opts ...PaginationOption) error {
	options := &paginationOptions{
		maxIterations: 100,
	}
	for _, opt := range opts {
		opt(options)
	}
	for i := 0; ; i++ {
		if i == options.maxIterations {
			return fmt.Errorf("paginate: max. search iterations reached (%d), possible bug", options.maxIterations)
		}
		if proceed, err := consumeFunc(&searchSet); err != nil {
			return err
		} else if !proceed {
			return nil
		}
		nextURL, err := NextLink(searchSet)
		if err != nil {
			return err
		}
		if nextURL == nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		searchSet = fhir.Bundle{}
		if err := fhirClient.ReadWithContext(ctx, nextURL.String(), &searchSet); err != nil {
			return fmt.Errorf("paginate: query next page failed (url=%s): %w", nextURL, err)
		}
	}
}

// NextLink returns the URL of the Bundle's "next" link, or nil if there is none.
func NextLink(bundle fhir.Bundle) (*url.URL, error) {
	for _, link := range bundle.Link {
		if link.Relation != "next" {
			continue
		}
		nextURL, err := url.Parse(link.Url)
		if err != nil {
			return nil, fmt.Errorf("paginate: invalid 'next' link for search set: %w", err)
		}
		return nextURL, nil
	}
	return nil, nil
}

type PaginationOption func(*paginationOptions)

type paginationOptions struct {
	maxIterations int
}

// WithMaxIterations sets the maximum number of pages Paginate consumes.
func WithMaxIterations(max int) PaginationOption {
	return func(o *paginationOptions) {
		o.maxIterations = max
	}
}
