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
	"net/http"
	"net/url"
	"slices"
	"time"
)

// Option is one of PreRequestOption, PostRequestOption or PostParseOption.
type Option any

// PreRequestOption is applied to the HTTP request before it is sent.
type PreRequestOption func(client Client, r *http.Request)

// PostRequestOption is applied to the HTTP response, before the status code is checked.
type PostRequestOption func(client Client, r *http.Response) error

// PostParseOption is applied to the unmarshaled result of a successful request.
type PostParseOption func(ctx context.Context, client Client, result any) error

func QueryParam(key, value string) PreRequestOption {
	return func(_ Client, r *http.Request) {
		q := r.URL.Query()
		q.Add(key, value)
		r.URL.RawQuery = q.Encode()
	}
}

func withQuery(query url.Values) PreRequestOption {
	return func(_ Client, r *http.Request) {
		if len(query) == 0 {
			return
		}
		q := r.URL.Query()
		for key, values := range query {
			for _, value := range values {
				q.Add(key, value)
			}
		}
		r.URL.RawQuery = q.Encode()
	}
}

// AtPath sets the path of the request. The path is appended to the base URL.
// Absolute URLs are used as-is, and a query string in the path is kept.
func AtPath(path string) PreRequestOption {
	return func(client Client, r *http.Request) {
		parsed, err := url.Parse(path)
		if err != nil {
			r.URL = client.Path(path)
			return
		}
		if parsed.IsAbs() {
			r.URL = parsed
			return
		}
		r.URL = client.Path(parsed.Path)
		r.URL.RawQuery = parsed.RawQuery
	}
}

// AtUrl sets the full URL of the request, ignoring the client's base URL.
func AtUrl(u *url.URL) PreRequestOption {
	return func(_ Client, r *http.Request) {
		r.URL = u
	}
}

// RequestHeaders adds the given headers to the request. Values already present are not added again.
func RequestHeaders(headers http.Header) PreRequestOption {
	return func(_ Client, r *http.Request) {
		for key, values := range headers {
			for _, value := range values {
				addHeaderValueIfNotPresent(&r.Header, key, value)
			}
		}
	}
}

// Headers holds the response headers, with some often-used headers parsed.
type Headers struct {
	http.Header
	Date         time.Time
	LastModified time.Time
	ETag         string
}

// ResponseHeaders copies the response headers into the given target.
func ResponseHeaders(target *Headers) PostRequestOption {
	return func(_ Client, r *http.Response) error {
		target.Header = r.Header.Clone()
		if target.Header == nil {
			target.Header = http.Header{}
		}
		if value := r.Header.Get("Date"); value != "" {
			if parsed, err := http.ParseTime(value); err == nil {
				target.Date = parsed
			}
		}
		if value := r.Header.Get("Last-Modified"); value != "" {
			if parsed, err := http.ParseTime(value); err == nil {
				target.LastModified = parsed
			}
		}
		target.ETag = r.Header.Get("ETag")
		return nil
	}
}

// ResponseStatusCode stores the HTTP status code of the response in the given target.
// It's also set when the request fails with a non-2xx status code.
func ResponseStatusCode(target *int) PostRequestOption {
	return func(_ Client, r *http.Response) error {
		*target = r.StatusCode
		return nil
	}
}

func addHeaderValueIfNotPresent(header *http.Header, key, value string) {
	if *header == nil {
		*header = http.Header{}
	}
	if slices.Contains(header.Values(key), value) {
		return
	}
	header.Add(key, value)
}

func setHeaderValueIfNotPresent(header *http.Header, key, value string) {
	if *header == nil {
		*header = http.Header{}
	}
	if header.Get(key) != "" {
		return
	}
	header.Set(key, value)
}
