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

// Package fhirclient is a small FHIR R4 REST client. It covers the interactions the
// query workflow needs: CRUD, search with paging, and (asynchronous) operations.
package fhirclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const FhirJsonMediaType = "application/fhir+json"

const formMediaType = "application/x-www-form-urlencoded"

type Client interface {
	// Read reads a resource at the given path from the FHIR server and unmarshals it into the target.
	// The path may also be an absolute URL, e.g. a Bundle's next link.
	Read(path string, target any, opts ...Option) error
	ReadWithContext(ctx context.Context, path string, target any, opts ...Option) error
	// Create creates a new resource on the FHIR server.
	// The path is derived from the resource's resourceType.
	// The response is unmarshaled into the result.
	Create(resource any, result any, opts ...Option) error
	CreateWithContext(ctx context.Context, resource any, result any, opts ...Option) error
	// Update updates the resource at the given path on the FHIR server.
	Update(path string, resource any, result any, opts ...Option) error
	UpdateWithContext(ctx context.Context, path string, resource any, result any, opts ...Option) error
	// Delete deletes the resource at the given path.
	Delete(path string, opts ...Option) error
	DeleteWithContext(ctx context.Context, path string, opts ...Option) error
	// Search performs a search on the given resource type and unmarshals the resulting Bundle into the target.
	Search(resourceType string, query url.Values, target any, opts ...Option) error
	SearchWithContext(ctx context.Context, resourceType string, query url.Values, target any, opts ...Option) error
	// OperationWithContext invokes a FHIR operation (e.g. $everything) on the given path.
	// The operation is invoked with GET when params is nil, otherwise params is POSTed.
	OperationWithContext(ctx context.Context, path string, operation string, params any, result any, opts ...Option) error
	// Path returns the full URL for the given path.
	Path(path ...string) *url.URL
}

type HttpRequestDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// New creates a new FHIR client with the given base URL and HTTP client.
// The base URL should point to the FHIR server's base URL, e.g. https://sandbox.particlehealth.com/R4
// If no config is passed, the default configuration is used.
func New(fhirBaseURL *url.URL, httpClient HttpRequestDoer, config *Config) *BaseClient {
	var cfg Config
	if config != nil {
		cfg = *config
		if cfg.MaxResponseSize == 0 {
			cfg.MaxResponseSize = DefaultConfig().MaxResponseSize
		}
	} else {
		cfg = DefaultConfig()
	}
	return &BaseClient{
		baseURL:    fhirBaseURL,
		httpClient: httpClient,
		config:     cfg,
	}
}

type Config struct {
	// Non2xxStatusHandler is called when a non-2xx status code is returned by the FHIR server.
	// Its primary use is logging.
	Non2xxStatusHandler func(response *http.Response, responseBody []byte)
	// MaxResponseSize is the maximum size of a response body in bytes that will be read.
	MaxResponseSize int
	// UsePostSearch makes searches use POST [type]/_search with a form body instead of GET [type]?query.
	UsePostSearch bool
}

func DefaultConfig() Config {
	return Config{
		// 10mb
		MaxResponseSize: 10 * 1024 * 1024,
		UsePostSearch:   true,
	}
}

var _ Client = &BaseClient{}

// BaseClient is a basic FHIR client on top of an HttpRequestDoer.
type BaseClient struct {
	baseURL    *url.URL
	httpClient HttpRequestDoer
	config     Config
}

func (d BaseClient) Path(path ...string) *url.URL {
	return d.baseURL.JoinPath(path...)
}

func (d BaseClient) Read(path string, target any, opts ...Option) error {
	return d.ReadWithContext(context.Background(), path, target, opts...)
}

func (d BaseClient) ReadWithContext(ctx context.Context, path string, target any, opts ...Option) error {
	opts = append([]Option{AtPath(path)}, opts...)
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL.String(), nil)
	if err != nil {
		return err
	}
	httpRequest.Header.Add("Cache-Control", "no-cache")
	return d.doRequest(httpRequest, target, opts...)
}

func (d BaseClient) Create(resource any, result any, opts ...Option) error {
	return d.CreateWithContext(context.Background(), resource, result, opts...)
}

func (d BaseClient) CreateWithContext(ctx context.Context, resource any, result any, opts ...Option) error {
	desc, err := DescribeResource(resource)
	if err != nil {
		return err
	}
	opts = append([]Option{AtPath(desc.Type)}, opts...)
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL.String(), bytes.NewReader(desc.Data))
	if err != nil {
		return err
	}
	setHeaderValueIfNotPresent(&httpRequest.Header, "Content-Type", FhirJsonMediaType)
	return d.doRequest(httpRequest, result, opts...)
}

func (d BaseClient) Update(path string, resource any, result any, opts ...Option) error {
	return d.UpdateWithContext(context.Background(), path, resource, result, opts...)
}

func (d BaseClient) UpdateWithContext(ctx context.Context, path string, resource any, result any, opts ...Option) error {
	data, err := json.Marshal(resource)
	if err != nil {
		return err
	}
	opts = append([]Option{AtPath(path)}, opts...)
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPut, d.baseURL.String(), bytes.NewReader(data))
	if err != nil {
		return err
	}
	setHeaderValueIfNotPresent(&httpRequest.Header, "Content-Type", FhirJsonMediaType)
	return d.doRequest(httpRequest, result, opts...)
}

func (d BaseClient) Delete(path string, opts ...Option) error {
	return d.DeleteWithContext(context.Background(), path, opts...)
}

func (d BaseClient) DeleteWithContext(ctx context.Context, path string, opts ...Option) error {
	opts = append([]Option{AtPath(path)}, opts...)
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodDelete, d.baseURL.String(), nil)
	if err != nil {
		return err
	}
	return d.doRequest(httpRequest, nil, opts...)
}

func (d BaseClient) Search(resourceType string, query url.Values, target any, opts ...Option) error {
	return d.SearchWithContext(context.Background(), resourceType, query, target, opts...)
}

func (d BaseClient) SearchWithContext(ctx context.Context, resourceType string, query url.Values, target any, opts ...Option) error {
	var httpRequest *http.Request
	var err error
	if d.config.UsePostSearch {
		opts = append([]Option{AtPath(resourceType + "/_search")}, opts...)
		httpRequest, err = http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL.String(), strings.NewReader(query.Encode()))
		if err != nil {
			return err
		}
		httpRequest.Header.Add("Content-Type", formMediaType)
	} else {
		opts = append([]Option{AtPath(resourceType), withQuery(query)}, opts...)
		httpRequest, err = http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL.String(), nil)
		if err != nil {
			return err
		}
		httpRequest.Header.Add("Cache-Control", "no-cache")
	}
	return d.doRequest(httpRequest, target, opts...)
}

func (d BaseClient) OperationWithContext(ctx context.Context, path string, operation string, params any, result any, opts ...Option) error {
	if !strings.HasPrefix(operation, "$") {
		operation = "$" + operation
	}
	if path != "" {
		operation = strings.TrimSuffix(path, "/") + "/" + operation
	}
	opts = append([]Option{AtPath(operation)}, opts...)
	if params == nil {
		httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL.String(), nil)
		if err != nil {
			return err
		}
		return d.doRequest(httpRequest, result, opts...)
	}
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("invalid parameters for operation %s: %w", operation, err)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL.String(), bytes.NewReader(data))
	if err != nil {
		return err
	}
	setHeaderValueIfNotPresent(&httpRequest.Header, "Content-Type", FhirJsonMediaType)
	return d.doRequest(httpRequest, result, opts...)
}

func (d BaseClient) doRequest(httpRequest *http.Request, target any, opts ...Option) error {
	addHeaderValueIfNotPresent(&httpRequest.Header, "Accept", FhirJsonMediaType)
	for _, opt := range opts {
		if fn, ok := opt.(PreRequestOption); ok {
			fn(d, httpRequest)
		}
	}
	// recreate HTTP request in case URL, body or method was edited by one of the options
	newHttpRequest, err := http.NewRequestWithContext(httpRequest.Context(), httpRequest.Method, httpRequest.URL.String(), httpRequest.Body)
	if err != nil {
		return err
	}
	newHttpRequest.Header = httpRequest.Header
	newHttpRequest.GetBody = httpRequest.GetBody
	newHttpRequest.ContentLength = httpRequest.ContentLength
	*httpRequest = *newHttpRequest

	httpResponse, err := d.httpClient.Do(httpRequest)
	if err != nil {
		return fmt.Errorf("FHIR request failed (%s %s): %w", httpRequest.Method, httpRequest.URL.String(), err)
	}
	var data []byte
	if httpResponse.Body != nil {
		defer httpResponse.Body.Close()
		data, err = io.ReadAll(io.LimitReader(httpResponse.Body, int64(d.config.MaxResponseSize+1)))
		if err != nil {
			return fmt.Errorf("FHIR response read failed (%s %s): %w", httpRequest.Method, httpRequest.URL.String(), err)
		}
	}
	for _, opt := range opts {
		if fn, ok := opt.(PostRequestOption); ok {
			if err := fn(d, httpResponse); err != nil {
				return err
			}
		}
	}
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode >= 300 {
		if d.config.Non2xxStatusHandler != nil {
			d.config.Non2xxStatusHandler(httpResponse, data)
		}
		if outcome := parseOperationOutcome(data, httpResponse.StatusCode); outcome != nil {
			return *outcome
		}
		return fmt.Errorf("FHIR request failed (%s %s, status=%d)", httpRequest.Method, httpRequest.URL.String(), httpResponse.StatusCode)
	}
	if len(data) > d.config.MaxResponseSize {
		return fmt.Errorf("FHIR response exceeds max. safety limit of %d bytes (%s %s, status=%d)", d.config.MaxResponseSize, httpRequest.Method, httpRequest.URL.String(), httpResponse.StatusCode)
	}
	if outcome := parseOperationOutcome(data, httpResponse.StatusCode); outcome != nil && outcome.ContainsError() {
		return *outcome
	}
	if target == nil || len(bytes.TrimSpace(data)) == 0 {
		// Nothing to unmarshal, e.g. 204 No Content or 202 Accepted.
		return nil
	}
	if raw, ok := target.(*[]byte); ok {
		*raw = data
	} else if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("FHIR response unmarshal failed (%s %s, status=%d): %w", httpRequest.Method, httpRequest.URL.String(), httpResponse.StatusCode, err)
	}
	for _, opt := range opts {
		if fn, ok := opt.(PostParseOption); ok {
			if err := fn(httpRequest.Context(), d, target); err != nil {
				return err
			}
		}
	}
	return nil
}

// DescribeResource is used to extract often-used information from a resource.
func DescribeResource(resource any) (*ResourceDescription, error) {
	var data []byte
	switch r := resource.(type) {
	case []byte:
		data = r
	case json.RawMessage:
		data = r
	default:
		var err error
		if data, err = json.Marshal(resource); err != nil {
			return nil, fmt.Errorf("invalid resource of type %T: %w", resource, err)
		}
	}
	var desc ResourceDescription
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("invalid resource of type %T: %w", resource, err)
	}
	if desc.Type == "" {
		return nil, fmt.Errorf("resourceType not present in resource of type %T", resource)
	}
	desc.Data = data
	return &desc, nil
}

// ResourceDescription contains information about a resource.
type ResourceDescription struct {
	// Type is the resource type, e.g. "Patient".
	Type string `json:"resourceType"`
	// ID is the logical id of the resource, if it has one.
	ID string `json:"id,omitempty"`
	// Data is the JSON representation of the resource, so that callers don't need to marshal it again.
	Data []byte `json:"-"`
}

// Reference returns the relative reference of the described resource (e.g. Patient/123),
// or an empty string if the resource has no id.
func (r ResourceDescription) Reference() string {
	if r.ID == "" {
		return ""
	}
	return r.Type + "/" + r.ID
}
