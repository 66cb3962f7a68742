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

// Package retrieve fetches the clinical resources of a query subject from the FHIR API.
package retrieve

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/ParticleHealth/charm/fhirclient"
	"github.com/ParticleHealth/charm/query"
	"github.com/rs/zerolog"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type Options struct {
	// Concurrency is the maximum number of resources read in parallel.
	Concurrency int
	// RequestsPerSecond limits the request rate. 0 means unlimited.
	RequestsPerSecond float64
	// ReadEntries makes searches read every entry by its type and id, instead of using the entry in the search set.
	ReadEntries bool
	// MaxPages is the maximum number of search result pages that are followed.
	MaxPages int
	// BasePath is the path of the FHIR base URL (e.g. R4), which is stripped from manifest output URLs.
	BasePath string
}

func DefaultOptions() Options {
	return Options{
		Concurrency: 4,
		ReadEntries: true,
		MaxPages:    100,
		BasePath:    "R4",
	}
}

type Retriever struct {
	client  fhirclient.Client
	options Options
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// New creates a Retriever. Zero values in options, except RequestsPerSecond and ReadEntries, are replaced by their defaults.
func New(client fhirclient.Client, options Options, logger zerolog.Logger) *Retriever {
	defaults := DefaultOptions()
	if options.Concurrency <= 0 {
		options.Concurrency = defaults.Concurrency
	}
	if options.MaxPages <= 0 {
		options.MaxPages = defaults.MaxPages
	}
	if options.BasePath == "" {
		options.BasePath = defaults.BasePath
	}
	result := &Retriever{
		client:  client,
		options: options,
		logger:  logger,
	}
	if options.RequestsPerSecond > 0 {
		result.limiter = rate.NewLimiter(rate.Limit(options.RequestsPerSecond), 1)
	}
	return result
}

// Filter adds search parameters.
type Filter func(query url.Values)

// Since selects resources where the given date parameter is after t.
func Since(param string, t time.Time) Filter {
	return func(query url.Values) {
		query.Add(param, "gt"+t.UTC().Format(time.RFC3339))
	}
}

// LookbackYears selects resources where the date parameter is within the last years before now.
func LookbackYears(now time.Time, years int) Filter {
	return Since("date", now.AddDate(-years, 0, 0))
}

// Count sets the page size.
func Count(n int) Filter {
	return func(query url.Values) {
		query.Set("_count", strconv.Itoa(n))
	}
}

// Param adds an arbitrary search parameter.
func Param(name string, value string) Filter {
	return func(query url.Values) {
		query.Add(name, value)
	}
}

// Search finds the resources of the given type that belong to the subject, following all result pages.
func (r *Retriever) Search(ctx context.Context, resourceType string, subject query.Subject, filters ...Filter) ([]json.RawMessage, error) {
	params := url.Values{}
	params.Set(subject.SearchParam(), subject.ID)
	for _, filter := range filters {
		filter(params)
	}
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	var searchSet fhir.Bundle
	if err := r.client.SearchWithContext(ctx, resourceType, params, &searchSet); err != nil {
		return nil, fmt.Errorf("search %s for %s: %w", resourceType, subject, err)
	}
	resources, err := r.collect(ctx, searchSet)
	if err != nil {
		return nil, fmt.Errorf("search %s for %s: %w", resourceType, subject, err)
	}
	r.logger.Debug().
		Str("resource_type", resourceType).
		Str("subject", subject.Reference()).
		Int("count", len(resources)).
		Msg("Search completed")
	return resources, nil
}

// Everything invokes $everything on the subject and returns all resources, following all result pages.
func (r *Retriever) Everything(ctx context.Context, subject query.Subject) ([]json.RawMessage, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}
	var bundle fhir.Bundle
	if err := r.client.OperationWithContext(ctx, subject.Reference(), "$everything", nil, &bundle); err != nil {
		return nil, fmt.Errorf("$everything for %s: %w", subject, err)
	}
	resources, err := r.collect(ctx, bundle)
	if err != nil {
		return nil, fmt.Errorf("$everything for %s: %w", subject, err)
	}
	return resources, nil
}

// Manifest reads every output of a completed query. Outputs that are Bundles are expanded into their entries.
func (r *Retriever) Manifest(ctx context.Context, manifest query.Manifest) ([]json.RawMessage, error) {
	var paths []string
	for _, output := range manifest.Output {
		if output.URL != "" {
			paths = append(paths, query.RelativePath(output.URL, r.options.BasePath))
		}
	}
	outputs, err := r.readAll(ctx, paths)
	if err != nil {
		return nil, fmt.Errorf("read query outputs: %w", err)
	}
	var result []json.RawMessage
	for _, output := range outputs {
		if resourceTypeOf(output) != "Bundle" {
			result = append(result, output)
			continue
		}
		var bundle fhir.Bundle
		if err := json.Unmarshal(output, &bundle); err != nil {
			return nil, fmt.Errorf("read query outputs: %w", err)
		}
		entries, err := r.collect(ctx, bundle)
		if err != nil {
			return nil, fmt.Errorf("read query outputs: %w", err)
		}
		result = append(result, entries...)
	}
	return result, nil
}

// ResolveMedications reads the Medications the statements refer to through medicationReference.
// Every Medication is read once, even when multiple statements refer to it.
func (r *Retriever) ResolveMedications(ctx context.Context, statements []json.RawMessage) ([]json.RawMessage, error) {
	seen := make(map[string]bool)
	var result []json.RawMessage
	for _, statement := range statements {
		reference := medicationReference(statement)
		if reference == "" || seen[reference] {
			continue
		}
		seen[reference] = true
		if err := r.wait(ctx); err != nil {
			return nil, err
		}
		var medication json.RawMessage
		if err := fhirclient.ResolveRef("medicationReference", &medication)(ctx, r.client, statement); err != nil {
			return nil, err
		}
		if len(medication) > 0 {
			result = append(result, medication)
		}
	}
	return result, nil
}

// collect returns the resources of all pages of the search set.
func (r *Retriever) collect(ctx context.Context, searchSet fhir.Bundle) ([]json.RawMessage, error) {
	var entries []json.RawMessage
	err := fhirclient.Paginate(ctx, r.client, searchSet, func(page *fhir.Bundle) (bool, error) {
		for _, entry := range page.Entry {
			if len(entry.Resource) == 0 || resourceTypeOf(entry.Resource) == "OperationOutcome" {
				continue
			}
			entries = append(entries, entry.Resource)
		}
		next, err := fhirclient.NextLink(*page)
		if err != nil || next == nil {
			return true, err
		}
		return true, r.wait(ctx)
	}, fhirclient.WithMaxIterations(r.options.MaxPages))
	if err != nil {
		return nil, err
	}
	if !r.options.ReadEntries {
		return nonNil(entries), nil
	}
	paths := make([]string, len(entries))
	for i, entry := range entries {
		paths[i] = referenceOf(entry)
	}
	read, err := r.readAll(ctx, paths)
	if err != nil {
		return nil, err
	}
	for i := range read {
		// Entries without type or id are kept as found.
		if read[i] == nil {
			read[i] = entries[i]
		}
	}
	return nonNil(read), nil
}

// readAll reads the resources at the given paths concurrently, keeping their order. Empty paths are skipped.
func (r *Retriever) readAll(ctx context.Context, paths []string) ([]json.RawMessage, error) {
	result := make([]json.RawMessage, len(paths))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.options.Concurrency)
	for i, path := range paths {
		if path == "" {
			continue
		}
		group.Go(func() error {
			if err := r.wait(groupCtx); err != nil {
				return err
			}
			var resource json.RawMessage
			if err := r.client.ReadWithContext(groupCtx, path, &resource); err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			result[i] = resource
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Retriever) wait(ctx context.Context) error {
	if r.limiter == nil {
		return ctx.Err()
	}
	return r.limiter.Wait(ctx)
}

type resourceHeader struct {
	ResourceType string `json:"resourceType"`
	Id           string `json:"id"`
}

func resourceTypeOf(resource json.RawMessage) string {
	var header resourceHeader
	_ = json.Unmarshal(resource, &header)
	return header.ResourceType
}

// referenceOf returns type/id of the resource, or an empty string when either is missing.
func referenceOf(resource json.RawMessage) string {
	var header resourceHeader
	if err := json.Unmarshal(resource, &header); err != nil || header.ResourceType == "" || header.Id == "" {
		return ""
	}
	return header.ResourceType + "/" + header.Id
}

func medicationReference(statement json.RawMessage) string {
	var probe struct {
		MedicationReference *struct {
			Reference string `json:"reference"`
		} `json:"medicationReference"`
	}
	if err := json.Unmarshal(statement, &probe); err != nil || probe.MedicationReference == nil {
		return ""
	}
	return probe.MedicationReference.Reference
}

func nonNil(resources []json.RawMessage) []json.RawMessage {
	if resources == nil {
		return []json.RawMessage{}
	}
	return resources
}
