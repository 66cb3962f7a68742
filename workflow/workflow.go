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

// Package workflow runs the end-to-end sample: create a subject, query the network for it and save what was found.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ParticleHealth/charm/demographics"
	"github.com/ParticleHealth/charm/fhirclient"
	"github.com/ParticleHealth/charm/output"
	"github.com/ParticleHealth/charm/query"
	"github.com/ParticleHealth/charm/retrieve"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	ExampleAllEncounters        = "allEncounters"
	ExampleFilteredEncounters   = "filteredEncounters"
	ExampleMedicationStatements = "medicationStatements"
	ExamplePatientEverything    = "patientEverything"
	ExampleQueryResults         = "queryResults"
)

type Options struct {
	// RunID identifies the run in logs and object keys. A random UUID is used when empty.
	RunID string
	// SubjectType is Patient or Person.
	SubjectType string
	// SubjectFile is a JSON Patient or Person resource. When set, it's used instead of Demographics.
	SubjectFile  string
	Demographics demographics.Demographics

	EncounterLookbackYears int
	MedicationSince        time.Time
	PageSize               int
	ResolveMedications     bool
	Format                 output.Format
}

type Runner struct {
	client    fhirclient.Client
	queries   *query.Service
	retriever *retrieve.Retriever
	sink      output.Sink
	options   Options
	logger    zerolog.Logger
	now       func() time.Time
}

func NewRunner(client fhirclient.Client, queries *query.Service, retriever *retrieve.Retriever, sink output.Sink, options Options, logger zerolog.Logger) *Runner {
	if options.RunID == "" {
		options.RunID = uuid.NewString()
	}
	if options.SubjectType == "" {
		options.SubjectType = query.SubjectPatient
	}
	if options.Format == "" {
		options.Format = output.FormatBundle
	}
	return &Runner{
		client:    client,
		queries:   queries,
		retriever: retriever,
		sink:      sink,
		options:   options,
		logger:    logger.With().Str("run_id", options.RunID).Logger(),
		now:       time.Now,
	}
}

// Report describes the outcome of a run.
type Report struct {
	RunID    string
	Subject  query.Subject
	Started  time.Time
	Finished time.Time
	Manifest *query.Manifest
	Examples []ExampleResult
}

// ExampleResult is the outcome of a single example. Location is empty when nothing was written.
type ExampleResult struct {
	Name     string
	Count    int
	Location string
	Err      error
}

type example struct {
	name  string
	fetch func(ctx context.Context, subject query.Subject) ([]json.RawMessage, error)
}

// Run creates the subject, runs the query and then the examples.
// A failing example doesn't stop the others; their errors are returned joined, together with the report.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		RunID:   r.options.RunID,
		Started: r.now(),
	}
	subject, err := r.CreateSubject(ctx)
	if err != nil {
		return report, err
	}
	report.Subject = subject
	status, err := r.Query(ctx, subject)
	if err != nil {
		return report, err
	}
	report.Manifest = status.Manifest

	var errs []error
	for _, ex := range r.examples(subject, status.Manifest) {
		result := r.runExample(ctx, ex, subject)
		report.Examples = append(report.Examples, result)
		if result.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ex.name, result.Err))
		}
		if ctx.Err() != nil {
			break
		}
	}
	report.Finished = r.now()
	r.logger.Info().
		Str("subject", subject.Reference()).
		Int("examples", len(report.Examples)).
		Int("failed", len(errs)).
		Dur("duration", report.Finished.Sub(report.Started)).
		Msg("Run completed")
	return report, errors.Join(errs...)
}

func (r *Runner) examples(subject query.Subject, manifest *query.Manifest) []example {
	result := []example{
		{
			name: ExampleAllEncounters,
			fetch: func(ctx context.Context, subject query.Subject) ([]json.RawMessage, error) {
				return r.retriever.Search(ctx, "Encounter", subject)
			},
		},
		{
			name: ExampleFilteredEncounters,
			fetch: func(ctx context.Context, subject query.Subject) ([]json.RawMessage, error) {
				return r.retriever.Search(ctx, "Encounter", subject, retrieve.LookbackYears(r.now(), r.options.EncounterLookbackYears))
			},
		},
		{
			name:  ExampleMedicationStatements,
			fetch: r.medicationStatements,
		},
	}
	if subject.Type == query.SubjectPatient {
		result = append(result, example{
			name:  ExamplePatientEverything,
			fetch: r.retriever.Everything,
		})
	}
	if manifest != nil && len(manifest.Output) > 0 {
		result = append(result, example{
			name: ExampleQueryResults,
			fetch: func(ctx context.Context, _ query.Subject) ([]json.RawMessage, error) {
				return r.retriever.Manifest(ctx, *manifest)
			},
		})
	}
	return result
}

func (r *Runner) medicationStatements(ctx context.Context, subject query.Subject) ([]json.RawMessage, error) {
	var filters []retrieve.Filter
	if !r.options.MedicationSince.IsZero() {
		filters = append(filters, retrieve.Since("effective", r.options.MedicationSince))
	}
	if r.options.PageSize > 0 {
		filters = append(filters, retrieve.Count(r.options.PageSize))
	}
	statements, err := r.retriever.Search(ctx, "MedicationStatement", subject, filters...)
	if err != nil || !r.options.ResolveMedications {
		return statements, err
	}
	medications, err := r.retriever.ResolveMedications(ctx, statements)
	if err != nil {
		return nil, err
	}
	return append(statements, medications...), nil
}

func (r *Runner) runExample(ctx context.Context, ex example, subject query.Subject) ExampleResult {
	result := ExampleResult{Name: ex.name}
	logger := r.logger.With().Str("example", ex.name).Str("subject", subject.Reference()).Logger()
	resources, err := ex.fetch(ctx, subject)
	if err != nil {
		logger.Error().Err(err).Msg("Example failed")
		result.Err = err
		return result
	}
	result.Count = len(resources)
	if len(resources) == 0 {
		logger.Info().Msg("No resources found")
		return result
	}
	location, err := r.Write(ctx, ex.name, resources)
	if err != nil {
		logger.Error().Err(err).Msg("Example failed")
		result.Err = err
		return result
	}
	result.Location = location
	logger.Info().
		Int("count", result.Count).
		Str("location", location).
		Msg("Resources written")
	return result
}

// Write encodes the resources in the configured format and writes them to the sink under the given base name.
func (r *Runner) Write(ctx context.Context, name string, resources []json.RawMessage) (string, error) {
	data, err := output.Encode(r.options.Format, resources)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", name, err)
	}
	return r.sink.Write(ctx, output.FileName(name, r.options.Format), data)
}

// CreateSubject creates the Patient or Person the query is run for, from SubjectFile or Demographics.
func (r *Runner) CreateSubject(ctx context.Context) (query.Subject, error) {
	var kind string
	var resource any
	if r.options.SubjectFile != "" {
		var err error
		if kind, resource, err = demographics.LoadFile(r.options.SubjectFile); err != nil {
			return query.Subject{}, err
		}
	} else {
		var err error
		kind = r.options.SubjectType
		if resource, err = r.options.Demographics.Resource(kind); err != nil {
			return query.Subject{}, err
		}
	}
	var created []byte
	var headers fhirclient.Headers
	if err := r.client.CreateWithContext(ctx, resource, &created, fhirclient.ResponseHeaders(&headers)); err != nil {
		return query.Subject{}, fmt.Errorf("create %s: %w", kind, err)
	}
	id := createdID(created, headers)
	if id == "" {
		return query.Subject{}, fmt.Errorf("create %s: response contains no id", kind)
	}
	subject, err := query.ParseSubject(kind + "/" + id)
	if err != nil {
		return query.Subject{}, err
	}
	r.logger.Info().Str("subject", subject.Reference()).Msg("Subject created")
	return subject, nil
}

// createdID takes the id from the created resource, or else from the Location header (Patient/123/_history/1).
func createdID(body []byte, headers fhirclient.Headers) string {
	if desc, err := fhirclient.DescribeResource(json.RawMessage(body)); err == nil && desc.ID != "" {
		return desc.ID
	}
	if headers.Header == nil {
		return ""
	}
	location := headers.Get("Location")
	if location == "" {
		location = headers.Get("Content-Location")
	}
	location, _, _ = strings.Cut(location, "/_history")
	parts := strings.Split(strings.TrimRight(location, "/"), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-1]
}

// Query starts the query for the subject and waits for it to complete, logging its progress.
func (r *Runner) Query(ctx context.Context, subject query.Subject) (query.Status, error) {
	job, err := r.queries.Start(ctx, subject)
	if err != nil {
		return query.Status{}, err
	}
	lastProgress := ""
	status, err := r.queries.Wait(ctx, job, func(status query.Status) {
		if status.Complete || status.Progress == lastProgress {
			return
		}
		lastProgress = status.Progress
		event := r.logger.Info().Str("subject", subject.Reference()).Str("progress", status.Progress)
		if status.Percent >= 0 {
			event = event.Int("percent", status.Percent)
		}
		event.Msg("Query in progress")
	})
	if err != nil {
		return query.Status{}, err
	}
	event := r.logger.Info().Str("subject", subject.Reference())
	if status.Manifest != nil {
		event = event.Strs("output_types", status.Manifest.Types())
	}
	event.Msg("Query completed")
	return status, nil
}
