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

// Package query starts the asynchronous $query operation for a subject and polls it until it completes.
package query

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/ParticleHealth/charm/fhirclient"
	"github.com/rs/zerolog"
	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

var (
	// ErrTimeout is returned when the query didn't complete within Options.Timeout.
	ErrTimeout = errors.New("query did not complete in time")
	// ErrQueryFailed is returned when polling failed with a non-retryable error, or too many retryable errors in a row.
	ErrQueryFailed = errors.New("query failed")
)

const (
	operationName  = "$query"
	progressHeader = "X-Progress"
)

var progressRegex = regexp.MustCompile(`([0-9]{1,3})%`)

type Options struct {
	// Interval is the time between two status polls.
	Interval time.Duration
	// Timeout is the maximum time to wait for the query to complete.
	Timeout time.Duration
	// MaxConsecutiveErrors is the number of retryable errors in a row after which polling gives up.
	MaxConsecutiveErrors int
	// Purpose is the purpose of use sent with the query.
	Purpose string
	// BasePath is the path of the FHIR base URL (e.g. R4), which is stripped from paths the API returns.
	BasePath string
}

func DefaultOptions() Options {
	return Options{
		Interval:             5 * time.Second,
		Timeout:              15 * time.Minute,
		MaxConsecutiveErrors: 5,
		Purpose:              "TREATMENT",
		BasePath:             "R4",
	}
}

// Job is a started query.
type Job struct {
	Subject    Subject
	StatusPath string
}

// Status is the result of a single status poll.
type Status struct {
	Complete bool
	// Progress is the raw X-Progress header, if the server sent one.
	Progress string
	// Percent is the progress percentage parsed from Progress, or -1 if unknown.
	Percent int
	// Manifest is set when the query completed and the server returned a manifest.
	Manifest *Manifest
}

type Service struct {
	client  fhirclient.Client
	options Options
	logger  zerolog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewService creates a Service. Zero values in options are replaced by their defaults.
func NewService(client fhirclient.Client, options Options, logger zerolog.Logger) *Service {
	defaults := DefaultOptions()
	if options.Interval <= 0 {
		options.Interval = defaults.Interval
	}
	if options.Timeout <= 0 {
		options.Timeout = defaults.Timeout
	}
	if options.MaxConsecutiveErrors <= 0 {
		options.MaxConsecutiveErrors = defaults.MaxConsecutiveErrors
	}
	if options.Purpose == "" {
		options.Purpose = defaults.Purpose
	}
	if options.BasePath == "" {
		options.BasePath = defaults.BasePath
	}
	return &Service{
		client:  client,
		options: options,
		logger:  logger,
		now:     time.Now,
		sleep:   sleep,
	}
}

// Start invokes $query on the subject.
func (s *Service) Start(ctx context.Context, subject Subject) (Job, error) {
	purpose := s.options.Purpose
	params := fhir.Parameters{
		Parameter: []fhir.ParametersParameter{
			{Name: "purpose", ValueString: &purpose},
		},
	}
	var body []byte
	var statusCode int
	if err := s.client.OperationWithContext(ctx, subject.Reference(), operationName, params, &body, fhirclient.ResponseStatusCode(&statusCode)); err != nil {
		return Job{}, fmt.Errorf("start query for %s: %w", subject, err)
	}
	job := Job{
		Subject:    subject,
		StatusPath: subject.Reference() + "/" + operationName,
	}
	if statusPath := statusFromParameters(body); statusPath != "" {
		job.StatusPath = RelativePath(statusPath, s.options.BasePath)
	}
	s.logger.Info().
		Str("subject", subject.Reference()).
		Int("status", statusCode).
		Str("status_path", job.StatusPath).
		Msg("Query started")
	return job, nil
}

// Status polls the query once.
func (s *Service) Status(ctx context.Context, job Job) (Status, error) {
	status, _, err := s.poll(ctx, job)
	return status, err
}

func (s *Service) poll(ctx context.Context, job Job) (Status, int, error) {
	var body []byte
	var statusCode int
	var headers fhirclient.Headers
	err := s.client.ReadWithContext(ctx, job.StatusPath, &body, fhirclient.ResponseStatusCode(&statusCode), fhirclient.ResponseHeaders(&headers))
	if err != nil {
		return Status{}, statusCode, err
	}
	status := Status{Percent: -1}
	if headers.Header != nil {
		status.Progress = headers.Get(progressHeader)
		status.Percent = parsePercent(status.Progress)
	}
	if statusCode != http.StatusOK {
		return status, statusCode, nil
	}
	status.Complete = true
	status.Percent = 100
	if manifest := parseManifest(body); manifest != nil {
		status.Manifest = manifest
	}
	return status, statusCode, nil
}

// Wait polls the query until it completes, the timeout passes or the context is cancelled.
// Transient failures (network errors, 5xx, 429 and 404 while the query is registered) are retried.
// onProgress, if not nil, is called after every successful poll.
func (s *Service) Wait(ctx context.Context, job Job, onProgress func(Status)) (Status, error) {
	deadline := s.now().Add(s.options.Timeout)
	consecutiveErrors := 0
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, s.options.Interval); err != nil {
				return Status{}, err
			}
		}
		if s.now().After(deadline) {
			return Status{}, fmt.Errorf("%w (subject=%s, timeout=%s)", ErrTimeout, job.Subject, s.options.Timeout)
		}
		status, statusCode, err := s.poll(ctx, job)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Status{}, ctxErr
			}
			if !retryable(statusCode) {
				return Status{}, fmt.Errorf("%w (subject=%s): %w", ErrQueryFailed, job.Subject, err)
			}
			consecutiveErrors++
			if consecutiveErrors > s.options.MaxConsecutiveErrors {
				return Status{}, fmt.Errorf("%w (subject=%s): giving up after %d consecutive errors: %w", ErrQueryFailed, job.Subject, consecutiveErrors, err)
			}
			s.logger.Warn().Err(err).
				Str("subject", job.Subject.Reference()).
				Int("status", statusCode).
				Int("attempt", attempt+1).
				Msg("Query status poll failed, retrying")
			continue
		}
		consecutiveErrors = 0
		s.logger.Debug().
			Str("subject", job.Subject.Reference()).
			Int("status", statusCode).
			Str("progress", status.Progress).
			Msg("Query status polled")
		if onProgress != nil {
			onProgress(status)
		}
		if status.Complete {
			return status, nil
		}
	}
}

// retryable reports whether a failed poll should be retried. A zero status code means no response was received.
func retryable(statusCode int) bool {
	switch {
	case statusCode == 0:
		return true
	case statusCode == http.StatusNotFound:
		return true
	case statusCode == http.StatusTooManyRequests:
		return true
	case statusCode >= 500:
		return true
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parsePercent(progress string) int {
	match := progressRegex.FindStringSubmatch(progress)
	if len(match) != 2 {
		return -1
	}
	percent, err := strconv.Atoi(match[1])
	if err != nil || percent > 100 {
		return -1
	}
	return percent
}

// statusFromParameters returns the value of the status parameter of a Parameters resource, if present.
func statusFromParameters(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return ""
	}
	var params struct {
		ResourceType string `json:"resourceType"`
		Parameter    []struct {
			Name        string `json:"name"`
			ValueString string `json:"valueString"`
			ValueUri    string `json:"valueUri"`
			ValueUrl    string `json:"valueUrl"`
		} `json:"parameter"`
	}
	if err := json.Unmarshal(body, &params); err != nil || params.ResourceType != "Parameters" {
		return ""
	}
	for _, param := range params.Parameter {
		if param.Name != "status" {
			continue
		}
		for _, value := range []string{param.ValueString, param.ValueUri, param.ValueUrl} {
			if value != "" {
				return value
			}
		}
	}
	return ""
}

func parseManifest(body []byte) *Manifest {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return nil
	}
	var manifest Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return nil
	}
	if manifest.TransactionTime == "" && manifest.Request == "" && len(manifest.Output) == 0 {
		return nil
	}
	return &manifest
}
