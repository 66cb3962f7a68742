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

package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ParticleHealth/charm/auth"
	"github.com/ParticleHealth/charm/demographics"
	"github.com/ParticleHealth/charm/fhirclient"
	"github.com/ParticleHealth/charm/internal/config"
	"github.com/ParticleHealth/charm/internal/logging"
	"github.com/ParticleHealth/charm/output"
	"github.com/ParticleHealth/charm/query"
	"github.com/ParticleHealth/charm/retrieve"
	"github.com/ParticleHealth/charm/workflow"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// app holds the components the commands are built from.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	runID  string
	tokens *auth.Source
	client *fhirclient.BaseClient
	sink   output.Sink
	format output.Format
}

func newApp(ctx context.Context, v *viper.Viper) (*app, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	logger := logging.New(nil, cfg.LogLevel, cfg.LogFormat, cfg.Env).With().Str("run_id", runID).Logger()
	format, err := output.ParseFormat(cfg.OutputFormat)
	if err != nil {
		return nil, err
	}
	baseURL, err := cfg.FHIRBaseURL()
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	store, err := newTokenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	var fetcher auth.Fetcher
	if cfg.ClientID != "" && cfg.ClientSecret != "" {
		authenticator, err := auth.NewAuthenticator(cfg.ParticleHost, cfg.ClientID, cfg.ClientSecret, httpClient)
		if err != nil {
			return nil, err
		}
		fetcher = authenticator
	}
	tokens := auth.NewSource(fetcher, store, logger)
	doer := auth.NewBearerDoer(tokens, httpClient, authScheme(cfg.AuthScheme))
	client := fhirclient.New(baseURL, doer, &fhirclient.Config{
		UsePostSearch: false,
		Non2xxStatusHandler: func(response *http.Response, responseBody []byte) {
			event := logger.Debug().Int("status", response.StatusCode)
			if response.Request != nil {
				event = event.Str("url", response.Request.URL.String())
			}
			event.Bytes("body", responseBody).Msg("FHIR server returned non-2xx status")
		},
	})

	sink, err := newSink(cfg, runID)
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:    cfg,
		logger: logger,
		runID:  runID,
		tokens: tokens,
		client: client,
		sink:   sink,
		format: format,
	}, nil
}

// newTokenStore creates the configured token store. A token from JWT is put in the store up front.
func newTokenStore(ctx context.Context, cfg *config.Config) (auth.Store, error) {
	var store auth.Store
	switch cfg.TokenStore {
	case config.TokenStoreEnv:
		return auth.EnvStore{}, nil
	case config.TokenStoreRedis:
		redisStore, err := auth.NewRedisStore(cfg.RedisURL, cfg.RedisKey)
		if err != nil {
			return nil, err
		}
		store = redisStore
	default:
		store = &auth.MemoryStore{}
	}
	if cfg.JWT != "" {
		if err := store.Save(ctx, auth.ParseToken(cfg.JWT)); err != nil {
			return nil, fmt.Errorf("store JWT: %w", err)
		}
	}
	return store, nil
}

func newSink(cfg *config.Config, runID string) (output.Sink, error) {
	if cfg.OutputSink != config.OutputSinkMinio {
		return output.DirSink{Dir: cfg.OutputDir}, nil
	}
	return output.NewMinioSink(output.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	}, runID)
}

// authScheme maps AUTH_SCHEME to the Authorization header scheme. "none" sends the bare token.
func authScheme(scheme string) string {
	if strings.EqualFold(scheme, "none") {
		return ""
	}
	return scheme
}

func (a *app) queries() *query.Service {
	return query.NewService(a.client, query.Options{
		Interval:             a.cfg.PollInterval,
		Timeout:              a.cfg.PollTimeout,
		MaxConsecutiveErrors: a.cfg.PollMaxErrors,
		Purpose:              a.cfg.QueryPurpose,
		BasePath:             a.cfg.FHIRVersion,
	}, a.logger)
}

func (a *app) retriever() *retrieve.Retriever {
	return retrieve.New(a.client, retrieve.Options{
		Concurrency:       a.cfg.ReadConcurrency,
		RequestsPerSecond: a.cfg.ReadRPS,
		ReadEntries:       a.cfg.ReadEntries,
		BasePath:          a.cfg.FHIRVersion,
	}, a.logger)
}

func (a *app) runner(options workflow.Options) *workflow.Runner {
	options.RunID = a.runID
	options.Demographics = a.subjectDemographics()
	options.Format = a.format
	if options.SubjectType == "" {
		options.SubjectType = normalizeSubjectType(a.cfg.SubjectType)
	}
	if options.SubjectFile == "" {
		options.SubjectFile = a.cfg.SubjectFile
	}
	options.EncounterLookbackYears = a.cfg.EncounterLookbackYears
	options.MedicationSince = a.cfg.MedicationSinceTime()
	options.PageSize = a.cfg.PageSize
	options.ResolveMedications = a.cfg.ResolveMedications
	return workflow.NewRunner(a.client, a.queries(), a.retriever(), a.sink, options, a.logger)
}

// subjectDemographics returns the sample demographics with the configured overrides applied.
func (a *app) subjectDemographics() demographics.Demographics {
	result := demographics.Default()
	overrides := map[*string]string{
		&result.Given:     a.cfg.SubjectGiven,
		&result.Family:    a.cfg.SubjectFamily,
		&result.Gender:    a.cfg.SubjectGender,
		&result.BirthDate: a.cfg.SubjectBirthDate,
	}
	for field, value := range overrides {
		if value != "" {
			*field = value
		}
	}
	return result
}

func normalizeSubjectType(subjectType string) string {
	if strings.EqualFold(subjectType, query.SubjectPerson) {
		return query.SubjectPerson
	}
	return query.SubjectPatient
}
