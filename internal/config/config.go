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

package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	TokenStoreMemory = "memory"
	TokenStoreEnv    = "env"
	TokenStoreRedis  = "redis"

	OutputSinkDir   = "dir"
	OutputSinkMinio = "minio"
)

type Config struct {
	ParticleHost string `mapstructure:"PARTICLE_HOST"`
	ClientID     string `mapstructure:"CLIENT_ID"`
	ClientSecret string `mapstructure:"CLIENT_SECRET"`
	JWT          string `mapstructure:"JWT"`
	FHIRVersion  string `mapstructure:"FHIR_VERSION"`
	AuthScheme   string `mapstructure:"AUTH_SCHEME"`
	TokenStore   string `mapstructure:"TOKEN_STORE"`
	RedisURL     string `mapstructure:"REDIS_URL"`
	RedisKey     string `mapstructure:"REDIS_KEY"`

	HTTPTimeout time.Duration `mapstructure:"HTTP_TIMEOUT"`

	SubjectType  string `mapstructure:"SUBJECT_TYPE"`
	SubjectFile  string `mapstructure:"SUBJECT_FILE"`
	QueryPurpose string `mapstructure:"QUERY_PURPOSE"`

	// Override the built-in sample demographics.
	SubjectGiven     string `mapstructure:"SUBJECT_GIVEN"`
	SubjectFamily    string `mapstructure:"SUBJECT_FAMILY"`
	SubjectGender    string `mapstructure:"SUBJECT_GENDER"`
	SubjectBirthDate string `mapstructure:"SUBJECT_BIRTH_DATE"`

	PollInterval  time.Duration `mapstructure:"POLL_INTERVAL"`
	PollTimeout   time.Duration `mapstructure:"POLL_TIMEOUT"`
	PollMaxErrors int           `mapstructure:"POLL_MAX_ERRORS"`

	ReadConcurrency        int     `mapstructure:"READ_CONCURRENCY"`
	ReadRPS                float64 `mapstructure:"READ_RPS"`
	ReadEntries            bool    `mapstructure:"READ_ENTRIES"`
	EncounterLookbackYears int     `mapstructure:"ENCOUNTER_LOOKBACK_YEARS"`
	MedicationSince        string  `mapstructure:"MEDICATION_SINCE"`
	PageSize               int     `mapstructure:"PAGE_SIZE"`
	ResolveMedications     bool    `mapstructure:"RESOLVE_MEDICATIONS"`

	OutputDir    string `mapstructure:"OUTPUT_DIR"`
	OutputFormat string `mapstructure:"OUTPUT_FORMAT"`
	OutputSink   string `mapstructure:"OUTPUT_SINK"`

	MinioEndpoint  string `mapstructure:"MINIO_ENDPOINT"`
	MinioAccessKey string `mapstructure:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `mapstructure:"MINIO_SECRET_KEY"`
	MinioBucket    string `mapstructure:"MINIO_BUCKET"`
	MinioUseSSL    bool   `mapstructure:"MINIO_USE_SSL"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
	Env       string `mapstructure:"ENV"`
}

var defaults = map[string]any{
	"PARTICLE_HOST":            "https://sandbox.particlehealth.com",
	"FHIR_VERSION":             "R4",
	"AUTH_SCHEME":              "Bearer",
	"TOKEN_STORE":              TokenStoreMemory,
	"REDIS_KEY":                "charm:jwt",
	"HTTP_TIMEOUT":             "60s",
	"SUBJECT_TYPE":             "Patient",
	"QUERY_PURPOSE":            "TREATMENT",
	"POLL_INTERVAL":            "5s",
	"POLL_TIMEOUT":             "15m",
	"POLL_MAX_ERRORS":          5,
	"READ_CONCURRENCY":         4,
	"READ_RPS":                 0,
	"READ_ENTRIES":             true,
	"ENCOUNTER_LOOKBACK_YEARS": 3,
	"MEDICATION_SINCE":         "2020-04-29T01:00:00Z",
	"PAGE_SIZE":                1000,
	"RESOLVE_MEDICATIONS":      false,
	"OUTPUT_DIR":               ".",
	"OUTPUT_FORMAT":            "bundle",
	"OUTPUT_SINK":              OutputSinkDir,
	"MINIO_USE_SSL":            false,
	"LOG_LEVEL":                "info",
	"LOG_FORMAT":               "json",
	"ENV":                      "development",
}

// Keys without a default, bound explicitly so Unmarshal picks them up.
var unsetKeys = []string{
	"CLIENT_ID",
	"CLIENT_SECRET",
	"JWT",
	"REDIS_URL",
	"SUBJECT_FILE",
	"SUBJECT_GIVEN",
	"SUBJECT_FAMILY",
	"SUBJECT_GENDER",
	"SUBJECT_BIRTH_DATE",
	"MINIO_ENDPOINT",
	"MINIO_ACCESS_KEY",
	"MINIO_SECRET_KEY",
	"MINIO_BUCKET",
}

// NewViper returns a viper instance with the defaults set and all keys bound to environment variables.
// Variables from the given .env files are loaded into the environment first; missing files are ignored.
// Variables already present in the environment take precedence over the .env files.
func NewViper(dotEnvFiles ...string) *viper.Viper {
	if len(dotEnvFiles) == 0 {
		dotEnvFiles = []string{".env"}
	}
	for _, file := range dotEnvFiles {
		_ = godotenv.Load(file)
	}
	v := viper.New()
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
		_ = v.BindEnv(key)
	}
	for _, key := range unsetKeys {
		_ = v.BindEnv(key)
	}
	return v
}

// Load reads the configuration from the given viper instance (see NewViper) and validates it.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = NewViper()
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// FHIRBaseURL returns the FHIR base URL, e.g. https://sandbox.particlehealth.com/R4
func (c *Config) FHIRBaseURL() (*url.URL, error) {
	host, err := url.Parse(c.ParticleHost)
	if err != nil {
		return nil, fmt.Errorf("invalid PARTICLE_HOST: %w", err)
	}
	return host.JoinPath(c.FHIRVersion), nil
}

// MedicationSinceTime returns MEDICATION_SINCE as a time.
func (c *Config) MedicationSinceTime() time.Time {
	since, _ := time.Parse(time.RFC3339, c.MedicationSince)
	return since
}

// Validate checks the configuration. Credentials are required unless a token is provided through JWT.
func (c *Config) Validate() error {
	var errs []error
	host, err := url.Parse(c.ParticleHost)
	if err != nil || host.Scheme == "" || host.Host == "" {
		errs = append(errs, fmt.Errorf("PARTICLE_HOST must be an absolute URL, got %q", c.ParticleHost))
	}
	if c.JWT == "" && (c.ClientID == "" || c.ClientSecret == "") {
		errs = append(errs, errors.New("CLIENT_ID and CLIENT_SECRET are required when JWT is not set"))
	}
	switch c.TokenStore {
	case TokenStoreMemory, TokenStoreEnv:
	case TokenStoreRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required when TOKEN_STORE is \"redis\""))
		}
	default:
		errs = append(errs, fmt.Errorf("TOKEN_STORE must be \"memory\", \"env\" or \"redis\", got %q", c.TokenStore))
	}
	if !strings.EqualFold(c.SubjectType, "Patient") && !strings.EqualFold(c.SubjectType, "Person") {
		errs = append(errs, fmt.Errorf("SUBJECT_TYPE must be \"Patient\" or \"Person\", got %q", c.SubjectType))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval))
	}
	if c.PollTimeout < c.PollInterval {
		errs = append(errs, fmt.Errorf("POLL_TIMEOUT (%s) must not be shorter than POLL_INTERVAL (%s)", c.PollTimeout, c.PollInterval))
	}
	if c.PollMaxErrors < 0 {
		errs = append(errs, fmt.Errorf("POLL_MAX_ERRORS must not be negative, got %d", c.PollMaxErrors))
	}
	if c.ReadConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("READ_CONCURRENCY must be positive, got %d", c.ReadConcurrency))
	}
	if c.ReadRPS < 0 {
		errs = append(errs, fmt.Errorf("READ_RPS must not be negative, got %v", c.ReadRPS))
	}
	if _, err := time.Parse(time.RFC3339, c.MedicationSince); err != nil {
		errs = append(errs, fmt.Errorf("MEDICATION_SINCE must be an RFC 3339 timestamp, got %q", c.MedicationSince))
	}
	switch strings.ToLower(c.OutputFormat) {
	case "bundle", "array", "ndjson":
	default:
		errs = append(errs, fmt.Errorf("OUTPUT_FORMAT must be \"bundle\", \"array\" or \"ndjson\", got %q", c.OutputFormat))
	}
	switch c.OutputSink {
	case OutputSinkDir:
	case OutputSinkMinio:
		if c.MinioEndpoint == "" || c.MinioBucket == "" {
			errs = append(errs, errors.New("MINIO_ENDPOINT and MINIO_BUCKET are required when OUTPUT_SINK is \"minio\""))
		}
	default:
		errs = append(errs, fmt.Errorf("OUTPUT_SINK must be \"dir\" or \"minio\", got %q", c.OutputSink))
	}
	return errors.Join(errs...)
}
