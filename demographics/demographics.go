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

// Package demographics builds the Patient or Person resource a query is run for.
package demographics

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

const (
	KindPatient = "Patient"
	KindPerson  = "Person"
)

// Demographics are the attributes used to match a subject across the network.
type Demographics struct {
	Given        string   `mapstructure:"given" json:"given"`
	Family       string   `mapstructure:"family" json:"family"`
	Gender       string   `mapstructure:"gender" json:"gender"`
	BirthDate    string   `mapstructure:"birth_date" json:"birthDate"`
	AddressLines []string `mapstructure:"address_lines" json:"addressLines,omitempty"`
	City         string   `mapstructure:"city" json:"city,omitempty"`
	State        string   `mapstructure:"state" json:"state,omitempty"`
	PostalCode   string   `mapstructure:"postal_code" json:"postalCode,omitempty"`
	Country      string   `mapstructure:"country" json:"country,omitempty"`
	SSN          string   `mapstructure:"ssn" json:"ssn,omitempty"`
	Phone        string   `mapstructure:"phone" json:"phone,omitempty"`
	Email        string   `mapstructure:"email" json:"email,omitempty"`
}

// Default returns the sandbox's sample subject.
func Default() Demographics {
	return Demographics{
		Given:        "Quinton",
		Family:       "Klein",
		Gender:       "male",
		BirthDate:    "1967-10-20",
		AddressLines: []string{"629 Schuster Common"},
		City:         "Amesbury",
		State:        "MA",
		PostalCode:   "01913",
		Country:      "USA",
		SSN:          "123-45-6789",
		Phone:        "1-234-567-8910",
	}
}

func (d Demographics) Validate() error {
	var errs []error
	if strings.TrimSpace(d.Given) == "" {
		errs = append(errs, errors.New("given name is required"))
	}
	if strings.TrimSpace(d.Family) == "" {
		errs = append(errs, errors.New("family name is required"))
	}
	if _, err := parseGender(d.Gender); err != nil {
		errs = append(errs, err)
	}
	if _, err := time.Parse(time.DateOnly, d.BirthDate); err != nil {
		errs = append(errs, fmt.Errorf("birth date must be formatted as YYYY-MM-DD: %q", d.BirthDate))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid demographics: %w", errors.Join(errs...))
	}
	return nil
}

func parseGender(gender string) (fhir.AdministrativeGender, error) {
	switch strings.ToLower(strings.TrimSpace(gender)) {
	case "male", "m":
		return fhir.AdministrativeGenderMale, nil
	case "female", "f":
		return fhir.AdministrativeGenderFemale, nil
	case "other":
		return fhir.AdministrativeGenderOther, nil
	case "unknown":
		return fhir.AdministrativeGenderUnknown, nil
	}
	return 0, fmt.Errorf("gender must be one of male, female, other or unknown: %q", gender)
}

// Patient returns the demographics as a Patient resource. It does not validate.
func (d Demographics) Patient() fhir.Patient {
	return fhir.Patient{
		Identifier: d.identifiers(),
		Name:       d.names(),
		Telecom:    d.telecom(),
		Gender:     d.gender(),
		BirthDate:  optional(d.BirthDate),
		Address:    d.addresses(),
	}
}

// Person returns the demographics as a Person resource. It does not validate.
func (d Demographics) Person() fhir.Person {
	return fhir.Person{
		Identifier: d.identifiers(),
		Name:       d.names(),
		Telecom:    d.telecom(),
		Gender:     d.gender(),
		BirthDate:  optional(d.BirthDate),
		Address:    d.addresses(),
	}
}

// Resource validates the demographics and returns them as a resource of the given kind (Patient or Person).
func (d Demographics) Resource(kind string) (any, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	switch {
	case strings.EqualFold(kind, KindPatient):
		return d.Patient(), nil
	case strings.EqualFold(kind, KindPerson):
		return d.Person(), nil
	}
	return nil, fmt.Errorf("unsupported subject kind: %s (expected Patient or Person)", kind)
}

func (d Demographics) identifiers() []fhir.Identifier {
	if d.SSN == "" {
		return nil
	}
	return []fhir.Identifier{
		{
			Type:  &fhir.CodeableConcept{Text: optional("SSN")},
			Value: optional(d.SSN),
		},
	}
}

func (d Demographics) names() []fhir.HumanName {
	use := fhir.NameUseOfficial
	return []fhir.HumanName{
		{
			Use:    &use,
			Family: optional(d.Family),
			Given:  []string{d.Given},
		},
	}
}

func (d Demographics) telecom() []fhir.ContactPoint {
	var result []fhir.ContactPoint
	if d.Phone != "" {
		system := fhir.ContactPointSystemPhone
		result = append(result, fhir.ContactPoint{System: &system, Value: optional(d.Phone)})
	}
	if d.Email != "" {
		system := fhir.ContactPointSystemEmail
		result = append(result, fhir.ContactPoint{System: &system, Value: optional(d.Email)})
	}
	return result
}

func (d Demographics) gender() *fhir.AdministrativeGender {
	gender, err := parseGender(d.Gender)
	if err != nil {
		return nil
	}
	return &gender
}

func (d Demographics) addresses() []fhir.Address {
	if len(d.AddressLines) == 0 && d.City == "" && d.State == "" && d.PostalCode == "" && d.Country == "" {
		return nil
	}
	return []fhir.Address{
		{
			Line:       d.AddressLines,
			City:       optional(d.City),
			State:      optional(d.State),
			PostalCode: optional(d.PostalCode),
			Country:    optional(d.Country),
		},
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// LoadFile reads a Patient or Person resource from a JSON file.
// It returns the resource type and the raw resource, which can be passed to fhirclient.Client.Create as-is.
func LoadFile(path string) (string, json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("read subject file: %w", err)
	}
	var probe struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", nil, fmt.Errorf("parse subject file %s: %w", path, err)
	}
	switch probe.ResourceType {
	case KindPatient, KindPerson:
		return probe.ResourceType, data, nil
	case "":
		return "", nil, fmt.Errorf("subject file %s: missing resourceType", path)
	}
	return "", nil, fmt.Errorf("subject file %s: unsupported resourceType %s (expected Patient or Person)", path, probe.ResourceType)
}
