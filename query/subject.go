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

package query

import (
	"fmt"
	"strings"
)

const (
	SubjectPatient = "Patient"
	SubjectPerson  = "Person"
)

// Subject is the Patient or Person a query is run for.
type Subject struct {
	Type string
	ID   string
}

// Reference returns the relative reference, e.g. Patient/123.
func (s Subject) Reference() string {
	return s.Type + "/" + s.ID
}

// SearchParam returns the search parameter that selects resources of this subject (patient or person).
func (s Subject) SearchParam() string {
	return strings.ToLower(s.Type)
}

func (s Subject) String() string {
	return s.Reference()
}

// ParseSubject parses a reference like Patient/123. A bare id is taken as a Patient id.
func ParseSubject(ref string) (Subject, error) {
	ref = strings.Trim(ref, "/")
	if ref == "" {
		return Subject{}, fmt.Errorf("invalid subject reference: empty")
	}
	resourceType, id, found := strings.Cut(ref, "/")
	if !found {
		return Subject{Type: SubjectPatient, ID: ref}, nil
	}
	if id == "" || strings.Contains(id, "/") {
		return Subject{}, fmt.Errorf("invalid subject reference: %s", ref)
	}
	switch {
	case strings.EqualFold(resourceType, SubjectPatient):
		return Subject{Type: SubjectPatient, ID: id}, nil
	case strings.EqualFold(resourceType, SubjectPerson):
		return Subject{Type: SubjectPerson, ID: id}, nil
	}
	return Subject{}, fmt.Errorf("invalid subject reference: %s (expected Patient or Person)", ref)
}

// RelativePath turns a path returned by the API (e.g. /R4/Patient/123/$query) into a path relative to the FHIR base URL.
// Absolute URLs are returned unchanged.
func RelativePath(path string, basePath string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	path = strings.TrimPrefix(path, "/")
	if basePath != "" {
		path = strings.TrimPrefix(path, strings.Trim(basePath, "/")+"/")
	}
	return path
}
