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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSubject(t *testing.T) {
	tests := []struct {
		input   string
		want    Subject
		wantErr string
	}{
		{input: "Patient/123", want: Subject{Type: SubjectPatient, ID: "123"}},
		{input: "person/abc", want: Subject{Type: SubjectPerson, ID: "abc"}},
		{input: "123", want: Subject{Type: SubjectPatient, ID: "123"}},
		{input: "", wantErr: "invalid subject reference: empty"},
		{input: "Encounter/1", wantErr: "invalid subject reference: Encounter/1 (expected Patient or Person)"},
		{input: "Patient/1/_history/2", wantErr: "invalid subject reference: Patient/1/_history/2"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSubject(tt.input)
			if tt.wantErr != "" {
				assert.EqualError(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSubject(t *testing.T) {
	subject := Subject{Type: SubjectPerson, ID: "abc"}
	assert.Equal(t, "Person/abc", subject.Reference())
	assert.Equal(t, "person", subject.SearchParam())
	assert.Equal(t, "patient", Subject{Type: SubjectPatient, ID: "1"}.SearchParam())
}

func TestRelativePath(t *testing.T) {
	assert.Equal(t, "Patient/1/$query", RelativePath("/R4/Patient/1/$query", "R4"))
	assert.Equal(t, "Patient/1/$query", RelativePath("R4/Patient/1/$query", "/R4/"))
	assert.Equal(t, "Patient/1", RelativePath("Patient/1", "R4"))
	assert.Equal(t, "R4/Patient/1", RelativePath("/R4/Patient/1", ""))
	assert.Equal(t, "https://host/R4/Patient/1", RelativePath("https://host/R4/Patient/1", "R4"))
}

func TestManifest(t *testing.T) {
	manifest := Manifest{
		Output: []ManifestOutput{
			{Type: "Patient", URL: "/R4/Patient/1"},
			{Type: "Encounter", URL: "/R4/Encounter/2"},
			{Type: "Encounter", URL: "/R4/Encounter/3"},
			{Type: "Observation", URL: ""},
		},
	}

	assert.Equal(t, map[string][]string{
		"Patient":   {"Patient/1"},
		"Encounter": {"Encounter/2", "Encounter/3"},
	}, manifest.ByType("R4"))
	assert.Equal(t, []string{"Encounter", "Observation", "Patient"}, manifest.Types())
}
