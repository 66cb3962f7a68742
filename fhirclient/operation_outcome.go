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
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

// OperationOutcomeError is returned when the FHIR server responds with an OperationOutcome
// that signals a failure.
type OperationOutcomeError struct {
	fhir.OperationOutcome
	ResourceType   *string
	HttpStatusCode int
}

func (r OperationOutcomeError) IsOperationOutcome() bool {
	if r.ResourceType == nil {
		return false
	}
	return strings.EqualFold(*r.ResourceType, "OperationOutcome")
}

// ContainsError returns true if at least one issue has severity error or fatal.
func (r OperationOutcomeError) ContainsError() bool {
	for _, issue := range r.Issue {
		if issue.Severity == fhir.IssueSeverityError || issue.Severity == fhir.IssueSeverityFatal {
			return true
		}
	}
	return false
}

// Retryable returns true if the server indicated the failure is transient (e.g. 503 or 429).
func (r OperationOutcomeError) Retryable() bool {
	return r.HttpStatusCode == http.StatusTooManyRequests || r.HttpStatusCode >= 500
}

func (r OperationOutcomeError) Error() string {
	var messages []string
	for _, issue := range r.Issue {
		message := fmt.Sprintf("[%v %v]", issue.Code, issue.Severity)
		if issue.Diagnostics != nil {
			message += " " + *issue.Diagnostics
		}
		messages = append(messages, message)
	}
	return fmt.Sprintf("OperationOutcome, issues: %s", strings.Join(messages, "; "))
}

// parseOperationOutcome returns nil if the data isn't an OperationOutcome.
func parseOperationOutcome(data []byte, statusCode int) *OperationOutcomeError {
	if len(data) == 0 || data[0] != '{' {
		return nil
	}
	var probe struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil
	}
	result := OperationOutcomeError{
		ResourceType:   &probe.ResourceType,
		HttpStatusCode: statusCode,
	}
	if !result.IsOperationOutcome() {
		return nil
	}
	if err := json.Unmarshal(data, &result.OperationOutcome); err != nil {
		return nil
	}
	return &result
}
