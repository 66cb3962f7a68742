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

import "sort"

// Manifest is the body of a completed query: the resources the query found, by type.
type Manifest struct {
	TransactionTime     string           `json:"transactionTime,omitempty"`
	Request             string           `json:"request,omitempty"`
	RequiresAccessToken bool             `json:"requiresAccessToken"`
	Output              []ManifestOutput `json:"output,omitempty"`
	Error               []ManifestOutput `json:"error,omitempty"`
}

type ManifestOutput struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// ByType groups the output paths by resource type. Paths are made relative to the FHIR base URL.
func (m Manifest) ByType(basePath string) map[string][]string {
	result := make(map[string][]string)
	for _, output := range m.Output {
		if output.URL == "" {
			continue
		}
		result[output.Type] = append(result[output.Type], RelativePath(output.URL, basePath))
	}
	return result
}

// Types returns the resource types in the manifest, sorted.
func (m Manifest) Types() []string {
	seen := make(map[string]bool)
	var types []string
	for _, output := range m.Output {
		if !seen[output.Type] {
			seen[output.Type] = true
			types = append(types, output.Type)
		}
	}
	sort.Strings(types)
	return types
}
