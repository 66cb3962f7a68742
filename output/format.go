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

// Package output encodes retrieved resources and writes them to a local directory or an object store.
package output

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/zorgbijjou/golang-fhir-models/fhir-models/fhir"
)

type Format string

const (
	// FormatBundle writes a FHIR Bundle of type collection.
	FormatBundle Format = "bundle"
	// FormatArray writes a JSON array of resources.
	FormatArray Format = "array"
	// FormatNDJSON writes one resource per line.
	FormatNDJSON Format = "ndjson"
)

const ndjsonMediaType = "application/fhir+ndjson"

func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatBundle:
		return FormatBundle, nil
	case FormatArray:
		return FormatArray, nil
	case FormatNDJSON:
		return FormatNDJSON, nil
	}
	return "", fmt.Errorf("unsupported output format: %s (expected bundle, array or ndjson)", s)
}

// Extension returns the file extension for the format, including the dot.
func (f Format) Extension() string {
	if f == FormatNDJSON {
		return ".ndjson"
	}
	return ".json"
}

func (f Format) ContentType() string {
	switch f {
	case FormatNDJSON:
		return ndjsonMediaType
	case FormatArray:
		return "application/json"
	}
	return "application/fhir+json"
}

// FileName returns the name of the file the resources of an example are written to, e.g. allEncounters.json.
func FileName(base string, format Format) string {
	return base + format.Extension()
}

// Encode encodes the resources in the given format.
func Encode(format Format, resources []json.RawMessage) ([]byte, error) {
	switch format {
	case FormatBundle, "":
		total := len(resources)
		bundle := fhir.Bundle{
			Type:  fhir.BundleTypeCollection,
			Total: &total,
			Entry: make([]fhir.BundleEntry, 0, len(resources)),
		}
		for _, resource := range resources {
			bundle.Entry = append(bundle.Entry, fhir.BundleEntry{Resource: resource})
		}
		return json.MarshalIndent(bundle, "", "  ")
	case FormatArray:
		if resources == nil {
			resources = []json.RawMessage{}
		}
		return json.MarshalIndent(resources, "", "  ")
	case FormatNDJSON:
		var buf bytes.Buffer
		writer := NewNDJSONWriter(&buf)
		for _, resource := range resources {
			if err := writer.Write(resource); err != nil {
				return nil, err
			}
		}
		if err := writer.Flush(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unsupported output format: %s", format)
}

// NDJSONWriter writes resources as newline-delimited JSON.
type NDJSONWriter struct {
	writer *bufio.Writer
	line   bytes.Buffer
}

func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	return &NDJSONWriter{writer: bufio.NewWriter(w)}
}

// Write writes the resource on a single line.
func (w *NDJSONWriter) Write(resource json.RawMessage) error {
	w.line.Reset()
	if err := json.Compact(&w.line, resource); err != nil {
		return fmt.Errorf("ndjson: invalid resource: %w", err)
	}
	w.line.WriteByte('\n')
	_, err := w.writer.Write(w.line.Bytes())
	return err
}

func (w *NDJSONWriter) Flush() error {
	return w.writer.Flush()
}
