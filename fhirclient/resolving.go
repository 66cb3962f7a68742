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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

type reference struct {
	Reference string `json:"reference"`
}

// ResolveRef reads the resource(s) referenced by the given top-level field of the result into the target.
// The target must be a pointer. To resolve a list of references, pass a pointer to a slice.
// A *[]byte or *json.RawMessage target receives a single resource.
// Contained references (#id) are skipped, since they don't need to be fetched.
func ResolveRef(field string, target any) PostParseOption {
	return func(ctx context.Context, client Client, result any) error {
		targetValue := reflect.ValueOf(target)
		if targetValue.Kind() != reflect.Pointer || targetValue.IsNil() {
			return errors.New("resolve reference: target must be a non-nil pointer")
		}
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("resolve reference: %w", err)
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(data, &fields); err != nil {
			return fmt.Errorf("resolve reference: %w", err)
		}
		raw, ok := fields[field]
		if !ok {
			return nil
		}
		elem := targetValue.Elem()
		if elem.Kind() != reflect.Slice || elem.Type().Elem().Kind() == reflect.Uint8 {
			var ref reference
			if err := json.Unmarshal(raw, &ref); err != nil {
				return fmt.Errorf("resolve reference (field=%s): %w", field, err)
			}
			if !resolvable(ref.Reference) {
				return nil
			}
			if err := client.ReadWithContext(ctx, ref.Reference, target); err != nil {
				return fmt.Errorf("resolve reference (field=%s, reference=%s): %w", field, ref.Reference, err)
			}
			return nil
		}
		var refs []reference
		if err := json.Unmarshal(raw, &refs); err != nil {
			return fmt.Errorf("resolve references (field=%s): %w", field, err)
		}
		for _, ref := range refs {
			if !resolvable(ref.Reference) {
				continue
			}
			item := reflect.New(elem.Type().Elem())
			if err := client.ReadWithContext(ctx, ref.Reference, item.Interface()); err != nil {
				return fmt.Errorf("resolve reference (field=%s, reference=%s): %w", field, ref.Reference, err)
			}
			elem.Set(reflect.Append(elem, item.Elem()))
		}
		return nil
	}
}

func resolvable(ref string) bool {
	return ref != "" && !strings.HasPrefix(ref, "#")
}
