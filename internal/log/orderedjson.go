/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package log

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// marshalOrderedJSON writes fields to w as a JSON object with keys sorted
// lexicographically, so identical field sets always produce byte-identical
// output (useful for diffing log lines in tests and for log aggregators
// that prefer stable key order).
func marshalOrderedJSON(w io.Writer, fields map[string]interface{}) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if _, err := io.WriteString(w, "{"); err != nil {
		return err
	}
	for i, k := range keys {
		if i != 0 {
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}

		keyBytes, err := json.Marshal(k)
		if err != nil {
			return err
		}
		if _, err := w.Write(keyBytes); err != nil {
			return err
		}
		if _, err := io.WriteString(w, ":"); err != nil {
			return err
		}

		valBytes, err := json.Marshal(fields[k])
		if err != nil {
			valBytes, err = json.Marshal(fmt.Sprintf("%+v (marshal error: %v)", fields[k], err))
			if err != nil {
				return err
			}
		}
		if _, err := w.Write(valBytes); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "}")
	return err
}
