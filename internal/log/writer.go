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
	"fmt"
	"io"
	"os"
	"time"
)

// stampFormat matches the timestamp format used by the standard library's
// log package so output remains familiar in log aggregators.
const stampFormat = "2006/01/02 15:04:05"

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

type wcOutput struct {
	timestamps bool
	wc         io.WriteCloser
}

func (o wcOutput) Write(stamp time.Time, debug bool, msg string) {
	var out string
	if o.timestamps {
		out = fmt.Sprintf("%v ", stamp.Format(stampFormat))
	}
	if debug {
		out += "[debug] "
	}
	out += msg + "\n"

	io.WriteString(o.wc, out)
}

func (o wcOutput) Close() error {
	return o.wc.Close()
}

// WriteCloserOutput returns an Output that writes formatted messages to wc,
// closing it when the Output is closed.
func WriteCloserOutput(wc io.WriteCloser, timestamps bool) Output {
	return wcOutput{timestamps, wc}
}

// WriterOutput returns an Output that writes formatted messages to w. If w
// is nil, messages are written to os.Stderr. The returned Output's Close is
// a no-op unless w also implements io.Closer.
func WriterOutput(w io.Writer, timestamps bool) Output {
	if w == nil {
		w = os.Stderr
	}
	if wc, ok := w.(io.WriteCloser); ok {
		return wcOutput{timestamps, wc}
	}
	return wcOutput{timestamps, nopCloser{w}}
}
