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
	"go.uber.org/zap/zapcore"
)

// zapLogger adapts Logger to zapcore.Core so packages that expect a
// *zap.Logger can be driven by the same Output as the rest of the engine.
// No package in this tree currently calls Logger.Zap.
type zapLogger struct {
	L      Logger
	fields map[string]interface{}
}

func (z zapLogger) Enabled(lvl zapcore.Level) bool {
	if lvl < zapcore.InfoLevel {
		return z.L.Debug
	}
	return true
}

func (z zapLogger) With(fields []zapcore.Field) zapcore.Core {
	enc := zapcore.NewMapObjectEncoder()
	for k, v := range z.fields {
		enc.Fields[k] = v
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	return zapLogger{L: z.L, fields: enc.Fields}
}

func (z zapLogger) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if z.Enabled(ent.Level) {
		return ce.AddCore(ent, z)
	}
	return ce
}

func (z zapLogger) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for k, v := range z.fields {
		enc.Fields[k] = v
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	if ent.LoggerName != "" {
		enc.Fields["logger"] = ent.LoggerName
	}
	if ent.Caller.Defined {
		enc.Fields["caller"] = ent.Caller.TrimmedPath()
	}

	debug := ent.Level < zapcore.InfoLevel
	if ent.Level >= zapcore.ErrorLevel {
		enc.Fields["level"] = ent.Level.String()
	}

	z.L.Msg(ent.Message, mapToFields(enc.Fields)...)
	_ = debug
	return nil
}

func (z zapLogger) Sync() error {
	return nil
}

func mapToFields(m map[string]interface{}) []interface{} {
	out := make([]interface{}, 0, len(m)*2)
	for k, v := range m {
		out = append(out, k, v)
	}
	return out
}
