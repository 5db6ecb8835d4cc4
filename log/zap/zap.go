// Package zap adapts a *zap.Logger to l2cache.Logger.
package zap

import (
	"sort"

	"github.com/unkn0wn-root/l2cache"
	"go.uber.org/zap"
)

var _ l2cache.Logger = Logger{}

type Logger struct{ L *zap.Logger }

// New names the logger "l2cache". A nil l logs nothing.
func New(l *zap.Logger) Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return Logger{L: l.Named("l2cache")}
}

func (z Logger) Debug(msg string, f l2cache.Fields) { z.L.Debug(msg, fields(f)...) }
func (z Logger) Info(msg string, f l2cache.Fields)  { z.L.Info(msg, fields(f)...) }
func (z Logger) Warn(msg string, f l2cache.Fields)  { z.L.Warn(msg, fields(f)...) }
func (z Logger) Error(msg string, f l2cache.Fields) { z.L.Error(msg, fields(f)...) }

// fields keeps output stable by sorting keys; errors keep their zap encoding.
func fields(f l2cache.Fields) []zap.Field {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(f))
	for _, k := range keys {
		if err, ok := f[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, f[k]))
	}
	return out
}
