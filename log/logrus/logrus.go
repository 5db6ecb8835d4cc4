package logrus

import (
	"github.com/sirupsen/logrus"
	"github.com/unkn0wn-root/l2cache"
)

var _ l2cache.Logger = Logger{}

type Logger struct{ E *logrus.Entry }

// New tags every entry with component=l2cache.
func New(l *logrus.Logger) Logger {
	return Logger{E: l.WithField("component", "l2cache")}
}

func (l Logger) Debug(msg string, f l2cache.Fields) { l.with(f).Debug(msg) }
func (l Logger) Info(msg string, f l2cache.Fields)  { l.with(f).Info(msg) }
func (l Logger) Warn(msg string, f l2cache.Fields)  { l.with(f).Warn(msg) }
func (l Logger) Error(msg string, f l2cache.Fields) { l.with(f).Error(msg) }

// with maps an "err" field onto logrus' error key.
func (l Logger) with(f l2cache.Fields) *logrus.Entry {
	if len(f) == 0 {
		return l.E
	}
	out := make(logrus.Fields, len(f))
	for k, v := range f {
		if k == "err" {
			k = logrus.ErrorKey
		}
		out[k] = v
	}
	return l.E.WithFields(out)
}
