// Package baelog provides the structured logger passed into every
// sync-core component. It is a thin wrapper over zap, shaped the same way
// as the logger.Logger parameter threaded through the teacher's massifs
// components: components take a Logger at construction time, never reach
// for a package-level singleton.
package baelog

import (
	"go.uber.org/zap"
)

// Logger is the narrow logging surface the sync core depends on. Keeping it
// an interface (rather than passing *zap.SugaredLogger directly) lets tests
// substitute a no-op or a testify-observed recorder without pulling in zap.
type Logger interface {
	Debugf(template string, args ...any)
	Infof(template string, args ...any)
	Warnf(template string, args ...any)
	Errorf(template string, args ...any)
	With(args ...any) Logger
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// New builds a production JSON logger at the given name. name identifies the
// component in the same spirit as massifs.NewMassifCommitter(cfg, log, store)
// taking a pre-named logger.
func New(name string) (Logger, error) {
	z, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return &zapLogger{s: z.Sugar().Named(name)}, nil
}

// NewNop returns a logger that discards everything, for tests.
func NewNop() Logger {
	return &zapLogger{s: zap.NewNop().Sugar()}
}

func (l *zapLogger) Debugf(template string, args ...any) { l.s.Debugf(template, args...) }
func (l *zapLogger) Infof(template string, args ...any)  { l.s.Infof(template, args...) }
func (l *zapLogger) Warnf(template string, args ...any)  { l.s.Warnf(template, args...) }
func (l *zapLogger) Errorf(template string, args ...any) { l.s.Errorf(template, args...) }

func (l *zapLogger) With(args ...any) Logger {
	return &zapLogger{s: l.s.With(args...)}
}
