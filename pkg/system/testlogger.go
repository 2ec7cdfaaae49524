package system

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

// NewTestLogger returns a debug-level sugared logger that writes through
// t.Log, so output only shows up for failing or verbose tests. Stacktraces
// are disabled to keep expected error logs short.
func NewTestLogger(t zaptest.TestingT) *zap.SugaredLogger {
	return zaptest.NewLogger(t,
		zaptest.Level(zapcore.DebugLevel),
		zaptest.WrapOptions(zap.AddStacktrace(zapcore.FatalLevel)),
	).Sugar()
}
