package raft

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger builds the engine's *zap.SugaredLogger, matching the teacher's
// serverLogger(level) helper: a production config at Info by default, or a
// development config (colorized, caller-annotated) when debugLogging is
// set.
func newLogger(debug bool) *zap.SugaredLogger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg = zap.NewProductionConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger.Sugar()
}

// logFields prefixes every log line with the engine's identity and current
// role/term, the way the teacher's logFields(s, ...) helper does, so every
// entry is attributable to a node and its consensus state without the
// caller having to repeat it.
func logFields(e *Engine, kv ...interface{}) []interface{} {
	base := []interface{}{
		"id", e.id,
		"role", e.roleSnapshot().String(),
		"term", e.currentTermSnapshot(),
	}
	return append(base, kv...)
}
