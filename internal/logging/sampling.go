// internal/logging/sampling.go
package logging

import (
	"sort"

	"go.uber.org/zap/zapcore"
)

// newSampledCore samples each configured level independently. Levels without
// an entry and everything at Error or above pass through untouched.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled || len(cfg.Levels) == 0 {
		return core
	}

	levels := make([]zapcore.Level, 0, len(cfg.Levels))
	for lvl := range cfg.Levels {
		if lvl < zapcore.ErrorLevel {
			levels = append(levels, lvl)
		}
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })

	cores := make([]zapcore.Core, 0, len(levels)+1)
	for _, lvl := range levels {
		rate := cfg.Levels[lvl]
		cores = append(cores, zapcore.NewSamplerWithOptions(
			&levelFilterCore{Core: core, allow: only(lvl)},
			cfg.Tick.Duration(),
			rate.Initial,
			rate.Thereafter,
		))
	}

	sampled := make(map[zapcore.Level]bool, len(levels))
	for _, lvl := range levels {
		sampled[lvl] = true
	}
	cores = append(cores, &levelFilterCore{Core: core, allow: func(l zapcore.Level) bool { return !sampled[l] }})

	return zapcore.NewTee(cores...)
}

func only(level zapcore.Level) func(zapcore.Level) bool {
	return func(l zapcore.Level) bool { return l == level }
}

// levelFilterCore restricts a core to the levels allow accepts.
type levelFilterCore struct {
	zapcore.Core
	allow func(zapcore.Level) bool
}

func (c *levelFilterCore) Enabled(lvl zapcore.Level) bool {
	return c.allow(lvl) && c.Core.Enabled(lvl)
}

func (c *levelFilterCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelFilterCore) With(fields []zapcore.Field) zapcore.Core {
	return &levelFilterCore{Core: c.Core.With(fields), allow: c.allow}
}
