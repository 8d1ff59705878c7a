package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/flowd/internal/config"
)

func TestSampledCore(t *testing.T) {
	base, observed := observer.New(TraceLevel)
	core := newSampledCore(base, SamplingConfig{
		Enabled: true,
		Tick:    config.Duration(time.Minute),
		Levels: map[zapcore.Level]LevelSamplingConfig{
			zapcore.DebugLevel: {Initial: 2, Thereafter: 0},
			zapcore.ErrorLevel: {Initial: 1, Thereafter: 0},
		},
	})
	logger := zap.New(core)

	for i := 0; i < 5; i++ {
		logger.Debug("dispatch")
		logger.Info("group done")
		logger.Error("step failed")
	}

	assert.Equal(t, 2, observed.FilterMessage("dispatch").Len())
	assert.Equal(t, 5, observed.FilterMessage("group done").Len(), "unsampled levels pass through")
	assert.Equal(t, 5, observed.FilterMessage("step failed").Len(), "errors are never sampled")
}

func TestSampledCore_Disabled(t *testing.T) {
	base, _ := observer.New(zapcore.InfoLevel)
	core := newSampledCore(base, SamplingConfig{Enabled: false})
	assert.Same(t, base, core)
}
