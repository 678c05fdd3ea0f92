package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel(" warning "))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel(""))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}

func TestNewHonoursLevel(t *testing.T) {
	l := New(Config{Env: "prod", Level: "warn"})
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))

	d := New(Config{Level: "debug"})
	assert.True(t, d.Core().Enabled(zapcore.DebugLevel))
}

func TestContextRoundtrip(t *testing.T) {
	l := zap.NewNop().With(zap.String("request_id", "abc"))
	ctx := ToContext(context.Background(), l)
	assert.Same(t, l, From(ctx))
	assert.Same(t, zap.L(), From(context.Background()))
}
