package logger

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInitDefaultsToStdoutJSON(t *testing.T) {
	Init(Config{Level: "info"})
	assert.NotNil(t, L())
}

func TestSetLevelRetargetsWithoutRebuild(t *testing.T) {
	Init(Config{Level: "info"})
	before := L()

	SetLevel("debug")
	assert.Same(t, before, L(), "SetLevel must not swap the handler")
	assert.True(t, L().Enabled(nil, slog.LevelDebug))

	SetLevel("info")
	assert.False(t, L().Enabled(nil, slog.LevelDebug))
}

func TestWithRequestIDAndPool(t *testing.T) {
	Init(Config{Level: "info"})
	l := WithRequestID("abc123")
	assert.NotNil(t, l)

	p := WithPool("pool-a", "Common")
	assert.NotNil(t, p)
}
