package logger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogPath(t *testing.T) {
	t.Cleanup(func() { SetDir("") })

	t.Setenv("LOG_DIR", "")
	assert.Equal(t, filepath.Join("logs", "batchjudge.log"), logPath())

	t.Setenv("LOG_DIR", "/var/log/env")
	assert.Equal(t, filepath.Join("/var/log/env", "batchjudge.log"), logPath())

	SetDir("/var/log/batchjudge")
	assert.Equal(t, filepath.Join("/var/log/batchjudge", "batchjudge.log"), logPath())
}
