package config

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("EVENT_SINK", "")
	cfg := Load()
	assert.Equal(t, SinkRedis, cfg.EventSink)
	assert.Equal(t, 12*time.Hour, cfg.StepLease)
	assert.Equal(t, []string{"director", "hod"}, cfg.ElevatedRoles)
	require.NoError(t, cfg.Validate())
}

func TestDepartmentSLAs(t *testing.T) {
	t.Setenv("DEPARTMENT_SLAS", "Cutting=4h, Printing=90m,broken,QA=nope")
	t.Setenv("DEFAULT_SLA", "2h")
	cfg := Load()

	assert.Equal(t, 4*time.Hour, cfg.SLAFor("cutting"))
	assert.Equal(t, 90*time.Minute, cfg.SLAFor("Printing"))
	assert.Equal(t, 2*time.Hour, cfg.SLAFor("QA"))
	assert.Len(t, cfg.DepartmentSLAs, 2)
}

func TestValidateRejectsUnknownSink(t *testing.T) {
	t.Setenv("EVENT_SINK", "kafka")
	cfg := Load()
	require.Error(t, cfg.Validate())
}

func TestIsElevated(t *testing.T) {
	t.Setenv("ELEVATED_ROLES", "director")
	cfg := Load()
	assert.True(t, cfg.IsElevated("Director"))
	assert.False(t, cfg.IsElevated("hod"))
	assert.False(t, cfg.IsElevated(""))
}

func TestValidateStorageBackend(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "Memory")
	t.Setenv("POSTGRES_DSN", "")
	cfg := Load()
	assert.Equal(t, StorageMemory, cfg.StorageBackend)
	require.NoError(t, cfg.Validate())

	t.Setenv("STORAGE_BACKEND", "sqlite")
	require.Error(t, Load().Validate())
}

func TestNewLoggerHonorsFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Env: "test", LogLevel: "warn", LogFormat: "json"}, &buf)

	logger.Info("dropped")
	logger.Warn("kept", "job_id", "job-1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "job-1", rec["job_id"])
	assert.Equal(t, "test", rec["env"])
}
