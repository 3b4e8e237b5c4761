package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvBytes(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name  string
		value string
		want  int64
	}{
		{"unset uses default", "", 42},
		{"plain integer", "1048576", 1048576},
		{"mebibytes", "5MiB", 5 * 1024 * 1024},
		{"short suffix", "100m", 100 * 1024 * 1024},
		{"kibibytes lower case", "64k", 64 * 1024},
		{"garbage uses default", "lots", 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HEALTHIMPORT_TEST_BYTES", tt.value)
			assert.Equal(t, tt.want, GetEnvBytes("HEALTHIMPORT_TEST_BYTES", 42))
		})
	}
}

func TestGetEnvScalars(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Setenv("HEALTHIMPORT_TEST_INT", " 250 ")
	t.Setenv("HEALTHIMPORT_TEST_BOOL", "YES")
	t.Setenv("HEALTHIMPORT_TEST_DURATION", "90s")
	t.Setenv("HEALTHIMPORT_TEST_LEVEL", "warning")
	t.Setenv("HEALTHIMPORT_TEST_BAD_INT", "ten")

	assert.Equal(t, 250, GetEnvInt("HEALTHIMPORT_TEST_INT", 1))
	assert.Equal(t, int64(250), GetEnvInt64("HEALTHIMPORT_TEST_INT", 1))
	assert.Equal(t, 7, GetEnvInt("HEALTHIMPORT_TEST_BAD_INT", 7))
	assert.True(t, GetEnvBool("HEALTHIMPORT_TEST_BOOL", false))
	assert.Equal(t, 90*time.Second, GetEnvDuration("HEALTHIMPORT_TEST_DURATION", time.Second))
	assert.Equal(t, slog.LevelWarn, GetEnvLogLevel("HEALTHIMPORT_TEST_LEVEL", slog.LevelInfo))
	assert.Equal(t, "fallback", GetEnvStr("HEALTHIMPORT_TEST_UNSET", "fallback"))
}

func TestParseCommaSeparatedList(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.Equal(t, []string{}, ParseCommaSeparatedList(""))
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, ParseCommaSeparatedList(" kafka-1:9092, ,kafka-2:9092 "))
}
