package log

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func readRecords(t *testing.T, path string) []map[string]any {
	b, err := os.ReadFile(path)
	require.NoError(t, err)

	var records []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if line == "" {
			continue
		}
		var r map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &r))
		records = append(records, r)
	}
	return records
}

func TestLogger(t *testing.T) {
	t.Run("filter level", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "log.json")
		logger, err := NewLogger(Config{Level: "info", Output: path})
		require.NoError(t, err)

		logger.Debug("dropped")
		logger.Info("kept", zap.String("k", "v"))
		assert.NoError(t, logger.Sync())

		records := readRecords(t, path)
		require.Len(t, records, 1)
		assert.Equal(t, "kept", records[0]["msg"])
		assert.Equal(t, "v", records[0]["k"])
		assert.Equal(t, "main", records[0]["subsystem"])
	})

	t.Run("enabled subsystem", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "log.json")
		logger, err := NewLogger(Config{
			Level:      "warn",
			Subsystems: []string{"gossip"},
			Output:     path,
		})
		require.NoError(t, err)

		logger.WithSubsystem("gossip").Debug("gossip debug")
		logger.WithSubsystem("directory").Debug("directory debug")
		assert.NoError(t, logger.Sync())

		records := readRecords(t, path)
		require.Len(t, records, 1)
		assert.Equal(t, "gossip debug", records[0]["msg"])
		assert.Equal(t, "gossip", records[0]["subsystem"])
	})

	t.Run("unsupported level", func(t *testing.T) {
		_, err := NewLogger(Config{Level: "trace"})
		assert.Error(t, err)
	})
}
