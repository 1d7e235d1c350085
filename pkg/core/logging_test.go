package core

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		cfg       LoggingConfig
		wantLevel logrus.Level
		wantJSON  bool
	}{
		{"defaults", LoggingConfig{Level: "info", Format: "text"}, logrus.InfoLevel, false},
		{"debug json", LoggingConfig{Level: "debug", Format: "JSON"}, logrus.DebugLevel, true},
		{"unknown level", LoggingConfig{Level: "chatty"}, logrus.InfoLevel, false},
		{"warn", LoggingConfig{Level: " warn "}, logrus.WarnLevel, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := newLogger(tt.cfg, &buf)
			assert.Equal(t, tt.wantLevel, logger.GetLevel())

			logger.WithField("owner", "u1").Warn("flush incomplete")
			if tt.wantJSON {
				var line map[string]interface{}
				require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
				assert.Equal(t, "u1", line["owner"])
				assert.Equal(t, "flush incomplete", line["msg"])
			} else {
				assert.Contains(t, buf.String(), "owner=u1")
			}
		})
	}
}
