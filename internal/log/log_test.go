package log

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestLevelFromEnv(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, levelFromEnv("DEBUG"))
	assert.Equal(t, logrus.WarnLevel, levelFromEnv("warn"))
	assert.Equal(t, logrus.ErrorLevel, levelFromEnv("ERROR"))
	assert.Equal(t, logrus.InfoLevel, levelFromEnv(""))
	assert.Equal(t, logrus.InfoLevel, levelFromEnv("verbose"))
}

func TestForTenant(t *testing.T) {
	entry := ForTenant("acme")
	assert.Equal(t, "acme", entry.Data["tenant"])
}
