package logconfig

import (
	"testing"

	myLogger "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestConfigFromLevel(t *testing.T) {
	defer ConfigInfoLogger()

	assert.NoError(t, ConfigFromLevel("debug"))
	assert.Equal(t, myLogger.DebugLevel, myLogger.GetLevel())

	assert.NoError(t, ConfigFromLevel("warn"))
	assert.Equal(t, myLogger.WarnLevel, myLogger.GetLevel())
	_, isJSON := myLogger.StandardLogger().Formatter.(*myLogger.JSONFormatter)
	assert.True(t, isJSON)

	assert.Error(t, ConfigFromLevel("loud"))
}
