package log

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateFormatter(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		_, ok := CreateFormatter("JSON").(*logrus.JSONFormatter)
		assert.True(t, ok)
	})
	t.Run("text", func(t *testing.T) {
		t.Setenv("FORCE_LOG_COLORS", "1")
		f, ok := CreateFormatter("text").(*logrus.TextFormatter)
		require.True(t, ok)
		assert.True(t, f.ForceColors)
	})
	t.Run("default", func(t *testing.T) {
		f, ok := CreateFormatter("").(*logrus.TextFormatter)
		require.True(t, ok)
		assert.False(t, f.ForceColors)
		assert.True(t, f.FullTimestamp)
	})
}

func TestCreateLevel(t *testing.T) {
	level, err := CreateLevel("")
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, level)

	level, err = CreateLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, level)

	_, err = CreateLevel("chatty")
	assert.Error(t, err)
}

func TestSetup(t *testing.T) {
	defer logrus.SetLevel(logrus.GetLevel())
	require.NoError(t, Setup("json", "warn"))
	assert.Equal(t, logrus.WarnLevel, logrus.GetLevel())
	assert.Error(t, Setup("json", "nope"))
}
