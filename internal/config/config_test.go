package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T) (*pflag.FlagSet, *viper.Viper) {
	t.Helper()
	v := NewViper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, AddCommonFlags(fs, v))
	require.NoError(t, AddClientFlags(fs, v))
	require.NoError(t, AddCacheFlags(fs, v))
	return fs, v
}

func TestDefaults(t *testing.T) {
	_, v := newFlags(t)
	c, err := LoadCacheConfig(v)
	require.NoError(t, err)
	assert.Equal(t, DefaultCacheConfig(), c)

	client := LoadClientConfig(v)
	assert.Equal(t, "http://localhost:8080", client.APIURL)
	assert.Equal(t, LogConfig{Format: "text", Level: "info"}, LoadLogConfig(v))
}

func TestFlagsOverrideEnvironmentAndFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache-page-size: 50\ncache-backoff-max: 1m\nlog-level: debug\n"), 0o600))
	t.Setenv("K8SLITE_CACHE_MIN_WATCH_TIMEOUT", "90s")

	fs, v := newFlags(t)
	require.NoError(t, fs.Parse([]string{"--config", path, "--cache-key-path", "metadata.name", "--cache-page-size", "10"}))
	require.NoError(t, ReadConfigFile(v))

	c, err := LoadCacheConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "metadata.name", c.KeyPath)
	assert.Equal(t, int64(10), c.PageSize)
	assert.Equal(t, 90*time.Second, c.MinWatchTimeout)
	assert.Equal(t, time.Minute, c.BackoffMax)
	assert.Equal(t, "debug", LoadLogConfig(v).Level)
}

func TestReadConfigFileMissing(t *testing.T) {
	fs, v := newFlags(t)
	require.NoError(t, fs.Parse([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml")}))
	assert.Error(t, ReadConfigFile(v))
}

func TestValidate(t *testing.T) {
	c := DefaultCacheConfig()
	require.NoError(t, c.Validate())

	c.KeyPath = ""
	c.BackoffFactor = 0.5
	c.BackoffMax = time.Millisecond
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key path")
	assert.Contains(t, err.Error(), "backoff factor")
	assert.Contains(t, err.Error(), "backoff range")
}

func TestInformerOptions(t *testing.T) {
	c := DefaultCacheConfig()
	c.PageSize = 0
	c.BackoffMin = time.Second
	opts := c.InformerOptions()
	assert.Equal(t, int64(-1), opts.Reflector.PageSize)
	assert.Equal(t, time.Second, opts.Reflector.Backoff.Min)
	assert.Equal(t, opts.Reflector.Backoff, opts.Reflector.InitConnectionBackoff)
	assert.Equal(t, "metadata.uid", opts.KeyPath)
}

func TestAPIServerConfig(t *testing.T) {
	v := NewViper()
	fs := pflag.NewFlagSet("apiserver", pflag.ContinueOnError)
	require.NoError(t, AddAPIServerFlags(fs, v))

	c, err := LoadAPIServerConfig(v)
	require.NoError(t, err)
	assert.Equal(t, 8080, c.Port)
	assert.Equal(t, "k8s-lite.db", c.DataFile)
	assert.False(t, c.TLSEnabled())

	t.Setenv("K8SLITE_PORT", "0")
	_, err = LoadAPIServerConfig(v)
	assert.Error(t, err)

	require.NoError(t, fs.Parse([]string{"--port", "6443", "--tls-cert", "c", "--tls-key", "k", "--tls-ca", "ca", "--history-size", "5"}))
	c, err = LoadAPIServerConfig(v)
	require.NoError(t, err)
	assert.Equal(t, 6443, c.Port)
	assert.Equal(t, 5, c.HistorySize)
	assert.True(t, c.TLSEnabled())
}

func TestLeaderElectionConfig(t *testing.T) {
	v := NewViper()
	fs := pflag.NewFlagSet("controller-manager", pflag.ContinueOnError)
	require.NoError(t, AddLeaderElectionFlags(fs, v, "controller-manager"))
	require.NoError(t, fs.Parse([]string{"--leader-elect", "--leader-elect-retry-period", "1s"}))

	c := LoadLeaderElectionConfig(v)
	assert.True(t, c.Enabled)
	assert.Equal(t, "controller-manager", c.LockName)
	assert.Equal(t, time.Second, c.RetryPeriod)
	assert.Equal(t, 15*time.Second, c.LeaseDuration)
	assert.True(t, c.ReleaseOnCancel)
}

func TestKubeletConfig(t *testing.T) {
	v := NewViper()
	fs := pflag.NewFlagSet("kubelet", pflag.ContinueOnError)
	require.NoError(t, AddKubeletFlags(fs, v))
	require.NoError(t, fs.Parse([]string{"--node-name", "worker-1", "--runtime", "fake"}))

	c, err := LoadKubeletConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", c.NodeName)
	assert.Equal(t, "fake", c.Runtime)
	assert.Equal(t, 5*time.Second, c.SyncPeriod)

	v.Set(KeyRuntime, "rkt")
	_, err = LoadKubeletConfig(v)
	assert.ErrorContains(t, err, "unknown runtime")
}
