// Package config holds the settings shared by the k8s-lite binaries. Values come
// from command line flags, K8SLITE_* environment variables and an optional YAML file,
// in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/abhigod/kubecache/internal/cache"
)

const envPrefix = "K8SLITE"

// Flag and config keys.
const (
	KeyConfig  = "config"
	KeyLogFmt  = "log-format"
	KeyLogLvl  = "log-level"
	KeyAPIURL  = "api-url"
	KeyTLSCert = "tls-cert"
	KeyTLSKey  = "tls-key"
	KeyTLSCA   = "tls-ca"

	KeyKeyPath             = "cache-key-path"
	KeyPageSize            = "cache-page-size"
	KeyMinWatchTimeout     = "cache-min-watch-timeout"
	KeyWatchGracePeriod    = "cache-watch-grace-period"
	KeyRestartGracePeriod  = "cache-restart-grace-period"
	KeyShortWatchThreshold = "cache-short-watch-threshold"
	KeyBackoffMin          = "cache-backoff-min"
	KeyBackoffMax          = "cache-backoff-max"
	KeyBackoffFactor       = "cache-backoff-factor"
	KeyBackoffJitter       = "cache-backoff-jitter"
	KeyBackoffReset        = "cache-backoff-reset"

	KeyDataFile         = "data-file"
	KeyPort             = "port"
	KeyHistorySize      = "history-size"
	KeyBookmarkInterval = "bookmark-interval"

	KeyLeaderElect          = "leader-elect"
	KeyLeaderLockName       = "leader-elect-lock-name"
	KeyLeaderNamespace      = "leader-elect-namespace"
	KeyLeaderIdentity       = "leader-elect-identity"
	KeyLeaderLeaseDuration  = "leader-elect-lease-duration"
	KeyLeaderRenewDeadline  = "leader-elect-renew-deadline"
	KeyLeaderRetryPeriod    = "leader-elect-retry-period"
	KeyLeaderReleaseOnClose = "leader-elect-release-on-cancel"

	KeyNodeName          = "node-name"
	KeyRuntime           = "runtime"
	KeySyncPeriod        = "sync-period"
	KeyHeartbeatInterval = "heartbeat-interval"
	KeyNodeCPU           = "node-cpu"
)

type LogConfig struct {
	Format string
	Level  string
}

type ClientConfig struct {
	APIURL  string
	TLSCert string
	TLSKey  string
	TLSCA   string
}

// APIServerConfig holds the serving options of the API server. The TLS files
// double as the server certificate, key and client CA.
type APIServerConfig struct {
	DataFile         string
	Port             int
	HistorySize      int
	BookmarkInterval time.Duration
	TLSCert          string
	TLSKey           string
	TLSCA            string
}

type LeaderElectionConfig struct {
	Enabled         bool
	LockName        string
	Namespace       string
	Identity        string
	LeaseDuration   time.Duration
	RenewDeadline   time.Duration
	RetryPeriod     time.Duration
	ReleaseOnCancel bool
}

// CacheConfig tunes the informers a binary runs.
type CacheConfig struct {
	KeyPath             string
	PageSize            int64
	MinWatchTimeout     time.Duration
	WatchGracePeriod    time.Duration
	RestartGracePeriod  time.Duration
	ShortWatchThreshold time.Duration
	BackoffMin          time.Duration
	BackoffMax          time.Duration
	BackoffFactor       float64
	BackoffJitter       float64
	BackoffReset        time.Duration
}

func DefaultCacheConfig() CacheConfig {
	r := cache.DefaultReflectorOptions()
	return CacheConfig{
		KeyPath:             cache.DefaultKeyPath,
		PageSize:            r.PageSize,
		MinWatchTimeout:     r.MinWatchTimeout,
		WatchGracePeriod:    r.WatchGracePeriod,
		RestartGracePeriod:  r.RestartGracePeriod,
		ShortWatchThreshold: r.ShortWatchThreshold,
		BackoffMin:          r.Backoff.Min,
		BackoffMax:          r.Backoff.Max,
		BackoffFactor:       r.Backoff.Factor,
		BackoffJitter:       r.Backoff.Jitter,
		BackoffReset:        r.Backoff.ResetDuration,
	}
}

func (c CacheConfig) Validate() error {
	var errs []error
	if c.KeyPath == "" {
		errs = append(errs, errors.New("key path must not be empty"))
	}
	if c.PageSize < 0 {
		errs = append(errs, fmt.Errorf("page size must not be negative, got %d", c.PageSize))
	}
	if c.MinWatchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("min watch timeout must be positive, got %v", c.MinWatchTimeout))
	}
	if c.BackoffMin <= 0 || c.BackoffMax < c.BackoffMin {
		errs = append(errs, fmt.Errorf("backoff range [%v, %v] is invalid", c.BackoffMin, c.BackoffMax))
	}
	if c.BackoffFactor < 1 {
		errs = append(errs, fmt.Errorf("backoff factor must be at least 1, got %v", c.BackoffFactor))
	}
	if c.BackoffJitter < 0 || c.BackoffJitter > 2 {
		errs = append(errs, fmt.Errorf("backoff jitter must be within [0, 2], got %v", c.BackoffJitter))
	}
	return errors.Join(errs...)
}

// InformerOptions converts the config into informer options. A page size of 0
// disables paging.
func (c CacheConfig) InformerOptions() cache.InformerOptions {
	pageSize := c.PageSize
	if pageSize == 0 {
		pageSize = -1
	}
	b := cache.BackoffOptions{
		Min:           c.BackoffMin,
		Max:           c.BackoffMax,
		Factor:        c.BackoffFactor,
		Jitter:        c.BackoffJitter,
		ResetDuration: c.BackoffReset,
	}
	return cache.InformerOptions{
		KeyPath: c.KeyPath,
		Reflector: cache.ReflectorOptions{
			PageSize:              pageSize,
			MinWatchTimeout:       c.MinWatchTimeout,
			WatchGracePeriod:      c.WatchGracePeriod,
			RestartGracePeriod:    c.RestartGracePeriod,
			ShortWatchThreshold:   c.ShortWatchThreshold,
			Backoff:               b,
			InitConnectionBackoff: b,
		},
	}
}

// NewViper returns a viper instance reading K8SLITE_* variables, e.g.
// K8SLITE_API_URL for --api-url.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// ReadConfigFile merges the YAML file named by --config, if any.
func ReadConfigFile(v *viper.Viper) error {
	path := v.GetString(KeyConfig)
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

func bind(v *viper.Viper, fs *pflag.FlagSet, keys ...string) error {
	for _, key := range keys {
		if err := v.BindPFlag(key, fs.Lookup(key)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", key, err)
		}
	}
	return nil
}

// AddCommonFlags registers config file and logging flags.
func AddCommonFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.String(KeyConfig, "", "Path to a YAML configuration file")
	fs.String(KeyLogFmt, "text", "Log format (text, json)")
	fs.String(KeyLogLvl, "info", "Log level")
	return bind(v, fs, KeyConfig, KeyLogFmt, KeyLogLvl)
}

// AddClientFlags registers the API server connection flags.
func AddClientFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.String(KeyAPIURL, "http://localhost:8080", "URL of API Server")
	fs.String(KeyTLSCert, "", "Path to client certificate")
	fs.String(KeyTLSKey, "", "Path to client key")
	fs.String(KeyTLSCA, "", "Path to CA certificate")
	return bind(v, fs, KeyAPIURL, KeyTLSCert, KeyTLSKey, KeyTLSCA)
}

// AddCacheFlags registers the informer tuning flags.
func AddCacheFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	def := DefaultCacheConfig()
	fs.String(KeyKeyPath, def.KeyPath, "Dotted object path informer stores are keyed by")
	fs.Int64(KeyPageSize, def.PageSize, "List page size, 0 disables paging")
	fs.Duration(KeyMinWatchTimeout, def.MinWatchTimeout, "Lower bound of the randomized watch timeout")
	fs.Duration(KeyWatchGracePeriod, def.WatchGracePeriod, "Time past the watch timeout before a silent watch is closed")
	fs.Duration(KeyRestartGracePeriod, def.RestartGracePeriod, "Delay added to the backoff between relists")
	fs.Duration(KeyShortWatchThreshold, def.ShortWatchThreshold, "Watches shorter than this without events count as failures")
	fs.Duration(KeyBackoffMin, def.BackoffMin, "Initial retry delay")
	fs.Duration(KeyBackoffMax, def.BackoffMax, "Maximum retry delay")
	fs.Float64(KeyBackoffFactor, def.BackoffFactor, "Retry delay multiplier")
	fs.Float64(KeyBackoffJitter, def.BackoffJitter, "Retry delay jitter")
	fs.Duration(KeyBackoffReset, def.BackoffReset, "Idle time after which retry delays start over")
	return bind(v, fs, KeyKeyPath, KeyPageSize, KeyMinWatchTimeout, KeyWatchGracePeriod, KeyRestartGracePeriod,
		KeyShortWatchThreshold, KeyBackoffMin, KeyBackoffMax, KeyBackoffFactor, KeyBackoffJitter, KeyBackoffReset)
}

// AddAPIServerFlags registers the API server serving flags, TLS included.
func AddAPIServerFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.String(KeyDataFile, "k8s-lite.db", "Path to data file for persistence, empty disables it")
	fs.Int(KeyPort, 8080, "Port to listen on")
	fs.Int(KeyHistorySize, 1000, "Number of events kept for watches resuming from an older resource version")
	fs.Duration(KeyBookmarkInterval, time.Minute, "Interval between bookmarks on watches that allow them")
	fs.String(KeyTLSCert, "", "Path to server certificate")
	fs.String(KeyTLSKey, "", "Path to server key")
	fs.String(KeyTLSCA, "", "Path to CA certificate for client auth")
	return bind(v, fs, KeyDataFile, KeyPort, KeyHistorySize, KeyBookmarkInterval, KeyTLSCert, KeyTLSKey, KeyTLSCA)
}

// AddLeaderElectionFlags registers the leader election flags.
func AddLeaderElectionFlags(fs *pflag.FlagSet, v *viper.Viper, lockName string) error {
	fs.Bool(KeyLeaderElect, false, "Enable leader election")
	fs.String(KeyLeaderLockName, lockName, "Name of the lease used as the lock")
	fs.String(KeyLeaderNamespace, "kube-system", "Namespace of the lease")
	fs.String(KeyLeaderIdentity, "", "Identity of this candidate, defaults to hostname plus a random suffix")
	fs.Duration(KeyLeaderLeaseDuration, 15*time.Second, "Time non-leaders wait before taking over an unrenewed lease")
	fs.Duration(KeyLeaderRenewDeadline, 10*time.Second, "Time the leader retries renewing before giving up")
	fs.Duration(KeyLeaderRetryPeriod, 2*time.Second, "Interval between acquire and renew attempts")
	fs.Bool(KeyLeaderReleaseOnClose, true, "Release the lease on shutdown")
	return bind(v, fs, KeyLeaderElect, KeyLeaderLockName, KeyLeaderNamespace, KeyLeaderIdentity,
		KeyLeaderLeaseDuration, KeyLeaderRenewDeadline, KeyLeaderRetryPeriod, KeyLeaderReleaseOnClose)
}

func LoadAPIServerConfig(v *viper.Viper) (APIServerConfig, error) {
	c := APIServerConfig{
		DataFile:         v.GetString(KeyDataFile),
		Port:             v.GetInt(KeyPort),
		HistorySize:      v.GetInt(KeyHistorySize),
		BookmarkInterval: v.GetDuration(KeyBookmarkInterval),
		TLSCert:          v.GetString(KeyTLSCert),
		TLSKey:           v.GetString(KeyTLSKey),
		TLSCA:            v.GetString(KeyTLSCA),
	}
	if c.Port <= 0 || c.Port > 65535 {
		return APIServerConfig{}, fmt.Errorf("invalid port %d", c.Port)
	}
	if c.HistorySize <= 0 {
		return APIServerConfig{}, fmt.Errorf("history size must be positive, got %d", c.HistorySize)
	}
	return c, nil
}

// TLSEnabled reports whether all three TLS files are set.
func (c APIServerConfig) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != "" && c.TLSCA != ""
}

func LoadLeaderElectionConfig(v *viper.Viper) LeaderElectionConfig {
	return LeaderElectionConfig{
		Enabled:         v.GetBool(KeyLeaderElect),
		LockName:        v.GetString(KeyLeaderLockName),
		Namespace:       v.GetString(KeyLeaderNamespace),
		Identity:        v.GetString(KeyLeaderIdentity),
		LeaseDuration:   v.GetDuration(KeyLeaderLeaseDuration),
		RenewDeadline:   v.GetDuration(KeyLeaderRenewDeadline),
		RetryPeriod:     v.GetDuration(KeyLeaderRetryPeriod),
		ReleaseOnCancel: v.GetBool(KeyLeaderReleaseOnClose),
	}
}

func LoadLogConfig(v *viper.Viper) LogConfig {
	return LogConfig{Format: v.GetString(KeyLogFmt), Level: v.GetString(KeyLogLvl)}
}

func LoadClientConfig(v *viper.Viper) ClientConfig {
	return ClientConfig{
		APIURL:  v.GetString(KeyAPIURL),
		TLSCert: v.GetString(KeyTLSCert),
		TLSKey:  v.GetString(KeyTLSKey),
		TLSCA:   v.GetString(KeyTLSCA),
	}
}

func LoadCacheConfig(v *viper.Viper) (CacheConfig, error) {
	c := CacheConfig{
		KeyPath:             v.GetString(KeyKeyPath),
		PageSize:            v.GetInt64(KeyPageSize),
		MinWatchTimeout:     v.GetDuration(KeyMinWatchTimeout),
		WatchGracePeriod:    v.GetDuration(KeyWatchGracePeriod),
		RestartGracePeriod:  v.GetDuration(KeyRestartGracePeriod),
		ShortWatchThreshold: v.GetDuration(KeyShortWatchThreshold),
		BackoffMin:          v.GetDuration(KeyBackoffMin),
		BackoffMax:          v.GetDuration(KeyBackoffMax),
		BackoffFactor:       v.GetFloat64(KeyBackoffFactor),
		BackoffJitter:       v.GetFloat64(KeyBackoffJitter),
		BackoffReset:        v.GetDuration(KeyBackoffReset),
	}
	if err := c.Validate(); err != nil {
		return CacheConfig{}, fmt.Errorf("invalid cache configuration: %w", err)
	}
	return c, nil
}

type KubeletConfig struct {
	NodeName          string
	Runtime           string
	SyncPeriod        time.Duration
	HeartbeatInterval time.Duration
	// NodeCPU overrides the advertised CPU capacity.
	NodeCPU string
}

// AddKubeletFlags registers the node agent flags.
func AddKubeletFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.String(KeyNodeName, "", "Name of this node, defaults to the hostname")
	fs.String(KeyRuntime, "docker", "Container runtime (docker, fake)")
	fs.Duration(KeySyncPeriod, 5*time.Second, "Interval between full pod resyncs and probes")
	fs.Duration(KeyHeartbeatInterval, 10*time.Second, "Interval between node heartbeats")
	fs.String(KeyNodeCPU, "", "Advertised CPU capacity, defaults to the number of CPUs")
	return bind(v, fs, KeyNodeName, KeyRuntime, KeySyncPeriod, KeyHeartbeatInterval, KeyNodeCPU)
}

func LoadKubeletConfig(v *viper.Viper) (KubeletConfig, error) {
	c := KubeletConfig{
		NodeName:          v.GetString(KeyNodeName),
		Runtime:           v.GetString(KeyRuntime),
		SyncPeriod:        v.GetDuration(KeySyncPeriod),
		HeartbeatInterval: v.GetDuration(KeyHeartbeatInterval),
		NodeCPU:           v.GetString(KeyNodeCPU),
	}
	if c.NodeName == "" {
		host, err := os.Hostname()
		if err != nil {
			return c, fmt.Errorf("no %s given and hostname unavailable: %w", KeyNodeName, err)
		}
		c.NodeName = host
	}
	if c.Runtime != "docker" && c.Runtime != "fake" {
		return c, fmt.Errorf("unknown %s %q", KeyRuntime, c.Runtime)
	}
	if c.SyncPeriod <= 0 || c.HeartbeatInterval <= 0 {
		return c, fmt.Errorf("%s and %s must be positive", KeySyncPeriod, KeyHeartbeatInterval)
	}
	return c, nil
}
