// Package config loads node configuration from flags, REPLOG_* environment
// variables and an optional config file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"replog/internal/logger"
	"replog/internal/replog"
)

const envPrefix = "REPLOG"

// Configuration keys. Each is also the flag name; the environment variable is
// REPLOG_ followed by the upper-cased key with dashes replaced by
// underscores.
const (
	KeyHTTPAddr          = "http-addr"
	KeyGRPCAddr          = "grpc-addr"
	KeyFollowers         = "followers"
	KeyWriteConcern      = "write-concern"
	KeyHealthInterval    = "health-interval"
	KeyHealthTimeout     = "health-timeout"
	KeyFailureThreshold  = "failure-threshold"
	KeyMaxAttempts       = "max-attempts"
	KeyInitialBackoff    = "initial-backoff"
	KeyMaxBackoff        = "max-backoff"
	KeyAttemptTimeout    = "attempt-timeout"
	KeyBackgroundWorkers = "background-workers"
	KeyShutdownTimeout   = "shutdown-timeout"
	KeyDelay             = "delay"
	KeyDelayInMS         = "delay-in-ms"
	KeyFailure           = "failure"
	KeyLogLevel          = "log-level"
	KeyLogFormat         = "log-format"
)

// Environment variables understood without the REPLOG_ prefix.
const (
	legacyDelayEnv   = "DELAY_IN_MS"
	legacyFailureEnv = "FAILURE"
)

// New returns a viper instance reading REPLOG_* environment variables.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv(KeyDelayInMS, legacyDelayEnv)
	_ = v.BindEnv(KeyFailure+"-legacy", legacyFailureEnv)
	return v
}

// ReadFile merges the config file at path, if any, into v.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

func addLogFlags(fs *pflag.FlagSet) {
	fs.String(KeyLogLevel, "info", "Minimum log level (debug, info, warn, error).")
	fs.String(KeyLogFormat, "auto", "Log format (auto, console, json).")
}

func addShutdownFlag(fs *pflag.FlagSet) {
	fs.Duration(KeyShutdownTimeout, 10*time.Second, "Time allowed for in-flight work at shutdown.")
}

// AddPrimaryFlags registers the primary's flags with their defaults.
func AddPrimaryFlags(fs *pflag.FlagSet) {
	d := replog.DefaultConfig()
	fs.String(KeyHTTPAddr, ":5000", "Address of the client HTTP API.")
	fs.StringSlice(KeyFollowers, nil, "Follower gRPC addresses, comma separated.")
	fs.Int(KeyWriteConcern, 0, "Default write concern; 0 means every node.")
	fs.Duration(KeyHealthInterval, d.HealthCheckInterval, "Period between follower health probes.")
	fs.Duration(KeyHealthTimeout, d.HealthCheckTimeout, "Timeout of a single health probe.")
	fs.Int(KeyFailureThreshold, d.FailureThreshold, "Consecutive failed probes before a follower is unhealthy.")
	fs.Int(KeyMaxAttempts, d.MaxAttempts, "Send attempts per follower per write.")
	fs.Duration(KeyInitialBackoff, d.InitialBackoff, "Wait after the first failed send.")
	fs.Duration(KeyMaxBackoff, d.MaxBackoff, "Upper bound on the wait between sends.")
	fs.Duration(KeyAttemptTimeout, d.AttemptTimeout, "Timeout of a single send.")
	fs.Int(KeyBackgroundWorkers, d.BackgroundWorkers, "Concurrent background sends.")
	addShutdownFlag(fs)
	addLogFlags(fs)
}

// AddFollowerFlags registers the follower's flags with their defaults.
func AddFollowerFlags(fs *pflag.FlagSet) {
	fs.String(KeyHTTPAddr, ":5001", "Address of the client HTTP API.")
	fs.String(KeyGRPCAddr, ":6001", "Address of the replication gRPC service.")
	fs.Duration(KeyDelay, 0, "Artificial delay before every apply.")
	fs.Bool(KeyFailure, false, "Reject every apply and report unhealthy.")
	addShutdownFlag(fs)
	addLogFlags(fs)
}

// Primary is a primary node's configuration.
type Primary struct {
	HTTPAddr          string
	Followers         []string
	WriteConcern      int
	HealthInterval    time.Duration
	HealthTimeout     time.Duration
	FailureThreshold  int
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	AttemptTimeout    time.Duration
	BackgroundWorkers int
	ShutdownTimeout   time.Duration
	Log               logger.Config
}

// Follower is a follower node's configuration.
type Follower struct {
	HTTPAddr        string
	GRPCAddr        string
	Delay           time.Duration
	Failure         bool
	ShutdownTimeout time.Duration
	Log             logger.Config
}

// LoadPrimary reads and validates a primary configuration, reporting every
// problem at once.
func LoadPrimary(v *viper.Viper) (Primary, error) {
	c := Primary{
		HTTPAddr:          v.GetString(KeyHTTPAddr),
		Followers:         splitList(v.GetStringSlice(KeyFollowers)),
		WriteConcern:      v.GetInt(KeyWriteConcern),
		HealthInterval:    v.GetDuration(KeyHealthInterval),
		HealthTimeout:     v.GetDuration(KeyHealthTimeout),
		FailureThreshold:  v.GetInt(KeyFailureThreshold),
		MaxAttempts:       v.GetInt(KeyMaxAttempts),
		InitialBackoff:    v.GetDuration(KeyInitialBackoff),
		MaxBackoff:        v.GetDuration(KeyMaxBackoff),
		AttemptTimeout:    v.GetDuration(KeyAttemptTimeout),
		BackgroundWorkers: v.GetInt(KeyBackgroundWorkers),
		ShutdownTimeout:   v.GetDuration(KeyShutdownTimeout),
	}
	log, err := loadLog(v)
	c.Log = log

	if c.HTTPAddr == "" {
		err = multierr.Append(err, errors.New("http-addr is required"))
	}
	if len(c.Followers) == 0 {
		err = multierr.Append(err, errors.New("at least one follower is required"))
	}
	if c.WriteConcern < 0 || c.WriteConcern > len(c.Followers)+1 {
		err = multierr.Append(err, fmt.Errorf("write-concern %d outside 0..%d", c.WriteConcern, len(c.Followers)+1))
	}
	if c.ShutdownTimeout <= 0 {
		err = multierr.Append(err, errors.New("shutdown-timeout must be positive"))
	}
	return c, err
}

// Replication converts c into the replication layer's configuration.
func (c Primary) Replication(log *zap.Logger, metrics *replog.Metrics) *replog.Config {
	cfg := replog.DefaultConfig()
	cfg.Followers = c.Followers
	cfg.DefaultWriteConcern = c.WriteConcern
	cfg.HealthCheckInterval = c.HealthInterval
	cfg.HealthCheckTimeout = c.HealthTimeout
	cfg.FailureThreshold = c.FailureThreshold
	cfg.MaxAttempts = c.MaxAttempts
	cfg.InitialBackoff = c.InitialBackoff
	cfg.MaxBackoff = c.MaxBackoff
	cfg.AttemptTimeout = c.AttemptTimeout
	cfg.BackgroundWorkers = c.BackgroundWorkers
	cfg.Logger = log
	cfg.Metrics = metrics
	return cfg
}

// LoadFollower reads and validates a follower configuration. DELAY_IN_MS and
// FAILURE are honoured when the corresponding REPLOG settings are absent.
func LoadFollower(v *viper.Viper) (Follower, error) {
	c := Follower{
		HTTPAddr:        v.GetString(KeyHTTPAddr),
		GRPCAddr:        v.GetString(KeyGRPCAddr),
		Delay:           v.GetDuration(KeyDelay),
		Failure:         v.GetBool(KeyFailure),
		ShutdownTimeout: v.GetDuration(KeyShutdownTimeout),
	}
	log, err := loadLog(v)
	c.Log = log

	if c.Delay == 0 && v.IsSet(KeyDelayInMS) {
		ms, perr := strconv.Atoi(v.GetString(KeyDelayInMS))
		if perr != nil || ms < 0 {
			err = multierr.Append(err, fmt.Errorf("%s must be a non-negative integer, got %q", legacyDelayEnv, v.GetString(KeyDelayInMS)))
		} else {
			c.Delay = time.Duration(ms) * time.Millisecond
		}
	}
	if !c.Failure {
		c.Failure = truthy(v.GetString(KeyFailure + "-legacy"))
	}

	if c.HTTPAddr == "" {
		err = multierr.Append(err, errors.New("http-addr is required"))
	}
	if c.GRPCAddr == "" {
		err = multierr.Append(err, errors.New("grpc-addr is required"))
	}
	if c.Delay < 0 {
		err = multierr.Append(err, errors.New("delay must not be negative"))
	}
	if c.ShutdownTimeout <= 0 {
		err = multierr.Append(err, errors.New("shutdown-timeout must be positive"))
	}
	return c, err
}

func loadLog(v *viper.Viper) (logger.Config, error) {
	c := logger.Config{Format: v.GetString(KeyLogFormat)}
	var err error
	lvl, perr := zapcore.ParseLevel(v.GetString(KeyLogLevel))
	if perr != nil {
		err = multierr.Append(err, fmt.Errorf("log-level: %w", perr))
	}
	c.Level = lvl
	switch c.Format {
	case "", "auto", "console", "json":
	default:
		err = multierr.Append(err, fmt.Errorf("log-format %q is not one of auto, console, json", c.Format))
	}
	return c, err
}

// splitList flattens comma separated items, as they arrive from environment
// variables, and drops empty ones.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// truthy treats any non-empty value other than an explicit false as true.
func truthy(s string) bool {
	if s == "" {
		return false
	}
	b, err := strconv.ParseBool(s)
	return err != nil || b
}
