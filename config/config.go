// This package defines a common config struct which is shared by the queue, key request manager and transports.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug                  bool
	RootDir                string
	LoggingPrefix          string
	BatchSize              int
	RetryInitialIntervalMs int64
	RetryMaxIntervalMs     int64
	RetryMaxAttempts       uint64
	KeyRequestDelayMs      int64
	PreflightIntervalMs    int64
	RequestTimeoutMs       int64
	HomeserverURL          string
	AccessToken            string
	DeviceID               string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	RedisPrefix            string
	writer                 io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	consoleCore := zapcore.NewCore(zapcore.NewConsoleEncoder(de), zapcore.AddSync(os.Stdout), level)
	if c.writer == nil {
		return zap.New(consoleCore, opts...).Sugar()
	}
	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(de), zapcore.AddSync(c.writer), level),
		consoleCore,
	)
	return zap.New(core, opts...).Sugar()
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

// Maximum number of messages carried by one persisted batch.
func WithBatchSize(n int) Option {
	return func(c *Config) {
		c.BatchSize = n
	}
}

func WithRetryInitialIntervalMs(n int64) Option {
	return func(c *Config) {
		c.RetryInitialIntervalMs = n
	}
}

func WithRetryMaxIntervalMs(n int64) Option {
	return func(c *Config) {
		c.RetryMaxIntervalMs = n
	}
}

// Number of retries the queue performs before pausing until the next trigger.
func WithRetryMaxAttempts(n uint64) Option {
	return func(c *Config) {
		c.RetryMaxAttempts = n
	}
}

func WithKeyRequestDelayMs(n int64) Option {
	return func(c *Config) {
		c.KeyRequestDelayMs = n
	}
}

func WithPreflightIntervalMs(n int64) Option {
	return func(c *Config) {
		c.PreflightIntervalMs = n
	}
}

func WithRequestTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.RequestTimeoutMs = n
	}
}

func WithHomeserver(url, accessToken, deviceID string) Option {
	return func(c *Config) {
		c.HomeserverURL = url
		c.AccessToken = accessToken
		c.DeviceID = deviceID
	}
}

func WithRedis(addr, password string, db int) Option {
	return func(c *Config) {
		c.RedisAddr = addr
		c.RedisPassword = password
		c.RedisDB = db
	}
}

func WithRedisPrefix(p string) Option {
	return func(c *Config) {
		c.RedisPrefix = p
	}
}

// Disables the rotating file sink, logging only to stdout.
func WithoutLogFile() Option {
	return func(c *Config) {
		c.RootDir = ""
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:                  os.Getenv("DEBUG") == "1",
		LoggingPrefix:          "",
		RootDir:                ".",
		BatchSize:              20,
		RetryInitialIntervalMs: 1000,
		RetryMaxIntervalMs:     60000,
		RetryMaxAttempts:       4,
		KeyRequestDelayMs:      500,
		PreflightIntervalMs:    15000,
		RequestTimeoutMs:       5000,
		RedisPrefix:            "todevice",

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	if c.RootDir != "" {
		c.writer = &lumberjack.Logger{
			Filename:   filepath.Join(c.RootDir, "out.log"),
			MaxSize:    500, // megabytes
			MaxBackups: 3,
			MaxAge:     28,   // days
			Compress:   true, // disabled by default
		}
	}
	return c
}
