package main

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/caarlos0/env/v9"
)

// Config is loaded from a JSON file on disk. Fields absent from the
// file are left at their zero value, which Check replaces with a
// default; an explicit zero in the file is treated the same as absent.
type Config struct {
	Port               int    `json:"port"`
	CameraListPath     string `json:"cameraListPath"`
	TelemetryURL       string `json:"telemetryUrl"`
	TelemetryUsername  string `json:"telemetryUsername"`
	TelemetryKey       string `json:"telemetryKey"`
	SnapshotTTLSeconds int    `json:"snapshotTtlSeconds"`
	ServiceName        string `json:"serviceName"`
	LogFolder          string `json:"logFolder"`
	Debug              bool   `json:"debug"`

	MaxSlots             int `json:"maxSlots"`
	PoolCapacity         int `json:"poolCapacity"`
	ConnectTimeoutMs     int `json:"connectTimeoutMs"`
	ReadTimeoutMs        int `json:"readTimeoutMs"`
	StopJoinTimeoutMs    int `json:"stopJoinTimeoutMs"`
	ReconnectScanSeconds int `json:"reconnectScanSeconds"`
}

// EnvOverrides holds the subset of Config an operator can override
// from the environment without editing the file on disk, following the
// caarlos0/env convention: unset variables leave the pointer fields nil
// so LoadConfig only overwrites what was actually provided.
type EnvOverrides struct {
	Port              *int    `env:"CAMERAD_PORT"`
	TelemetryURL      *string `env:"CAMERAD_TELEMETRY_URL"`
	TelemetryUsername *string `env:"CAMERAD_TELEMETRY_USERNAME"`
	TelemetryKey      *string `env:"CAMERAD_TELEMETRY_KEY"`
	LogFolder         *string `env:"CAMERAD_LOG_FOLDER"`
	Debug             *bool   `env:"CAMERAD_DEBUG"`
}

func (c *Config) applyEnv(o EnvOverrides) {
	if o.Port != nil {
		c.Port = *o.Port
	}
	if o.TelemetryURL != nil {
		c.TelemetryURL = *o.TelemetryURL
	}
	if o.TelemetryUsername != nil {
		c.TelemetryUsername = *o.TelemetryUsername
	}
	if o.TelemetryKey != nil {
		c.TelemetryKey = *o.TelemetryKey
	}
	if o.LogFolder != nil {
		c.LogFolder = *o.LogFolder
	}
	if o.Debug != nil {
		c.Debug = *o.Debug
	}
}

// Check fills defaults and validates required fields, the way the
// teacher's driver config does.
func (c *Config) Check() error {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.SnapshotTTLSeconds == 0 {
		c.SnapshotTTLSeconds = 30
	}
	if c.ServiceName == "" {
		c.ServiceName = "camerad"
	}
	if c.LogFolder == "" {
		c.LogFolder = "./logs"
	}
	if c.MaxSlots == 0 {
		c.MaxSlots = 64
	}
	if c.PoolCapacity == 0 {
		c.PoolCapacity = c.MaxSlots * 2
	}
	if c.ConnectTimeoutMs == 0 {
		c.ConnectTimeoutMs = 5000
	}
	if c.ReadTimeoutMs == 0 {
		c.ReadTimeoutMs = 10000
	}
	if c.StopJoinTimeoutMs == 0 {
		c.StopJoinTimeoutMs = 3000
	}
	if c.ReconnectScanSeconds == 0 {
		c.ReconnectScanSeconds = 30
	}
	if c.TelemetryURL != "" && (c.TelemetryUsername == "" || c.TelemetryKey == "") {
		return errors.New("telemetryUrl set without telemetryUsername/telemetryKey")
	}
	return nil
}

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}
func (c *Config) StopJoinTimeout() time.Duration {
	return time.Duration(c.StopJoinTimeoutMs) * time.Millisecond
}
func (c *Config) ReconnectScan() time.Duration {
	return time.Duration(c.ReconnectScanSeconds) * time.Second
}
func (c *Config) SnapshotTTL() time.Duration {
	return time.Duration(c.SnapshotTTLSeconds) * time.Second
}

// LoadConfig reads path as JSON, if it exists, overlays any
// environment variables the operator set, then validates.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}
	var overrides EnvOverrides
	if err := env.Parse(&overrides); err != nil {
		return nil, err
	}
	cfg.applyEnv(overrides)
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return cfg, nil
}
