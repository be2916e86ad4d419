package observability

import (
	"strings"

	"github.com/paccoastponds/pondops/internal/config"
)

// Config is the slice of the application config that logging, tracing and
// metrics care about.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	serviceName := cfg.AppName
	if serviceName == "" {
		serviceName = "pondops"
	}
	t := cfg.Telemetry
	ratio := t.SamplingRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	return Config{
		ServiceName:          serviceName,
		Environment:          cfg.Environment,
		Version:              cfg.AppVersion,
		LogLevel:             t.LogLevel,
		LogFormat:            t.LogFormat,
		OtelEnabled:          t.OTLPEnabled,
		OtelExporterEndpoint: t.OTLPEndpoint,
		OtelExporterProtocol: t.OTLPProtocol,
		OtelSamplingRatio:    ratio,
	}
}

// Debug turns on stack traces and gin debug mode.
func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "local", "test":
		return true
	}
	return false
}
