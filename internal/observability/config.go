package observability

import (
	"fmt"
	"os"
	"strings"

	"github.com/smallbiznis/creatorledger/internal/config"
)

// Config is the slice of service configuration the log, trace and metric
// providers need.
type Config struct {
	ServiceName string
	Environment string
	Version     string
	// NodeID is the snowflake node of this process. Logs and spans carry it so
	// a ledger id can be traced back to the process that minted it.
	NodeID int64

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

func LoadConfig(cfg config.Config) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "creatorledger"
	}
	obs := cfg.Observability
	out := Config{
		ServiceName:          serviceName,
		Environment:          strings.TrimSpace(cfg.Environment),
		Version:              strings.TrimSpace(cfg.AppVersion),
		NodeID:               cfg.NodeID,
		LogLevel:             orDefault(obs.LogLevel, "info"),
		LogFormat:            orDefault(obs.LogFormat, "json"),
		OtelEnabled:          obs.OTelEnabled,
		OtelExporterEndpoint: strings.TrimSpace(cfg.OTLPEndpoint),
		OtelExporterProtocol: orDefault(obs.OTelProtocol, "grpc"),
		OtelSamplingRatio:    obs.OTelSamplingRatio,
	}
	applyOTelEnv(&out)
	return out
}

// applyOTelEnv honours the exporter variables every OpenTelemetry SDK reads,
// so a collector sidecar can be pointed at without touching service config.
func applyOTelEnv(c *Config) {
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		c.OtelExporterEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL")); v != "" {
		c.OtelExporterProtocol = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL")); v != "" {
		c.OtelExporterProtocol = strings.ToLower(v)
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")), "true") {
		c.OtelEnabled = false
	}
}

// InstanceID names this process in telemetry backends.
func (c Config) InstanceID() string {
	return fmt.Sprintf("%s-node-%d", c.ServiceName, c.NodeID)
}

func (c Config) Debug() bool {
	if strings.EqualFold(strings.TrimSpace(c.LogLevel), "debug") {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func orDefault(value, def string) string {
	if value = strings.ToLower(strings.TrimSpace(value)); value != "" {
		return value
	}
	return def
}
