// Package config provides shared configuration loading from environment,
// an optional .env file and defaults for the IDS binaries.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Hand-off transports between collectors and monitors.
const (
	HandoffFile = "file"
	HandoffNATS = "nats"
)

// Artifact sources for classifier models.
const (
	ModelSourceFile = "file"
	ModelSourceS3   = "s3"
)

// LoadDotEnv loads KEY=value pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// GetEnv returns the value of key from the environment, or defaultValue if unset or empty.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return defaultValue
}

// GetEnvDuration returns the duration for key, or defaultValue if unset/invalid.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

// GetEnvInt returns the integer for key, or defaultValue if unset/invalid.
func GetEnvInt(key string, defaultValue int) int {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return n
}

// GetEnvBool returns the boolean for key, or defaultValue if unset/invalid.
func GetEnvBool(key string, defaultValue bool) bool {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return defaultValue
	}
	return b
}

// GetEnvList splits a comma separated value, dropping empty items.
func GetEnvList(key string, defaultValue []string) []string {
	s := os.Getenv(key)
	if strings.TrimSpace(s) == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// DetectionConfig configures the detector and alert store shared by the
// daemon and the CLI.
type DetectionConfig struct {
	AlertCapacity int
	SnapshotPath  string
	ModelSource   string
	ModelDir      string
	ModelBucket   string
	ModelPrefix   string
	AWSRegion     string
	WebModel      string
	DBModel       string
	EmailModel    string
}

// HandoffConfig selects how canonical lines travel from collectors to monitors.
type HandoffConfig struct {
	Mode    string
	LogDir  string
	NATSURL string
}

// LogFile returns the canonical file of a domain under LogDir.
func (h HandoffConfig) LogFile(domain string) string {
	switch domain {
	case "db":
		return filepath.Join(h.LogDir, "db_query.log")
	default:
		return filepath.Join(h.LogDir, domain+"_access.log")
	}
}

// ControllerConfig holds configuration for the detection daemon.
type ControllerConfig struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	Detection       DetectionConfig
	Handoff         HandoffConfig
	MonitorDomains  []string
	PollInterval    time.Duration
	PublishAlerts   bool
	ForwardEnabled  bool
	ForwardEndpoint string
	ForwardAPIKey   string
	ForwardTimeout  time.Duration
}

// CollectorConfig holds configuration for the log collector agent.
type CollectorConfig struct {
	AgentID         string
	Namespace       string
	Kubeconfig      string
	Domains         []string
	Handoff         HandoffConfig
	WebPodPrefix    string
	EmailPodPrefix  string
	DBPodPrefix     string
	DBPassword      string
	ResolveInterval time.Duration
	RestartDelay    time.Duration
}

// CLIConfig holds configuration for idsctl.
type CLIConfig struct {
	Detection DetectionConfig
	Output    string
}

// DefaultDetectionConfig returns detection config from environment.
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		AlertCapacity: GetEnvInt("ALERT_CAPACITY", 100),
		SnapshotPath:  GetEnv("ALERT_SNAPSHOT", filepath.Join("data", "alerts.json")),
		ModelSource:   GetEnv("MODEL_SOURCE", ModelSourceFile),
		ModelDir:      GetEnv("MODEL_DIR", "models"),
		ModelBucket:   GetEnv("MODEL_S3_BUCKET", ""),
		ModelPrefix:   GetEnv("MODEL_S3_PREFIX", ""),
		AWSRegion:     GetEnv("AWS_REGION", ""),
		WebModel:      GetEnv("WEB_MODEL", "web_model"),
		DBModel:       GetEnv("DB_MODEL", "db_model"),
		EmailModel:    GetEnv("EMAIL_MODEL", "email_model"),
	}
}

// DefaultHandoffConfig returns hand-off config from environment.
func DefaultHandoffConfig() HandoffConfig {
	return HandoffConfig{
		Mode:    strings.ToLower(GetEnv("HANDOFF", HandoffFile)),
		LogDir:  GetEnv("LOG_DIR", "data"),
		NATSURL: GetEnv("NATS_URL", "nats://127.0.0.1:4222"),
	}
}

// DefaultControllerConfig returns daemon config from environment.
func DefaultControllerConfig() ControllerConfig {
	ep := GetEnv("FORWARD_ENDPOINT", "")
	key := GetEnv("FORWARD_API_KEY", "")
	return ControllerConfig{
		HTTPAddr:        GetEnv("HTTP_ADDR", ":8080"),
		ShutdownTimeout: GetEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		CORSOrigins:     GetEnvList("CORS_ORIGINS", []string{"*"}),
		Detection:       DefaultDetectionConfig(),
		Handoff:         DefaultHandoffConfig(),
		MonitorDomains:  GetEnvList("MONITOR_DOMAINS", []string{"web", "db", "email"}),
		PollInterval:    GetEnvDuration("POLL_INTERVAL", 100*time.Millisecond),
		PublishAlerts:   GetEnvBool("PUBLISH_ALERTS", false),
		ForwardEnabled:  ep != "" && key != "",
		ForwardEndpoint: ep,
		ForwardAPIKey:   key,
		ForwardTimeout:  GetEnvDuration("FORWARD_TIMEOUT", 30*time.Second),
	}
}

// DefaultCollectorConfig returns collector config from environment.
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		AgentID:         GetEnv("AGENT_ID", ""),
		Namespace:       GetEnv("POD_NAMESPACE", "default"),
		Kubeconfig:      GetEnv("KUBECONFIG", ""),
		Domains:         GetEnvList("COLLECT_DOMAINS", []string{"web", "db", "email"}),
		Handoff:         DefaultHandoffConfig(),
		WebPodPrefix:    GetEnv("WEB_POD_PREFIX", "web-server-"),
		EmailPodPrefix:  GetEnv("EMAIL_POD_PREFIX", "email-server-"),
		DBPodPrefix:     GetEnv("DB_POD_PREFIX", "db-server-"),
		DBPassword:      GetEnv("DB_PASSWORD", ""),
		ResolveInterval: GetEnvDuration("DB_LOG_RESOLVE_INTERVAL", 5*time.Second),
		RestartDelay:    GetEnvDuration("COLLECTOR_RESTART_DELAY", 5*time.Second),
	}
}

// DefaultCLIConfig returns idsctl config from environment.
func DefaultCLIConfig() CLIConfig {
	return CLIConfig{
		Detection: DefaultDetectionConfig(),
		Output:    GetEnv("IDSCTL_OUTPUT", "text"),
	}
}
