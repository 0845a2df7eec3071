package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	TraceStdout    bool   `yaml:"trace_stdout"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind           string   `yaml:"bind"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxBodyBytes   int64    `yaml:"max_body_bytes"`
	MaxFramePixels int      `yaml:"max_frame_pixels"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Model       ModelConfig      `yaml:"model"`
	Localizer   LocalizerConfig  `yaml:"localizer"`
	Policy      PolicyConfig     `yaml:"policy"`
	Sessions    SessionsConfig   `yaml:"sessions"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	Ingest      IngestConfig     `yaml:"ingest"`
}

type ModelConfig struct {
	Mode           string `yaml:"mode"` // native, exec
	Device         string `yaml:"device"`
	CheckpointPath string `yaml:"checkpoint_path"`
	Command        string `yaml:"command"`
	VocabularyPath string `yaml:"vocabulary_path"`
	NumClasses     int    `yaml:"num_classes"`
	Seed           uint64 `yaml:"seed"`
	TimeoutMS      int    `yaml:"timeout_ms"`
}

type LocalizerConfig struct {
	Mode          string  `yaml:"mode"` // center, exec, rekognition
	Command       string  `yaml:"command"`
	Region        string  `yaml:"region"`
	MinConfidence float64 `yaml:"min_confidence"`
	TimeoutMS     int     `yaml:"timeout_ms"`
}

type PolicyConfig struct {
	WindowCapacity      int     `yaml:"window_capacity"`
	SequenceMinFrames   int     `yaml:"sequence_min_frames"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

type SessionsConfig struct {
	DefaultID     string `yaml:"default_id"`
	IdleTimeoutMS int    `yaml:"idle_timeout_ms"`
	MaxSessions   int    `yaml:"max_sessions"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// NodeConfig identifies this runtime to its peers on the bus.
type NodeConfig struct {
	ID                string            `yaml:"id"`
	Role              string            `yaml:"role"`
	HeartbeatInterval int               `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int               `yaml:"heartbeat_timeout_ms"`
	Attributes        map[string]string `yaml:"attributes"`
}

// IngestConfig controls frame submission over the bus.
type IngestConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxPending int  `yaml:"max_pending"`
	TimeoutMS  int  `yaml:"timeout_ms"`
}

// DefaultOrigins are the development front-end origins always allowed by CORS.
var DefaultOrigins = []string{
	"http://localhost:3000",
	"http://localhost:8000",
	"http://127.0.0.1:3000",
	"http://127.0.0.1:8000",
}

func Default() Config {
	return Config{
		RuntimeName: "lipread-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:           "0.0.0.0",
			Port:           8000,
			AllowedOrigins: append([]string(nil), DefaultOrigins...),
			MaxBodyBytes:   8 << 20,
			MaxFramePixels: 4096 * 4096,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Model: ModelConfig{
			Mode:       "native",
			Device:     "cpu",
			NumClasses: 500,
			Seed:       1,
			TimeoutMS:  30000,
		},
		Localizer: LocalizerConfig{
			Mode:          "center",
			MinConfidence: 0.5,
			TimeoutMS:     5000,
		},
		Policy: PolicyConfig{
			WindowCapacity:      10,
			SequenceMinFrames:   5,
			ConfidenceThreshold: 0.3,
		},
		Sessions: SessionsConfig{
			DefaultID:     "default",
			IdleTimeoutMS: 300000,
			MaxSessions:   1024,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/lipread-events.db",
			RetentionMode: "session",
			RetentionDays: 7,
			MaxSessions:   10000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "lipread-node-1",
			Role:              "inference",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Ingest: IngestConfig{
			Enabled:    true,
			MaxPending: 32,
			TimeoutMS:  30000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Unprefixed variables kept for deployments that predate LIPREAD_*.
	overrideInt(&cfg.HTTP.Port, "PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOG_LEVEL")
	overrideString(&cfg.Model.Device, "DEVICE")
	overrideString(&cfg.Model.CheckpointPath, "MODEL_PATH")
	appendStringSlice(&cfg.HTTP.AllowedOrigins, "ALLOWED_ORIGINS")

	overrideString(&cfg.RuntimeName, "LIPREAD_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LIPREAD_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LIPREAD_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LIPREAD_HTTP_PORT")
	overrideStringSlice(&cfg.HTTP.AllowedOrigins, "LIPREAD_HTTP_ALLOWED_ORIGINS")
	overrideInt64(&cfg.HTTP.MaxBodyBytes, "LIPREAD_HTTP_MAX_BODY_BYTES")
	overrideInt(&cfg.HTTP.MaxFramePixels, "LIPREAD_HTTP_MAX_FRAME_PIXELS")
	overrideString(&cfg.Telemetry.LogLevel, "LIPREAD_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LIPREAD_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LIPREAD_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "LIPREAD_TELEMETRY_TRACE_STDOUT")
	overrideString(&cfg.Telemetry.PrometheusBind, "LIPREAD_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Model.Mode, "LIPREAD_MODEL_MODE")
	overrideString(&cfg.Model.Device, "LIPREAD_MODEL_DEVICE")
	overrideString(&cfg.Model.CheckpointPath, "LIPREAD_MODEL_CHECKPOINT_PATH")
	overrideString(&cfg.Model.Command, "LIPREAD_MODEL_COMMAND")
	overrideString(&cfg.Model.VocabularyPath, "LIPREAD_MODEL_VOCABULARY_PATH")
	overrideInt(&cfg.Model.NumClasses, "LIPREAD_MODEL_NUM_CLASSES")
	overrideUint64(&cfg.Model.Seed, "LIPREAD_MODEL_SEED")
	overrideInt(&cfg.Model.TimeoutMS, "LIPREAD_MODEL_TIMEOUT_MS")
	overrideString(&cfg.Localizer.Mode, "LIPREAD_LOCALIZER_MODE")
	overrideString(&cfg.Localizer.Command, "LIPREAD_LOCALIZER_COMMAND")
	overrideString(&cfg.Localizer.Region, "LIPREAD_LOCALIZER_REGION")
	overrideFloat(&cfg.Localizer.MinConfidence, "LIPREAD_LOCALIZER_MIN_CONFIDENCE")
	overrideInt(&cfg.Localizer.TimeoutMS, "LIPREAD_LOCALIZER_TIMEOUT_MS")
	overrideInt(&cfg.Policy.WindowCapacity, "LIPREAD_POLICY_WINDOW_CAPACITY")
	overrideInt(&cfg.Policy.SequenceMinFrames, "LIPREAD_POLICY_SEQUENCE_MIN_FRAMES")
	overrideFloat(&cfg.Policy.ConfidenceThreshold, "LIPREAD_POLICY_CONFIDENCE_THRESHOLD")
	overrideString(&cfg.Sessions.DefaultID, "LIPREAD_SESSIONS_DEFAULT_ID")
	overrideInt(&cfg.Sessions.IdleTimeoutMS, "LIPREAD_SESSIONS_IDLE_TIMEOUT_MS")
	overrideInt(&cfg.Sessions.MaxSessions, "LIPREAD_SESSIONS_MAX_SESSIONS")
	overrideString(&cfg.EventStore.Path, "LIPREAD_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LIPREAD_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LIPREAD_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LIPREAD_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LIPREAD_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Bus.Enabled, "LIPREAD_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LIPREAD_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LIPREAD_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LIPREAD_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LIPREAD_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LIPREAD_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LIPREAD_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LIPREAD_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LIPREAD_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LIPREAD_BUS_CONNECT_TIMEOUT_MS")

	overrideString(&cfg.Node.ID, "LIPREAD_NODE_ID")
	overrideString(&cfg.Node.Role, "LIPREAD_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "LIPREAD_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "LIPREAD_NODE_HEARTBEAT_TIMEOUT_MS")

	overrideBool(&cfg.Ingest.Enabled, "LIPREAD_INGEST_ENABLED")
	overrideInt(&cfg.Ingest.MaxPending, "LIPREAD_INGEST_MAX_PENDING")
	overrideInt(&cfg.Ingest.TimeoutMS, "LIPREAD_INGEST_TIMEOUT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideUint64(target *uint64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseUint(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if trimmed := splitEnvList(envKey); len(trimmed) > 0 {
		*target = trimmed
	}
}

func appendStringSlice(target *[]string, envKey string) {
	for _, s := range splitEnvList(envKey) {
		if !contains(*target, s) {
			*target = append(*target, s)
		}
	}
}

func splitEnvList(envKey string) []string {
	value, ok := os.LookupEnv(envKey)
	if !ok {
		return nil
	}
	var trimmed []string
	for _, p := range strings.Split(value, ",") {
		if s := strings.TrimSpace(p); s != "" {
			trimmed = append(trimmed, s)
		}
	}
	return trimmed
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		return errors.New("http.max_body_bytes must be positive")
	}
	if cfg.HTTP.MaxFramePixels <= 0 {
		return errors.New("http.max_frame_pixels must be positive")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	switch cfg.Model.Mode {
	case "native":
	case "exec":
		if cfg.Model.Command == "" {
			return errors.New("model.command must be set when mode=exec")
		}
	default:
		return errors.New("model.mode must be one of native|exec")
	}
	if cfg.Model.NumClasses <= 0 {
		return errors.New("model.num_classes must be positive")
	}
	if cfg.Model.TimeoutMS <= 0 {
		return errors.New("model.timeout_ms must be positive")
	}
	switch cfg.Localizer.Mode {
	case "center":
	case "exec":
		if cfg.Localizer.Command == "" {
			return errors.New("localizer.command must be set when mode=exec")
		}
	case "rekognition":
		if cfg.Localizer.MinConfidence < 0 || cfg.Localizer.MinConfidence > 1 {
			return errors.New("localizer.min_confidence must be in [0,1]")
		}
	default:
		return errors.New("localizer.mode must be one of center|exec|rekognition")
	}
	if cfg.Localizer.TimeoutMS <= 0 {
		return errors.New("localizer.timeout_ms must be positive")
	}
	if cfg.Policy.WindowCapacity < 1 {
		return errors.New("policy.window_capacity must be >= 1")
	}
	if cfg.Policy.SequenceMinFrames < 1 || cfg.Policy.SequenceMinFrames > cfg.Policy.WindowCapacity {
		return errors.New("policy.sequence_min_frames must be between 1 and policy.window_capacity")
	}
	if cfg.Policy.ConfidenceThreshold < 0 || cfg.Policy.ConfidenceThreshold >= 1 {
		return errors.New("policy.confidence_threshold must be in [0,1)")
	}
	if cfg.Sessions.DefaultID == "" {
		return errors.New("sessions.default_id must not be empty")
	}
	if cfg.Sessions.IdleTimeoutMS < 0 {
		return errors.New("sessions.idle_timeout_ms must be >= 0")
	}
	if cfg.Sessions.MaxSessions < 1 {
		return errors.New("sessions.max_sessions must be >= 1")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
		}
		if cfg.Ingest.Enabled && (cfg.Ingest.MaxPending < 1 || cfg.Ingest.TimeoutMS <= 0) {
			return errors.New("ingest.max_pending and ingest.timeout_ms must be positive")
		}
	}
	return nil
}
