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
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Node        NodeConfig      `yaml:"node"`
	Workspace   WorkspaceConfig `yaml:"workspace"`
	Pipeline    PipelineConfig  `yaml:"pipeline"`
	Article     ArticleConfig   `yaml:"article"`
	TTS         TTSConfig       `yaml:"tts"`
	Assembler   AssemblerConfig `yaml:"assembler"`
	Publisher   PublisherConfig `yaml:"publisher"`
	RunLog      RunLogConfig    `yaml:"run_log"`
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
	QueueGroup     string   `yaml:"queue_group"`
}

// NodeConfig identifies this worker on the bus. Capabilities advertised in
// announcements are derived from the tts and assembler sections.
type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

// WorkspaceConfig controls the scratch directory used for staged segments.
// With IsolateRuns every run gets its own arena below Root; otherwise runs
// share Root and are serialized.
type WorkspaceConfig struct {
	Root        string `yaml:"root"`
	IsolateRuns bool   `yaml:"isolate_runs"`
}

type PipelineConfig struct {
	MaxChunkSize   int         `yaml:"max_chunk_size"`
	MaxInFlight    int         `yaml:"max_in_flight"`
	SynthTimeoutMS int         `yaml:"synth_timeout_ms"`
	RunTimeoutMS   int         `yaml:"run_timeout_ms"`
	Retry          RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts    int `yaml:"max_attempts"`
	InitialDelayMS int `yaml:"initial_delay_ms"`
	MaxDelayMS     int `yaml:"max_delay_ms"`
}

type ArticleConfig struct {
	Mode          string `yaml:"mode"` // mercury, readability
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	TimeoutMS     int    `yaml:"timeout_ms"`
	UserAgent     string `yaml:"user_agent"`
	IncludeHeader bool   `yaml:"include_header"`
}

type TTSConfig struct {
	Mode            string `yaml:"mode"` // mock, exec, google
	Command         string `yaml:"command"`
	LanguageCode    string `yaml:"language_code"`
	Voice           string `yaml:"voice"`
	Gender          string `yaml:"gender"`
	Encoding        string `yaml:"encoding"`
	CredentialsFile string `yaml:"credentials_file"`
}

type AssemblerConfig struct {
	Mode          string `yaml:"mode"` // concat, ffmpeg
	FFmpegCommand string `yaml:"ffmpeg_command"`
}

type PublisherConfig struct {
	Mode            string `yaml:"mode"` // filesystem, gcs
	Directory       string `yaml:"directory"`
	Bucket          string `yaml:"bucket"`
	ProjectID       string `yaml:"project_id"`
	PublicRead      bool   `yaml:"public_read"`
	CredentialsFile string `yaml:"credentials_file"`
}

type RunLogConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRuns       int    `yaml:"max_runs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "readaloud",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "0.0.0.0",
			Port:    8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			QueueGroup:     "readaloud",
		},
		Node: NodeConfig{
			ID:                "readaloud-node-1",
			Role:              "worker",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Workspace: WorkspaceConfig{
			Root:        "./data/workspace",
			IsolateRuns: false,
		},
		Pipeline: PipelineConfig{
			MaxChunkSize:   5000,
			MaxInFlight:    4,
			SynthTimeoutMS: 60000,
			RunTimeoutMS:   600000,
			Retry: RetryConfig{
				MaxAttempts:    1,
				InitialDelayMS: 500,
				MaxDelayMS:     10000,
			},
		},
		Article: ArticleConfig{
			Mode:          "readability",
			Endpoint:      "https://mercury.postlight.com/parser",
			TimeoutMS:     20000,
			UserAgent:     "loqa-readaloud/0.1",
			IncludeHeader: true,
		},
		TTS: TTSConfig{
			Mode:         "mock",
			LanguageCode: "en-US",
			Voice:        "en-US-Wavenet-F",
			Gender:       "female",
			Encoding:     "mp3",
		},
		Assembler: AssemblerConfig{
			Mode:          "concat",
			FFmpegCommand: "ffmpeg -hide_banner -loglevel error",
		},
		Publisher: PublisherConfig{
			Mode:       "filesystem",
			Directory:  "./data/published",
			PublicRead: true,
		},
		RunLog: RunLogConfig{
			Path:          "./data/readaloud-runs.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxRuns:       10000,
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
	overrideString(&cfg.RuntimeName, "READALOUD_RUNTIME_NAME")
	overrideString(&cfg.Environment, "READALOUD_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "READALOUD_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "READALOUD_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "READALOUD_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "READALOUD_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "READALOUD_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "READALOUD_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "READALOUD_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "READALOUD_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "READALOUD_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "READALOUD_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "READALOUD_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "READALOUD_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "READALOUD_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "READALOUD_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "READALOUD_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "READALOUD_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "READALOUD_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.QueueGroup, "READALOUD_BUS_QUEUE_GROUP")
	overrideString(&cfg.Node.ID, "READALOUD_NODE_ID")
	overrideString(&cfg.Node.Role, "READALOUD_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "READALOUD_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "READALOUD_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Workspace.Root, "READALOUD_WORKSPACE_ROOT")
	overrideBool(&cfg.Workspace.IsolateRuns, "READALOUD_WORKSPACE_ISOLATE_RUNS")
	overrideInt(&cfg.Pipeline.MaxChunkSize, "READALOUD_PIPELINE_MAX_CHUNK_SIZE")
	overrideInt(&cfg.Pipeline.MaxInFlight, "READALOUD_PIPELINE_MAX_IN_FLIGHT")
	overrideInt(&cfg.Pipeline.SynthTimeoutMS, "READALOUD_PIPELINE_SYNTH_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.RunTimeoutMS, "READALOUD_PIPELINE_RUN_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.Retry.MaxAttempts, "READALOUD_PIPELINE_RETRY_MAX_ATTEMPTS")
	overrideInt(&cfg.Pipeline.Retry.InitialDelayMS, "READALOUD_PIPELINE_RETRY_INITIAL_DELAY_MS")
	overrideInt(&cfg.Pipeline.Retry.MaxDelayMS, "READALOUD_PIPELINE_RETRY_MAX_DELAY_MS")
	overrideString(&cfg.Article.Mode, "READALOUD_ARTICLE_MODE")
	overrideString(&cfg.Article.Endpoint, "READALOUD_ARTICLE_ENDPOINT")
	overrideString(&cfg.Article.APIKey, "READALOUD_ARTICLE_API_KEY")
	overrideInt(&cfg.Article.TimeoutMS, "READALOUD_ARTICLE_TIMEOUT_MS")
	overrideString(&cfg.Article.UserAgent, "READALOUD_ARTICLE_USER_AGENT")
	overrideBool(&cfg.Article.IncludeHeader, "READALOUD_ARTICLE_INCLUDE_HEADER")
	overrideString(&cfg.TTS.Mode, "READALOUD_TTS_MODE")
	overrideString(&cfg.TTS.Command, "READALOUD_TTS_COMMAND")
	overrideString(&cfg.TTS.LanguageCode, "READALOUD_TTS_LANGUAGE_CODE")
	overrideString(&cfg.TTS.Voice, "READALOUD_TTS_VOICE")
	overrideString(&cfg.TTS.Gender, "READALOUD_TTS_GENDER")
	overrideString(&cfg.TTS.Encoding, "READALOUD_TTS_ENCODING")
	overrideString(&cfg.TTS.CredentialsFile, "READALOUD_TTS_CREDENTIALS_FILE")
	overrideString(&cfg.Assembler.Mode, "READALOUD_ASSEMBLER_MODE")
	overrideString(&cfg.Assembler.FFmpegCommand, "READALOUD_ASSEMBLER_FFMPEG_COMMAND")
	overrideString(&cfg.Publisher.Mode, "READALOUD_PUBLISHER_MODE")
	overrideString(&cfg.Publisher.Directory, "READALOUD_PUBLISHER_DIRECTORY")
	overrideString(&cfg.Publisher.Bucket, "READALOUD_PUBLISHER_BUCKET")
	overrideString(&cfg.Publisher.ProjectID, "READALOUD_PUBLISHER_PROJECT_ID")
	overrideBool(&cfg.Publisher.PublicRead, "READALOUD_PUBLISHER_PUBLIC_READ")
	overrideString(&cfg.Publisher.CredentialsFile, "READALOUD_PUBLISHER_CREDENTIALS_FILE")
	overrideString(&cfg.RunLog.Path, "READALOUD_RUN_LOG_PATH")
	overrideString(&cfg.RunLog.RetentionMode, "READALOUD_RUN_LOG_RETENTION_MODE")
	overrideInt(&cfg.RunLog.RetentionDays, "READALOUD_RUN_LOG_RETENTION_DAYS")
	overrideInt(&cfg.RunLog.MaxRuns, "READALOUD_RUN_LOG_MAX_RUNS")
	overrideBool(&cfg.RunLog.VacuumOnStart, "READALOUD_RUN_LOG_VACUUM_ON_START")
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

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		var trimmed []string
		for _, p := range strings.Split(value, ",") {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.QueueGroup == "" {
			return errors.New("bus.queue_group must not be empty")
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
	}
	if cfg.Workspace.Root == "" {
		return errors.New("workspace.root must not be empty")
	}
	if cfg.Pipeline.MaxChunkSize <= 0 {
		return errors.New("pipeline.max_chunk_size must be positive")
	}
	if cfg.Pipeline.MaxInFlight <= 0 {
		return errors.New("pipeline.max_in_flight must be >= 1")
	}
	if cfg.Pipeline.SynthTimeoutMS < 0 || cfg.Pipeline.RunTimeoutMS < 0 {
		return errors.New("pipeline timeouts must be >= 0")
	}
	if cfg.Pipeline.Retry.MaxAttempts < 1 {
		return errors.New("pipeline.retry.max_attempts must be >= 1")
	}
	switch cfg.Article.Mode {
	case "readability":
	case "mercury":
		if cfg.Article.Endpoint == "" {
			return errors.New("article.endpoint must be set when mode=mercury")
		}
	default:
		return errors.New("article.mode must be one of mercury|readability")
	}
	switch cfg.TTS.Mode {
	case "mock", "google":
	case "exec":
		if cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
	default:
		return errors.New("tts.mode must be one of mock|exec|google")
	}
	switch strings.ToLower(cfg.TTS.Encoding) {
	case "mp3", "ogg_opus", "linear16":
	default:
		return errors.New("tts.encoding must be one of mp3|ogg_opus|linear16")
	}
	switch cfg.Assembler.Mode {
	case "concat":
	case "ffmpeg":
		if cfg.Assembler.FFmpegCommand == "" {
			return errors.New("assembler.ffmpeg_command must be set when mode=ffmpeg")
		}
	default:
		return errors.New("assembler.mode must be one of concat|ffmpeg")
	}
	switch cfg.Publisher.Mode {
	case "filesystem":
		if cfg.Publisher.Directory == "" {
			return errors.New("publisher.directory must be set when mode=filesystem")
		}
	case "gcs":
		if cfg.Publisher.Bucket == "" {
			return errors.New("publisher.bucket must be set when mode=gcs")
		}
	default:
		return errors.New("publisher.mode must be one of filesystem|gcs")
	}
	switch cfg.RunLog.RetentionMode {
	case "ephemeral":
	case "persistent":
		if cfg.RunLog.Path == "" {
			return errors.New("run_log.path must not be empty")
		}
	default:
		return errors.New("run_log.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.RunLog.RetentionDays < 0 {
		return errors.New("run_log.retention_days must be >= 0")
	}
	return nil
}
