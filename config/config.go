// Package config holds the process-level runtime configuration.
//
// Values are resolved by Viper in precedence order: explicit config file,
// environment variables (prefix CE_), then defaults.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the in-pod runtime configuration.
type Config struct {
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Engine    EngineConfig    `mapstructure:"engine"`
	App       AppConfig       `mapstructure:"app"`
	State     StateConfig     `mapstructure:"state"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Execution ExecutionConfig `mapstructure:"execution"`
	JSONLogs  bool            `mapstructure:"json_logs"`
}

// GatewayConfig configures the HTTP gateway bind and auth.
type GatewayConfig struct {
	ListenHost   string `mapstructure:"listen_host"`
	ListenPort   int    `mapstructure:"listen_port"`
	APIKey       string `mapstructure:"api_key"`
	MaxPayloadMB int    `mapstructure:"max_payload_mb"`
}

// EngineConfig locates the graph engine and its launch command.
type EngineConfig struct {
	ComfyURL                string   `mapstructure:"comfy_url"`
	LaunchCommand           []string `mapstructure:"launch_command"`
	RequestTimeoutSeconds   int      `mapstructure:"request_timeout_seconds"`
	ReadinessTimeoutSeconds int      `mapstructure:"readiness_timeout_seconds"`
}

// AppConfig identifies the deployed app and its declarative inputs.
type AppConfig struct {
	AppID        string `mapstructure:"app_id"`
	ContractPath string `mapstructure:"contract_path"`
	WorkflowPath string `mapstructure:"workflow_path"`
	// ContractJSON / WorkflowJSON are written to the path fields at startup
	// when the files are missing (image-less deploys pass them via env).
	ContractJSON  string `mapstructure:"contract_json"`
	WorkflowJSON  string `mapstructure:"workflow_json"`
	ArtifactsPath string `mapstructure:"artifact_specs_path"`
}

// StateConfig locates the state database and derived directories.
type StateConfig struct {
	DBPath       string `mapstructure:"state_db_path"`
	ArtifactsDir string `mapstructure:"artifacts_dir"`
}

// CacheConfig configures large-file cache reconciliation and the
// model/custom-node layout the resolver targets.
type CacheConfig struct {
	CacheRoot       string   `mapstructure:"cache_root"`
	WatchPaths      []string `mapstructure:"watch_paths"`
	MinFileSizeMB   int      `mapstructure:"min_file_size_mb"`
	ModelsRoot      string   `mapstructure:"cache_models_root"`
	CustomNodesRoot string   `mapstructure:"custom_nodes_root"`
	EngineModelsDir string   `mapstructure:"engine_models_dir"`
}

// ExecutionConfig tunes the job executor.
type ExecutionConfig struct {
	OutputTimeoutSeconds float64 `mapstructure:"output_timeout_seconds"`
	OutputPollSeconds    float64 `mapstructure:"output_poll_seconds"`
	ArtifactGraceSeconds float64 `mapstructure:"artifact_grace_seconds"`
	Workers              int     `mapstructure:"workers"`
}

// OutputTimeout returns the per-job artifact deadline as a duration.
func (e ExecutionConfig) OutputTimeout() time.Duration {
	return time.Duration(e.OutputTimeoutSeconds * float64(time.Second))
}

// OutputPoll returns the artifact poll interval as a duration.
func (e ExecutionConfig) OutputPoll() time.Duration {
	return time.Duration(e.OutputPollSeconds * float64(time.Second))
}

// ArtifactGrace returns the post-history grace window as a duration.
func (e ExecutionConfig) ArtifactGrace() time.Duration {
	return time.Duration(e.ArtifactGraceSeconds * float64(time.Second))
}

// RequestTimeout returns the engine per-request timeout as a duration.
func (e EngineConfig) RequestTimeout() time.Duration {
	return time.Duration(e.RequestTimeoutSeconds) * time.Second
}

// ReadinessTimeout returns the engine readiness poll deadline as a duration.
func (e EngineConfig) ReadinessTimeout() time.Duration {
	return time.Duration(e.ReadinessTimeoutSeconds) * time.Second
}

// SetDefaults installs default values on a Viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("gateway.listen_host", "0.0.0.0")
	v.SetDefault("gateway.listen_port", 8080)
	v.SetDefault("gateway.max_payload_mb", 50)

	v.SetDefault("engine.comfy_url", "http://127.0.0.1:8188")
	v.SetDefault("engine.request_timeout_seconds", 30)
	v.SetDefault("engine.readiness_timeout_seconds", 120)

	v.SetDefault("state.state_db_path", "/workspace/state/endpoints.db")
	v.SetDefault("state.artifacts_dir", "")

	v.SetDefault("cache.cache_root", "/workspace/cache")
	v.SetDefault("cache.min_file_size_mb", 100)
	v.SetDefault("cache.cache_models_root", "/workspace/cache/models")
	v.SetDefault("cache.custom_nodes_root", "/workspace/ComfyUI/custom_nodes")
	v.SetDefault("cache.engine_models_dir", "/workspace/ComfyUI/models")

	v.SetDefault("execution.output_timeout_seconds", 180.0)
	v.SetDefault("execution.output_poll_seconds", 1.5)
	v.SetDefault("execution.artifact_grace_seconds", 10.0)
	v.SetDefault("execution.workers", 4)

	v.SetDefault("json_logs", false)
}
