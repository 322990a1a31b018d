package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/bench-cli/internal/model"
)

// Placeholders the prompt template must contain.
const (
	PlaceholderContent  = "{assembled_content}"
	PlaceholderQuestion = "{question_text}"
)

// Config holds the full run configuration. It is loaded once, validated,
// and never mutated afterwards; sharing it across components needs no
// synchronization.
type Config struct {
	ConfigVersion  string            `json:"config_version" mapstructure:"config_version"`
	Endpoint       EndpointConfig    `json:"endpoint" mapstructure:"endpoint"`
	Inference      InferenceConfig   `json:"inference" mapstructure:"inference"`
	PromptTemplate string            `json:"prompt_template" mapstructure:"prompt_template"`
	Models         []ModelSpec       `json:"models" mapstructure:"models"`
	Extraction     ExtractionConfig  `json:"extraction" mapstructure:"extraction"`
	Conditions     []string          `json:"conditions" mapstructure:"conditions"`
	ThinkSuppress  map[string]string `json:"thinking_suppression" mapstructure:"thinking_suppression"`
	Paths          PathsConfig       `json:"paths" mapstructure:"paths"`
	Run            RunConfig         `json:"run" mapstructure:"run"`
	Server         ServerConfig      `json:"server" mapstructure:"server"`
	Log            LogConfig         `json:"log" mapstructure:"log"`
}

// EndpointConfig describes the local inference endpoint.
type EndpointConfig struct {
	BaseURL        string `json:"base_url" mapstructure:"base_url"`
	APIPath        string `json:"api_path" mapstructure:"api_path"`
	Engine         string `json:"engine" mapstructure:"engine"`
	TimeoutSecs    int    `json:"timeout_secs" mapstructure:"timeout_secs"`
	WarmupRequests int    `json:"warmup_requests" mapstructure:"warmup_requests"`
}

// Timeout returns the per-request timeout.
func (e EndpointConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSecs) * time.Second
}

// InferenceConfig holds the sampling parameters, fixed for the whole run.
// The experiment depends on determinism: temperature 0, fixed seed, all
// filtering disabled.
type InferenceConfig struct {
	Temperature    float64 `json:"temperature" mapstructure:"temperature"`
	Seed           int     `json:"seed" mapstructure:"seed"`
	TopP           float64 `json:"top_p" mapstructure:"top_p"`
	TopK           int     `json:"top_k" mapstructure:"top_k"`
	RepeatPenalty  float64 `json:"repeat_penalty" mapstructure:"repeat_penalty"`
	NumPredict     int     `json:"num_predict" mapstructure:"num_predict"`
	NumCtxOverhead int     `json:"num_ctx_overhead" mapstructure:"num_ctx_overhead"`
}

// ModelSpec describes one configured model. Models run sequentially in
// array order.
type ModelSpec struct {
	ID                 string  `json:"id" mapstructure:"id"`
	Family             string  `json:"family" mapstructure:"family"`
	ParametersB        float64 `json:"parameters_b" mapstructure:"parameters_b"`
	Tier               string  `json:"tier" mapstructure:"tier"`
	EngineTag          string  `json:"engine_tag" mapstructure:"engine_tag"`
	MaxContextLength   int     `json:"max_context_length" mapstructure:"max_context_length"`
	Quantization       string  `json:"quantization" mapstructure:"quantization"`
	ReferenceTokenizer bool    `json:"reference_tokenizer" mapstructure:"reference_tokenizer"`
}

// ExtractionConfig configures both content pipelines.
type ExtractionConfig struct {
	Extractor           string `json:"extractor" mapstructure:"extractor"`
	MinContentLength    int    `json:"min_content_length" mapstructure:"min_content_length"`
	StripComments       bool   `json:"strip_comments" mapstructure:"strip_comments"`
	StripBase64Images   bool   `json:"strip_base64_images" mapstructure:"strip_base64_images"`
	NormalizeWhitespace bool   `json:"normalize_whitespace" mapstructure:"normalize_whitespace"`
}

// PathsConfig holds file locations. Relative paths are resolved against the
// config file's directory at load time.
type PathsConfig struct {
	Corpus          string `json:"corpus" mapstructure:"corpus"`
	ArchiveDir      string `json:"archive_dir" mapstructure:"archive_dir"`
	ArchiveManifest string `json:"archive_manifest" mapstructure:"archive_manifest"`
	TokenLookup     string `json:"token_lookup" mapstructure:"token_lookup"`
	OutputCSV       string `json:"output_csv" mapstructure:"output_csv"`
	Checkpoint      string `json:"checkpoint" mapstructure:"checkpoint"`
	RunsDB          string `json:"runs_db" mapstructure:"runs_db"`
}

// RunConfig holds run-protocol flags.
type RunConfig struct {
	Resume                bool   `json:"resume" mapstructure:"resume"`
	CheckpointGranularity string `json:"checkpoint_granularity" mapstructure:"checkpoint_granularity"`
}

// ServerConfig configures the read-only status server.
type ServerConfig struct {
	Port int `json:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level"`
	Format string `json:"format" mapstructure:"format"`
}

// Load reads the JSON run config at path, applies defaults and environment
// overrides, resolves paths, and validates. Any violation fails here,
// before any other component runs.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	v.SetEnvPrefix("BENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("endpoint.base_url", "http://localhost:11434")
	v.SetDefault("endpoint.api_path", "/v1/chat/completions")
	v.SetDefault("endpoint.engine", "ollama")
	v.SetDefault("endpoint.timeout_secs", 600)
	v.SetDefault("endpoint.warmup_requests", 2)
	v.SetDefault("inference.top_p", 1.0)
	v.SetDefault("inference.repeat_penalty", 1.0)
	v.SetDefault("inference.num_predict", 2048)
	v.SetDefault("inference.num_ctx_overhead", 512)
	v.SetDefault("conditions", []string{"A", "B"})
	v.SetDefault("extraction.extractor", "readability")
	v.SetDefault("extraction.min_content_length", 200)
	v.SetDefault("extraction.strip_comments", true)
	v.SetDefault("extraction.strip_base64_images", true)
	v.SetDefault("extraction.normalize_whitespace", true)
	v.SetDefault("run.resume", true)
	v.SetDefault("run.checkpoint_granularity", "question")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		return nil, eris.Wrap(err, "config: read file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	cfg.resolvePaths(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// resolvePaths makes every configured path absolute relative to the config
// file's directory.
func (c *Config) resolvePaths(base string) {
	resolve := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	resolve(&c.Paths.Corpus)
	resolve(&c.Paths.ArchiveDir)
	resolve(&c.Paths.ArchiveManifest)
	resolve(&c.Paths.TokenLookup)
	resolve(&c.Paths.OutputCSV)
	resolve(&c.Paths.Checkpoint)
	resolve(&c.Paths.RunsDB)
}

// knownExtractors are the pipeline-A extractor implementations.
var knownExtractors = map[string]bool{
	"readability": true,
	"plaintext":   true,
}

// Validate checks the configuration against the run protocol's documented
// ranges. It returns the first violation found.
func (c *Config) Validate() error {
	if len(c.Models) == 0 {
		return eris.New("config: model list is empty")
	}
	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.ID == "" {
			return eris.Errorf("config: models[%d] has empty id", i)
		}
		if seen[m.ID] {
			return eris.Errorf("config: duplicate model id %q", m.ID)
		}
		seen[m.ID] = true
		if m.MaxContextLength <= 0 {
			return eris.Errorf("config: model %q has non-positive max_context_length", m.ID)
		}
		if m.Family == "" {
			return eris.Errorf("config: model %q has empty family", m.ID)
		}
	}

	if c.Inference.Temperature != 0 {
		return eris.Errorf("config: temperature must be 0 for deterministic runs, got %g", c.Inference.Temperature)
	}
	if c.Inference.TopP != 1.0 {
		return eris.Errorf("config: top_p must be 1 (nucleus filtering disabled), got %g", c.Inference.TopP)
	}
	if c.Inference.TopK != 0 {
		return eris.Errorf("config: top_k must be 0 (top-k filtering disabled), got %d", c.Inference.TopK)
	}
	if c.Inference.RepeatPenalty != 1.0 {
		return eris.Errorf("config: repeat_penalty must be 1 (disabled), got %g", c.Inference.RepeatPenalty)
	}
	if c.Inference.NumPredict <= 0 {
		return eris.New("config: num_predict must be positive")
	}
	if c.Inference.NumCtxOverhead < 0 {
		return eris.New("config: num_ctx_overhead must not be negative")
	}

	if !strings.Contains(c.PromptTemplate, PlaceholderContent) {
		return eris.Errorf("config: prompt_template missing %s placeholder", PlaceholderContent)
	}
	if !strings.Contains(c.PromptTemplate, PlaceholderQuestion) {
		return eris.Errorf("config: prompt_template missing %s placeholder", PlaceholderQuestion)
	}

	if len(c.Conditions) != 2 || c.Conditions[0] != string(model.ConditionA) || c.Conditions[1] != string(model.ConditionB) {
		return eris.Errorf("config: conditions must be exactly [A, B], got %v", c.Conditions)
	}

	if !knownExtractors[c.Extraction.Extractor] {
		return eris.Errorf("config: unknown extractor %q", c.Extraction.Extractor)
	}
	if c.Extraction.MinContentLength <= 0 {
		return eris.New("config: min_content_length must be positive")
	}

	if c.Endpoint.BaseURL == "" {
		return eris.New("config: endpoint.base_url is empty")
	}
	if c.Endpoint.TimeoutSecs <= 0 {
		return eris.New("config: endpoint.timeout_secs must be positive")
	}
	if c.Endpoint.WarmupRequests < 0 {
		return eris.New("config: endpoint.warmup_requests must not be negative")
	}

	for _, p := range []struct{ name, val string }{
		{"paths.corpus", c.Paths.Corpus},
		{"paths.archive_dir", c.Paths.ArchiveDir},
		{"paths.archive_manifest", c.Paths.ArchiveManifest},
		{"paths.output_csv", c.Paths.OutputCSV},
		{"paths.checkpoint", c.Paths.Checkpoint},
	} {
		if p.val == "" {
			return eris.Errorf("config: %s is empty", p.name)
		}
	}

	return nil
}

// OutputDir returns the directory holding the ledger, checkpoint, and
// run lock.
func (c *Config) OutputDir() string {
	return filepath.Dir(c.Paths.OutputCSV)
}

// ModelByID returns the spec for a configured model.
func (c *Config) ModelByID(id string) (ModelSpec, bool) {
	for _, m := range c.Models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelSpec{}, false
}

// SuppressionToken returns the thinking-mode suppression token for a model
// family, if one is configured.
func (c *Config) SuppressionToken(family string) string {
	return c.ThinkSuppress[family]
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
