package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"schema-retriever/internal/ai"
	"schema-retriever/internal/analyzer"
	"schema-retriever/internal/cache"
	"schema-retriever/internal/linking"
	"schema-retriever/internal/pipeline"
	"schema-retriever/internal/pruner"
	"schema-retriever/internal/retrieval"
)

// Config 全部配置。来源为 YAML 文件，环境变量覆盖同名字段；
// 密钥类字段（LLM API Key、数据库 DSN）只从环境变量读取。
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	Graph     GraphConfig     `yaml:"graph"`
	Database  DatabaseConfig  `yaml:"database"`
	Linking   LinkingConfig   `yaml:"linking"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Pruning   PruningConfig   `yaml:"pruning"`
	Cache     CacheConfig     `yaml:"cache"`
	LLM       LLMConfig       `yaml:"llm"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
}

// LogConfig 日志
type LogConfig struct {
	Level       string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Development bool   `yaml:"development" env:"LOG_DEVELOPMENT" env-default:"false"`
}

// ServerConfig HTTP 服务
type ServerConfig struct {
	Addr           string        `yaml:"addr" env:"SERVER_ADDR" env-default:"127.0.0.1:8080"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"SERVER_REQUEST_TIMEOUT" env-default:"60s"`
}

// GraphConfig 图谱文件位置
type GraphConfig struct {
	// Path scan 输出、服务启动时加载的图谱文件
	Path         string `yaml:"path" env:"GRAPH_PATH" env-default:"data/graph.json"`
	ConceptsFile string `yaml:"concepts_file" env:"GRAPH_CONCEPTS_FILE" env-default:""`
	SynonymsFile string `yaml:"synonyms_file" env:"GRAPH_SYNONYMS_FILE" env-default:""`
}

// DatabaseConfig 被扫描的业务库
type DatabaseConfig struct {
	Driver string `yaml:"driver" env:"DB_DRIVER" env-default:"mysql"`
	Schema string `yaml:"schema" env:"DB_SCHEMA" env-default:""`
	DSN    string `yaml:"-" env:"DB_DSN"` // 密钥，不进 YAML

	InferRelations    bool    `yaml:"infer_relations" env:"DB_INFER_RELATIONS" env-default:"false"`
	VerifyContainment bool    `yaml:"verify_containment" env:"DB_VERIFY_CONTAINMENT" env-default:"false"`
	MinRelationScore  float64 `yaml:"min_relation_score" env:"DB_MIN_RELATION_SCORE" env-default:"0.5"`
	SampleValues      bool    `yaml:"sample_values" env:"DB_SAMPLE_VALUES" env-default:"true"`
	SampleSize        int     `yaml:"sample_size" env:"DB_SAMPLE_SIZE" env-default:"1000"`
	MaxDistinctValues int64   `yaml:"max_distinct_values" env:"DB_MAX_DISTINCT_VALUES" env-default:"50"`
}

// LinkingConfig 实体匹配；模糊阈值没有默认值，必须显式给出
type LinkingConfig struct {
	FuzzyThreshold    float64 `yaml:"fuzzy_threshold" env:"LINKING_FUZZY_THRESHOLD" env-required:"true"`
	SynonymConfidence float64 `yaml:"synonym_confidence" env:"LINKING_SYNONYM_CONFIDENCE" env-default:"0.95"`
	ValueDiscount     float64 `yaml:"value_discount" env:"LINKING_VALUE_DISCOUNT" env-default:"0.7"`
	MinConfidence     float64 `yaml:"min_confidence" env:"LINKING_MIN_CONFIDENCE" env-default:"0.5"`
	MinFuzzyLength    int     `yaml:"min_fuzzy_length" env:"LINKING_MIN_FUZZY_LENGTH" env-default:"3"`
}

// RetrievalConfig 子图检索
type RetrievalConfig struct {
	MaxHops   int `yaml:"max_hops" env:"RETRIEVAL_MAX_HOPS" env-default:"2"`
	MaxTables int `yaml:"max_tables" env:"RETRIEVAL_MAX_TABLES" env-default:"10"`
}

// PruningConfig 剪枝；跳数衰减没有默认值，必须显式给出
type PruningConfig struct {
	HopDecay              float64 `yaml:"hop_decay" env:"PRUNING_HOP_DECAY" env-required:"true"`
	MaxTables             int     `yaml:"max_tables" env:"PRUNING_MAX_TABLES" env-default:"10"`
	MaxColumnsPerTable    int     `yaml:"max_columns_per_table" env:"PRUNING_MAX_COLUMNS_PER_TABLE" env-default:"15"`
	UnmatchedColumnWeight float64 `yaml:"unmatched_column_weight" env:"PRUNING_UNMATCHED_COLUMN_WEIGHT" env-default:"0.5"`
	ConceptBoost          float64 `yaml:"concept_boost" env:"PRUNING_CONCEPT_BOOST" env-default:"0.5"`
	ReSearchHops          int     `yaml:"re_search_hops" env:"PRUNING_RE_SEARCH_HOPS" env-default:"3"`
	MaxSchemaBytes        int     `yaml:"max_schema_bytes" env:"PRUNING_MAX_SCHEMA_BYTES" env-default:"0"`
	IncludeSampleValues   bool    `yaml:"include_sample_values" env:"PRUNING_INCLUDE_SAMPLE_VALUES" env-default:"true"`
	MaxSampleValues       int     `yaml:"max_sample_values" env:"PRUNING_MAX_SAMPLE_VALUES" env-default:"3"`
}

// CacheConfig 问题缓存
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled" env:"CACHE_ENABLED" env-default:"true"`
	MaxEntries int           `yaml:"max_entries" env:"CACHE_MAX_ENTRIES" env-default:"1000"`
	TTL        time.Duration `yaml:"ttl" env:"CACHE_TTL" env-default:"1h"`
}

// LLMConfig SQL 生成模型
type LLMConfig struct {
	Provider    string  `yaml:"provider" env:"LLM_PROVIDER" env-default:"dashscope"`
	Endpoint    string  `yaml:"endpoint" env:"LLM_ENDPOINT" env-default:""`
	Model       string  `yaml:"model" env:"LLM_MODEL" env-default:""`
	APIKey      string  `yaml:"-" env:"LLM_API_KEY"` // 密钥，不进 YAML
	Temperature float64 `yaml:"temperature" env:"LLM_TEMPERATURE" env-default:"0.1"`
	MaxTokens   int     `yaml:"max_tokens" env:"LLM_MAX_TOKENS" env-default:"2000"`
	MaxRetries  int     `yaml:"max_retries" env:"LLM_MAX_RETRIES" env-default:"2"`
	// SystemMessage 覆盖默认系统提示词
	SystemMessage string `yaml:"system_message" env:"LLM_SYSTEM_MESSAGE" env-default:""`
}

// PipelineConfig 编排
type PipelineConfig struct {
	Fallback          string        `yaml:"fallback" env:"PIPELINE_FALLBACK" env-default:"abort"`
	FallbackTables    int           `yaml:"fallback_tables" env:"PIPELINE_FALLBACK_TABLES" env-default:"10"`
	GenerationTimeout time.Duration `yaml:"generation_timeout" env:"PIPELINE_GENERATION_TIMEOUT" env-default:"30s"`
	Dialect           string        `yaml:"dialect" env:"PIPELINE_DIALECT" env-default:""`
}

// Load 读取配置文件并用环境变量覆盖；path 为空时只读环境变量
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	} else if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate 范围校验，委托各组件自己的校验
func (c *Config) Validate() error {
	var errs []error
	if err := c.MatcherConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("linking: %w", err))
	}
	if err := c.RetrieverConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retrieval: %w", err))
	}
	if err := c.PrunerConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pruning: %w", err))
	}
	if err := c.PipelineConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}
	if c.Cache.Enabled && c.Cache.MaxEntries <= 0 {
		errs = append(errs, fmt.Errorf("cache: max_entries must be positive, got %d", c.Cache.MaxEntries))
	}
	if c.Cache.TTL < 0 {
		errs = append(errs, fmt.Errorf("cache: ttl must not be negative"))
	}
	if c.LLM.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("llm: max_retries must not be negative"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	return errors.Join(errs...)
}

// MatcherConfig 实体匹配参数
func (c *Config) MatcherConfig() linking.Config {
	return linking.Config{
		FuzzyThreshold:    c.Linking.FuzzyThreshold,
		SynonymConfidence: c.Linking.SynonymConfidence,
		ValueDiscount:     c.Linking.ValueDiscount,
		MinConfidence:     c.Linking.MinConfidence,
		MinFuzzyLength:    c.Linking.MinFuzzyLength,
	}
}

// RetrieverConfig 子图检索参数
func (c *Config) RetrieverConfig() retrieval.Config {
	return retrieval.Config{MaxHops: c.Retrieval.MaxHops, MaxTables: c.Retrieval.MaxTables}
}

// PrunerConfig 剪枝参数
func (c *Config) PrunerConfig() pruner.Config {
	return pruner.Config{
		MaxTables:             c.Pruning.MaxTables,
		MaxColumnsPerTable:    c.Pruning.MaxColumnsPerTable,
		HopDecay:              c.Pruning.HopDecay,
		UnmatchedColumnWeight: c.Pruning.UnmatchedColumnWeight,
		ConceptBoost:          c.Pruning.ConceptBoost,
		ReSearchHops:          c.Pruning.ReSearchHops,
		MaxSchemaBytes:        c.Pruning.MaxSchemaBytes,
		IncludeSampleValues:   c.Pruning.IncludeSampleValues,
		MaxSampleValues:       c.Pruning.MaxSampleValues,
	}
}

// CacheConfig 缓存参数
func (c *Config) CacheConfig() cache.Config {
	return cache.Config{MaxEntries: c.Cache.MaxEntries, TTL: c.Cache.TTL}
}

// GeneratorConfig 模型参数
func (c *Config) GeneratorConfig() ai.Config {
	return ai.Config{
		Provider:    ai.Provider(c.LLM.Provider),
		Endpoint:    c.LLM.Endpoint,
		Model:       c.LLM.Model,
		APIKey:      c.LLM.APIKey,
		Temperature: c.LLM.Temperature,
		MaxTokens:   c.LLM.MaxTokens,
		MaxRetries:  c.LLM.MaxRetries,
		Prompt:      ai.PromptOptions{SystemMessage: c.LLM.SystemMessage},
	}
}

// PipelineConfig 编排参数
func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		Fallback:          pipeline.Fallback(c.Pipeline.Fallback),
		FallbackTables:    c.Pipeline.FallbackTables,
		GenerationTimeout: c.Pipeline.GenerationTimeout,
		Dialect:           c.Pipeline.Dialect,
	}
}

// AnalyzerOptions 图谱构建参数
func (c *Config) AnalyzerOptions() analyzer.Options {
	return analyzer.Options{
		InferRelations: c.Database.InferRelations,
		Relations: analyzer.RelationOptions{
			MinConfidence:     c.Database.MinRelationScore,
			VerifyContainment: c.Database.VerifyContainment,
			SampleSize:        c.Database.SampleSize,
		},
		SampleValues: c.Database.SampleValues,
		Enums: analyzer.EnumOptions{
			SampleSize:  c.Database.SampleSize,
			MaxDistinct: c.Database.MaxDistinctValues,
		},
	}
}

// NewLogger 按日志配置创建 zap logger
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

var (
	passwordPattern   = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)
	connStringPattern = regexp.MustCompile(`://[^:/@\s]+:\S*@`)
	mysqlCredPattern  = regexp.MustCompile(`^[^:/@\s]+:[^@\s]*@`)
)

// RedactedDSN 去掉口令后的连接串，用于日志
func (d DatabaseConfig) RedactedDSN() string {
	s := passwordPattern.ReplaceAllString(d.DSN, "${1}=[REDACTED]")
	s = connStringPattern.ReplaceAllString(s, "://[REDACTED]@")
	if !strings.Contains(s, "://") {
		// go-sql-driver 的 user:pass@tcp(host)/db 形式
		s = mysqlCredPattern.ReplaceAllString(s, "[REDACTED]@")
	}
	return s
}
