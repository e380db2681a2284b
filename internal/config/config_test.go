package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schema-retriever/internal/pipeline"
)

const baseYAML = `
log:
  level: debug
graph:
  path: /var/lib/text2sql/graph.json
  concepts_file: concepts.yaml
database:
  driver: postgres
  schema: sales
  infer_relations: true
linking:
  fuzzy_threshold: 0.85
retrieval:
  max_hops: 3
pruning:
  hop_decay: 0.8
  max_tables: 6
cache:
  ttl: 10m
llm:
  provider: openai
  model: gpt-4o-mini
pipeline:
  fallback: full_schema
  generation_timeout: 45s
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_YAMLWithDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseYAML))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/var/lib/text2sql/graph.json", cfg.Graph.Path)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.True(t, cfg.Database.InferRelations)
	assert.Equal(t, 0.85, cfg.Linking.FuzzyThreshold)
	assert.Equal(t, 0.95, cfg.Linking.SynonymConfidence)
	assert.Equal(t, 3, cfg.Retrieval.MaxHops)
	assert.Equal(t, 10, cfg.Retrieval.MaxTables)
	assert.Equal(t, 0.8, cfg.Pruning.HopDecay)
	assert.Equal(t, 6, cfg.Pruning.MaxTables)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 45*time.Second, cfg.Pipeline.GenerationTimeout)

	assert.Equal(t, pipeline.FallbackFullSchema, cfg.PipelineConfig().Fallback)
	assert.Equal(t, 6, cfg.PrunerConfig().MaxTables)
	assert.Equal(t, 0.85, cfg.MatcherConfig().FuzzyThreshold)
	assert.Equal(t, "gpt-4o-mini", cfg.GeneratorConfig().Model)
	assert.Equal(t, 1000, cfg.CacheConfig().MaxEntries)
	assert.True(t, cfg.AnalyzerOptions().InferRelations)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	t.Setenv("LINKING_FUZZY_THRESHOLD", "0.9")
	t.Setenv("CACHE_ENABLED", "false")
	t.Setenv("LLM_API_KEY", "sk-test")
	t.Setenv("DB_DSN", "postgres://app:secret@db:5432/sales")

	cfg, err := Load(writeConfig(t, baseYAML))
	require.NoError(t, err)

	assert.Equal(t, 0.9, cfg.Linking.FuzzyThreshold)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, "sk-test", cfg.GeneratorConfig().APIKey)
	assert.Equal(t, "postgres://app:secret@db:5432/sales", cfg.Database.DSN)
}

// 密钥字段不从 YAML 读取
func TestLoad_SecretsIgnoredInYAML(t *testing.T) {
	t.Setenv("LLM_API_KEY", "")
	t.Setenv("DB_DSN", "")
	yaml := "linking:\n  fuzzy_threshold: 0.85\npruning:\n  hop_decay: 0.8\n" +
		"llm:\n  api_key: from-yaml\ndatabase:\n  dsn: from-yaml\n"

	cfg, err := Load(writeConfig(t, yaml))
	require.NoError(t, err)
	assert.Empty(t, cfg.LLM.APIKey)
	assert.Empty(t, cfg.Database.DSN)
}

func TestLoad_RequiredThresholds(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing fuzzy threshold",
			yaml: "pruning:\n  hop_decay: 0.8\n",
			want: "FuzzyThreshold",
		},
		{
			name: "missing hop decay",
			yaml: "linking:\n  fuzzy_threshold: 0.85\n",
			want: "HopDecay",
		},
		{
			name: "hop decay out of range",
			yaml: "linking:\n  fuzzy_threshold: 0.85\npruning:\n  hop_decay: 1.5\n",
			want: "pruning",
		},
		{
			name: "unknown fallback",
			yaml: "linking:\n  fuzzy_threshold: 0.85\npruning:\n  hop_decay: 0.8\npipeline:\n  fallback: guess\n",
			want: "unknown fallback",
		},
		{
			name: "bad log level",
			yaml: "log:\n  level: loud\nlinking:\n  fuzzy_threshold: 0.85\npruning:\n  hop_decay: 0.8\n",
			want: "unrecognized level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv("LINKING_FUZZY_THRESHOLD", "0.8")
	t.Setenv("PRUNING_HOP_DECAY", "0.7")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 0.7, cfg.Pruning.HopDecay)
	assert.Equal(t, "data/graph.json", cfg.Graph.Path)
	assert.Equal(t, "dashscope", cfg.LLM.Provider)
}

func TestDatabaseConfig_RedactedDSN(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"postgres://app:secret@db:5432/sales", "postgres://[REDACTED]@db:5432/sales"},
		{"app:secret@tcp(db:3306)/shop?parseTime=true", "[REDACTED]@tcp(db:3306)/shop?parseTime=true"},
		{"sqlserver://sa:P@ss@mssql:1433?database=erp", "sqlserver://[REDACTED]@mssql:1433?database=erp"},
		{"server=db;user id=sa;password=hunter2;database=erp", "server=db;user id=sa;password=[REDACTED];database=erp"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, DatabaseConfig{DSN: tt.dsn}.RedactedDSN())
		})
	}
}

func TestLogConfig_NewLogger(t *testing.T) {
	logger, err := LogConfig{Level: "warn", Development: true}.NewLogger()
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1))
	assert.True(t, logger.Core().Enabled(1))

	_, err = LogConfig{Level: "verbose"}.NewLogger()
	assert.Error(t, err)
}
