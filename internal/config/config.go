package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Models      ModelsConfig              `json:"models"`
	Queue       QueueConfig               `json:"queue"`
	Search      SearchConfig              `json:"search"`
	Logging     LoggingConfig             `json:"logging"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	FileBaseDir   string `json:"file_base_dir"`
	// Database names the entry of Databases to open (sqlite3, mysql, postgres).
	Database string `json:"database"`
	// InlineIndexing runs the pipeline inside the upload request instead of
	// deferring it to the job queue.
	InlineIndexing bool     `json:"inline_indexing"`
	RequestTimeout Duration `json:"request_timeout"`
	MaxUploadBytes int64    `json:"max_upload_bytes"`
	// AdminOwners may use the /api/admin routes; empty admits every owner.
	AdminOwners []int64 `json:"admin_owners"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

// ModelRef points a capability at one of the configured providers.
type ModelRef struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

type EmbeddingRef struct {
	ModelRef
	Dimensions int `json:"dimensions"`
	// QueryPrefix / DocumentPrefix select the query or document calling
	// convention for models that take instruction prefixes.
	QueryPrefix    string `json:"query_prefix"`
	DocumentPrefix string `json:"document_prefix"`
	CacheSize      int    `json:"cache_size"`
}

type RerankRef struct {
	ModelRef
	Enabled bool `json:"enabled"`
}

type ModelsConfig struct {
	Chat      ModelRef     `json:"chat"`
	Vision    ModelRef     `json:"vision"`
	Embedding EmbeddingRef `json:"embedding"`
	Rerank    RerankRef    `json:"rerank"`
	Timeout   Duration     `json:"timeout"`
}

type QueueConfig struct {
	Workers            int      `json:"workers"`
	PollInterval       Duration `json:"poll_interval"`
	RetryDelay         Duration `json:"retry_delay"`
	ExponentialBackoff bool     `json:"exponential_backoff"`
	MaxRetryDelay      Duration `json:"max_retry_delay"`
	MaxAttempts        int      `json:"max_attempts"`
	JobTimeout         Duration `json:"job_timeout"`
	StaleAfter         Duration `json:"stale_after"`
	ReapInterval       Duration `json:"reap_interval"`
	PurgeAfterDays     int      `json:"purge_after_days"`
}

type SearchConfig struct {
	CandidateLimit  int      `json:"candidate_limit"`
	ResultLimit     int      `json:"result_limit"`
	AnswerExtract   bool     `json:"answer_extract"`
	RateLimitPerMin float64  `json:"rate_limit_per_min"`
	RateBurst       int      `json:"rate_burst"`
	RecentTTL       Duration `json:"recent_ttl"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Duration decodes either a Go duration string ("5m") or a number of seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		d.Duration = time.Duration(v * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		d.Duration = parsed
	case nil:
		d.Duration = 0
	default:
		return fmt.Errorf("invalid duration %v", raw)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads configuration from the provided path (defaults to config.json).
// A .env file next to the working directory is loaded first so that secrets
// can be supplied through the environment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()
	if path == "" {
		path = os.Getenv("DOCFINDER_CONFIG")
	}
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dir := cfg.BasicConfig.FileBaseDir; !filepath.IsAbs(dir) {
		cfg.BasicConfig.FileBaseDir = filepath.Join(filepath.Dir(absPath), dir)
	}
	return &cfg, nil
}

// applyEnv lets DOCFINDER_DB pick the database and
// DOCFINDER_<PROVIDER>_API_KEY override provider keys.
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("DOCFINDER_DB")); v != "" {
		c.BasicConfig.Database = v
	}
	for name, p := range c.Providers {
		key := "DOCFINDER_" + strings.ToUpper(name) + "_API_KEY"
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			p.APIKey = v
			c.Providers[name] = p
		}
	}
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = ":8090"
	}
	if c.BasicConfig.FileBaseDir == "" {
		c.BasicConfig.FileBaseDir = "./data/uploads"
	}
	if c.BasicConfig.Database == "" {
		c.BasicConfig.Database = "sqlite3"
	}
	if c.BasicConfig.RequestTimeout.Duration <= 0 {
		c.BasicConfig.RequestTimeout.Duration = 30 * time.Second
	}
	if c.BasicConfig.MaxUploadBytes <= 0 {
		c.BasicConfig.MaxUploadBytes = 25 << 20
	}
	if c.Models.Timeout.Duration <= 0 {
		c.Models.Timeout.Duration = 20 * time.Second
	}

	q := &c.Queue
	if q.Workers <= 0 {
		q.Workers = 2
	}
	if q.PollInterval.Duration <= 0 {
		q.PollInterval.Duration = 5 * time.Second
	}
	if q.RetryDelay.Duration <= 0 {
		q.RetryDelay.Duration = 5 * time.Minute
	}
	if q.MaxRetryDelay.Duration <= 0 {
		q.MaxRetryDelay.Duration = time.Hour
	}
	if q.MaxAttempts <= 0 {
		q.MaxAttempts = 3
	}
	if q.JobTimeout.Duration <= 0 {
		q.JobTimeout.Duration = 10 * time.Minute
	}
	if q.StaleAfter.Duration <= 0 {
		q.StaleAfter.Duration = 30 * time.Minute
	}
	if q.ReapInterval.Duration <= 0 {
		q.ReapInterval.Duration = time.Minute
	}
	if q.PurgeAfterDays <= 0 {
		q.PurgeAfterDays = 7
	}

	s := &c.Search
	if s.CandidateLimit <= 0 {
		s.CandidateLimit = 50
	}
	if s.ResultLimit <= 0 {
		s.ResultLimit = 20
	}
	if s.RateLimitPerMin <= 0 {
		s.RateLimitPerMin = 30
	}
	if s.RateBurst <= 0 {
		s.RateBurst = 10
	}
	if s.RecentTTL.Duration <= 0 {
		s.RecentTTL.Duration = 7 * 24 * time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	if len(c.Databases) == 0 {
		return errors.New("at least one database must be configured")
	}
	if _, ok := c.Databases[c.BasicConfig.Database]; !ok {
		return fmt.Errorf("database config for %s not found", c.BasicConfig.Database)
	}
	refs := map[string]ModelRef{
		"chat":      c.Models.Chat,
		"vision":    c.Models.Vision,
		"embedding": c.Models.Embedding.ModelRef,
	}
	if c.Models.Rerank.Enabled {
		refs["rerank"] = c.Models.Rerank.ModelRef
	}
	for capability, ref := range refs {
		if ref.Provider == "" {
			continue
		}
		if _, ok := c.Providers[ref.Provider]; !ok {
			return fmt.Errorf("models.%s references unknown provider %q", capability, ref.Provider)
		}
	}
	// A running job must never look stale, or the reaper hands it to a
	// second worker while the first is still busy.
	if c.Queue.StaleAfter.Duration <= c.Queue.JobTimeout.Duration {
		return fmt.Errorf("queue.stale_after (%s) must exceed queue.job_timeout (%s)",
			c.Queue.StaleAfter.Duration, c.Queue.JobTimeout.Duration)
	}
	if c.Models.Embedding.Dimensions < 0 {
		return errors.New("models.embedding.dimensions cannot be negative")
	}
	return nil
}

// Provider resolves a model reference into provider settings, preferring the
// reference's model name over the provider default.
func (c *Config) Provider(ref ModelRef) (ProviderConfig, bool) {
	p, ok := c.Providers[ref.Provider]
	if !ok {
		return ProviderConfig{}, false
	}
	if ref.Model != "" {
		p.Model = ref.Model
	}
	return p, true
}
