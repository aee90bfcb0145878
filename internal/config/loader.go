package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides,
// and validates the result. Useful in tests where configs are constructed
// from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg fields from the service's environment variables.
// Unparsable numeric values are ignored.
func ApplyEnv(cfg *Config) {
	if v, ok := envInt("SUBTITLE_GLOBAL_CONCURRENCY"); ok {
		cfg.Jobs.GlobalConcurrency = v
	}
	if v, ok := envInt("SUBTITLE_PER_USER_CONCURRENCY"); ok {
		cfg.Jobs.PerUserConcurrency = v
	}
	if v := os.Getenv("YT_DLP_EXECUTABLE"); v != "" {
		cfg.Cache.YtDlpExecutable = v
	}
	if v := os.Getenv("YT_DLP_LOCAL_ENTRY"); v != "" && cfg.Cache.YtDlpExecutable == "" {
		cfg.Cache.YtDlpExecutable = v
	}
	if v := os.Getenv("YT_DLP_SEARCH_ROOTS"); v != "" {
		var roots []string
		for _, root := range strings.Split(v, string(os.PathListSeparator)) {
			if root = strings.TrimSpace(root); root != "" {
				roots = append(roots, root)
			}
		}
		cfg.Cache.YtDlpSearchRoots = roots
	}
	if v, ok := envInt("URL_SOURCE_CACHE_TTL_DAYS"); ok {
		cfg.Cache.TTLDays = v
	}
	if v, ok := envInt("URL_SOURCE_CACHE_MAX_GB"); ok {
		cfg.Cache.MaxGB = v
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// applyDefaults fills zero values with documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ServiceName == "" {
		cfg.Server.ServiceName = "subweave"
	}
	if cfg.Jobs.GlobalConcurrency == 0 {
		cfg.Jobs.GlobalConcurrency = 3
	}
	if cfg.Jobs.PerUserConcurrency == 0 {
		cfg.Jobs.PerUserConcurrency = 1
	}
	if cfg.Jobs.WorkRoot == "" {
		cfg.Jobs.WorkRoot = "data/work"
	}
	if cfg.Jobs.RetentionTerminalDays == 0 {
		cfg.Jobs.RetentionTerminalDays = 7
	}
	if cfg.Jobs.RetentionConsumedMinutes == 0 {
		cfg.Jobs.RetentionConsumedMinutes = 10
	}
	if cfg.Jobs.PollIntervalMsHint == 0 {
		cfg.Jobs.PollIntervalMsHint = 2000
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreSQLite
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = "data/jobs.sqlite3"
	}
	if cfg.Cache.TTLDays == 0 {
		cfg.Cache.TTLDays = 14
	}
	if cfg.Cache.MaxGB == 0 {
		cfg.Cache.MaxGB = 30
	}
	if cfg.Cache.DownloadTimeoutSeconds == 0 {
		cfg.Cache.DownloadTimeoutSeconds = 900
	}
	if cfg.ASR.DefaultCloudModel == "" {
		cfg.ASR.DefaultCloudModel = "paraformer-v2"
	}
	if cfg.ASR.LocalModel == "" {
		cfg.ASR.LocalModel = "large-v3"
	}
	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "https://api.siliconflow.cn/v1"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "tencent/Hunyuan-MT-7B"
	}
	if cfg.Sync.StartGapThreshold == 0 {
		cfg.Sync.StartGapThreshold = 0.12
	}
	if cfg.Sync.EndGapThreshold == 0 {
		cfg.Sync.EndGapThreshold = 0.18
	}
	if cfg.Sync.QualityThreshold == 0 {
		cfg.Sync.QualityThreshold = 0.92
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Jobs.GlobalConcurrency < 1 {
		errs = append(errs, fmt.Errorf("jobs.global_concurrency %d must be at least 1", cfg.Jobs.GlobalConcurrency))
	}
	if cfg.Jobs.PerUserConcurrency < 1 {
		errs = append(errs, fmt.Errorf("jobs.per_user_concurrency %d must be at least 1", cfg.Jobs.PerUserConcurrency))
	}
	if cfg.Jobs.PerUserConcurrency > cfg.Jobs.GlobalConcurrency {
		errs = append(errs, fmt.Errorf("jobs.per_user_concurrency %d exceeds jobs.global_concurrency %d",
			cfg.Jobs.PerUserConcurrency, cfg.Jobs.GlobalConcurrency))
	}
	if !cfg.Store.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: sqlite, postgres", cfg.Store.Backend))
	}
	if cfg.Store.Backend == StorePostgres && cfg.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required when store.backend is postgres"))
	}
	if cfg.Cache.TTLDays < 1 {
		errs = append(errs, fmt.Errorf("cache.ttl_days %d must be at least 1", cfg.Cache.TTLDays))
	}
	if cfg.Cache.MaxGB < 1 {
		errs = append(errs, fmt.Errorf("cache.max_gb %d must be at least 1", cfg.Cache.MaxGB))
	}
	if cfg.Cache.DownloadTimeoutSeconds < 60 {
		errs = append(errs, fmt.Errorf("cache.download_timeout_seconds %d must be at least 60", cfg.Cache.DownloadTimeoutSeconds))
	}
	if cfg.Sync.QualityThreshold <= 0 || cfg.Sync.QualityThreshold > 1 {
		errs = append(errs, fmt.Errorf("sync.quality_threshold %.3f must be in (0, 1]", cfg.Sync.QualityThreshold))
	}
	if cfg.Sync.StartGapThreshold <= 0 {
		errs = append(errs, fmt.Errorf("sync.start_gap_threshold %.3f must be positive", cfg.Sync.StartGapThreshold))
	}
	if cfg.Sync.EndGapThreshold <= 0 {
		errs = append(errs, fmt.Errorf("sync.end_gap_threshold %.3f must be positive", cfg.Sync.EndGapThreshold))
	}

	return errors.Join(errs...)
}
