package config

import (
	"os"

	"gopkg.in/yaml.v2"

	"github.com/zenith/forensics/internal/core"
)

type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	Redis          RedisConfig          `yaml:"redis"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	Triggers       TriggerConfig        `yaml:"triggers"`
	Graph          GraphConfig          `yaml:"graph"`
	Batch          BatchConfig          `yaml:"batch"`
	Monitor        MonitorConfig        `yaml:"monitor"`
	Semantic       SemanticConfig       `yaml:"semantic"`
	Currency       CurrencyConfig       `yaml:"currency"`
	Webhooks       WebhooksConfig       `yaml:"webhooks"`
	Integrity      IntegrityConfig      `yaml:"integrity"`
	Security       SecurityConfig       `yaml:"security"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	URL             string `yaml:"url"` // postgres DSN; DATABASE_URL wins when set
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifeMins int    `yaml:"conn_max_life_mins"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

// ReconciliationConfig holds the engine-wide matcher defaults. Projects may
// override individual fields through the Manager.
type ReconciliationConfig struct {
	ClearingWindowDays     int     `yaml:"clearing_window_days"`
	AmountTolerancePercent float64 `yaml:"amount_tolerance_percent"`
	BatchWindowDays        int     `yaml:"batch_window_days"`
	AutoConfirmThreshold   float64 `yaml:"auto_confirm_threshold"`
	BalanceGapThreshold    float64 `yaml:"balance_gap_threshold"`
}

// Settings converts the section into the domain settings type.
func (c ReconciliationConfig) Settings() core.ReconciliationSettings {
	return core.ReconciliationSettings{
		ClearingWindowDays:     c.ClearingWindowDays,
		AmountTolerancePercent: c.AmountTolerancePercent,
		BatchWindowDays:        c.BatchWindowDays,
		AutoConfirmThreshold:   c.AutoConfirmThreshold,
		BalanceGapThreshold:    c.BalanceGapThreshold,
	}
}

type TriggerConfig struct {
	CashThreshold        float64 `yaml:"cash_threshold"`         // large cash channel cutoff
	StructuringLow       float64 `yaml:"structuring_low"`        // inclusive
	StructuringHigh      float64 `yaml:"structuring_high"`       // exclusive
	GeoRadiusKM          float64 `yaml:"geo_radius_km"`          // distance from site before flagging
	DuplicateSimilarity  float64 `yaml:"duplicate_similarity"`   // token-set ratio, 0..1
	DuplicateWindowHours int     `yaml:"duplicate_window_hours"` // +- window
	DuplicateAmountTol   float64 `yaml:"duplicate_amount_tol"`   // fraction of actual
	VelocityWindowHours  int     `yaml:"velocity_window_hours"`
	VelocityCount        int     `yaml:"velocity_count"`
	RecidivistRisk       float64 `yaml:"recidivist_risk"` // cross-project risk cutoff
}

type GraphConfig struct {
	CycleMinAmount   float64 `yaml:"cycle_min_amount"`
	CycleMaxDepth    int     `yaml:"cycle_max_depth"`
	CycleLimit       int     `yaml:"cycle_limit"`
	BurstWindowHours int     `yaml:"burst_window_hours"`
	BurstMinCount    int     `yaml:"burst_min_count"`
	BurstMinTotal    float64 `yaml:"burst_min_total"`
	BenfordThreshold float64 `yaml:"benford_threshold"` // L1 deviation before an insight
	UBOMaxDepth      int     `yaml:"ubo_max_depth"`
	UBOStakePercent  float64 `yaml:"ubo_stake_percent"`
	NexusSuspectRisk float64 `yaml:"nexus_suspect_risk"`
}

type BatchConfig struct {
	GlobalWorkerCap  int `yaml:"global_worker_cap"`
	MaxItemsPerJob   int `yaml:"max_items_per_job"`
	MaxRetries       int `yaml:"max_retries"`
	RetryBaseSeconds int `yaml:"retry_base_seconds"`
	RetryCapSeconds  int `yaml:"retry_cap_seconds"`
	SoftTimeoutMins  int `yaml:"soft_timeout_mins"`
	HardTimeoutMins  int `yaml:"hard_timeout_mins"`
	ArchiveAfterDays int `yaml:"archive_after_days"`
}

type MonitorConfig struct {
	IntervalMinutes   int     `yaml:"interval_minutes"`
	DebounceMinutes   int     `yaml:"debounce_minutes"`
	BucketCap         int     `yaml:"bucket_cap"`
	HighRiskThreshold float64 `yaml:"high_risk_threshold"`
	GPSWarnKM         float64 `yaml:"gps_warn_km"`
	GPSCriticalKM     float64 `yaml:"gps_critical_km"`
	UnmatchedWarnPct  float64 `yaml:"unmatched_warn_pct"`
}

type SemanticConfig struct {
	Mode         string `yaml:"mode"` // "local" or "grpc"
	GRPCAddr     string `yaml:"grpc_addr"`
	EmbeddingDim int    `yaml:"embedding_dim"`
	CacheSize    int    `yaml:"cache_size"`
}

type CurrencyConfig struct {
	CacheTTLHours int `yaml:"cache_ttl_hours"`
}

type WebhooksConfig struct {
	Mode          string `yaml:"mode"` // "memory" or "cloudtasks"
	GCPProject    string `yaml:"gcp_project"`
	Location      string `yaml:"location"`
	Queue         string `yaml:"queue"`
	TargetBaseURL string `yaml:"target_base_url"`
	SigningSecret string `yaml:"signing_secret"`
}

type IntegrityConfig struct {
	Store           string `yaml:"store"`       // "postgres", "supabase", or "memory"
	AnchorMode      string `yaml:"anchor_mode"` // "none" or "spanner"
	SpannerDatabase string `yaml:"spanner_database"`
}

type SecurityConfig struct {
	// NoteKeyHex is the 32-byte hex key sealing investigator notes.
	// SECURITY_NOTE_KEY overrides it in deployment.
	NoteKeyHex string `yaml:"note_key_hex"`
	BcryptCost int    `yaml:"bcrypt_cost"`
}

// Default returns the engine's built-in configuration. LoadConfig layers a
// yaml file on top; absent keys keep these values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifeMins: 30,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Reconciliation: ReconciliationConfig{
			ClearingWindowDays:     7,
			AmountTolerancePercent: 0.5,
			BatchWindowDays:        10,
			AutoConfirmThreshold:   0.98,
			BalanceGapThreshold:    1000,
		},
		Triggers: TriggerConfig{
			CashThreshold:        100_000_000,
			StructuringLow:       90_000_000,
			StructuringHigh:      100_000_000,
			GeoRadiusKM:          50,
			DuplicateSimilarity:  0.85,
			DuplicateWindowHours: 48,
			DuplicateAmountTol:   0.05,
			VelocityWindowHours:  24,
			VelocityCount:        3,
			RecidivistRisk:       0.5,
		},
		Graph: GraphConfig{
			CycleMinAmount:   1_000_000,
			CycleMaxDepth:    4,
			CycleLimit:       50,
			BurstWindowHours: 24,
			BurstMinCount:    3,
			BurstMinTotal:    50_000_000,
			BenfordThreshold: 0.5,
			UBOMaxDepth:      10,
			UBOStakePercent:  25,
			NexusSuspectRisk: 0.7,
		},
		Batch: BatchConfig{
			GlobalWorkerCap:  16,
			MaxItemsPerJob:   1_000_000,
			MaxRetries:       3,
			RetryBaseSeconds: 60,
			RetryCapSeconds:  600,
			SoftTimeoutMins:  4,
			HardTimeoutMins:  5,
			ArchiveAfterDays: 7,
		},
		Monitor: MonitorConfig{
			IntervalMinutes:   5,
			DebounceMinutes:   5,
			BucketCap:         50,
			HighRiskThreshold: 0.9,
			GPSWarnKM:         50,
			GPSCriticalKM:     200,
			UnmatchedWarnPct:  15,
		},
		Semantic:  SemanticConfig{Mode: "local", EmbeddingDim: 384, CacheSize: 10_000},
		Currency:  CurrencyConfig{CacheTTLHours: 24},
		Webhooks:  WebhooksConfig{Mode: "memory"},
		Integrity: IntegrityConfig{Store: "postgres", AnchorMode: "none"},
		Security:  SecurityConfig{BcryptCost: 10},
	}
}

// LoadConfig reads a yaml file over the defaults. A missing file is not an
// error; deployments running purely on env vars skip the file entirely.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv lets deployment env vars win over file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("SEMANTIC_GRPC_ADDR"); v != "" {
		c.Semantic.Mode = "grpc"
		c.Semantic.GRPCAddr = v
	}
	if v := os.Getenv("SECURITY_NOTE_KEY"); v != "" {
		c.Security.NoteKeyHex = v
	}
	if v := os.Getenv("WEBHOOK_SIGNING_SECRET"); v != "" {
		c.Webhooks.SigningSecret = v
	}
	if v := os.Getenv("SPANNER_DATABASE"); v != "" {
		c.Integrity.AnchorMode = "spanner"
		c.Integrity.SpannerDatabase = v
	}
}
