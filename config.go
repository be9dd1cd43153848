package retail

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LLMConfig configures the text-completion collaborator.
type LLMConfig struct {
	APIKey            string        `yaml:"api_key"`
	BaseURL           string        `yaml:"base_url"`
	Model             string        `yaml:"model"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// SQLConfig bounds generated queries.
type SQLConfig struct {
	MaxRows        int           `yaml:"max_rows"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	SchemaCacheTTL time.Duration `yaml:"schema_cache_ttl"`
	SchemaHint     string        `yaml:"schema_hint"`
}

// OrdersConfig maps the orders fact table used by rule templates.
type OrdersConfig struct {
	Table        string `yaml:"table"`
	PaidAt       string `yaml:"paid_at"`
	Amount       string `yaml:"amount"`
	PayStatus    string `yaml:"pay_status"`
	SuccessValue string `yaml:"success_value"`
	MemberID     string `yaml:"member_id"`
	StoreID      string `yaml:"store_id"`
}

// PlanDefaults fill missing plan fields.
type PlanDefaults struct {
	Goal              string   `yaml:"goal"`
	Budget            float64  `yaml:"budget"`
	DurationDays      int      `yaml:"duration_days"`
	OfferType         string   `yaml:"offer_type"`
	OfferThreshold    float64  `yaml:"offer_threshold"`
	OfferValue        float64  `yaml:"offer_value"`
	MaxRedemptions    int      `yaml:"max_redemptions"`
	SegmentDefinition string   `yaml:"segment_definition"`
	SegmentRules      []string `yaml:"segment_rules"`
	Channels          []string `yaml:"channels"`
	KPIPrimary        string   `yaml:"kpi_primary"`
	KPITargets        []string `yaml:"kpi_targets"`
	RiskControls      []string `yaml:"risk_controls"`
}

// Config holds every setting of the service. It is built once and passed down.
type Config struct {
	DatabaseURL    string        `yaml:"database_url"`
	StoreDriver    string        `yaml:"store_driver"`
	SQLitePath     string        `yaml:"sqlite_path"`
	WarehouseDSN   string        `yaml:"warehouse_dsn"`
	CRMBaseURL     string        `yaml:"crm_base_url"`
	KBBaseURL      string        `yaml:"kb_base_url"`
	KBTopK         int           `yaml:"kb_top_k"`
	ListenAddr     string        `yaml:"listen_addr"`
	LogLevel       string        `yaml:"log_level"`
	ClaimLease     time.Duration `yaml:"claim_lease"`
	KeywordRouting bool          `yaml:"keyword_routing"`
	LLM            LLMConfig     `yaml:"llm"`
	SQL            SQLConfig     `yaml:"sql"`
	Orders         OrdersConfig  `yaml:"orders"`
	PlanDefaults   PlanDefaults  `yaml:"plan_defaults"`
}

const defaultSchemaHint = `stores(id, name, city)
members(id, store_id, created_at, level, total_spent)
orders(id, store_id, member_id, paid_at, pay_status, channel, amount, original_amount)
order_items(id, order_id, sku, category, qty, price)`

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		StoreDriver: "postgres",
		SQLitePath:  "retail.db",
		CRMBaseURL:  "http://127.0.0.1:8000/mock/crm",
		KBTopK:      5,
		ListenAddr:  ":8000",
		LogLevel:    "info",
		ClaimLease:  2 * time.Minute,
		LLM: LLMConfig{
			BaseURL:           "https://api.deepseek.com",
			Model:             "deepseek-chat",
			Timeout:           60 * time.Second,
			RequestsPerSecond: 5,
		},
		SQL: SQLConfig{
			MaxRows:        200,
			Timeout:        5 * time.Second,
			MaxRetries:     2,
			SchemaCacheTTL: 60 * time.Second,
			SchemaHint:     defaultSchemaHint,
		},
		Orders: OrdersConfig{
			Table:        "orders",
			PaidAt:       "paid_at",
			Amount:       "amount",
			PayStatus:    "pay_status",
			SuccessValue: "1",
			MemberID:     "member_id",
			StoreID:      "store_id",
		},
		PlanDefaults: PlanDefaults{
			Goal:              "提升复购",
			Budget:            30000,
			DurationDays:      7,
			OfferType:         "full_reduction",
			OfferThreshold:    99,
			OfferValue:        20,
			MaxRedemptions:    1000,
			SegmentDefinition: "近30天有消费且客单价较高的老客",
			SegmentRules:      []string{"使用近30天高价值老客标签"},
			Channels:          []string{"app_push", "sms", "wechat"},
			KPIPrimary:        "repeat_rate",
			KPITargets:        []string{"7天复购率提升 2~3 个百分点"},
			RiskControls:      []string{"单用户限领1次，预算超 80% 触发预警"},
		},
	}
}

// LoadConfig reads an optional YAML file over the defaults, then applies
// environment overrides. Malformed numeric env values keep the prior value.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("retail: read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("retail: parse config: %w", err)
		}
	}

	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.StoreDriver, "STORE_DRIVER")
	setString(&cfg.SQLitePath, "SQLITE_PATH")
	setString(&cfg.WarehouseDSN, "RETAIL_MYSQL_DSN")
	setString(&cfg.CRMBaseURL, "CRM_BASE_URL")
	setString(&cfg.KBBaseURL, "KB_BASE_URL")
	setString(&cfg.ListenAddr, "LISTEN_ADDR")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LLM.APIKey, "DEEPSEEK_API_KEY")
	setString(&cfg.LLM.BaseURL, "DEEPSEEK_BASE_URL")
	setString(&cfg.LLM.Model, "DEEPSEEK_MODEL")

	if v := os.Getenv("SQL_MAX_ROWS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.SQL.MaxRows = parsed
		}
	}
	if v := os.Getenv("SQL_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.SQL.Timeout = time.Duration(parsed) * time.Second
		}
	}
	if v := os.Getenv("KEYWORD_ROUTING"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.KeywordRouting = parsed
		}
	}

	return cfg, nil
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}
