// internal/common/config/config.go
package config

import "fmt"

// Config is the main application configuration struct.
type Config struct {
	App      AppConfig               `mapstructure:"app"`
	Server   ServerConfig            `mapstructure:"server"`
	Camunda  CamundaConfig           `mapstructure:"camunda"`
	Database DatabaseConfig          `mapstructure:"database"`
	Workers  map[string]WorkerConfig `mapstructure:"workers"`
	Auth     AuthConfig              `mapstructure:"auth"`
	Engine   EngineConfig            `mapstructure:"engine"`
	Logging  LoggingConfig           `mapstructure:"logging"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Address      string `mapstructure:"address"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // milliseconds
	WriteTimeout int    `mapstructure:"write_timeout"` // milliseconds
}

type CamundaConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BrokerAddress  string `mapstructure:"broker_address"`
	MaxJobsActive  int    `mapstructure:"max_jobs_active"`
	Timeout        int    `mapstructure:"timeout"`         // milliseconds
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	URL       string   `mapstructure:"url"`
}

// GetURL returns the first address or the URL field
func (e ElasticsearchConfig) GetURL() string {
	if e.URL != "" {
		return e.URL
	}
	if len(e.Addresses) > 0 {
		return e.Addresses[0]
	}
	return ""
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// WorkerConfig holds the core settings applicable to every job worker.
type WorkerConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxJobsActive int  `mapstructure:"max_jobs_active"`
	Timeout       int  `mapstructure:"timeout"` // milliseconds
	MaxRetries    int  `mapstructure:"max_retries"`
}

// AuthConfig guards the rule administration routes.
type AuthConfig struct {
	Keycloak struct {
		Enabled      bool   `mapstructure:"enabled"`
		URL          string `mapstructure:"url"`
		Realm        string `mapstructure:"realm"`
		ClientID     string `mapstructure:"client_id"`
		ClientSecret string `mapstructure:"client_secret"`
		AdminRole    string `mapstructure:"admin_role"`
	} `mapstructure:"keycloak"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// --- Engine Configuration ---

// EngineConfig configures the question routing pipeline.
type EngineConfig struct {
	DictionariesPath string           `mapstructure:"dictionaries_path"`
	Rules            RulesConfig      `mapstructure:"rules"`
	Matcher          MatcherConfig    `mapstructure:"matcher"`
	Confidence       ConfidenceConfig `mapstructure:"confidence"`
	Cache            CacheConfig      `mapstructure:"cache"`
	Executor         ExecutorConfig   `mapstructure:"executor"`
	Telemetry        TelemetryConfig  `mapstructure:"telemetry"`
}

type RulesConfig struct {
	Source         string `mapstructure:"source"` // file | postgres
	Path           string `mapstructure:"path"`
	ReloadInterval int    `mapstructure:"reload_interval"` // milliseconds, 0 disables
	Watch          bool   `mapstructure:"watch"`
	NotifyChannel  string `mapstructure:"notify_channel"` // redis channel, empty disables
	Migrate        bool   `mapstructure:"migrate"`
	MigrationsPath string `mapstructure:"migrations_path"`
}

type MatcherConfig struct {
	TriggerBase    float64 `mapstructure:"trigger_base"`
	TriggerPerRune float64 `mapstructure:"trigger_per_rune"`
	CategoryBonus  float64 `mapstructure:"category_bonus"`
	EntityBonus    float64 `mapstructure:"entity_bonus"`
	MinScore       float64 `mapstructure:"min_score"`
}

type ConfidenceConfig struct {
	DomainBase    int `mapstructure:"domain_base"`
	PerEntity     int `mapstructure:"per_entity"`
	EntityCap     int `mapstructure:"entity_cap"`
	StrategyBonus int `mapstructure:"strategy_bonus"`
}

type CacheConfig struct {
	Capacity      int                            `mapstructure:"capacity"`
	EvictFraction float64                        `mapstructure:"evict_fraction"`
	SweepInterval int                            `mapstructure:"sweep_interval"` // milliseconds
	SingleFlight  bool                           `mapstructure:"single_flight"`
	Strategies    map[string]CacheStrategyConfig `mapstructure:"strategies"`
}

type CacheStrategyConfig struct {
	TTL      int `mapstructure:"ttl"` // milliseconds
	Priority int `mapstructure:"priority"`
}

type ExecutorConfig struct {
	Timeout               int  `mapstructure:"timeout"` // milliseconds
	MaxRows               int  `mapstructure:"max_rows"`
	DisableInjectionCheck bool `mapstructure:"disable_injection_check"`
}

type TelemetryConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Index      string `mapstructure:"index"`
	BufferSize int    `mapstructure:"buffer_size"`
}
