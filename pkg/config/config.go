package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"RevEngine/internal/service/retry"
	xhttp "RevEngine/pkg/http"
	"RevEngine/pkg/logger"
)

type Config struct {
	Environment  string             `yaml:"environment" default:"development" validate:"oneof=development staging production test"`
	Server       xhttp.ServerConfig `yaml:"server"`
	Logger       logger.Config      `yaml:"logger"`
	LogCollector LogCollector       `yaml:"log_collector"`
	Engine       Engine             `yaml:"engine"`
	Cache        Cache              `yaml:"cache"`
	Redis        Redis              `yaml:"redis"`
	Detection    Detection          `yaml:"detection"`
	Lifecycle    Lifecycle          `yaml:"lifecycle"`
	Optimizer    Optimizer          `yaml:"optimizer"`
	Ingest       Ingest             `yaml:"ingest"`
	Kafka        Kafka              `yaml:"kafka"`
	ClickHouse   ClickHouse         `yaml:"clickhouse"`
	Events       Events             `yaml:"events"`
	Executor     Executor           `yaml:"executor"`
}

// LogCollector aggregates error logs and ships them to Kafka.
type LogCollector struct {
	Enabled        bool          `yaml:"enabled"`
	Topic          string        `yaml:"topic" default:"revengine.errors"`
	Interval       time.Duration `yaml:"interval" default:"30s"`
	CountThreshold int           `yaml:"count_threshold" default:"100" validate:"min=1"`
}

type Engine struct {
	AutoPropose bool `yaml:"auto_propose" default:"true"`
	RecentSize  int  `yaml:"recent_size" default:"256" validate:"min=1"`
}

// Cache tunes the in-memory snapshot cache and its optional latest-value
// mirror.
type Cache struct {
	Retention    time.Duration `yaml:"retention" default:"24h"`
	MaxPerSeries int           `yaml:"max_per_series" default:"1000" validate:"min=1"`
	Mirror       string        `yaml:"mirror" default:"none" validate:"oneof=none memory redis"`
	MirrorTTL    time.Duration `yaml:"mirror_ttl" default:"1h"`
	MirrorSize   int           `yaml:"mirror_size" default:"10000" validate:"min=1"`
}

type Redis struct {
	Addr         string        `yaml:"addr" default:"localhost:6379"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db" validate:"min=0"`
	PoolSize     int           `yaml:"pool_size" default:"10" validate:"min=1"`
	MinIdleConns int           `yaml:"min_idle_conns" default:"2"`
	PoolTimeout  time.Duration `yaml:"pool_timeout" default:"4s"`
	Prefix       string        `yaml:"prefix" default:"revengine"`
}

type Rule struct {
	Name     string  `yaml:"name" validate:"required,oneof=price_above_ma volume_above_average breakout"`
	Enabled  bool    `yaml:"enabled" default:"true"`
	MinRatio float64 `yaml:"min_ratio" default:"1" validate:"gte=0"`
	Lookback int     `yaml:"lookback" default:"20" validate:"gte=0"`
}

// UnmarshalYAML defaults each list element before decoding it, so an
// explicit false survives.
func (r *Rule) UnmarshalYAML(n *yaml.Node) error {
	if err := defaults.Set(r); err != nil {
		return err
	}
	type plain Rule
	return n.Decode((*plain)(r))
}

type Detection struct {
	HistoryDepth int    `yaml:"history_depth" default:"50" validate:"min=0"`
	Rules        []Rule `yaml:"rules" validate:"dive"`
}

type Lifecycle struct {
	MinObservations int `yaml:"min_observations" default:"3" validate:"min=1"`
	MaxHistory      int `yaml:"max_history" default:"500" validate:"min=0"`
}

type Optimizer struct {
	Enabled     bool          `yaml:"enabled" default:"true"`
	Interval    time.Duration `yaml:"interval" default:"1m"`
	Scorer      string        `yaml:"scorer" default:"mean" validate:"oneof=mean sharpe"`
	Metric      string        `yaml:"metric" default:"pnl" validate:"required"`
	MinSamples  int           `yaml:"min_samples" default:"3" validate:"min=1"`
	InitialStep float64       `yaml:"initial_step" default:"0.05" validate:"gt=0"`
	MinStep     float64       `yaml:"min_step" default:"0.001" validate:"gt=0"`
}

// Ingest bounds every inbound snapshot path.
type Ingest struct {
	MaxRPS float64 `yaml:"max_rps" default:"20" validate:"gte=0"`
	Burst  int     `yaml:"burst" default:"20" validate:"min=1"`
	// DefaultSource fills snapshots that arrive without one.
	DefaultSource    string `yaml:"default_source"`
	UppercaseSymbols bool   `yaml:"uppercase_symbols"`
	Feed             Feed   `yaml:"feed"`
}

type Feed struct {
	Enabled      bool          `yaml:"enabled"`
	URL          string        `yaml:"url" validate:"omitempty,url"`
	Source       string        `yaml:"source" default:"feed"`
	Symbols      []string      `yaml:"symbols"`
	PingInterval time.Duration `yaml:"ping_interval" default:"30s"`
	Retry        retry.Policy  `yaml:"retry"`
}

type Kafka struct {
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	SnapshotTopic string        `yaml:"snapshot_topic" default:"revengine.snapshots"`
	EventTopic    string        `yaml:"event_topic" default:"revengine.events"`
	RequiredAcks  int           `yaml:"required_acks" default:"-1" validate:"oneof=-1 0 1"`
	Compression   string        `yaml:"compression" default:"snappy" validate:"oneof=none gzip snappy lz4 zstd"`
	Producer      KafkaProducer `yaml:"producer"`
	Consumer      KafkaConsumer `yaml:"consumer"`
}

type KafkaProducer struct {
	MaxAttempts  int           `yaml:"max_attempts" default:"5" validate:"min=1"`
	Linger       time.Duration `yaml:"linger" default:"10ms"`
	BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
	BatchSize    int           `yaml:"batch_size" default:"100" validate:"min=1"`
	WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
	ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
	Async        bool          `yaml:"async"`
}

type KafkaConsumer struct {
	Enabled    bool          `yaml:"enabled"`
	GroupID    string        `yaml:"group_id" default:"revengine"`
	Workers    int           `yaml:"workers" default:"4" validate:"min=1"`
	BufferSize int           `yaml:"buffer_size" default:"1000" validate:"min=1"`
	RetryMax   int           `yaml:"retry_max" default:"3" validate:"min=0"`
	BackoffMin time.Duration `yaml:"backoff_min" default:"100ms"`
	BackoffMax time.Duration `yaml:"backoff_max" default:"5s"`
	DLQTopic   string        `yaml:"dlq_topic" default:"revengine.snapshots.dlq"`
	MinBytes   int           `yaml:"min_bytes" default:"1"`
	MaxBytes   int           `yaml:"max_bytes" default:"10485760"`
}

type ClickHouse struct {
	Host             string        `yaml:"host" default:"localhost"`
	Port             int           `yaml:"port" default:"9000" validate:"min=1,max=65535"`
	Database         string        `yaml:"database" default:"revengine"`
	User             string        `yaml:"user" default:"default"`
	Password         string        `yaml:"password"`
	Table            string        `yaml:"table" default:"engine_events"`
	UseHTTP          bool          `yaml:"use_http"`
	AsyncInsert      bool          `yaml:"async_insert" default:"true"`
	WaitForAsync     bool          `yaml:"wait_for_async_insert"`
	MaxOpenConns     int           `yaml:"max_open_conns" default:"10"`
	MaxIdleConns     int           `yaml:"max_idle_conns" default:"5"`
	DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
	ReadTimeout      time.Duration `yaml:"read_timeout" default:"30s"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"60s"`
}

// Events selects where the event trail goes. Store is the queryable copy
// served by the API; Kafka publishing is added on top when kafka is enabled.
type Events struct {
	Store          string        `yaml:"store" default:"memory" validate:"oneof=memory sqlite clickhouse"`
	MemoryCapacity int           `yaml:"memory_capacity" default:"10000" validate:"min=1"`
	SQLitePath     string        `yaml:"sqlite_path" default:"data/events.db"`
	Retention      time.Duration `yaml:"retention" default:"720h"`
	Buffer         int           `yaml:"buffer" default:"1024" validate:"min=1"`
	EmitTimeout    time.Duration `yaml:"emit_timeout" default:"5s"`
}

type Executor struct {
	Mode    string        `yaml:"mode" default:"dryrun" validate:"oneof=dryrun http"`
	URL     string        `yaml:"url" validate:"omitempty,url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout" default:"10s"`
	Retry   retry.Policy  `yaml:"retry"`
}

// Load reads a YAML file, fills defaults for every omitted field and
// validates the result. ${VAR} references in the file are expanded from the
// environment.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes raw YAML into a defaulted, validated Config.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(os.ExpandEnv(string(b)))))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// LoadWithEnv loads .env (when present), then the YAML file, then applies
// environment overrides.
func LoadWithEnv(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"REVENGINE_ENV":       &c.Environment,
		"LOG_LEVEL":           &c.Logger.Level,
		"LOG_FORMAT":          &c.Logger.Format,
		"REDIS_ADDR":          &c.Redis.Addr,
		"REDIS_PASSWORD":      &c.Redis.Password,
		"CLICKHOUSE_HOST":     &c.ClickHouse.Host,
		"CLICKHOUSE_PASSWORD": &c.ClickHouse.Password,
		"EVENTS_STORE":        &c.Events.Store,
		"EXECUTOR_MODE":       &c.Executor.Mode,
		"EXECUTOR_URL":        &c.Executor.URL,
		"EXECUTOR_TOKEN":      &c.Executor.Token,
		"FEED_URL":            &c.Ingest.Feed.URL,
	}
	for k, dst := range str {
		if v, ok := lookup(k); ok && v != "" {
			*dst = v
		}
	}
	lists := map[string]*[]string{
		"KAFKA_BROKERS": &c.Kafka.Brokers,
		"FEED_SYMBOLS":  &c.Ingest.Feed.Symbols,
	}
	for k, dst := range lists {
		if v, ok := lookup(k); ok && v != "" {
			*dst = splitList(v)
		}
	}
	if v, ok := lookup("HTTP_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HTTP_PORT: %w", err)
		}
		c.Server.Port = port
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// breakoutLookback mirrors the detector's default when lookback is 0.
const breakoutLookback = 20

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the rules that span sections.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required when kafka is enabled")
	}
	if c.Kafka.Consumer.Enabled && !c.Kafka.Enabled {
		return errors.New("kafka.consumer requires kafka.enabled")
	}
	if c.LogCollector.Enabled && !c.Kafka.Enabled {
		return errors.New("log_collector requires kafka.enabled")
	}
	if c.Ingest.Feed.Enabled && c.Ingest.Feed.URL == "" {
		return errors.New("ingest.feed.url is required when the feed is enabled")
	}
	if c.Executor.Mode == "http" && c.Executor.URL == "" {
		return errors.New("executor.url is required in http mode")
	}
	if c.Optimizer.MinStep > c.Optimizer.InitialStep {
		return errors.New("optimizer.min_step exceeds optimizer.initial_step")
	}
	for _, r := range c.Detection.Rules {
		if r.Name != "breakout" || !r.Enabled {
			continue
		}
		// the window also holds the snapshot being evaluated
		lookback := r.Lookback
		if lookback <= 0 {
			lookback = breakoutLookback
		}
		if lookback >= c.Detection.HistoryDepth {
			return fmt.Errorf("detection.rules: breakout lookback %d needs history_depth above it, got %d", lookback, c.Detection.HistoryDepth)
		}
	}
	return nil
}
