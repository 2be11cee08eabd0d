package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config carries connection and policy settings only. Learned search and
// extraction parameters never come from here; they are resolved through
// the config provider.
type Config struct {
	Server      ServerConfig
	Neo4j       Neo4jConfig
	Milvus      MilvusConfig
	SQLite      SQLiteConfig
	Redis       RedisConfig
	LLM         LLMConfig
	Corpus      CorpusConfig
	Enforcement EnforcementConfig
	StateBridge StateBridgeConfig
	Bus         BusConfig
	Training    TrainingConfig
	Feedback    FeedbackConfig
	RateLimit   RateLimitConfig
	Logging     LoggingConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	ReadTimeout    int
	WriteTimeout   int
	BodyLimit      int
	AllowedOrigins []string
	Development    bool
}

type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

type MilvusConfig struct {
	Address        string
	APIKey         string
	CollectionName string
	VectorDim      int
}

type SQLiteConfig struct {
	Path string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type LLMConfig struct {
	Model          string
	APIKey         string
	Temperature    float32
	MaxTokens      int
	EmbeddingModel string
	EmbeddingTTL   time.Duration
}

type CorpusConfig struct {
	Root                 string
	MinDocumentTokens    int
	// MinReliableDocuments is the corpus size from which learned thresholds
	// are trusted at full confidence.
	MinReliableDocuments int
	ChunkSize            int
	ChunkOverlap         int
}

// EnforcementConfig selects how provenance violations are treated.
type EnforcementConfig struct {
	Mode              string
	ForbiddenPatterns []string
}

type StateBridgeConfig struct {
	KeyPrefix    string
	HistoryLimit int64
	LockTTL      time.Duration
}

type BusConfig struct {
	Enabled          bool
	StreamPrefix     string
	Identity         string
	PeerIdentity     string
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	BlockTimeout     time.Duration
	BatchSize        int64
}

type TrainingConfig struct {
	Enabled      bool
	QueueName    string
	PollInterval time.Duration
	JobTimeout   time.Duration
}

// FeedbackConfig sizes the execution windows the feedback loop reads.
type FeedbackConfig struct {
	Window   int
	Baseline int
	Recent   int
}

type RateLimitConfig struct {
	MaxRequestsPerMinute int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/trimodal")

	v.SetEnvPrefix("TRIMODAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Enforcement.Mode {
	case "development", "production":
	default:
		return fmt.Errorf("invalid enforcement mode %q (want development or production)", c.Enforcement.Mode)
	}
	if len(c.Enforcement.ForbiddenPatterns) == 0 {
		return fmt.Errorf("enforcement.forbiddenPatterns must not be empty")
	}
	if c.Feedback.Baseline < 2 || c.Feedback.Recent < 1 || c.Feedback.Window < 1 {
		return fmt.Errorf("feedback windows must be positive with baseline >= 2")
	}
	if c.Feedback.Window < c.Feedback.Baseline+c.Feedback.Recent {
		return fmt.Errorf("feedback window %d must cover baseline+recent (%d)", c.Feedback.Window, c.Feedback.Baseline+c.Feedback.Recent)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.bodyLimit", 10485760)
	v.SetDefault("server.allowedOrigins", []string{"*"})
	v.SetDefault("server.development", false)

	v.SetDefault("neo4j.uri", "bolt://localhost:7687")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")
	v.SetDefault("neo4j.database", "neo4j")

	v.SetDefault("milvus.address", "localhost:19530")
	v.SetDefault("milvus.collectionName", "domain_chunks")
	v.SetDefault("milvus.vectorDim", 1536)

	v.SetDefault("sqlite.path", "./data/trimodal.db")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.maxTokens", 1500)
	v.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	v.SetDefault("llm.embeddingTTL", 24*time.Hour)

	v.SetDefault("corpus.root", "./data/corpus")
	v.SetDefault("corpus.minDocumentTokens", 1)
	v.SetDefault("corpus.minReliableDocuments", 30)
	v.SetDefault("corpus.chunkSize", 1000)
	v.SetDefault("corpus.chunkOverlap", 100)

	v.SetDefault("enforcement.mode", "production")
	v.SetDefault("enforcement.forbiddenPatterns", []string{
		`(?i)hardcoded`,
		`(?i)\bdefault`,
		`(?i)fallback`,
		`(?i)placeholder`,
		`(?i)\bmock`,
	})

	v.SetDefault("stateBridge.keyPrefix", "statebridge")
	v.SetDefault("stateBridge.historyLimit", 10)
	v.SetDefault("stateBridge.lockTTL", 10*time.Second)

	v.SetDefault("bus.enabled", true)
	v.SetDefault("bus.streamPrefix", "graphcomm")
	v.SetDefault("bus.identity", "search")
	v.SetDefault("bus.peerIdentity", "config_extraction")
	v.SetDefault("bus.handshakeTimeout", 5*time.Second)
	v.SetDefault("bus.requestTimeout", 10*time.Second)
	v.SetDefault("bus.blockTimeout", 2*time.Second)
	v.SetDefault("bus.batchSize", 16)

	v.SetDefault("training.enabled", false)
	v.SetDefault("training.queueName", "training:jobs")
	v.SetDefault("training.pollInterval", 5*time.Second)
	v.SetDefault("training.jobTimeout", 30*time.Minute)

	v.SetDefault("feedback.window", 100)
	v.SetDefault("feedback.baseline", 50)
	v.SetDefault("feedback.recent", 10)

	v.SetDefault("rateLimit.maxRequestsPerMinute", 120)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
