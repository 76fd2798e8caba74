package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/viper"

	"github.com/weiawesome/wes-io-live/broadcast-service/internal/media"
	pkgconfig "github.com/weiawesome/wes-io-live/broadcast-service/pkg/config"
	"github.com/weiawesome/wes-io-live/broadcast-service/pkg/database"
	"github.com/weiawesome/wes-io-live/broadcast-service/pkg/log"
	"github.com/weiawesome/wes-io-live/broadcast-service/pkg/pubsub"
	"github.com/weiawesome/wes-io-live/broadcast-service/pkg/storage"
)

const defaultSTUNServer = "stun:stun.l.google.com:19302"

type Config struct {
	Server       ServerConfig
	WebRTC       WebRTCConfig
	Media        MediaConfig
	Orchestrator OrchestratorConfig
	Session      SessionConfig
	Timeline     TimelineConfig
	Storage      StorageConfig
	PubSub       pubsub.Config
	Log          log.Config
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Auth            AuthConfig    `mapstructure:"auth"`
}

// AuthConfig protects /api/v1 with HS256 bearer tokens when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
	Role      string `mapstructure:"role"`
}

func (c AuthConfig) Enabled() bool {
	return c.JWTSecret != ""
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type WebRTCConfig struct {
	ICEServers []ICEServerConfig `mapstructure:"ice_servers"`
	TurnKeyID  string            `mapstructure:"turn_key_id"`
	TurnKey    string            `mapstructure:"turn_key"`
}

type ICEServerConfig struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type MediaConfig struct {
	Kinds          []string `mapstructure:"kinds"`
	VideoCodec     string   `mapstructure:"video_codec"` // "vp8" or "vp9"
	BridgeCapacity int      `mapstructure:"bridge_capacity"`
	MTU            int      `mapstructure:"mtu"`
}

// MediaKinds parses Kinds. Video is always carried.
func (c MediaConfig) MediaKinds() ([]media.Kind, error) {
	kinds := []media.Kind{media.KindVideo}
	for _, s := range c.Kinds {
		kind, err := media.ParseKind(s)
		if err != nil {
			return nil, err
		}
		if kind == media.KindVideo {
			continue
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

type OrchestratorConfig struct {
	QueueSize int  `mapstructure:"queue_size"`
	AutoPlay  bool `mapstructure:"auto_play"`
}

type SessionConfig struct {
	NegotiationTimeout time.Duration      `mapstructure:"negotiation_timeout"`
	IDFormat           string             `mapstructure:"id_format"` // "uuid" or "ksuid"
	Store              SessionStoreConfig `mapstructure:"store"`
}

type SessionStoreConfig struct {
	Type     string             `mapstructure:"type"` // "none", "memory", "redis" or "database"
	Redis    SessionRedisConfig `mapstructure:"redis"`
	Database database.Config    `mapstructure:"database"`
}

type SessionRedisConfig struct {
	Address   string `mapstructure:"address"` // empty = use pubsub.redis
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
	TTL       int    `mapstructure:"ttl"` // seconds
}

type TimelineConfig struct {
	InitialClips []string `mapstructure:"initial_clips"`
	WatchDir     string   `mapstructure:"watch_dir"`
}

// StorageConfig is the clip library that storage:// uris resolve against.
type StorageConfig struct {
	storage.Config `mapstructure:",squash"`
	CacheDir       string `mapstructure:"cache_dir"`
}

// Load reads config/config.yaml (optional) under configDir, the environment
// and any flag overrides already bound to v by the caller.
func Load(configDir string) (*Config, error) {
	v, err := pkgconfig.Load(configDir, "config")
	if err != nil {
		return nil, err
	}
	return Decode(v)
}

// SetDefaults installs every default value and environment binding.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.auth.jwt_secret", "")
	v.SetDefault("server.auth.issuer", "")
	v.SetDefault("server.auth.role", "operator")

	v.SetDefault("media.kinds", []string{"video", "audio"})
	v.SetDefault("media.video_codec", "vp8")
	v.SetDefault("media.bridge_capacity", 100)
	v.SetDefault("media.mtu", 1200)

	v.SetDefault("orchestrator.queue_size", 100)
	v.SetDefault("orchestrator.auto_play", true)

	v.SetDefault("session.negotiation_timeout", 15*time.Second)
	v.SetDefault("session.id_format", "uuid")
	v.SetDefault("session.store.type", "memory")
	v.SetDefault("session.store.redis.address", "") // empty = use pubsub.redis
	v.SetDefault("session.store.redis.db", 2)
	v.SetDefault("session.store.redis.key_prefix", "broadcast:session:")
	v.SetDefault("session.store.redis.ttl", 86400) // 24 hours
	v.SetDefault("session.store.database.driver", "sqlite")
	v.SetDefault("session.store.database.file_path", "./data/sessions.db")
	v.SetDefault("session.store.database.sslmode", "disable")
	v.SetDefault("session.store.database.max_idle_conns", 2)
	v.SetDefault("session.store.database.max_open_conns", 10)
	v.SetDefault("session.store.database.log_level", "warn")

	v.SetDefault("timeline.initial_clips", []string{})
	v.SetDefault("timeline.watch_dir", "")

	v.SetDefault("storage.type", storage.TypeNone)
	v.SetDefault("storage.local.base_path", "./clips")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.use_path_style", false)
	v.SetDefault("storage.cache_dir", filepath.Join(os.TempDir(), "broadcast-clips"))

	v.SetDefault("pubsub.driver", pubsub.DriverNone)
	v.SetDefault("pubsub.redis.address", "localhost:6379")
	v.SetDefault("pubsub.redis.pool_size", 10)
	v.SetDefault("pubsub.redis.read_timeout", 3*time.Second)
	v.SetDefault("pubsub.redis.write_timeout", 3*time.Second)
	v.SetDefault("pubsub.kafka.brokers", "localhost:9092")
	v.SetDefault("pubsub.kafka.group_id", "broadcast-service")
	v.SetDefault("pubsub.kafka.partitions", 4)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.service_name", "broadcast-service")

	// Override from environment
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.auth.jwt_secret", "JWT_SECRET")
	v.BindEnv("webrtc.turn_key_id", "CF_TURN_ID")
	v.BindEnv("webrtc.turn_key", "CF_TURN_KEY")
	v.BindEnv("orchestrator.auto_play", "AUTO_PLAY")
	v.BindEnv("timeline.watch_dir", "CLIP_WATCH_DIR")
	v.BindEnv("session.store.type", "SESSION_STORE_TYPE")
	v.BindEnv("session.store.database.driver", "DB_DRIVER")
	v.BindEnv("session.store.database.host", "DB_HOST")
	v.BindEnv("session.store.database.port", "DB_PORT")
	v.BindEnv("session.store.database.user", "DB_USER")
	v.BindEnv("session.store.database.password", "DB_PASSWORD")
	v.BindEnv("session.store.database.dbname", "DB_NAME")
	v.BindEnv("storage.type", "STORAGE_TYPE")
	v.BindEnv("storage.s3.endpoint", "S3_ENDPOINT")
	v.BindEnv("storage.s3.bucket", "S3_BUCKET")
	v.BindEnv("storage.s3.access_key_id", "S3_ACCESS_KEY_ID")
	v.BindEnv("storage.s3.secret_access_key", "S3_SECRET_ACCESS_KEY")
	v.BindEnv("pubsub.driver", "PUBSUB_DRIVER")
	v.BindEnv("pubsub.redis.address", "REDIS_ADDRESS")
	v.BindEnv("pubsub.redis.password", "REDIS_PASSWORD")
	v.BindEnv("pubsub.kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("pubsub.kafka.group_id", "KAFKA_PUBSUB_GROUP_ID")
	v.BindEnv("log.level", "LOG_LEVEL")
}

// Decode applies defaults to v and unmarshals it.
func Decode(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.WebRTC.TurnKeyID == "" {
		cfg.WebRTC.TurnKeyID = os.Getenv("CF_TURN_ID")
	}
	if cfg.WebRTC.TurnKey == "" {
		cfg.WebRTC.TurnKey = os.Getenv("CF_TURN_KEY")
	}

	if cfg.Session.Store.Redis.Address == "" {
		cfg.Session.Store.Redis.Address = cfg.PubSub.Redis.Address
		cfg.Session.Store.Redis.Password = cfg.PubSub.Redis.Password
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the service cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	if _, err := c.Media.MediaKinds(); err != nil {
		return fmt.Errorf("invalid media.kinds: %w", err)
	}
	switch c.Media.VideoCodec {
	case "vp8", "vp9":
	default:
		return fmt.Errorf("invalid media.video_codec: %q", c.Media.VideoCodec)
	}
	if c.Media.BridgeCapacity <= 0 {
		return fmt.Errorf("invalid media.bridge_capacity: %d", c.Media.BridgeCapacity)
	}
	if c.Orchestrator.QueueSize <= 0 {
		return fmt.Errorf("invalid orchestrator.queue_size: %d", c.Orchestrator.QueueSize)
	}
	if c.Session.NegotiationTimeout <= 0 {
		return fmt.Errorf("invalid session.negotiation_timeout: %s", c.Session.NegotiationTimeout)
	}
	switch c.Session.Store.Type {
	case "", "none", "memory", "redis", "database":
	default:
		return fmt.Errorf("invalid session.store.type: %q", c.Session.Store.Type)
	}
	switch c.Storage.Type {
	case "", storage.TypeNone, storage.TypeLocal:
	case storage.TypeS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required")
		}
	default:
		return fmt.Errorf("invalid storage.type: %q", c.Storage.Type)
	}
	return nil
}

// GetICEServers returns the ICE servers configuration for WebRTC. Without any
// configured server a public STUN server is used.
func (c *WebRTCConfig) GetICEServers() ([]webrtc.ICEServer, error) {
	servers := make([]webrtc.ICEServer, 0, len(c.ICEServers)+1)

	for _, s := range c.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	// Add Cloudflare TURN if configured
	if c.TurnKeyID != "" && c.TurnKey != "" {
		turnServer, err := getCloudflareTURN(c.TurnKeyID, c.TurnKey)
		if err != nil {
			return servers, fmt.Errorf("failed to get cloudflare TURN credentials: %w", err)
		}
		servers = append(servers, *turnServer)
	}

	if len(servers) == 0 {
		servers = append(servers, webrtc.ICEServer{URLs: []string{defaultSTUNServer}})
	}

	return servers, nil
}

type cloudflareTURNResponse struct {
	ICEServers struct {
		URLs       []string `json:"urls"`
		Username   string   `json:"username"`
		Credential string   `json:"credential"`
	} `json:"iceServers"`
}

var turnEndpoint = "https://rtc.live.cloudflare.com/v1/turn/keys/%s/credentials/generate"

func getCloudflareTURN(keyID, key string) (*webrtc.ICEServer, error) {
	url := fmt.Sprintf(turnEndpoint, keyID)
	reqBody := []byte(`{"ttl": 86400}`)

	req, err := http.NewRequest(http.MethodPost, url, io.NopCloser(bytes.NewReader(reqBody)))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")
	req.ContentLength = int64(len(reqBody))

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("TURN API returned status: %d", resp.StatusCode)
	}

	var turnResp cloudflareTURNResponse
	if err := json.NewDecoder(resp.Body).Decode(&turnResp); err != nil {
		return nil, err
	}

	return &webrtc.ICEServer{
		URLs:       turnResp.ICEServers.URLs,
		Username:   turnResp.ICEServers.Username,
		Credential: turnResp.ICEServers.Credential,
	}, nil
}
