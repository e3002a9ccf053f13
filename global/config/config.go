package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type HTTPConfig struct {
	Addr        string   `yaml:"addr"`
	GrpcAddr    string   `yaml:"grpcAddr"`
	CorsOrigins []string `yaml:"corsOrigins"`
	InternalKey string   `yaml:"internalKey"` // shared secret for /internal producer routes
}

type WSConfig struct {
	ReadLimit    int64         `yaml:"readLimit"`
	PingInterval time.Duration `yaml:"pingInterval"`
	PongWait     time.Duration `yaml:"pongWait"`
	WriteWait    time.Duration `yaml:"writeWait"`
	SendQueue    int           `yaml:"sendQueue"`
	UnauthTTL    time.Duration `yaml:"unauthTTL"` // 0 keeps anonymous connections open
	MaxPerUser   int           `yaml:"maxPerUser"`
	EventRate    float64       `yaml:"eventRate"` // inbound events per second per connection
	EventBurst   int           `yaml:"eventBurst"`
}

type JWTConfig struct {
	Secret string `yaml:"secret"`
	Alg    string `yaml:"alg"`
	Issuer string `yaml:"issuer"`
}

type MongoConfig struct {
	Uri         string `yaml:"uri"`
	Database    string `yaml:"database"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	AuthSource  string `yaml:"authSource"`
	MaxPoolSize int    `yaml:"maxPoolSize"`
	MaxRetry    int    `yaml:"maxRetry"`
}

type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"poolSize"`
	PresenceTTL time.Duration `yaml:"presenceTTL"`
	ProfileTTL  time.Duration `yaml:"profileTTL"`
}

type NATSConfig struct {
	Servers         []string `yaml:"servers"`
	Name            string   `yaml:"name"`
	User            string   `yaml:"user"`
	Password        string   `yaml:"password"`
	NotifySubject   string   `yaml:"notifySubject"`
	NotifyQueue     string   `yaml:"notifyQueue"` // set only when a single node serves every user
	PresenceSubject string   `yaml:"presenceSubject"`
}

type KafkaConfig struct {
	Brokers      []string `yaml:"brokers"`
	MessageTopic string   `yaml:"messageTopic"`
	Version      string   `yaml:"version"`
	Compression  string   `yaml:"compression"`
	Retries      int      `yaml:"retries"`

	EnsureTopic       bool  `yaml:"ensureTopic"`
	Partitions        int32 `yaml:"partitions"`
	ReplicationFactor int16 `yaml:"replicationFactor"`
}

type NacosConfig struct {
	Host      string `yaml:"host"`
	Port      uint64 `yaml:"port"`
	Namespace string `yaml:"namespace"`
	DataID    string `yaml:"dataId"`
	Group     string `yaml:"group"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`

	// instance registration for discovery; skipped without AdvertiseIP
	ServiceName string `yaml:"serviceName"`
	AdvertiseIP string `yaml:"advertiseIp"`
}

func (n NacosConfig) Enabled() bool { return n.Host != "" && n.DataID != "" }

func (n NacosConfig) RegistryEnabled() bool {
	return n.Host != "" && n.ServiceName != "" && n.AdvertiseIP != ""
}

type FanoutConfig struct {
	Workers int `yaml:"workers"` // 0 delivers inline on the caller goroutine
	Queue   int `yaml:"queue"`
}

// AppConfig is the full process configuration. Backends with an empty
// address are left unwired and the gateway falls back to in-process stores.
type AppConfig struct {
	NodeID   int64        `yaml:"nodeId"`
	LogLevel string       `yaml:"logLevel"`
	HTTP     HTTPConfig   `yaml:"http"`
	WS       WSConfig     `yaml:"ws"`
	JWT      JWTConfig    `yaml:"jwt"`
	Mongo    MongoConfig  `yaml:"mongo"`
	Redis    RedisConfig  `yaml:"redis"`
	NATS     NATSConfig   `yaml:"nats"`
	Kafka    KafkaConfig  `yaml:"kafka"`
	Nacos    NacosConfig  `yaml:"nacos"`
	Fanout   FanoutConfig `yaml:"fanout"`
}

func Default() AppConfig {
	return AppConfig{
		NodeID:   1,
		LogLevel: "info",
		HTTP: HTTPConfig{
			Addr:        ":8080",
			GrpcAddr:    ":50051",
			CorsOrigins: []string{"*"},
		},
		WS: WSConfig{
			ReadLimit:    64 * 1024,
			PingInterval: 25 * time.Second,
			PongWait:     60 * time.Second,
			WriteWait:    10 * time.Second,
			SendQueue:    256,
			EventRate:    20,
			EventBurst:   40,
		},
		JWT:   JWTConfig{Alg: "HS256"},
		Mongo: MongoConfig{Database: "uniride", MaxPoolSize: 50, MaxRetry: 3},
		Redis: RedisConfig{
			PresenceTTL: 90 * time.Second,
			ProfileTTL:  10 * time.Minute,
		},
		NATS: NATSConfig{
			Name:            "rt-gateway",
			NotifySubject:   "notify.created",
			NotifyQueue:     "", // no queue group: every node gets every notification
			PresenceSubject: "presence.changed",
		},
		Kafka: KafkaConfig{
			MessageTopic: "chat.message.created",
			Version:      "2.8.0",
			Retries:      3,
			Partitions:   12,
		},
		Nacos:  NacosConfig{Port: 8848, Group: "DEFAULT_GROUP", ServiceName: "uniride-rt"},
		Fanout: FanoutConfig{Workers: 8, Queue: 1024},
	}
}

// Load builds the config from defaults, then the YAML file at path (skipped
// when path is empty), then RT_* environment variables.
func Load(path string) (*AppConfig, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := cfg.MergeYAML(b); err != nil {
			return nil, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MergeYAML overlays b onto c; keys absent from b keep their current value.
func (c *AppConfig) MergeYAML(b []byte) error {
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

func (c *AppConfig) Validate() error {
	var problems []error
	if c.JWT.Secret == "" {
		problems = append(problems, errors.New("jwt.secret is required (RT_JWT_SECRET)"))
	}
	if c.HTTP.Addr == "" {
		problems = append(problems, errors.New("http.addr is required"))
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		problems = append(problems, fmt.Errorf("nodeId %d out of range [0,1023]", c.NodeID))
	}
	if c.WS.PongWait <= c.WS.PingInterval {
		problems = append(problems, fmt.Errorf("ws.pongWait (%s) must exceed ws.pingInterval (%s)", c.WS.PongWait, c.WS.PingInterval))
	}
	if c.WS.SendQueue <= 0 {
		problems = append(problems, errors.New("ws.sendQueue must be positive"))
	}
	if c.Fanout.Workers < 0 {
		problems = append(problems, errors.New("fanout.workers must not be negative"))
	}
	return errors.Join(problems...)
}
