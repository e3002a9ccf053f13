package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment overrides. Lists are comma separated.
//
//	RT_NODE_ID  RT_LOG_LEVEL  RT_HTTP_ADDR  RT_GRPC_ADDR  RT_CORS_ORIGINS  RT_INTERNAL_KEY
//	RT_JWT_SECRET  RT_JWT_ALG  RT_JWT_ISSUER
//	RT_MONGO_URI  RT_MONGO_DB  RT_MONGO_USER  RT_MONGO_PASSWORD
//	RT_REDIS_ADDR  RT_REDIS_PASSWORD  RT_REDIS_DB
//	RT_NATS_SERVERS  RT_NATS_USER  RT_NATS_PASSWORD
//	RT_KAFKA_BROKERS  RT_KAFKA_TOPIC
//	RT_NACOS_HOST  RT_NACOS_PORT  RT_NACOS_NAMESPACE  RT_NACOS_DATA_ID  RT_NACOS_GROUP  RT_NACOS_ADVERTISE_IP
//	RT_WS_UNAUTH_TTL  RT_WS_MAX_PER_USER  RT_FANOUT_WORKERS
func applyEnv(c *AppConfig) {
	c.NodeID = int64(GetEnvInt("RT_NODE_ID", int(c.NodeID)))
	c.LogLevel = GetEnv("RT_LOG_LEVEL", c.LogLevel)

	c.HTTP.Addr = GetEnv("RT_HTTP_ADDR", c.HTTP.Addr)
	c.HTTP.GrpcAddr = GetEnv("RT_GRPC_ADDR", c.HTTP.GrpcAddr)
	c.HTTP.CorsOrigins = GetEnvList("RT_CORS_ORIGINS", c.HTTP.CorsOrigins)
	c.HTTP.InternalKey = GetEnv("RT_INTERNAL_KEY", c.HTTP.InternalKey)

	c.JWT.Secret = GetEnv("RT_JWT_SECRET", c.JWT.Secret)
	c.JWT.Alg = GetEnv("RT_JWT_ALG", c.JWT.Alg)
	c.JWT.Issuer = GetEnv("RT_JWT_ISSUER", c.JWT.Issuer)

	c.Mongo.Uri = GetEnv("RT_MONGO_URI", c.Mongo.Uri)
	c.Mongo.Database = GetEnv("RT_MONGO_DB", c.Mongo.Database)
	c.Mongo.Username = GetEnv("RT_MONGO_USER", c.Mongo.Username)
	c.Mongo.Password = GetEnv("RT_MONGO_PASSWORD", c.Mongo.Password)

	c.Redis.Addr = GetEnv("RT_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = GetEnv("RT_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = GetEnvInt("RT_REDIS_DB", c.Redis.DB)

	c.NATS.Servers = GetEnvList("RT_NATS_SERVERS", c.NATS.Servers)
	c.NATS.User = GetEnv("RT_NATS_USER", c.NATS.User)
	c.NATS.Password = GetEnv("RT_NATS_PASSWORD", c.NATS.Password)

	c.Kafka.Brokers = GetEnvList("RT_KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.MessageTopic = GetEnv("RT_KAFKA_TOPIC", c.Kafka.MessageTopic)

	c.Nacos.Host = GetEnv("RT_NACOS_HOST", c.Nacos.Host)
	c.Nacos.Port = uint64(GetEnvInt("RT_NACOS_PORT", int(c.Nacos.Port)))
	c.Nacos.Namespace = GetEnv("RT_NACOS_NAMESPACE", c.Nacos.Namespace)
	c.Nacos.DataID = GetEnv("RT_NACOS_DATA_ID", c.Nacos.DataID)
	c.Nacos.Group = GetEnv("RT_NACOS_GROUP", c.Nacos.Group)
	c.Nacos.AdvertiseIP = GetEnv("RT_NACOS_ADVERTISE_IP", c.Nacos.AdvertiseIP)

	c.WS.UnauthTTL = GetEnvDuration("RT_WS_UNAUTH_TTL", c.WS.UnauthTTL)
	c.WS.MaxPerUser = GetEnvInt("RT_WS_MAX_PER_USER", c.WS.MaxPerUser)
	c.Fanout.Workers = GetEnvInt("RT_FANOUT_WORKERS", c.Fanout.Workers)
}

func GetEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func GetEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func GetEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func GetEnvList(key string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
