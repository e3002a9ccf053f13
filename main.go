package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"UniRide/global"
	"UniRide/global/config"
	"UniRide/logger"
	"UniRide/middleware"
	chatapi "UniRide/module/chat"
	"UniRide/module/user"
	"UniRide/service/chat"
	"UniRide/service/nacos"
	"UniRide/service/natsx"
	"UniRide/service/rpc"
	"UniRide/service/storage"
	"UniRide/tools/safe"
	"UniRide/tools/security"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

const shutdownTimeout = 20 * time.Second

func main() {
	cfgPath := flag.String("config", os.Getenv("RT_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Log.Fatal("load config", zap.Error(err))
	}
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		logger.Warn("bad log level, keeping default", zap.Error(err))
	}
	log := logger.Log

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Nacos.Enabled() {
		src, err := config.NewNacosSource(cfg.Nacos)
		if err != nil {
			log.Fatal("nacos client", zap.Error(err))
		}
		w := config.NewWatcher(src, *cfg)
		// only the log level is applied live; everything else needs a restart
		w.OnChange(func(c config.AppConfig) {
			if err := logger.SetLevel(c.LogLevel); err != nil {
				log.Warn("bad log level from nacos", zap.Error(err))
			}
		})
		if err := w.Start(ctx); err != nil {
			log.Fatal("nacos config", zap.Error(err))
		}
		cur := w.Current()
		cfg = &cur
	}

	b, err := global.ConfigAll(ctx, cfg)
	if err != nil {
		log.Fatal("backends", zap.Error(err))
	}

	verifier, err := security.NewVerifier(security.Options{
		Secret: []byte(cfg.JWT.Secret),
		Alg:    cfg.JWT.Alg,
		Issuer: cfg.JWT.Issuer,
	})
	if err != nil {
		log.Fatal("jwt verifier", zap.Error(err))
	}

	nodeID := cfg.NATS.Name
	if h, err := os.Hostname(); err == nil {
		nodeID = h
	}

	deps := chat.Deps{
		Store:    b.Store,
		Verifier: verifier,
		Registry: chat.RegistryConf{
			UnauthTTL:  cfg.WS.UnauthTTL,
			MaxPerUser: cfg.WS.MaxPerUser,
		},
		FanoutWorkers: cfg.Fanout.Workers,
		FanoutQueue:   cfg.Fanout.Queue,
		Logger:        log,
	}
	if b.MongoDB != nil {
		deps.Names = user.NewDirectory(b.Redis, user.NewMongoProfiles(b.MongoDB), cfg.Redis.ProfileTTL)
	}
	var (
		presence chat.MultiPresence
		mirror   *storage.PresenceMirror
	)
	if b.Redis != nil {
		mirror = storage.NewPresenceMirror(b.Redis, nodeID, cfg.Redis.PresenceTTL, log)
		presence = append(presence, mirror)
	}
	if b.Nats != nil {
		pub, err := natsx.NewPresencePublisher(b.Nats, cfg.NATS.PresenceSubject, nodeID, log)
		if err != nil {
			log.Warn("presence publisher", zap.Error(err))
		} else {
			presence = append(presence, pub)
		}
	}
	if len(presence) > 0 {
		deps.Presence = presence
	}
	if b.Kafka != nil {
		deps.Events = b.Kafka
	}

	srv := chat.NewServer(chat.ServerConf{
		ReadLimit:      cfg.WS.ReadLimit,
		PingInterval:   cfg.WS.PingInterval,
		PongWait:       cfg.WS.PongWait,
		WriteWait:      cfg.WS.WriteWait,
		SendQueue:      cfg.WS.SendQueue,
		EventRate:      cfg.WS.EventRate,
		EventBurst:     cfg.WS.EventBurst,
		AllowedOrigins: originsOrNil(cfg.HTTP.CorsOrigins),
	}, deps)
	srv.Start()

	var ingress *natsx.NotificationIngress
	if b.Nats != nil {
		ingress = natsx.NewNotificationIngress(b.Nats, srv.Notifier(), log)
		if err := ingress.Start(cfg.NATS.NotifySubject, cfg.NATS.NotifyQueue); err != nil {
			log.Fatal("notification ingress", zap.Error(err))
		}
	}

	health, err := rpc.NewHealthServer(cfg.HTTP.GrpcAddr, log)
	if err != nil {
		log.Fatal("grpc health", zap.Error(err))
	}
	if b.Mongo != nil {
		b.Mongo.OnHealth(health.SetServing)
	} else {
		health.SetServing(true)
	}
	safe.SafeGo("grpc-health", func() {
		if err := health.Serve(); err != nil {
			log.Error("grpc health stopped", zap.Error(err))
		}
	})

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	mm := middleware.NewManager()
	mm.Add(middleware.Recovery(log))
	mm.Add(middleware.AccessLog(log.Named("http")))
	r.Use(mm.Use())

	r.GET("/ws", srv.HandleWS)
	r.GET("/health", func(c *gin.Context) {
		status, code := "ok", http.StatusOK
		if b.Mongo != nil && !b.Mongo.Healthy() {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		conns, users := srv.Registry().Count()
		c.JSON(code, gin.H{"status": status, "connections": conns, "users": users})
	})
	api := chatapi.NewAPI(srv, b.Store, log)
	if mirror != nil {
		api.WithPresence(mirror)
	}
	api.Register(r, middleware.Guard{Verifier: verifier, InternalKey: cfg.HTTP.InternalKey})

	handler := cors.New(cors.Options{
		AllowedOrigins:   cfg.HTTP.CorsOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}).Handler(r)

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	safe.SafeGo("http", func() {
		log.Info("http listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server", zap.Error(err))
		}
	})

	var registry *nacos.Registry
	if cfg.Nacos.RegistryEnabled() {
		nc, err := nacos.NewNamingClient(nacos.ServerConfig{
			Host:      cfg.Nacos.Host,
			Port:      cfg.Nacos.Port,
			Namespace: cfg.Nacos.Namespace,
			Username:  cfg.Nacos.Username,
			Password:  cfg.Nacos.Password,
		})
		if err != nil {
			log.Warn("nacos naming", zap.Error(err))
		} else {
			registry = nacos.NewRegistry(nc, nacos.Instance{
				ServiceName: cfg.Nacos.ServiceName,
				Group:       cfg.Nacos.Group,
				IP:          cfg.Nacos.AdvertiseIP,
				Port:        portOf(cfg.HTTP.Addr),
				GrpcPort:    portOf(cfg.HTTP.GrpcAddr),
				NodeID:      nodeID,
			}, log)
			if err := registry.Register(); err != nil {
				log.Warn("nacos register", zap.Error(err))
			}
		}
	}

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"http": func(ctx context.Context) error {
				if registry != nil {
					if err := registry.Deregister(); err != nil {
						log.Warn("nacos deregister", zap.Error(err))
					}
				}
				return httpSrv.Shutdown(ctx)
			},
			"grpc": func(ctx context.Context) error {
				return health.Stop(ctx)
			},
			"realtime": func(ctx context.Context) error {
				if ingress != nil {
					ingress.Close()
				}
				srv.Close()
				if mirror != nil {
					mirror.Close()
				}
				return b.Close(ctx)
			},
		},
	)
	exitCode := <-wait
	cancel()
	log.Info("exited", zap.Int("code", exitCode))
	logger.Sync()
	os.Exit(exitCode)
}

func portOf(addr string) uint64 {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseUint(port, 10, 64)
	return n
}

// originsOrNil turns the wildcard into "accept any origin" for the
// websocket upgrader.
func originsOrNil(origins []string) []string {
	for _, o := range origins {
		if o == "*" {
			return nil
		}
	}
	return origins
}
