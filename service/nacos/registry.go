package nacos

import (
	"strconv"
	"sync"

	"UniRide/logger"
	"UniRide/tools/errs"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"
)

// NamingClient is the part of the nacos naming client the registry uses.
type NamingClient interface {
	RegisterInstance(param vo.RegisterInstanceParam) (bool, error)
	DeregisterInstance(param vo.DeregisterInstanceParam) (bool, error)
}

type ServerConfig struct {
	Host      string
	Port      uint64
	Namespace string
	Username  string
	Password  string
}

func NewNamingClient(sc ServerConfig) (NamingClient, error) {
	clientConfig := *constant.NewClientConfig(
		constant.WithTimeoutMs(5000),
		constant.WithNamespaceId(sc.Namespace),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithUsername(sc.Username),
		constant.WithPassword(sc.Password),
		constant.WithLogLevel("warn"),
	)
	c, err := clients.NewNamingClient(vo.NacosClientParam{
		ClientConfig:  &clientConfig,
		ServerConfigs: []constant.ServerConfig{*constant.NewServerConfig(sc.Host, sc.Port)},
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "nacos naming client", "host", sc.Host)
	}
	return c, nil
}

// Instance describes this gateway node to the load balancer.
type Instance struct {
	ServiceName string
	Group       string
	IP          string
	Port        uint64 // websocket / REST port
	GrpcPort    uint64
	NodeID      string
}

// Registry keeps one ephemeral instance registered for the process
// lifetime.
type Registry struct {
	client NamingClient
	inst   Instance
	log    *zap.Logger

	mu         sync.Mutex
	registered bool
}

func NewRegistry(client NamingClient, inst Instance, log *zap.Logger) *Registry {
	if inst.Group == "" {
		inst.Group = "DEFAULT_GROUP"
	}
	return &Registry{client: client, inst: inst, log: logger.Or(log).Named("nacos-registry")}
}

func (r *Registry) metadata() map[string]string {
	return map[string]string{
		"protocol": "ws",
		"grpcPort": strconv.FormatUint(r.inst.GrpcPort, 10),
		"nodeId":   r.inst.NodeID,
	}
}

func (r *Registry) Register() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ok, err := r.client.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          r.inst.IP,
		Port:        r.inst.Port,
		ServiceName: r.inst.ServiceName,
		GroupName:   r.inst.Group,
		ClusterName: "DEFAULT",
		Weight:      1,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true,
		Metadata:    r.metadata(),
	})
	if err != nil {
		return errs.WrapMsg(err, "nacos register", "service", r.inst.ServiceName)
	}
	if !ok {
		return errs.New("nacos register returned false", "service", r.inst.ServiceName)
	}
	r.registered = true
	r.log.Info("instance registered", zap.String("service", r.inst.ServiceName),
		zap.String("ip", r.inst.IP), zap.Uint64("port", r.inst.Port))
	return nil
}

// Deregister is a no-op when Register never succeeded.
func (r *Registry) Deregister() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.registered {
		return nil
	}
	_, err := r.client.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          r.inst.IP,
		Port:        r.inst.Port,
		ServiceName: r.inst.ServiceName,
		GroupName:   r.inst.Group,
		Cluster:     "DEFAULT",
		Ephemeral:   true,
	})
	if err != nil {
		return errs.WrapMsg(err, "nacos deregister", "service", r.inst.ServiceName)
	}
	r.registered = false
	return nil
}
