package config

import (
	"context"
	"fmt"
	"sync"

	"UniRide/logger"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"go.uber.org/zap"
)

// Source is the part of the nacos config client the watcher needs.
type Source interface {
	GetConfig(param vo.ConfigParam) (string, error)
	ListenConfig(param vo.ConfigParam) error
	CancelListenConfig(param vo.ConfigParam) error
}

// Watcher keeps an AppConfig in sync with a YAML document stored in nacos.
// Remote content is overlaid on the local config it was created with, so a
// remote document only needs the keys it wants to change.
type Watcher struct {
	src   Source
	param vo.ConfigParam
	base  AppConfig

	mu       sync.RWMutex
	current  AppConfig
	handlers []func(AppConfig)
}

func NewNacosSource(nc NacosConfig) (Source, error) {
	serverConfigs := []constant.ServerConfig{
		*constant.NewServerConfig(nc.Host, nc.Port),
	}
	clientConfig := *constant.NewClientConfig(
		constant.WithTimeoutMs(5000),
		constant.WithNamespaceId(nc.Namespace),
		constant.WithNotLoadCacheAtStart(true),
		constant.WithUsername(nc.Username),
		constant.WithPassword(nc.Password),
		constant.WithLogLevel("warn"),
	)
	return clients.NewConfigClient(vo.NacosClientParam{
		ClientConfig:  &clientConfig,
		ServerConfigs: serverConfigs,
	})
}

func NewWatcher(src Source, base AppConfig) *Watcher {
	return &Watcher{
		src:     src,
		param:   vo.ConfigParam{DataId: base.Nacos.DataID, Group: base.Nacos.Group},
		base:    base,
		current: base,
	}
}

// OnChange registers fn to run after every accepted remote update.
func (w *Watcher) OnChange(fn func(AppConfig)) {
	w.mu.Lock()
	w.handlers = append(w.handlers, fn)
	w.mu.Unlock()
}

func (w *Watcher) Current() AppConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start fetches the document once, then listens until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	content, err := w.src.GetConfig(w.param)
	if err != nil {
		return fmt.Errorf("nacos get %s/%s: %w", w.param.Group, w.param.DataId, err)
	}
	if err := w.apply(content); err != nil {
		return err
	}

	listen := w.param
	listen.OnChange = func(namespace, group, dataId, data string) {
		if err := w.apply(data); err != nil {
			logger.Log.Warn("[Nacos] rejected config update",
				zap.String("dataId", dataId), zap.Error(err))
			return
		}
		logger.Log.Info("[Nacos] config updated", zap.String("dataId", dataId))
	}
	if err := w.src.ListenConfig(listen); err != nil {
		return fmt.Errorf("nacos listen %s/%s: %w", w.param.Group, w.param.DataId, err)
	}

	go func() {
		<-ctx.Done()
		_ = w.src.CancelListenConfig(w.param)
	}()
	return nil
}

func (w *Watcher) apply(data string) error {
	next := w.base
	if err := next.MergeYAML([]byte(data)); err != nil {
		return err
	}
	if err := next.Validate(); err != nil {
		return err
	}

	w.mu.Lock()
	w.current = next
	handlers := append([]func(AppConfig){}, w.handlers...)
	w.mu.Unlock()

	for _, h := range handlers {
		h(next)
	}
	return nil
}
