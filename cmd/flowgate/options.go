package main

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/davidroman0O/flowgate"
	"github.com/davidroman0O/flowgate/internal/config"
	"github.com/davidroman0O/flowgate/internal/logs"
)

// options maps a loaded configuration onto gateway options. A nil registerer
// disables metrics.
func options(cfg *config.Config, reg prometheus.Registerer) []flowgate.Option {
	opts := []flowgate.Option{
		flowgate.WithLogger(flowgate.NewDefaultLogger(logs.ParseLevel(cfg.Log.Level), flowgate.LogFormat(cfg.Log.Format))),
		flowgate.WithProbeInterval(cfg.Remote.ProbeInterval),
		flowgate.WithProbeTimeout(cfg.Remote.ProbeTimeout),
		flowgate.WithRemoteRequestTimeout(cfg.Remote.RequestTimeout),
		flowgate.WithTickInterval(cfg.Engine.TickInterval),
		flowgate.WithPageSize(cfg.Engine.PageSize),
		flowgate.WithDefinitionFiles(cfg.Definitions...),
	}
	if cfg.Remote.URL != "" {
		opts = append(opts, flowgate.WithRemote(cfg.Remote.URL))
	}
	if cfg.Events.RedisAddr != "" {
		opts = append(opts, flowgate.WithRedisEvents(cfg.Events.RedisAddr, cfg.Events.Stream))
	}
	if reg != nil {
		opts = append(opts,
			flowgate.WithMetricsRegisterer(reg),
			flowgate.WithMetricsNamespace(cfg.Metrics.Namespace),
		)
	}
	return opts
}
