package flowgate

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/davidroman0O/flowgate/internal/clock"
	"github.com/davidroman0O/flowgate/internal/engine"
	"github.com/davidroman0O/flowgate/internal/events"
	"github.com/davidroman0O/flowgate/internal/ids"
	"github.com/davidroman0O/flowgate/types"
)

const (
	DefaultProbeInterval = 10 * time.Second
	DefaultProbeTimeout  = 2 * time.Second
	DefaultNamespace     = "flowgate"
)

type (
	Clock          = clock.Clock
	EventPublisher = events.Publisher
	TerminalEvent  = events.TerminalEvent

	ActivityFunc    = engine.ActivityFunc
	ActivityContext = engine.ActivityContext
	ActivityRequest = engine.ActivityRequest
)

type flowgateConfig struct {
	remoteURL      string
	httpClient     *http.Client
	requestTimeout time.Duration
	probeInterval  time.Duration
	probeTimeout   time.Duration

	logger    Logger
	clock     Clock
	ids       ids.Generator
	publisher EventPublisher

	redisAddr   string
	redisStream string

	registerer prometheus.Registerer
	namespace  string

	pageSize        int
	tickInterval    time.Duration
	tickIntervalSet bool

	definitions     []types.WorkflowDefinition
	definitionFiles []string
	activities      map[string]ActivityFunc
}

type Option func(*flowgateConfig)

// WithRemote enables delegation to the cluster at baseURL.
func WithRemote(baseURL string) Option {
	return func(c *flowgateConfig) {
		c.remoteURL = baseURL
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *flowgateConfig) {
		c.httpClient = client
	}
}

// WithRemoteRequestTimeout bounds remote calls made without a context deadline.
func WithRemoteRequestTimeout(d time.Duration) Option {
	return func(c *flowgateConfig) {
		c.requestTimeout = d
	}
}

// WithProbeInterval sets how long a health probe result is trusted.
// Non-positive values keep the default.
func WithProbeInterval(d time.Duration) Option {
	return func(c *flowgateConfig) {
		if d > 0 {
			c.probeInterval = d
		}
	}
}

// WithProbeTimeout bounds one health probe. Non-positive values keep the
// default.
func WithProbeTimeout(d time.Duration) Option {
	return func(c *flowgateConfig) {
		if d > 0 {
			c.probeTimeout = d
		}
	}
}

func WithLogger(logger Logger) Option {
	return func(c *flowgateConfig) {
		c.logger = logger
	}
}

func WithClock(clk Clock) Option {
	return func(c *flowgateConfig) {
		c.clock = clk
	}
}

// WithSequentialIDs replaces random identifiers with "type-N" / "run-N".
func WithSequentialIDs() Option {
	return func(c *flowgateConfig) {
		c.ids = ids.NewSequence()
	}
}

// WithPublisher receives one terminal event per finished embedded execution.
func WithPublisher(p EventPublisher) Option {
	return func(c *flowgateConfig) {
		c.publisher = p
	}
}

// WithRedisEvents mirrors terminal events to a Redis stream. An empty stream
// uses the default one.
func WithRedisEvents(addr, stream string) Option {
	return func(c *flowgateConfig) {
		c.redisAddr = addr
		c.redisStream = stream
	}
}

// WithMetricsRegisterer enables the Prometheus collector on reg.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(c *flowgateConfig) {
		c.registerer = reg
	}
}

func WithMetricsNamespace(namespace string) Option {
	return func(c *flowgateConfig) {
		c.namespace = namespace
	}
}

// WithPageSize sets the page size used when a list filter leaves it unset.
func WithPageSize(n int) Option {
	return func(c *flowgateConfig) {
		c.pageSize = n
	}
}

// WithTickInterval sets the execution-timeout sweep period. Zero disables it.
func WithTickInterval(d time.Duration) Option {
	return func(c *flowgateConfig) {
		c.tickInterval = d
		c.tickIntervalSet = true
	}
}

func WithDefinitions(defs ...types.WorkflowDefinition) Option {
	return func(c *flowgateConfig) {
		c.definitions = append(c.definitions, defs...)
	}
}

// WithDefinitionFiles loads YAML workflow definitions at startup.
func WithDefinitionFiles(paths ...string) Option {
	return func(c *flowgateConfig) {
		c.definitionFiles = append(c.definitionFiles, paths...)
	}
}

func WithActivity(name string, fn ActivityFunc) Option {
	return func(c *flowgateConfig) {
		if c.activities == nil {
			c.activities = make(map[string]ActivityFunc)
		}
		c.activities[name] = fn
	}
}
