package darc

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

// DefaultListenPort is the well-known port of the default acceptor, and the
// port assumed for peers addressed without one.
const DefaultListenPort = 58500

const (
	defaultDatagramSize   = 4096
	defaultUDPBufferSize  = 1 << 21
	defaultResolveTimeout = 5 * time.Second
)

type config struct {
	nodeID       ID
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	link LinkConfig

	defaultPort int
	resolver    Resolver

	gossip *GossipConfig
}

func defaultConfig() config {
	return config{
		defaultPort: DefaultListenPort,
		link: LinkConfig{
			DatagramSize: defaultDatagramSize,
			BufferSize:   defaultUDPBufferSize,
		},
	}
}

// Option to pass to `New`
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Node`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Node.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithNodeID overrides the randomly generated node identifier.
func WithNodeID(id ID) Option {
	return func(c *config) error {
		if id.IsNil() {
			return fmt.Errorf("node id must not be nil")
		}
		c.nodeID = id
		return nil
	}
}

// WithDefaultPort controls where the default acceptor binds when `Connect`
// is called before any `Accept`. Zero lets the kernel pick a port.
func WithDefaultPort(port int) Option {
	return func(c *config) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("default port %d out of range", port)
		}
		c.defaultPort = port
		return nil
	}
}

// WithDatagramSize sets the capacity of datagram buffers, header included.
// Larger inbound datagrams are dropped.
func WithDatagramSize(size int) Option {
	return func(c *config) error {
		if size == 0 {
			size = defaultDatagramSize
		}
		if size <= MaxHeaderSize || size > 65535 {
			return fmt.Errorf("datagram size %d must be in (%d, 65535]", size, MaxHeaderSize)
		}
		c.link.DatagramSize = size
		return nil
	}
}

// WithBufferSize is the UDP kernel read buffer requested for every link.
func WithBufferSize(size int) Option {
	return func(c *config) error {
		if size == 0 {
			size = defaultUDPBufferSize
		}
		c.link.BufferSize = size
		return nil
	}
}

// WithEnforceBufferSize makes link creation fail if the kernel doesn't
// allocate the requested buffer, instead of halving until it fits.
func WithEnforceBufferSize(enforce bool) Option {
	return func(c *config) error {
		c.link.EnforceBufferSize = enforce
		return nil
	}
}

// WithResolver replaces the host resolution used by `Accept` and `Connect`.
func WithResolver(r Resolver) Option {
	return func(c *config) error {
		if r == nil {
			return fmt.Errorf("resolver must not be nil")
		}
		c.resolver = r
		return nil
	}
}

// WithGossip enables peer discovery over a memberlist cluster listening on
// addr:port (UDP and TCP). Members are connected automatically.
func WithGossip(addr string, port int) Option {
	return func(c *config) error {
		if c.gossip == nil {
			c.gossip = &GossipConfig{}
		}
		c.gossip.BindAddr = addr
		c.gossip.BindPort = port
		return nil
	}
}

// WithNeighbours controls which gossip peers are tried initially to join
// the cluster.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		if c.gossip == nil {
			c.gossip = &GossipConfig{}
		}
		c.gossip.Neighbours = neighbours
		return nil
	}
}

// WithAdvertise sets the "host:port" other members should `Connect` to.
// By default, the address of the last accepted link is advertised.
func WithAdvertise(addr string) Option {
	return func(c *config) error {
		if c.gossip == nil {
			c.gossip = &GossipConfig{}
		}
		c.gossip.Advertise = addr
		return nil
	}
}
