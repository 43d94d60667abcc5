package darc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/darc/pkg/loop"
)

// Node is one participant of the messaging system: it owns an event loop,
// its UDP links and the registries of its topics and procedures.
type Node struct {
	id     ID
	config config
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	loop   *loop.Loop
	links  *LinkManager
	topics *DispatchManager
	procs  *procedureRegistry
	gossip *Gossip

	lk     sync.Mutex
	closed bool
}

// New creates a Node. No socket is opened before the first `Node.Accept`
// or `Node.Connect`, unless gossip is enabled.
func New(opts ...Option) (*Node, error) {
	n := &Node{
		config: defaultConfig(),
	}

	for _, opt := range opts {
		if err := opt(&n.config); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if n.config.nodeID.IsNil() {
		n.config.nodeID = NewID()
	}
	n.id = n.config.nodeID

	// Logging implementations.
	if n.config.logHandler != nil {
		n.logger = slog.New(n.config.logHandler)
	} else {
		n.logger = slog.Default()
		n.config.logHandler = n.logger.Handler()
	}
	n.logger = n.logger.With(LabelNodeID.L(n.id.ShortString()))

	// Metrics implementations.
	if n.config.msink == nil {
		n.config.msink = metrics.Default()
	}
	n.msink = n.config.msink
	n.labels = withLabels(n.config.metricLabels, LabelNodeID.M(n.id.String()))

	n.loop = loop.New(loop.Config{
		Logger:       n.logger,
		MetricSink:   n.msink,
		MetricLabels: n.labels,
	})

	n.links = NewLinkManager(LinkManagerConfig{
		NodeID:       n.id,
		Link:         n.config.link,
		DefaultPort:  n.config.defaultPort,
		Resolver:     n.config.resolver,
		OnPacket:     n.handlePacket,
		Logger:       n.logger,
		MetricSink:   n.msink,
		MetricLabels: n.labels,
	})
	n.topics = newDispatchManager(n.logger, n.msink, n.labels, n, n.loop.Run)
	n.procs = newProcedureRegistry(n.logger, n.msink, n.labels, n, n.loop.Post)

	if n.config.gossip != nil {
		g, err := newGossip(n, *n.config.gossip)
		if err != nil {
			n.shutdown()
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		n.gossip = g
	}

	n.logger.Info("node created")
	return n, nil
}

func (n *Node) ID() ID {
	return n.id
}

// Accept binds an inbound link on "host:port". The error is also logged,
// the returned id is NilID when it is not nil.
func (n *Node) Accept(addr string) (ID, error) {
	if err := n.checkOpen(); err != nil {
		return NilID, err
	}
	id, err := n.links.Accept(addr)
	if err != nil {
		return NilID, err
	}
	if n.gossip != nil {
		n.gossip.advertiseChanged()
	}
	return id, nil
}

// Connect opens a connection to the peer at "host:port", the port may be
// empty to use DefaultListenPort. The error is also logged, the returned id
// is NilID when it is not nil.
func (n *Node) Connect(addr string) (ID, error) {
	if err := n.checkOpen(); err != nil {
		return NilID, err
	}
	before, _ := n.links.LastAccepted()
	conn, err := n.links.Connect(addr)
	if err != nil {
		return NilID, err
	}
	// the default acceptor may have been created on the way.
	if after, _ := n.links.LastAccepted(); after != before && n.gossip != nil {
		n.gossip.advertiseChanged()
	}
	return conn, nil
}

// LocalAddr returns the address an inbound link is bound to.
func (n *Node) LocalAddr(link ID) (*net.UDPAddr, bool) {
	l, ok := n.links.Link(link)
	if !ok {
		return nil, false
	}
	return l.LocalAddr(), true
}

// Links gives access to the link manager of the node.
func (n *Node) Links() *LinkManager {
	return n.links
}

// Topics gives access to the dispatch manager of the node.
func (n *Node) Topics() *DispatchManager {
	return n.topics
}

// Post runs fn on the event loop of the node.
func (n *Node) Post(fn func()) error {
	if !n.loop.Post(fn) {
		return ErrNodeClosed
	}
	return nil
}

// Run executes fn on the event loop and waits for it. Called from the event
// loop, fn runs in place.
func (n *Node) Run(fn func()) error {
	if err := n.loop.Run(fn); err != nil {
		return ErrNodeClosed
	}
	return nil
}

// Sync waits for the work posted to the event loop so far.
// It MUST NOT be called from the event loop.
func (n *Node) Sync(ctx context.Context) error {
	if err := n.loop.Sync(ctx); err != nil {
		if errors.Is(err, loop.ErrClosed) {
			return ErrNodeClosed
		}
		return err
	}
	return nil
}

// JoinCluster contacts the configured neighbours.
func (n *Node) JoinCluster() error {
	if err := n.checkOpen(); err != nil {
		return err
	}
	if n.gossip == nil {
		return ErrGossipDisabled
	}
	return n.gossip.join()
}

// Members of the gossip cluster, the local node included.
func (n *Node) Members() []*memberlist.Node {
	if n.gossip == nil {
		return nil
	}
	return n.gossip.members()
}

// GossipAddr is the address other members join the cluster with.
func (n *Node) GossipAddr() (string, bool) {
	if n.gossip == nil {
		return "", false
	}
	return n.gossip.localAddr(), true
}

// Close leaves the cluster, closes the links and drains the event loop.
// Publishers of the node become no-ops.
func (n *Node) Close() error {
	n.lk.Lock()
	if n.closed {
		n.lk.Unlock()
		return nil
	}
	n.closed = true
	n.lk.Unlock()

	start := time.Now()
	n.logger.Info("shutting down...")
	err := n.shutdown()
	n.logger.Info("shutdown: completed", "duration", time.Since(start))
	return err
}

func (n *Node) shutdown() error {
	var errs []error
	if n.gossip != nil {
		if err := n.gossip.shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := n.links.Close(); err != nil {
		errs = append(errs, err)
	}
	n.topics.close()
	n.procs.close()
	n.loop.Close()
	return errors.Join(errs...)
}

func (n *Node) checkOpen() error {
	n.lk.Lock()
	defer n.lk.Unlock()
	if n.closed {
		return ErrNodeClosed
	}
	return nil
}

// handlePacket runs on the receive goroutine of a link. The payload is
// retained until the event loop routed it.
func (n *Node) handlePacket(pkt *Packet) {
	name, body, err := readEnvelope(pkt.Buf.Bytes())
	if err != nil {
		n.msink.IncrCounterWithLabels(
			MetricDarcDecodeErrorCount,
			1.0,
			withLabels(n.labels, LabelError.M("envelope"), LabelPayloadType.M(pkt.Type.String())),
		)
		n.logger.Warn(
			"dropping packet with an invalid envelope",
			LabelPeerAddr.L(pkt.From.String()),
			LabelError.L(err),
		)
		return
	}

	conn := pkt.Conn
	if pkt.Type == PayloadCall && conn.IsNil() && n.procs.serves(name) {
		// replies need a connection to be addressed.
		conn, _ = n.links.adopt(pkt.Link, pkt.From)
	}

	pt := pkt.Type
	buf := pkt.Buf.Retain()
	if !n.loop.Post(func() {
		defer buf.Release()
		n.route(pt, conn, name, body)
	}) {
		buf.Release()
	}
}

func (n *Node) route(pt PayloadType, conn ID, name string, body []byte) {
	switch pt {
	case PayloadMessage:
		n.topics.dispatchMessageLocally(name, body)
	case PayloadCall, PayloadReturn, PayloadStatus:
		n.procs.receive(pt, conn, name, body)
	default:
		n.logger.Warn("dropping packet of unexpected type", LabelPayloadType.L(pt.String()))
	}
}

func (n *Node) hasPeers() bool {
	return n.links.HasPeers()
}

func (n *Node) forward(pt PayloadType, name string, body func(dst []byte) ([]byte, error)) error {
	buf, err := n.encode(name, body)
	if err != nil {
		return err
	}
	defer buf.Release()

	sent, err := n.links.Broadcast(pt, buf)
	if err != nil {
		n.logger.Warn(
			"failed to reach some peers",
			LabelPayloadType.L(pt.String()),
			"name", name,
			"sent", sent,
			LabelError.L(err),
		)
	}
	return err
}

func (n *Node) sendTo(conn ID, pt PayloadType, name string, body func(dst []byte) ([]byte, error)) error {
	buf, err := n.encode(name, body)
	if err != nil {
		return err
	}
	defer buf.Release()
	return n.links.Send(conn, pt, buf)
}

func (n *Node) encode(name string, body func(dst []byte) ([]byte, error)) (*SharedBuffer, error) {
	buf := n.links.NewBuffer()
	if err := buf.Append(func(dst []byte) ([]byte, error) {
		return appendEnvelope(dst, name)
	}); err != nil {
		buf.Release()
		return nil, err
	}
	if err := buf.Append(body); err != nil {
		buf.Release()
		return nil, err
	}
	return buf, nil
}
