package darc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
)

// LinkManagerConfig represents configuration for the UDP links of a node.
type LinkManagerConfig struct {
	// NodeID is written as the sender of every outbound packet.
	NodeID ID

	Link LinkConfig

	// DefaultPort is where the default acceptor binds. Zero lets the kernel
	// choose.
	DefaultPort int

	// Resolver to turn hosts into endpoints, `NetResolver` if nil.
	Resolver Resolver

	// ResolveTimeout bounds a single resolution.
	ResolveTimeout time.Duration

	// OnPacket receives every inbound packet but Discover ones.
	OnPacket PacketHandler

	Logger       *slog.Logger
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
}

// LinkManager owns the UDP links of a node.
//
// Outbound connections are always anchored on an inbound link (the last
// accepted one) so the replies of the peer land on a socket we are already
// reading. When `Connect` is called before any `Accept`, a default acceptor is
// lazily bound on `LinkManagerConfig.DefaultPort`.
type LinkManager struct {
	cfg    LinkManagerConfig
	logger *slog.Logger
	msink  metrics.MetricSink
	pool   *bufferPool

	lk sync.Mutex
	// by link id.
	inbound map[ID]*Link
	// by connection id, outbound ones and the ones peers announced.
	outbound     map[ID]*Link
	lastAccepted *Link
	closed       bool
}

func NewLinkManager(cfg LinkManagerConfig) *LinkManager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MetricSink == nil {
		cfg.MetricSink = metrics.Default()
	}
	if cfg.Resolver == nil {
		cfg.Resolver = NetResolver{}
	}
	if cfg.ResolveTimeout == 0 {
		cfg.ResolveTimeout = defaultResolveTimeout
	}
	if cfg.Link.DatagramSize == 0 {
		cfg.Link.DatagramSize = defaultDatagramSize
	}

	return &LinkManager{
		cfg:      cfg,
		logger:   cfg.Logger,
		msink:    cfg.MetricSink,
		pool:     newBufferPool(cfg.Link.DatagramSize),
		inbound:  make(map[ID]*Link),
		outbound: make(map[ID]*Link),
	}
}

// NewBuffer returns a pooled datagram buffer with the header headroom
// reserved. The caller holds one reference.
func (lm *LinkManager) NewBuffer() *SharedBuffer {
	buf := lm.pool.get()
	// cannot fail, DatagramSize > MaxHeaderSize is validated by options.
	_ = buf.Reserve(MaxHeaderSize)
	return buf
}

// Accept binds an inbound link on "host:port". On failure, the error is
// logged and NilID is returned.
func (lm *LinkManager) Accept(addr string) (ID, error) {
	logger := lm.logger.With("url", addr)

	host, port, err := splitAddr(acceptAddrRe, addr)
	if err != nil {
		logger.Error("invalid UDP URL", LabelError.L(err))
		return NilID, err
	}

	bind, err := lm.resolve(host, port)
	if err != nil {
		logger.Error("failed to resolve UDP URL", LabelError.L(err))
		return NilID, err
	}

	lm.lk.Lock()
	defer lm.lk.Unlock()
	if lm.closed {
		return NilID, ErrLinkClosed
	}

	link, err := lm.openLink(bind)
	if err != nil {
		logger.Error("failed to accept", LabelError.L(err))
		return NilID, err
	}
	logger.Info("accepting UDP", LabelLinkID.L(link.ID()), LabelLocalAddr.L(link.LocalAddr().String()))
	return link.ID(), nil
}

// Connect allocates a connection towards "host:port" (the port may be
// empty, the peer is then assumed on DefaultListenPort) and sends it a
// Discover packet. On failure, the error is logged and NilID is returned.
func (lm *LinkManager) Connect(addr string) (ID, error) {
	logger := lm.logger.With("url", addr)

	host, port, err := splitAddr(connectAddrRe, addr)
	if err != nil {
		logger.Error("invalid UDP URL", LabelError.L(err))
		return NilID, err
	}
	if port == "" {
		port = strconv.Itoa(DefaultListenPort)
	}

	remote, err := lm.resolve(host, port)
	if err != nil {
		logger.Error("failed to resolve UDP URL", LabelError.L(err))
		return NilID, err
	}

	lm.lk.Lock()
	if lm.closed {
		lm.lk.Unlock()
		return NilID, ErrLinkClosed
	}
	if lm.lastAccepted == nil {
		if _, err := lm.createDefaultAcceptor(); err != nil {
			lm.lk.Unlock()
			logger.Error("failed to create the default acceptor", LabelError.L(err))
			return NilID, err
		}
	}
	link := lm.lastAccepted
	connID := link.AddOutboundConnection(remote)
	lm.outbound[connID] = link
	lm.lk.Unlock()

	lm.msink.IncrCounterWithLabels(
		MetricDarcConnectionCount,
		1.0,
		withLabels(lm.cfg.MetricLabels, LabelPeerAddr.M(remote.String())),
	)
	logger.Info("connecting to UDP", LabelConnID.L(connID), LabelPeerAddr.L(remote.String()))

	if err := link.SendDiscover(connID); err != nil {
		// the peer will learn about us on our first packet.
		logger.Warn("failed to send discover", LabelConnID.L(connID), LabelError.L(err))
	}
	return connID, nil
}

// Send delegates to the link owning conn.
func (lm *LinkManager) Send(conn ID, pt PayloadType, buf *SharedBuffer) error {
	lm.lk.Lock()
	link, ok := lm.outbound[conn]
	lm.lk.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, conn)
	}
	return link.Send(conn, pt, buf)
}

// Broadcast sends buf once to every peer of every link.
func (lm *LinkManager) Broadcast(pt PayloadType, buf *SharedBuffer) (int, error) {
	var (
		sent int
		errs []error
	)
	for _, link := range lm.Links() {
		n, err := link.broadcast(pt, buf)
		sent += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return sent, errors.Join(errs...)
}

// HasPeers reports whether any link knows a remote endpoint.
func (lm *LinkManager) HasPeers() bool {
	for _, link := range lm.Links() {
		if link.hasPeers() {
			return true
		}
	}
	return false
}

// Links returns the inbound links, the default acceptor included.
func (lm *LinkManager) Links() []*Link {
	lm.lk.Lock()
	defer lm.lk.Unlock()
	links := make([]*Link, 0, len(lm.inbound))
	for _, link := range lm.inbound {
		links = append(links, link)
	}
	return links
}

// Link returns an inbound link by id.
func (lm *LinkManager) Link(id ID) (*Link, bool) {
	lm.lk.Lock()
	defer lm.lk.Unlock()
	link, ok := lm.inbound[id]
	return link, ok
}

// ConnectionLink returns the link owning a connection.
func (lm *LinkManager) ConnectionLink(conn ID) (*Link, bool) {
	lm.lk.Lock()
	defer lm.lk.Unlock()
	link, ok := lm.outbound[conn]
	return link, ok
}

// LastAccepted is the link outbound connections are currently anchored on.
func (lm *LinkManager) LastAccepted() (*Link, bool) {
	lm.lk.Lock()
	defer lm.lk.Unlock()
	return lm.lastAccepted, lm.lastAccepted != nil
}

func (lm *LinkManager) Close() error {
	lm.lk.Lock()
	if lm.closed {
		lm.lk.Unlock()
		return nil
	}
	lm.closed = true
	links := make([]*Link, 0, len(lm.inbound))
	for _, link := range lm.inbound {
		links = append(links, link)
	}
	lm.lk.Unlock()

	var errs []error
	for _, link := range links {
		if err := link.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// not thread safe!
// must be called by an holder of the lock.
func (lm *LinkManager) createDefaultAcceptor() (*Link, error) {
	bind := &net.UDPAddr{IP: net.IPv4zero, Port: lm.cfg.DefaultPort}
	link, err := lm.openLink(bind)
	if err != nil {
		return nil, err
	}
	lm.logger.Info(
		"accepting UDP on default acceptor",
		LabelLinkID.L(link.ID()),
		LabelLocalAddr.L(link.LocalAddr().String()),
	)
	return link, nil
}

// not thread safe!
// must be called by an holder of the lock.
func (lm *LinkManager) openLink(bind *net.UDPAddr) (*Link, error) {
	link, err := newLink(linkParams{
		nodeID:     lm.cfg.NodeID,
		cfg:        lm.cfg.Link,
		bind:       bind,
		logger:     lm.logger,
		msink:      lm.msink,
		labels:     lm.cfg.MetricLabels,
		pool:       lm.pool,
		onPacket:   lm.cfg.OnPacket,
		onDiscover: lm.registerDiscovered,
	})
	if err != nil {
		return nil, err
	}

	lm.inbound[link.ID()] = link
	lm.lastAccepted = link
	lm.msink.IncrCounterWithLabels(
		MetricDarcAcceptorCount,
		1.0,
		withLabels(lm.cfg.MetricLabels, LabelLocalAddr.M(link.LocalAddr().String())),
	)
	return link, nil
}

// adopt returns the connection of a peer which sent us a datagram without a
// Discover first, registering it on link if needed.
func (lm *LinkManager) adopt(linkID ID, from *net.UDPAddr) (ID, bool) {
	lm.lk.Lock()
	defer lm.lk.Unlock()
	if lm.closed {
		return NilID, false
	}
	link, ok := lm.inbound[linkID]
	if !ok {
		return NilID, false
	}
	if conn, ok := link.connectionOf(from); ok {
		return conn, true
	}
	conn := link.AddOutboundConnection(from)
	lm.outbound[conn] = link
	return conn, true
}

func (lm *LinkManager) registerDiscovered(link *Link, conn ID) {
	lm.lk.Lock()
	defer lm.lk.Unlock()
	if lm.closed {
		return
	}
	lm.outbound[conn] = link
}

// resolve is synchronous and blocks the caller for the lookup duration.
func (lm *LinkManager) resolve(host, port string) (*net.UDPAddr, error) {
	ctx, cancel := context.WithTimeout(context.Background(), lm.cfg.ResolveTimeout)
	defer cancel()
	addr, err := lm.cfg.Resolver.ResolveUDP(ctx, host, port)
	if err != nil {
		return nil, fmt.Errorf("%w: %s:%s: %w", ErrResolve, host, port, err)
	}
	return addr, nil
}
