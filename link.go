package darc

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-metrics"
)

// LinkConfig represents configuration shared by every Link of a LinkManager.
type LinkConfig struct {
	// DatagramSize is the capacity of receive and send buffers. Larger
	// inbound datagrams are dropped.
	DatagramSize int

	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize fails the link creation if the kernel doesn't
	// allocate what we asked. If that's false, we retry and divide by 2
	// the requested `LinkConfig.BufferSize` until it fits or fails.
	EnforceBufferSize bool
}

// Packet is an inbound datagram whose header has been decoded.
type Packet struct {
	Header

	// Link which received the datagram.
	Link ID
	// Conn is the connection the source address is known under,
	// NilID if the peer never sent a Discover nor was connected to.
	Conn ID
	From *net.UDPAddr

	// Buf holds the payload, header already skipped. It is only valid
	// during the callback, `SharedBuffer.Retain` it to keep it longer.
	Buf *SharedBuffer
}

// PacketHandler is invoked synchronously by the receive loop of a Link: the
// next datagram is not read before it returns.
type PacketHandler func(pkt *Packet)

// Link owns one bound UDP socket and the table of logical connections
// multiplexed over it.
type Link struct {
	id     ID
	nodeID ID
	cfg    LinkConfig
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	conn *net.UDPConn
	pool *bufferPool

	onPacket   PacketHandler
	onDiscover func(l *Link, conn ID)

	lk        sync.RWMutex
	endpoints map[ID]*net.UDPAddr
	// first connection registered for a remote address.
	byAddr map[string]ID

	closed atomic.Bool
	wg     sync.WaitGroup
}

type linkParams struct {
	nodeID     ID
	cfg        LinkConfig
	bind       *net.UDPAddr
	logger     *slog.Logger
	msink      metrics.MetricSink
	labels     []metrics.Label
	pool       *bufferPool
	onPacket   PacketHandler
	onDiscover func(l *Link, conn ID)
}

// newLink binds the socket and immediately arms the receive loop.
func newLink(p linkParams) (l *Link, err error) {
	conn, err := net.ListenUDP("udp4", p.bind)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrBind, p.bind, err)
	}

	id := NewID()
	local := conn.LocalAddr().String()
	l = &Link{
		id:         id,
		nodeID:     p.nodeID,
		cfg:        p.cfg,
		logger:     p.logger.With(LabelLinkID.L(id), LabelLocalAddr.L(local)),
		msink:      p.msink,
		labels:     withLabels(p.labels, LabelLocalAddr.M(local)),
		conn:       conn,
		pool:       p.pool,
		onPacket:   p.onPacket,
		onDiscover: p.onDiscover,
		endpoints:  make(map[ID]*net.UDPAddr),
		byAddr:     make(map[string]ID),
	}

	if err := l.negociateBufferSize(p.cfg.BufferSize); err != nil {
		conn.Close()
		return nil, err
	}

	l.wg.Add(1)
	go l.receiveLoop()
	return l, nil
}

func (l *Link) ID() ID {
	return l.id
}

func (l *Link) LocalAddr() *net.UDPAddr {
	return l.conn.LocalAddr().(*net.UDPAddr)
}

// AddOutboundConnection allocates a connection id towards remote.
// It is safe to call while a receive is outstanding.
func (l *Link) AddOutboundConnection(remote *net.UDPAddr) ID {
	id := NewID()
	l.addConnection(id, remote)
	return id
}

func (l *Link) addConnection(id ID, remote *net.UDPAddr) {
	key := remote.String()
	l.lk.Lock()
	l.endpoints[id] = remote
	if _, has := l.byAddr[key]; !has {
		l.byAddr[key] = id
	}
	l.lk.Unlock()
}

// Endpoint returns the remote address of a connection.
func (l *Link) Endpoint(conn ID) (*net.UDPAddr, bool) {
	l.lk.RLock()
	defer l.lk.RUnlock()
	addr, ok := l.endpoints[conn]
	return addr, ok
}

// Connections lists the connection ids known by this link.
func (l *Link) Connections() []ID {
	l.lk.RLock()
	defer l.lk.RUnlock()
	ids := make([]ID, 0, len(l.endpoints))
	for id := range l.endpoints {
		ids = append(ids, id)
	}
	return ids
}

func (l *Link) connectionOf(addr *net.UDPAddr) (ID, bool) {
	l.lk.RLock()
	defer l.lk.RUnlock()
	conn, ok := l.byAddr[addr.String()]
	return conn, ok
}

func (l *Link) hasPeers() bool {
	l.lk.RLock()
	defer l.lk.RUnlock()
	return len(l.endpoints) > 0
}

// Send transmits buf, best-effort, to the endpoint of conn. buf MUST have
// at least HeaderSize bytes of headroom; the header is written there so the
// payload is never copied.
func (l *Link) Send(conn ID, pt PayloadType, buf *SharedBuffer) error {
	addr, ok := l.Endpoint(conn)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, conn)
	}
	return l.sendTo(addr, pt, buf)
}

// SendDiscover announces conn to its remote endpoint so that the peer can
// address replies back to us.
func (l *Link) SendDiscover(conn ID) error {
	buf := l.pool.get()
	defer buf.Release()
	if err := buf.Reserve(MaxHeaderSize); err != nil {
		return err
	}
	if err := buf.Append(func(dst []byte) ([]byte, error) {
		return append(dst, conn[:]...), nil
	}); err != nil {
		return err
	}
	return l.Send(conn, PayloadDiscover, buf)
}

// broadcast sends buf once to every distinct remote address, it returns the
// number of datagrams successfully sent.
func (l *Link) broadcast(pt PayloadType, buf *SharedBuffer) (sent int, err error) {
	l.lk.RLock()
	targets := make(map[string]*net.UDPAddr, len(l.endpoints))
	for _, addr := range l.endpoints {
		targets[addr.String()] = addr
	}
	l.lk.RUnlock()

	var errs []error
	for _, addr := range targets {
		if serr := l.sendTo(addr, pt, buf); serr != nil {
			errs = append(errs, serr)
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

func (l *Link) sendTo(addr *net.UDPAddr, pt PayloadType, buf *SharedBuffer) error {
	if l.closed.Load() {
		return ErrLinkClosed
	}

	buf.Retain()
	defer buf.Release()

	datagram, err := buf.frame(HeaderSize, Header{Sender: l.nodeID, Type: pt}.Write)
	if err != nil {
		return err
	}

	mLabels := withLabels(l.labels, LabelPayloadType.M(pt.String()))
	n, err := l.conn.WriteToUDP(datagram, addr)
	if err != nil {
		l.msink.IncrCounterWithLabels(MetricDarcDatagramOutErrorCount, 1.0, mLabels)
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	l.msink.IncrCounterWithLabels(MetricDarcDatagramOutBytes, float32(n), mLabels)
	return nil
}

// Close stops the receive loop and releases the socket.
func (l *Link) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		// no-op because it was already closed
		return nil
	}
	err := l.conn.Close()
	l.wg.Wait()
	return err
}

func (l *Link) negociateBufferSize(requested int) error {
	if requested <= 0 {
		return nil
	}
	size := requested
	for size > 0 {
		if err := l.conn.SetReadBuffer(size); err != nil {
			if l.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			l.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		l.msink.SetGaugeWithLabels(
			MetricDarcUDPBufferSizeBytes,
			float32(size),
			l.labels,
		)
		return nil
	}
	return ErrBufferSize
}

// receiveLoop keeps exactly one receive outstanding until the link is
// closed. A failed datagram never stops it.
func (l *Link) receiveLoop() {
	defer l.wg.Done()
	for {
		buf := l.pool.get()
		var from *net.UDPAddr
		n, err := buf.readInto(func(p []byte) (int, error) {
			m, addr, rerr := l.conn.ReadFromUDP(p)
			from = addr
			return m, rerr
		})

		if errors.Is(err, ErrTruncated) {
			buf.Release()
			l.msink.IncrCounterWithLabels(
				MetricDarcDecodeErrorCount,
				1.0,
				withLabels(l.labels, LabelError.M("truncated")),
			)
			l.logger.Warn("dropping oversized datagram", LabelPeerAddr.L(from.String()), LabelError.L(err))
			continue
		}
		if err != nil {
			buf.Release()
			if l.closed.Load() || errors.Is(err, net.ErrClosed) {
				l.logger.Debug("receive loop gracefully shutting down")
				return
			}
			l.msink.IncrCounterWithLabels(
				MetricDarcDatagramInErrorCount,
				1.0,
				withLabels(l.labels, LabelError.M("read")),
			)
			l.logger.Error("error reading UDP packet", LabelError.L(err))
			continue
		}

		l.msink.IncrCounterWithLabels(MetricDarcDatagramInBytes, float32(n), l.labels)
		l.handleDatagram(buf, from)
		buf.Release()
	}
}

func (l *Link) handleDatagram(buf *SharedBuffer, from *net.UDPAddr) {
	logger := l.logger.With(LabelPeerAddr.L(from.String()))

	hdr, hn, err := ReadHeader(buf.Bytes())
	if err != nil {
		l.msink.IncrCounterWithLabels(
			MetricDarcDecodeErrorCount,
			1.0,
			withLabels(l.labels, LabelError.M("header")),
		)
		logger.Warn("dropping datagram with an invalid header", LabelError.L(err))
		return
	}
	buf.skip(hn)

	if hdr.Type == PayloadDiscover {
		l.handleDiscover(logger, hdr, buf.Bytes(), from)
		return
	}

	conn, _ := l.connectionOf(from)

	if l.onPacket == nil {
		return
	}
	l.onPacket(&Packet{
		Header: hdr,
		Link:   l.id,
		Conn:   conn,
		From:   from,
		Buf:    buf,
	})
}

func (l *Link) handleDiscover(logger *slog.Logger, hdr Header, payload []byte, from *net.UDPAddr) {
	if len(payload) < IDSize {
		l.msink.IncrCounterWithLabels(
			MetricDarcDecodeErrorCount,
			1.0,
			withLabels(l.labels, LabelError.M("discover")),
		)
		logger.Warn("dropping truncated discover packet", "length", len(payload))
		return
	}

	var conn ID
	copy(conn[:], payload[:IDSize])
	if conn.IsNil() {
		logger.Warn("dropping discover packet announcing a nil connection")
		return
	}

	if known, ok := l.Endpoint(conn); ok && known.String() == from.String() {
		logger.Debug("connection already known", LabelConnID.L(conn))
		return
	}

	l.addConnection(conn, from)
	l.msink.IncrCounterWithLabels(MetricDarcDiscoverInCount, 1.0, l.labels)
	logger.Info("new peer discovered", LabelConnID.L(conn), LabelNodeID.L(hdr.Sender))

	if l.onDiscover != nil {
		l.onDiscover(l, conn)
	}
}
