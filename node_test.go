package darc

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/darc/pkg/codec"
	"github.com/stretchr/testify/require"
)

type Reading struct {
	Sensor  string  `json:"sensor"`
	Celsius float64 `json:"celsius"`
}

func newTestNode(t *testing.T, name string, opts ...Option) (*Node, *metrics.InmemSink) {
	t.Helper()
	sink := metrics.NewInmemSink(time.Second, time.Minute)
	all := append([]Option{
		WithLog(testLogger(name).Handler()),
		WithMetricSink(sink),
		WithDefaultPort(0),
	}, opts...)
	n, err := New(all...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, n.Close())
	})
	return n, sink
}

// connectNodes makes b connect to an inbound link of a, and waits until a
// learned the connection.
func connectNodes(t *testing.T, a, b *Node) ID {
	t.Helper()
	linkID, err := a.Accept("127.0.0.1:0")
	require.NoError(t, err)
	addr, ok := a.LocalAddr(linkID)
	require.True(t, ok)

	conn, err := b.Connect("127.0.0.1:" + strconv.Itoa(addr.Port))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := a.Links().ConnectionLink(conn)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	return conn
}

func TestNew_InvalidOptions(t *testing.T) {
	for name, opt := range map[string]Option{
		"nil node id":        WithNodeID(NilID),
		"negative port":      WithDefaultPort(-1),
		"tiny datagrams":     WithDatagramSize(MaxHeaderSize),
		"oversized datagram": WithDatagramSize(1 << 16),
		"nil resolver":       WithResolver(nil),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(opt)
			require.ErrorIs(t, err, ErrInvalidCfg)
		})
	}
}

func TestNode_WithNodeID(t *testing.T) {
	id := NewID()
	n, _ := newTestNode(t, "node", WithNodeID(id))
	require.Equal(t, id, n.ID())
}

func TestNode_PublishScenario(t *testing.T) {
	a, _ := newTestNode(t, "node-a")
	b, bSink := newTestNode(t, "node-b")
	connectNodes(t, a, b)

	readings := codec.NewJSON[Reading]()

	var local []Reading
	s, err := Subscribe(a, "temp", readings, func(r Reading) {
		local = append(local, r)
	})
	require.NoError(t, err)
	defer s.Close()

	remote := make(chan Reading, 1)
	_, err = Subscribe(b, "temp", readings, func(r Reading) {
		remote <- r
	})
	require.NoError(t, err)

	pub, err := NewPublisher[Reading](a, "temp", readings)
	require.NoError(t, err)

	m := Reading{Sensor: "kitchen", Celsius: 21.5}
	require.NoError(t, pub.Publish(m))

	// same tick.
	require.Equal(t, []Reading{m}, local)

	select {
	case got := <-remote:
		require.Equal(t, m, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for the remote subscriber")
	}

	// B never sends the value back.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Sync(ctx))
	require.Zero(t, counterValue(bSink, MetricDarcMessageForwardedCount))
	require.NoError(t, a.Run(func() {
		require.Len(t, local, 1)
	}))
}

func TestNode_RemoteUnknownTopicDropped(t *testing.T) {
	a, aSink := newTestNode(t, "node-a")
	b, _ := newTestNode(t, "node-b")
	connectNodes(t, a, b)

	pub, err := NewPublisher[string](b, "humidity", codec.String{})
	require.NoError(t, err)
	require.NoError(t, pub.Publish("40%"))

	require.Eventually(t, func() bool {
		return counterValue(aSink, MetricDarcMessageDroppedCount) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNode_MalformedDatagramDropped(t *testing.T) {
	a, aSink := newTestNode(t, "node-a")
	b, _ := newTestNode(t, "node-b")
	conn := connectNodes(t, a, b)

	// a valid header followed by a truncated envelope.
	buf := b.Links().NewBuffer()
	defer buf.Release()
	require.NoError(t, buf.Append(func(dst []byte) ([]byte, error) {
		return append(dst, 5, 't'), nil
	}))
	require.NoError(t, b.Links().Send(conn, PayloadMessage, buf))

	require.Eventually(t, func() bool {
		return counterValue(aSink, MetricDarcDecodeErrorCount) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// the link keeps receiving.
	received := make(chan string, 1)
	_, err := Subscribe(a, "temp", codec.String{}, func(v string) {
		received <- v
	})
	require.NoError(t, err)
	pub, err := NewPublisher[string](b, "temp", codec.String{})
	require.NoError(t, err)
	require.NoError(t, pub.Publish("21.5"))
	require.Equal(t, "21.5", receive(t, received))
}

func TestNode_OversizedDatagramDropped(t *testing.T) {
	a, aSink := newTestNode(t, "node-a", WithDatagramSize(600))
	b, _ := newTestNode(t, "node-b")
	connectNodes(t, a, b)

	received := make(chan string, 2)
	_, err := Subscribe(a, "temp", codec.String{}, func(v string) {
		received <- v
	})
	require.NoError(t, err)

	pub, err := NewPublisher[string](b, "temp", codec.String{})
	require.NoError(t, err)
	require.NoError(t, pub.Publish(strings.Repeat("x", 1000)))
	require.NoError(t, pub.Publish("21.5"))

	require.Equal(t, "21.5", receive(t, received), "a partial value must never be delivered")
	require.Equal(t, 1, counterValue(aSink, MetricDarcDecodeErrorCount))
}

func TestNode_HandlersNeverOverlap(t *testing.T) {
	a, _ := newTestNode(t, "node-a")
	b, _ := newTestNode(t, "node-b")
	connectNodes(t, a, b)

	var (
		calls    atomic.Int32
		inflight atomic.Int32
		overlaps atomic.Int32
	)
	_, err := Subscribe(a, "temp", codec.String{}, func(string) {
		if inflight.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(50 * time.Microsecond)
		inflight.Add(-1)
		calls.Add(1)
	})
	require.NoError(t, err)

	local, err := NewPublisher[string](a, "temp", codec.String{})
	require.NoError(t, err)
	remote, err := NewPublisher[string](b, "temp", codec.String{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = local.Publish("local")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_ = remote.Publish("remote")
			time.Sleep(100 * time.Microsecond)
		}
	}()
	wg.Wait()

	require.Eventually(t, func() bool {
		return calls.Load() == 200
	}, 5*time.Second, 10*time.Millisecond)
	require.Zero(t, overlaps.Load())
}

func TestNode_CallFromUnknownSource(t *testing.T) {
	a, aSink := newTestNode(t, "node-a")
	linkID, err := a.Accept("127.0.0.1:0")
	require.NoError(t, err)
	addr, ok := a.LocalAddr(linkID)
	require.True(t, ok)
	link, ok := a.Links().Link(linkID)
	require.True(t, ok)

	// a bare socket which never sends a Discover.
	raw, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer raw.Close()

	call := func(name string, arg int64) {
		datagram := make([]byte, HeaderSize, 128)
		_, err := Header{Sender: NewID(), Type: PayloadCall}.Write(datagram)
		require.NoError(t, err)
		datagram, err = appendEnvelope(datagram, name)
		require.NoError(t, err)
		datagram, err = doubleCodecs.Arg.Append(datagram, arg)
		require.NoError(t, err)
		_, err = raw.WriteToUDP(datagram, addr)
		require.NoError(t, err)
	}

	t.Run("not served", func(t *testing.T) {
		call("double", 21)
		require.Eventually(t, func() bool {
			return counterValue(aSink, MetricDarcProcedureDroppedCount) == 1
		}, 2*time.Second, 10*time.Millisecond)
		require.Empty(t, link.Connections(), "no connection for a procedure nobody serves")
	})

	t.Run("served", func(t *testing.T) {
		srv, err := NewServer(a, "double", doubleCodecs, double)
		require.NoError(t, err)
		defer srv.Close()

		call("double", 21)

		require.NoError(t, raw.SetReadDeadline(time.Now().Add(5*time.Second)))
		reply := make([]byte, 512)
		types := make(map[PayloadType]string)
		for len(types) < 2 {
			n, err := raw.Read(reply)
			require.NoError(t, err)
			hdr, hn, err := ReadHeader(reply[:n])
			require.NoError(t, err)
			name, body, err := readEnvelope(reply[hn:n])
			require.NoError(t, err)
			require.Equal(t, "double", name)
			types[hdr.Type] = string(body)
		}
		require.Equal(t, "doubling", types[PayloadStatus])
		require.Equal(t, "42", types[PayloadReturn])
		require.Len(t, link.Connections(), 1)
	})
}

func TestNode_Close(t *testing.T) {
	n, err := New(WithLog(testLogger("node").Handler()), WithDefaultPort(0))
	require.NoError(t, err)

	var got int
	pub, err := NewPublisher[string](n, "temp", codec.String{})
	require.NoError(t, err)
	_, err = Subscribe(n, "temp", codec.String{}, func(string) { got++ })
	require.NoError(t, err)

	require.NoError(t, n.Close())
	require.NoError(t, n.Close())

	require.NoError(t, pub.Publish("21.5"), "publishing after close is a no-op")
	require.Zero(t, got)

	_, err = n.Accept("127.0.0.1:0")
	require.ErrorIs(t, err, ErrNodeClosed)
	_, err = n.Connect("127.0.0.1:1")
	require.ErrorIs(t, err, ErrNodeClosed)
	_, err = Subscribe(n, "temp", codec.String{}, func(string) {})
	require.ErrorIs(t, err, ErrNodeClosed)
	require.ErrorIs(t, n.Post(func() {}), ErrNodeClosed)
	require.ErrorIs(t, n.Sync(context.Background()), ErrNodeClosed)
	require.ErrorIs(t, n.JoinCluster(), ErrNodeClosed)
}
