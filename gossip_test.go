package darc

import (
	"net"
	"testing"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/raskyld/darc/pkg/codec"
	"github.com/stretchr/testify/require"
)

func TestConnectAddr(t *testing.T) {
	tests := []struct {
		name string
		meta string
		want string
		ok   bool
	}{
		{"no link", "", "", false},
		{"garbage", "not an address", "", false},
		{"explicit", "192.168.1.4:58500", "192.168.1.4:58500", true},
		{"hostname", "sensor-1:58500", "sensor-1:58500", true},
		{"unspecified", "0.0.0.0:58500", "10.0.0.7:58500", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := connectAddr(&memberlist.Node{
				Name: "member",
				Addr: net.IPv4(10, 0, 0, 7),
				Meta: []byte(tt.meta),
			})
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestGossip_Disabled(t *testing.T) {
	n, _ := newTestNode(t, "node")
	require.ErrorIs(t, n.JoinCluster(), ErrGossipDisabled)
	require.Nil(t, n.Members())
	_, ok := n.GossipAddr()
	require.False(t, ok)
}

func TestGossip_ConnectsMembers(t *testing.T) {
	a, aSink := newTestNode(t, "node-a", WithGossip("127.0.0.1", 0))
	_, err := a.Accept("127.0.0.1:0")
	require.NoError(t, err)
	seed, ok := a.GossipAddr()
	require.True(t, ok)

	b, _ := newTestNode(t, "node-b",
		WithGossip("127.0.0.1", 0),
		WithNeighbours([]string{seed}),
	)
	_, err = b.Accept("127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, b.JoinCluster())

	require.Eventually(t, func() bool {
		return len(a.Members()) == 2 && len(b.Members()) == 2
	}, 10*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool {
		return a.Links().HasPeers() && b.Links().HasPeers()
	}, 10*time.Second, 50*time.Millisecond)
	require.Positive(t, counterValue(aSink, MetricDarcGossipMemberEventCount))

	received := make(chan string, 1)
	_, err = Subscribe(b, "temp", codec.String{}, func(v string) {
		received <- v
	})
	require.NoError(t, err)

	pub, err := NewPublisher[string](a, "temp", codec.String{})
	require.NoError(t, err)
	require.NoError(t, pub.Publish("21.5"))
	require.Equal(t, "21.5", receive(t, received))
}

func TestGossip_AdvertisesDefaultAcceptor(t *testing.T) {
	c, _ := newTestNode(t, "node-c")
	linkID, err := c.Accept("127.0.0.1:0")
	require.NoError(t, err)
	addr, ok := c.LocalAddr(linkID)
	require.True(t, ok)

	// a only connects: its link is the default acceptor.
	a, _ := newTestNode(t, "node-a", WithGossip("127.0.0.1", 0))
	_, err = a.Connect(addr.String())
	require.NoError(t, err)

	self := func() *memberlist.Node {
		for _, m := range a.Members() {
			if m.Name == a.ID().String() {
				return m
			}
		}
		return nil
	}
	require.NotNil(t, self())
	require.NotEmpty(t, self().Meta, "the default acceptor must be advertised")

	seed, ok := a.GossipAddr()
	require.True(t, ok)
	b, _ := newTestNode(t, "node-b",
		WithGossip("127.0.0.1", 0),
		WithNeighbours([]string{seed}),
	)
	require.NoError(t, b.JoinCluster())

	// b has no link of its own to advertise, it can only reach a.
	require.Eventually(t, func() bool {
		_, ok := b.Links().LastAccepted()
		return ok && b.Links().HasPeers()
	}, 10*time.Second, 50*time.Millisecond)
}
