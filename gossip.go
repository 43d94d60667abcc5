package darc

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/memberlist"
)

// GossipConfig enables peer discovery over a memberlist cluster.
type GossipConfig struct {
	// BindAddr and BindPort of the gossip listeners (UDP and TCP),
	// BindPort 0 lets the kernel choose.
	BindAddr string
	BindPort int

	// Neighbours are tried by `Node.JoinCluster`.
	Neighbours []string

	// Advertise is the "host:port" the other members `Connect` to. By
	// default, the address of the last accepted link.
	Advertise string
}

const gossipLeaveTimeout = 2 * time.Second

// Gossip shares the link address of the node with the cluster and connects
// to every member which joins.
type Gossip struct {
	node   *Node
	cfg    GossipConfig
	logger *slog.Logger
	ml     *memberlist.Memberlist

	lk sync.Mutex
	// member name to the address we connected to.
	connected map[string]string
	stopped   bool
	wg        sync.WaitGroup
}

var (
	_ memberlist.Delegate      = (*Gossip)(nil)
	_ memberlist.EventDelegate = (*Gossip)(nil)
)

func newGossip(n *Node, cfg GossipConfig) (*Gossip, error) {
	g := &Gossip{
		node:      n,
		cfg:       cfg,
		logger:    n.logger.With("component", "gossip"),
		connected: make(map[string]string),
	}

	mlCfg := memberlist.DefaultLANConfig()
	mlCfg.Name = n.id.String()
	if cfg.BindAddr != "" {
		mlCfg.BindAddr = cfg.BindAddr
	}
	mlCfg.BindPort = cfg.BindPort
	mlCfg.Events = g
	mlCfg.Delegate = g
	mlCfg.LogOutput = nil
	mlCfg.Logger = slog.NewLogLogger(n.config.logHandler, slog.LevelDebug)
	mlCfg.MetricLabels = make([]leg_metrics.Label, len(n.labels))
	for i, label := range n.labels {
		mlCfg.MetricLabels[i] = leg_metrics.Label{
			Name:  label.Name,
			Value: label.Value,
		}
	}

	ml, err := memberlist.Create(mlCfg)
	if err != nil {
		return nil, err
	}
	g.lk.Lock()
	g.ml = ml
	g.lk.Unlock()
	g.logger.Info("gossip started", "addr", ml.LocalNode().Address())
	return g, nil
}

func (g *Gossip) join() error {
	if len(g.cfg.Neighbours) == 0 {
		return nil
	}
	joined, err := g.ml.Join(g.cfg.Neighbours)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	g.logger.Info("cluster joined")
	if len(g.cfg.Neighbours) != joined {
		g.logger.Warn(
			"not all neighbours are reachable",
			"joined", joined,
			"expected", len(g.cfg.Neighbours),
		)
	}
	return nil
}

func (g *Gossip) members() []*memberlist.Node {
	return g.ml.Members()
}

// localAddr is the gossip address other members can join.
func (g *Gossip) localAddr() string {
	return g.ml.LocalNode().Address()
}

// advertiseChanged pushes the new link address to the cluster.
func (g *Gossip) advertiseChanged() {
	g.lk.Lock()
	ml, stopped := g.ml, g.stopped
	g.lk.Unlock()
	// a member may make us connect while memberlist is still being created.
	if ml == nil || stopped {
		return
	}
	if err := ml.UpdateNode(gossipLeaveTimeout); err != nil {
		g.logger.Warn("failed to advertise the new link address", LabelError.L(err))
	}
}

func (g *Gossip) shutdown() error {
	g.lk.Lock()
	if g.stopped {
		g.lk.Unlock()
		return nil
	}
	g.stopped = true
	g.lk.Unlock()

	if err := g.ml.Leave(gossipLeaveTimeout); err != nil {
		g.logger.Warn("failed to leave the cluster gracefully", LabelError.L(err))
	}
	err := g.ml.Shutdown()
	g.wg.Wait()
	return err
}

// advertisedAddr is the address stored in the metadata of our member.
func (g *Gossip) advertisedAddr() string {
	if g.cfg.Advertise != "" {
		return g.cfg.Advertise
	}
	link, ok := g.node.links.LastAccepted()
	if !ok {
		return ""
	}
	return link.LocalAddr().String()
}

// connectAddr derives where to reach a member, an unspecified host is
// replaced by its gossip address.
func connectAddr(node *memberlist.Node) (string, bool) {
	if len(node.Meta) == 0 {
		return "", false
	}
	host, port, err := net.SplitHostPort(string(node.Meta))
	if err != nil {
		return "", false
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = node.Addr.String()
	}
	return net.JoinHostPort(host, port), true
}

func (g *Gossip) connectMember(node *memberlist.Node) {
	// memberlist notifies our own join while being created.
	if node.Name == g.node.id.String() {
		return
	}
	logger := withLogNode(g.logger, node)

	addr, ok := connectAddr(node)
	if !ok {
		logger.Debug("member advertises no link yet")
		return
	}

	g.lk.Lock()
	if g.stopped || g.connected[node.Name] == addr {
		g.lk.Unlock()
		return
	}
	g.connected[node.Name] = addr
	g.wg.Add(1)
	g.lk.Unlock()

	// Connect may resolve and bind, memberlist delegates must not block.
	go func() {
		defer g.wg.Done()
		if _, err := g.node.Connect(addr); err != nil {
			logger.Warn("failed to connect to member", LabelError.L(err))
			g.lk.Lock()
			delete(g.connected, node.Name)
			g.lk.Unlock()
		}
	}()
}

func (g *Gossip) memberEvent(event string) {
	g.node.msink.IncrCounterWithLabels(
		MetricDarcGossipMemberEventCount,
		1.0,
		withLabels(g.node.labels, LabelEvent.M(event)),
	)
}

func (g *Gossip) NotifyJoin(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer joined cluster")
	g.memberEvent("join")
	g.connectMember(node)
}

func (g *Gossip) NotifyLeave(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer left cluster")
	g.memberEvent("leave")
	g.lk.Lock()
	delete(g.connected, node.Name)
	g.lk.Unlock()
}

func (g *Gossip) NotifyUpdate(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer updated")
	g.memberEvent("update")
	g.connectMember(node)
}

func (g *Gossip) NodeMeta(limit int) []byte {
	addr := g.advertisedAddr()
	if len(addr) > limit {
		g.logger.Error("advertised address exceeds the metadata limit", "addr", addr)
		return nil
	}
	return []byte(addr)
}

// Nothing but the metadata is exchanged.
func (g *Gossip) NotifyMsg([]byte)                           {}
func (g *Gossip) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (g *Gossip) LocalState(join bool) []byte                { return nil }
func (g *Gossip) MergeRemoteState(buf []byte, join bool)     {}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		LabelMember.L(node.Name),
		LabelPeerAddr.L(net.JoinHostPort(node.Addr.String(), strconv.Itoa(int(node.Port)))),
	)
}
