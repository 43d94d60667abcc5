package darc

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/darc/pkg/arena"
	"github.com/raskyld/darc/pkg/codec"
)

// ProcedureCodecs encode the argument, the return value and the status
// messages of a procedure.
type ProcedureCodecs[A, R, S any] struct {
	Arg    codec.Codec[A]
	Return codec.Codec[R]
	Status codec.Codec[S]
}

// Method is the implementation of a procedure. It runs on the event loop of
// the node bound to srv and answers with `Server.DispatchStatus` and
// `Server.DispatchReturn`.
type Method[A, R, S any] func(srv *Server[A, R, S], arg A)

type procedureEntry interface {
	signature() string
	hasServer() bool
	receiveCall(origin ID, body []byte) error
	receiveReturn(body []byte) error
	receiveStatus(body []byte) error
}

// procedureRegistry maps procedure names to their endpoints.
//
// Calls are correlated by name only: a client has at most one outstanding
// call per procedure, overlapping calls get their replies interleaved.
type procedureRegistry struct {
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
	remote remote
	post   func(fn func()) bool

	lk     sync.Mutex
	procs  map[string]procedureEntry
	closed bool
}

func newProcedureRegistry(
	logger *slog.Logger,
	msink metrics.MetricSink,
	labels []metrics.Label,
	r remote,
	post func(fn func()) bool,
) *procedureRegistry {
	return &procedureRegistry{
		logger: logger,
		msink:  msink,
		labels: labels,
		remote: r,
		post:   post,
		procs:  make(map[string]procedureEntry),
	}
}

type procedure[A, R, S any] struct {
	name   string
	codecs ProcedureCodecs[A, R, S]
	reg    *procedureRegistry
	labels []metrics.Label

	lk      sync.Mutex
	server  *Server[A, R, S]
	clients *arena.Arena[*Client[A, R, S]]
	handles []arena.Handle
}

func signatureOf[A, R, S any]() string {
	return fmt.Sprintf(
		"(%s) -> (%s, %s)",
		reflect.TypeOf((*A)(nil)).Elem(),
		reflect.TypeOf((*R)(nil)).Elem(),
		reflect.TypeOf((*S)(nil)).Elem(),
	)
}

func getOrCreateProcedure[A, R, S any](reg *procedureRegistry, name string, codecs ProcedureCodecs[A, R, S]) (*procedure[A, R, S], error) {
	if len(name) == 0 || len(name) > MaxNameLength {
		return nil, fmt.Errorf("%w: procedure %q", ErrNameInvalid, name)
	}

	reg.lk.Lock()
	defer reg.lk.Unlock()
	if reg.closed {
		return nil, ErrNodeClosed
	}

	if existing, ok := reg.procs[name]; ok {
		p, ok := existing.(*procedure[A, R, S])
		if !ok {
			return nil, fmt.Errorf(
				"%w: %q is %s, not %s",
				ErrProcTypeMismatch,
				name,
				existing.signature(),
				signatureOf[A, R, S](),
			)
		}
		return p, nil
	}

	p := &procedure[A, R, S]{
		name:    name,
		codecs:  codecs,
		reg:     reg,
		labels:  withLabels(reg.labels, LabelProcedure.M(name)),
		clients: arena.New[*Client[A, R, S]](),
	}
	reg.procs[name] = p
	return p, nil
}

func (reg *procedureRegistry) lookup(name string, pt PayloadType) (procedureEntry, bool) {
	reg.lk.Lock()
	p, ok := reg.procs[name]
	reg.lk.Unlock()
	if !ok {
		reg.dropped(name, pt, "unknown procedure")
	}
	return p, ok
}

// serves reports whether a local server is bound to name.
func (reg *procedureRegistry) serves(name string) bool {
	reg.lk.Lock()
	p, ok := reg.procs[name]
	reg.lk.Unlock()
	return ok && p.hasServer()
}

func (reg *procedureRegistry) dropped(name string, pt PayloadType, reason string) {
	reg.msink.IncrCounterWithLabels(
		MetricDarcProcedureDroppedCount,
		1.0,
		withLabels(reg.labels, LabelProcedure.M(name), LabelPayloadType.M(pt.String())),
	)
	reg.logger.Debug(
		"dropping procedure packet",
		LabelProcedure.L(name),
		LabelPayloadType.L(pt.String()),
		"reason", reason,
	)
}

func (reg *procedureRegistry) decodeError(name string, pt PayloadType, err error) {
	reg.msink.IncrCounterWithLabels(
		MetricDarcDecodeErrorCount,
		1.0,
		withLabels(reg.labels, LabelProcedure.M(name), LabelError.M(pt.String())),
	)
	reg.logger.Warn("dropping undecodable procedure packet", LabelProcedure.L(name), LabelError.L(err))
}

// receive routes a Call, Return or Status packet received from conn.
func (reg *procedureRegistry) receive(pt PayloadType, conn ID, name string, body []byte) {
	p, ok := reg.lookup(name, pt)
	if !ok {
		return
	}

	var err error
	switch pt {
	case PayloadCall:
		err = p.receiveCall(conn, body)
	case PayloadReturn:
		err = p.receiveReturn(body)
	case PayloadStatus:
		err = p.receiveStatus(body)
	default:
		return
	}
	if err != nil {
		reg.decodeError(name, pt, err)
	}
}

func (reg *procedureRegistry) close() {
	reg.lk.Lock()
	defer reg.lk.Unlock()
	reg.closed = true
}

func (p *procedure[A, R, S]) signature() string {
	return signatureOf[A, R, S]()
}

func (p *procedure[A, R, S]) hasServer() bool {
	return p.localServer() != nil
}

func (p *procedure[A, R, S]) localServer() *Server[A, R, S] {
	p.lk.Lock()
	defer p.lk.Unlock()
	return p.server
}

func (p *procedure[A, R, S]) liveClients() []*Client[A, R, S] {
	p.lk.Lock()
	defer p.lk.Unlock()
	clients := make([]*Client[A, R, S], 0, len(p.handles))
	live := p.handles[:0]
	for _, h := range p.handles {
		if c, ok := p.clients.Get(h); ok {
			clients = append(clients, c)
			live = append(live, h)
		}
	}
	clear(p.handles[len(live):])
	p.handles = live
	return clients
}

func (p *procedure[A, R, S]) receiveCall(origin ID, body []byte) error {
	srv := p.localServer()
	if srv == nil {
		p.reg.dropped(p.name, PayloadCall, "no local server")
		return nil
	}
	arg, err := p.codecs.Arg.Decode(body)
	if err != nil {
		return err
	}
	srv.postCallFrom(origin, arg)
	return nil
}

func (p *procedure[A, R, S]) receiveReturn(body []byte) error {
	clients := p.liveClients()
	if len(clients) == 0 {
		p.reg.dropped(p.name, PayloadReturn, "no local client")
		return nil
	}
	ret, err := p.codecs.Return.Decode(body)
	if err != nil {
		return err
	}
	for _, c := range clients {
		c.PostReturn(ret)
	}
	return nil
}

func (p *procedure[A, R, S]) receiveStatus(body []byte) error {
	clients := p.liveClients()
	if len(clients) == 0 {
		p.reg.dropped(p.name, PayloadStatus, "no local client")
		return nil
	}
	st, err := p.codecs.Status.Decode(body)
	if err != nil {
		return err
	}
	for _, c := range clients {
		c.PostStatus(st)
	}
	return nil
}

// Client calls a procedure and receives its return value and status
// messages asynchronously, on the event loop of its node.
type Client[A, R, S any] struct {
	p        *procedure[A, R, S]
	h        arena.Handle
	onReturn func(R)
	onStatus func(S)
	once     sync.Once
}

// NewClient binds a client of the procedure name. Both handlers are optional.
func NewClient[A, R, S any](
	n *Node,
	name string,
	codecs ProcedureCodecs[A, R, S],
	onReturn func(R),
	onStatus func(S),
) (*Client[A, R, S], error) {
	if err := n.checkOpen(); err != nil {
		return nil, err
	}
	p, err := getOrCreateProcedure(n.procs, name, codecs)
	if err != nil {
		return nil, err
	}

	c := &Client[A, R, S]{p: p, onReturn: onReturn, onStatus: onStatus}
	c.h = p.clients.Insert(c)
	p.lk.Lock()
	p.handles = append(p.handles, c.h)
	p.lk.Unlock()
	return c, nil
}

func (c *Client[A, R, S]) Procedure() string {
	return c.p.name
}

// Call invokes the procedure: on the local server if there is one, on every
// peer otherwise. Without any server reachable the call is dropped.
func (c *Client[A, R, S]) Call(arg A) error {
	p := c.p
	if srv := p.localServer(); srv != nil {
		srv.PostCall(arg)
		return nil
	}

	r := p.reg.remote
	if r == nil || !r.hasPeers() {
		p.reg.dropped(p.name, PayloadCall, "no server reachable")
		return nil
	}

	err := r.forward(PayloadCall, p.name, func(dst []byte) ([]byte, error) {
		return p.codecs.Arg.Append(dst, arg)
	})
	if err != nil {
		return fmt.Errorf("calling %q: %w", p.name, err)
	}
	p.reg.msink.IncrCounterWithLabels(MetricDarcProcedureForwardCount, 1.0, p.labels)
	return nil
}

// PostReturn schedules the return handler on the event loop.
func (c *Client[A, R, S]) PostReturn(ret R) {
	if c.onReturn == nil {
		return
	}
	c.p.reg.post(func() {
		c.onReturn(ret)
	})
}

// PostStatus schedules the status handler on the event loop.
func (c *Client[A, R, S]) PostStatus(st S) {
	if c.onStatus == nil {
		return
	}
	c.p.reg.post(func() {
		c.onStatus(st)
	})
}

// Close stops the delivery of replies to c.
func (c *Client[A, R, S]) Close() {
	c.once.Do(func() {
		c.p.clients.Remove(c.h)
	})
}

// Server implements a procedure for its node and the peers of its node.
// A name has at most one server per node.
type Server[A, R, S any] struct {
	p *procedure[A, R, S]

	lk     sync.Mutex
	method Method[A, R, S]
	// connection of the last call being served, NilID for a local caller.
	origin ID
	closed bool
}

// NewServer binds a server to the procedure name. method may be nil and set
// later with `Server.SetMethod`, but a call reaching a server without a
// method is a fatal error.
func NewServer[A, R, S any](
	n *Node,
	name string,
	codecs ProcedureCodecs[A, R, S],
	method Method[A, R, S],
) (*Server[A, R, S], error) {
	if err := n.checkOpen(); err != nil {
		return nil, err
	}
	p, err := getOrCreateProcedure(n.procs, name, codecs)
	if err != nil {
		return nil, err
	}

	p.lk.Lock()
	defer p.lk.Unlock()
	if p.server != nil {
		return nil, fmt.Errorf("%w: %q", ErrServerAlreadyBound, name)
	}
	srv := &Server[A, R, S]{p: p, method: method}
	p.server = srv
	return srv, nil
}

func (s *Server[A, R, S]) Procedure() string {
	return s.p.name
}

func (s *Server[A, R, S]) SetMethod(method Method[A, R, S]) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.method = method
}

// PostCall schedules the method on the event loop for a local caller.
// It panics with an [*InvariantError] if no method is bound.
func (s *Server[A, R, S]) PostCall(arg A) {
	s.postCallFrom(NilID, arg)
}

func (s *Server[A, R, S]) postCallFrom(origin ID, arg A) {
	s.lk.Lock()
	method := s.method
	s.lk.Unlock()
	if method == nil {
		panic(&InvariantError{
			Err:    ErrNoMethod,
			Detail: fmt.Sprintf("call to %q", s.p.name),
		})
	}

	s.p.reg.post(func() {
		s.lk.Lock()
		s.origin = origin
		s.lk.Unlock()
		method(s, arg)
	})
}

// DispatchReturn sends the return value to the origin of the last call.
func (s *Server[A, R, S]) DispatchReturn(ret R) error {
	origin, ok := s.currentOrigin()
	if !ok {
		return ErrServerClosed
	}
	p := s.p
	if origin.IsNil() {
		for _, c := range p.liveClients() {
			c.PostReturn(ret)
		}
		return nil
	}
	return p.reg.remote.sendTo(origin, PayloadReturn, p.name, func(dst []byte) ([]byte, error) {
		return p.codecs.Return.Append(dst, ret)
	})
}

// DispatchStatus synchronously sends a status message to the origin of the
// last call.
func (s *Server[A, R, S]) DispatchStatus(st S) error {
	origin, ok := s.currentOrigin()
	if !ok {
		return ErrServerClosed
	}
	p := s.p
	if origin.IsNil() {
		for _, c := range p.liveClients() {
			c.PostStatus(st)
		}
		return nil
	}
	return p.reg.remote.sendTo(origin, PayloadStatus, p.name, func(dst []byte) ([]byte, error) {
		return p.codecs.Status.Append(dst, st)
	})
}

// Close unbinds the server, the name can be served again.
func (s *Server[A, R, S]) Close() {
	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		return
	}
	s.closed = true
	s.lk.Unlock()

	s.p.lk.Lock()
	if s.p.server == s {
		s.p.server = nil
	}
	s.p.lk.Unlock()
}

func (s *Server[A, R, S]) currentOrigin() (ID, bool) {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.origin, !s.closed
}
