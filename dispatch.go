package darc

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/darc/pkg/arena"
	"github.com/raskyld/darc/pkg/codec"
)

// remote is the capability to reach the peers of a node.
type remote interface {
	hasPeers() bool
	// forward sends the payload once to every distinct peer.
	forward(pt PayloadType, name string, body func(dst []byte) ([]byte, error)) error
	// sendTo sends the payload over a single connection.
	sendTo(conn ID, pt PayloadType, name string, body func(dst []byte) ([]byte, error)) error
}

type topicDispatcher interface {
	valueType() reflect.Type
	dispatchMessageLocally(body []byte) error
	close()
}

// DispatchManager maps topic names to their [Dispatcher].
type DispatchManager struct {
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
	remote remote
	// run executes local deliveries on the event loop, nil runs them in place.
	run func(fn func()) error

	lk     sync.Mutex
	topics map[string]topicDispatcher
	closed bool
}

func newDispatchManager(
	logger *slog.Logger,
	msink metrics.MetricSink,
	labels []metrics.Label,
	r remote,
	run func(fn func()) error,
) *DispatchManager {
	return &DispatchManager{
		logger: logger,
		msink:  msink,
		labels: labels,
		remote: r,
		run:    run,
		topics: make(map[string]topicDispatcher),
	}
}

// Dispatcher fans out the values of one topic to the local subscribers and
// to the remote peers.
//
// Subscribers are referenced through arena handles: the dispatcher never keeps
// them alive and silently skips the expired ones.
type Dispatcher[T any] struct {
	topic  string
	codec  codec.Codec[T]
	dm     *DispatchManager
	labels []metrics.Label

	subs *arena.Arena[func(T)]

	lk      sync.Mutex
	handles []arena.Handle

	closed atomic.Bool
}

// RegisterPublisher returns the dispatcher of topic, creating it on first
// use. codec is only retained if the dispatcher is created by this call.
func RegisterPublisher[T any](dm *DispatchManager, topic string, c codec.Codec[T]) (*Dispatcher[T], error) {
	return getOrCreateDispatcher(dm, topic, c)
}

// RegisterSubscriber attaches fn to the dispatcher of topic. The returned
// handle is what the dispatcher holds, see [Dispatcher.Unregister].
func RegisterSubscriber[T any](dm *DispatchManager, topic string, c codec.Codec[T], fn func(T)) (*Dispatcher[T], arena.Handle, error) {
	d, err := getOrCreateDispatcher(dm, topic, c)
	if err != nil {
		return nil, arena.Handle{}, err
	}
	h := d.subs.Insert(fn)
	d.lk.Lock()
	d.handles = append(d.handles, h)
	d.lk.Unlock()
	return d, h, nil
}

func getOrCreateDispatcher[T any](dm *DispatchManager, topic string, c codec.Codec[T]) (*Dispatcher[T], error) {
	if len(topic) == 0 || len(topic) > MaxNameLength {
		return nil, fmt.Errorf("%w: topic %q", ErrNameInvalid, topic)
	}

	dm.lk.Lock()
	defer dm.lk.Unlock()
	if dm.closed {
		return nil, ErrNodeClosed
	}

	if existing, ok := dm.topics[topic]; ok {
		d, ok := existing.(*Dispatcher[T])
		if !ok {
			return nil, fmt.Errorf(
				"%w: %q carries %s, not %s",
				ErrTopicTypeMismatch,
				topic,
				existing.valueType(),
				reflect.TypeOf((*T)(nil)).Elem(),
			)
		}
		return d, nil
	}

	d := &Dispatcher[T]{
		topic:  topic,
		codec:  c,
		dm:     dm,
		labels: withLabels(dm.labels, LabelTopic.M(topic)),
		subs:   arena.New[func(T)](),
	}
	dm.topics[topic] = d
	dm.logger.Debug("topic dispatcher created", LabelTopic.L(topic), "type", reflect.TypeOf((*T)(nil)).Elem().String())
	return d, nil
}

// dispatchMessageLocally routes a Message received from a peer. It never
// forwards it back to the network.
func (dm *DispatchManager) dispatchMessageLocally(topic string, body []byte) {
	dm.lk.Lock()
	d, ok := dm.topics[topic]
	dm.lk.Unlock()

	if !ok {
		dm.msink.IncrCounterWithLabels(
			MetricDarcMessageDroppedCount,
			1.0,
			withLabels(dm.labels, LabelTopic.M(topic)),
		)
		dm.logger.Debug("dropping message of an unknown topic", LabelTopic.L(topic))
		return
	}

	if err := d.dispatchMessageLocally(body); err != nil {
		dm.msink.IncrCounterWithLabels(
			MetricDarcDecodeErrorCount,
			1.0,
			withLabels(dm.labels, LabelTopic.M(topic), LabelError.M("message")),
		)
		dm.logger.Warn("dropping undecodable message", LabelTopic.L(topic), LabelError.L(err))
	}
}

// Topics lists the topics with a dispatcher.
func (dm *DispatchManager) Topics() []string {
	dm.lk.Lock()
	defer dm.lk.Unlock()
	topics := make([]string, 0, len(dm.topics))
	for topic := range dm.topics {
		topics = append(topics, topic)
	}
	return topics
}

func (dm *DispatchManager) close() {
	dm.lk.Lock()
	if dm.closed {
		dm.lk.Unlock()
		return
	}
	dm.closed = true
	topics := dm.topics
	dm.topics = make(map[string]topicDispatcher)
	dm.lk.Unlock()

	for _, d := range topics {
		d.close()
	}
}

func (d *Dispatcher[T]) Topic() string {
	return d.topic
}

// Closed reports whether the owning node is gone.
func (d *Dispatcher[T]) Closed() bool {
	return d.closed.Load()
}

// Unregister detaches a subscriber, it is a no-op for an expired handle.
func (d *Dispatcher[T]) Unregister(h arena.Handle) {
	d.subs.Remove(h)
	d.prune()
}

// Subscribers counts the live local subscribers.
func (d *Dispatcher[T]) Subscribers() int {
	return d.subs.Len()
}

// DispatchMessage delivers v to every live local subscriber, on the event
// loop but before returning, then serializes it once for the peers, if there
// are any.
func (d *Dispatcher[T]) DispatchMessage(v T) error {
	if d.closed.Load() {
		return nil
	}

	if run := d.dm.run; run != nil {
		if err := run(func() { d.deliver(v) }); err != nil {
			// the node is closing.
			return nil
		}
	} else {
		d.deliver(v)
	}

	r := d.dm.remote
	if r == nil || !r.hasPeers() {
		return nil
	}

	err := r.forward(PayloadMessage, d.topic, func(dst []byte) ([]byte, error) {
		return d.codec.Append(dst, v)
	})
	if err != nil {
		return fmt.Errorf("forwarding %q: %w", d.topic, err)
	}
	d.dm.msink.IncrCounterWithLabels(MetricDarcMessageForwardedCount, 1.0, d.labels)
	return nil
}

func (d *Dispatcher[T]) dispatchMessageLocally(body []byte) error {
	if d.closed.Load() {
		return nil
	}
	v, err := d.codec.Decode(body)
	if err != nil {
		return err
	}
	d.deliver(v)
	return nil
}

func (d *Dispatcher[T]) deliver(v T) {
	d.lk.Lock()
	handles := make([]arena.Handle, len(d.handles))
	copy(handles, d.handles)
	d.lk.Unlock()

	var expired int
	for _, h := range handles {
		fn, ok := d.subs.Get(h)
		if !ok {
			expired++
			continue
		}
		fn(v)
		d.dm.msink.IncrCounterWithLabels(MetricDarcMessageDeliveredCount, 1.0, d.labels)
	}

	if expired > 0 {
		d.prune()
	}
}

// prune forgets the handles of expired subscribers.
func (d *Dispatcher[T]) prune() {
	d.lk.Lock()
	defer d.lk.Unlock()
	live := d.handles[:0]
	for _, h := range d.handles {
		if d.subs.Alive(h) {
			live = append(live, h)
		}
	}
	clear(d.handles[len(live):])
	d.handles = live
}

func (d *Dispatcher[T]) valueType() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func (d *Dispatcher[T]) close() {
	d.closed.Store(true)
}
