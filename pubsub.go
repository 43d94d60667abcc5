package darc

import (
	"sync"

	"github.com/raskyld/darc/pkg/arena"
	"github.com/raskyld/darc/pkg/codec"
)

// Subscriber receives the values published on a topic, by local publishers
// and by the peers of its node.
//
// handler always runs on the node event loop. Values of a local publisher
// are delivered before `Publisher.Publish` returns.
type Subscriber[T any] struct {
	d    *Dispatcher[T]
	h    arena.Handle
	once sync.Once
}

func Subscribe[T any](n *Node, topic string, c codec.Codec[T], handler func(T)) (*Subscriber[T], error) {
	if err := n.checkOpen(); err != nil {
		return nil, err
	}
	d, h, err := RegisterSubscriber(n.topics, topic, c, handler)
	if err != nil {
		return nil, err
	}
	return &Subscriber[T]{d: d, h: h}, nil
}

func (s *Subscriber[T]) Topic() string {
	return s.d.Topic()
}

// Close stops the delivery, the dispatcher observes it lazily.
func (s *Subscriber[T]) Close() {
	s.once.Do(func() {
		s.d.Unregister(s.h)
	})
}

// Publisher publishes values on a topic. Once its node is closed,
// `Publisher.Publish` is a no-op.
type Publisher[T any] struct {
	d *Dispatcher[T]
}

func NewPublisher[T any](n *Node, topic string, c codec.Codec[T]) (*Publisher[T], error) {
	if err := n.checkOpen(); err != nil {
		return nil, err
	}
	d, err := RegisterPublisher(n.topics, topic, c)
	if err != nil {
		return nil, err
	}
	return &Publisher[T]{d: d}, nil
}

func (p *Publisher[T]) Topic() string {
	return p.d.Topic()
}

// Publish delivers v to the local subscribers before returning, then sends
// it, best-effort, to every peer.
func (p *Publisher[T]) Publish(v T) error {
	return p.d.DispatchMessage(v)
}
