// Package darc connects processes, called *nodes*, over UDP and lets them
// talk through typed topics (publish/subscribe) and procedures (calls with an
// asynchronous return value and status messages).
//
// ## How it works
//
// A `Node` owns one or more *links*: a link is a bound UDP socket with a
// table of logical *connections*, each one naming a remote endpoint. Many
// connections are multiplexed over the same socket.
//
// `Node.Accept` binds an inbound link. `Node.Connect` allocates a connection on
// the last accepted link (binding a default acceptor on `DefaultListenPort` if
// there is none yet) and sends a *Discover* packet, so the peer learns the
// connection and can address its replies back to us.
//
// Every datagram is exactly one packet:
//
//	[magic "DC"][version][payload type][sender ID][payload]
//
// Message, Call, Return and Status payloads start with the name of the topic
// or procedure they belong to. Values are encoded by a `codec.Codec` supplied
// by the application; see the `pkg/codec` package.
//
// Locally published values are handed to local subscribers synchronously,
// then serialized once and sent to every known peer. Values received from a
// peer are only delivered locally: nothing is ever forwarded twice, topologies
// spanning several hops are built by the application.
//
// Handlers of remote values, procedure methods and procedure replies run on
// the event loop of the node (see `pkg/loop`), one at a time, in the order
// the packets were received on a link.
//
// ## Design Principles
//
// UDP is lossy and nothing here pretends otherwise: there is no
// acknowledgement, no retransmission and no ordering across links. Unknown
// topics and procedures are silently dropped, a node does not need to know
// who is listening.
//
// Optionally, nodes discover each other with [`hashicorp/memberlist`][dep-mbl]
// (see `WithGossip`) and connect to every member automatically.
//
// [dep-mbl]: https://pkg.go.dev/github.com/hashicorp/memberlist
package darc
