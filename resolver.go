package darc

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

var (
	// port is mandatory to accept.
	acceptAddrRe = regexp.MustCompile(`^(.+):(\d+)$`)
	// an empty port means the peer listens on DefaultListenPort.
	connectAddrRe = regexp.MustCompile(`^(.+):(\d*)$`)
)

// Resolver turns a host and a port into a UDP endpoint.
//
// Lookups run synchronously on the caller of `Accept` or `Connect`.
// *Implementations* MUST honour the context deadline.
type Resolver interface {
	ResolveUDP(ctx context.Context, host, port string) (*net.UDPAddr, error)
}

// NetResolver resolves IPv4 endpoints with a `net.Resolver`.
type NetResolver struct {
	Resolver *net.Resolver
}

var _ Resolver = NetResolver{}

func (nr NetResolver) ResolveUDP(ctx context.Context, host, port string) (*net.UDPAddr, error) {
	r := nr.Resolver
	if r == nil {
		r = net.DefaultResolver
	}

	portNum, err := r.LookupPort(ctx, "udp", port)
	if err != nil {
		return nil, err
	}

	ips, err := r.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IPv4 address for %q", host)
	}

	return &net.UDPAddr{IP: ips[0], Port: portNum}, nil
}

func splitAddr(re *regexp.Regexp, addr string) (host, port string, err error) {
	what := re.FindStringSubmatch(addr)
	if what == nil {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidAddr, addr)
	}
	host, port = what[1], what[2]
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidAddr, addr)
	}
	if port != "" {
		if p, perr := strconv.Atoi(port); perr != nil || p > 65535 {
			return "", "", fmt.Errorf("%w: port out of range in %q", ErrInvalidAddr, addr)
		}
	}
	return host, port, nil
}
