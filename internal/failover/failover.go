// Package failover parses the failoverList grammar: a comma-separated list
// of alternate endpoint addresses of the form [scheme://]host[:port].
package failover

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Address is one alternate endpoint in a failover list.
type Address struct {
	Scheme string
	Host   string
	Port   string
}

// HostPort returns the host:port form of the address.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, a.Port)
}

// List is an ordered list of alternate addresses; order is the order the
// transport layer tries them in.
type List []Address

var defaultPorts = map[string]string{
	"amqp":  "5672",
	"amqps": "5671",
	"ws":    "80",
	"wss":   "443",
}

// Parse parses a failoverList field value. Any grammar violation is an
// error; the caller aborts the create operation that carried the list.
func Parse(spec string) (List, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, fmt.Errorf("failover: empty list")
	}

	var list List
	for _, item := range strings.Split(spec, ",") {
		addr, err := parseAddress(strings.TrimSpace(item))
		if err != nil {
			return nil, err
		}
		list = append(list, addr)
	}
	return list, nil
}

func parseAddress(item string) (Address, error) {
	if item == "" {
		return Address{}, fmt.Errorf("failover: empty list entry")
	}

	addr := Address{Scheme: "amqp"}
	rest := item
	if idx := strings.Index(item, "://"); idx >= 0 {
		scheme := item[:idx]
		if _, ok := defaultPorts[scheme]; !ok {
			return Address{}, fmt.Errorf("failover: unsupported scheme %q in %q", scheme, item)
		}
		addr.Scheme = scheme
		rest = item[idx+3:]
	}

	host, port, err := net.SplitHostPort(rest)
	bracketed := strings.HasPrefix(rest, "[") && strings.HasSuffix(rest, "]")
	if err != nil {
		// No port part; the remainder is the host.
		host, port = rest, defaultPorts[addr.Scheme]
		if bracketed {
			host = rest[1 : len(rest)-1]
		}
	} else if p, convErr := strconv.Atoi(port); convErr != nil || p < 1 || p > 65535 {
		return Address{}, fmt.Errorf("failover: invalid port %q in %q", port, item)
	}

	if host == "" || strings.ContainsAny(host, "/ ") ||
		(strings.Contains(host, ":") && !strings.Contains(rest, "[")) {
		return Address{}, fmt.Errorf("failover: invalid host in entry %q", item)
	}

	addr.Host = host
	addr.Port = port
	return addr, nil
}
