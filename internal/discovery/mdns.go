// Package discovery advertises relay instances on the local network over mDNS
// and lets participant agents find them.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/grandcat/zeroconf"
)

const domain = "local."

// ErrNotFound is returned when browsing ends without any instance.
var ErrNotFound = errors.New("no relay instance found")

// Advertiser keeps an mDNS registration alive until Shutdown.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers this host under service (for example "_canvasrelay._tcp")
// on port.
func Advertise(service string, port int) (*Advertiser, error) {
	host, _ := os.Hostname()
	server, err := zeroconf.Register(
		fmt.Sprintf("canvas-relay-%s", host),
		service,
		domain,
		port,
		[]string{"path=/api/canvas/{canvasId}/collab"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service %s: %w", service, err)
	}
	return &Advertiser{server: server}, nil
}

func (a *Advertiser) Shutdown() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}

// PortFromAddr extracts the numeric port of a listen address such as ":8081".
func PortFromAddr(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return 0, fmt.Errorf("listen address %q: %w", addr, err)
	}
	return port, nil
}

// Browse returns host:port of the first instance of service seen before ctx ends.
func Browse(ctx context.Context, service string) (string, error) {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return "", fmt.Errorf("mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return "", fmt.Errorf("browse %s: %w", service, err)
	}

	for {
		select {
		case <-ctx.Done():
			return "", ErrNotFound
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			if addr := entryAddr(entry); addr != "" {
				return addr, nil
			}
		}
	}
}

func entryAddr(e *zeroconf.ServiceEntry) string {
	if e == nil || e.Port == 0 {
		return ""
	}
	switch {
	case len(e.AddrIPv4) > 0:
		return net.JoinHostPort(e.AddrIPv4[0].String(), strconv.Itoa(e.Port))
	case len(e.AddrIPv6) > 0:
		return net.JoinHostPort(e.AddrIPv6[0].String(), strconv.Itoa(e.Port))
	case e.HostName != "":
		return net.JoinHostPort(e.HostName, strconv.Itoa(e.Port))
	}
	return ""
}
