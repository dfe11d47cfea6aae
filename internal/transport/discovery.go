package transport

import (
	"context"
	"fmt"

	"github.com/brutella/dnssd"
)

// DNSSDServiceType is the mDNS/DNS-SD service type KISS-over-TCP TNCs are
// announced and browsed under, matching the teacher's dns_sd.go.
const DNSSDServiceType = "_kiss-tnc._tcp"

// Announced is a handle to a running DNS-SD announcement; Stop tears it
// down.
type Announced struct {
	cancel context.CancelFunc
}

func (a *Announced) Stop() {
	if a != nil && a.cancel != nil {
		a.cancel()
	}
}

// AnnounceTCP advertises a KISS-over-TCP service on the local network so
// other AXTerm instances can discover this host without typing in an
// address.
func AnnounceTCP(name string, port int) (*Announced, error) {
	cfg := dnssd.Config{
		Name: name,
		Type: DNSSDServiceType,
		Port: port,
	}

	svc, err := dnssd.NewService(cfg)
	if err != nil {
		return nil, fmt.Errorf("transport: dns-sd service: %w", err)
	}
	responder, err := dnssd.NewResponder()
	if err != nil {
		return nil, fmt.Errorf("transport: dns-sd responder: %w", err)
	}
	if _, err := responder.Add(svc); err != nil {
		return nil, fmt.Errorf("transport: dns-sd add: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = responder.Respond(ctx) }()

	return &Announced{cancel: cancel}, nil
}

// DiscoveredPeer is one KISS-over-TCP service found on the network.
type DiscoveredPeer struct {
	Name string
	Host string
	Port int
}

// Browse collects KISS-over-TCP services advertised on the network until
// ctx is cancelled, delivering each sighting to onFound.
func Browse(ctx context.Context, onFound func(DiscoveredPeer)) error {
	addFn := func(e dnssd.BrowseEntry) {
		host := e.Host
		if len(e.IPs) > 0 {
			host = e.IPs[0].String()
		}
		onFound(DiscoveredPeer{Name: e.Name, Host: host, Port: e.Port})
	}
	rmvFn := func(dnssd.BrowseEntry) {}

	return dnssd.LookupType(ctx, DNSSDServiceType, addFn, rmvFn)
}
