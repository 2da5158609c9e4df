// Package discovery advertises and finds relays on the local network over
// mDNS.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	Service = "_collabtext._tcp"
	Domain  = "local."

	roomKey    = "room="
	versionKey = "txtv="
)

// Peer is a relay found on the network.
type Peer struct {
	Instance string
	Host     string
	Port     int
	Addrs    []net.IP
	Room     string
}

// Addr is the host:port to dial, preferring a resolved address.
func (p Peer) Addr() string {
	host := strings.TrimSuffix(p.Host, ".")
	if len(p.Addrs) > 0 {
		host = p.Addrs[0].String()
	}
	return net.JoinHostPort(host, strconv.Itoa(p.Port))
}

func txtRecords(room string) []string {
	txt := []string{versionKey + "1"}
	if room != "" {
		txt = append(txt, roomKey+room)
	}
	return txt
}

func roomFromText(txt []string) string {
	for _, t := range txt {
		if room, ok := strings.CutPrefix(t, roomKey); ok {
			return room
		}
	}
	return ""
}

// Advertise announces a relay serving room on port until ctx is done.
func Advertise(ctx context.Context, instance string, port int, room string) error {
	server, err := zeroconf.Register(instance, Service, Domain, port, txtRecords(room), nil)
	if err != nil {
		return fmt.Errorf("register mDNS service %s: %w", instance, err)
	}
	defer server.Shutdown()
	<-ctx.Done()
	return nil
}

// Browse collects the relays that answer before ctx is done. Callers bound
// ctx with a timeout.
func Browse(ctx context.Context) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mDNS resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("browse %s: %w", Service, err)
	}
	found := make(map[string]Peer)
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return collect(found), nil
			}
			found[e.Instance] = peerFrom(e)
		case <-ctx.Done():
			return collect(found), nil
		}
	}
}

func peerFrom(e *zeroconf.ServiceEntry) Peer {
	addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	addrs = append(addrs, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)
	return Peer{
		Instance: e.Instance,
		Host:     e.HostName,
		Port:     e.Port,
		Addrs:    addrs,
		Room:     roomFromText(e.Text),
	}
}

func collect(found map[string]Peer) []Peer {
	peers := make([]Peer, 0, len(found))
	for _, p := range found {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Instance < peers[j].Instance })
	return peers
}
