package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestPeerFromEntry(t *testing.T) {
	e := zeroconf.NewServiceEntry("CollabText-laptop", Service, Domain)
	e.HostName = "laptop.local."
	e.Port = 8080
	e.Text = txtRecords("notes")
	e.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	e.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}

	p := peerFrom(e)
	if p.Room != "notes" || p.Instance != "CollabText-laptop" {
		t.Errorf("peer = %+v", p)
	}
	if got := p.Addr(); got != "192.168.1.20:8080" {
		t.Errorf("Addr() = %q", got)
	}

	p.Addrs = nil
	if got := p.Addr(); got != "laptop.local:8080" {
		t.Errorf("Addr() without addresses = %q", got)
	}
}

func TestTextRecords(t *testing.T) {
	if got := roomFromText(txtRecords("")); got != "" {
		t.Errorf("room from empty advert = %q", got)
	}
	if got := roomFromText([]string{"txtv=1", "room=a=b"}); got != "a=b" {
		t.Errorf("room = %q", got)
	}
}

func TestCollectSorts(t *testing.T) {
	peers := collect(map[string]Peer{"b": {Instance: "b"}, "a": {Instance: "a"}})
	if len(peers) != 2 || peers[0].Instance != "a" {
		t.Errorf("peers = %+v", peers)
	}
}
