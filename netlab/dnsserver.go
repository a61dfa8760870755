package netlab

//
// DNS server
//

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/miekg/dns"
)

// dnsServerTTL is the TTL of the records we serve. Hosts never
// change address while the network is running.
const dnsServerTTL = 3600

// ErrNotIPAddress indicates that a string is not a serialized IP address.
var ErrNotIPAddress = errors.New("netlab: not a valid IP address")

// HostsZone maps the names of the hosts of a [Network] to their IPv4
// addresses, like an /etc/hosts file shared by all hosts. The zero value
// is invalid; use [NewHostsZone] to construct.
type HostsZone struct {
	byAddr map[netip.Addr]string
	byName map[string]netip.Addr
	mu     sync.Mutex
}

// NewHostsZone creates an empty [HostsZone].
func NewHostsZone() *HostsZone {
	return &HostsZone{
		byAddr: map[netip.Addr]string{},
		byName: map[string]netip.Addr{},
	}
}

// Add maps name to the given IPv4 address. Adding a name twice replaces
// the previous address.
func (hz *HostsZone) Add(name, address string) error {
	addr, err := netip.ParseAddr(address)
	if err != nil || !addr.Is4() {
		return fmt.Errorf("%w: %s", ErrNotIPAddress, address)
	}
	fqdn := dns.CanonicalName(name)
	hz.mu.Lock()
	defer hz.mu.Unlock()
	if old, found := hz.byName[fqdn]; found {
		delete(hz.byAddr, old)
	}
	hz.byName[fqdn] = addr
	hz.byAddr[addr] = fqdn
	return nil
}

// Remove removes name from the zone, if present.
func (hz *HostsZone) Remove(name string) {
	fqdn := dns.CanonicalName(name)
	hz.mu.Lock()
	defer hz.mu.Unlock()
	if addr, found := hz.byName[fqdn]; found {
		delete(hz.byAddr, addr)
		delete(hz.byName, fqdn)
	}
}

// Lookup returns the address of the given host name.
func (hz *HostsZone) Lookup(name string) (netip.Addr, bool) {
	hz.mu.Lock()
	defer hz.mu.Unlock()
	addr, found := hz.byName[dns.CanonicalName(name)]
	return addr, found
}

// ReverseLookup returns the fully qualified name of the host using the
// given address (e.g., "h2.").
func (hz *HostsZone) ReverseLookup(addr netip.Addr) (string, bool) {
	hz.mu.Lock()
	defer hz.mu.Unlock()
	name, found := hz.byAddr[addr]
	return name, found
}

// Names returns the fully qualified names in the zone, sorted.
func (hz *HostsZone) Names() []string {
	hz.mu.Lock()
	names := make([]string, 0, len(hz.byName))
	for name := range hz.byName {
		names = append(names, name)
	}
	hz.mu.Unlock()
	sort.Strings(names)
	return names
}

// DNSServer serves a [HostsZone] on port 53/udp of a host. The zero
// value is invalid; use [NewDNSServer] to construct.
type DNSServer struct {
	closed atomic.Bool
	once   sync.Once
	pconn  UDPLikeConn
	wg     sync.WaitGroup
}

// NewDNSServer starts serving zone on the given IPv4 address of stack.
// Remember to call [DNSServer.Close] when done.
func NewDNSServer(logger Logger, stack UnderlyingNetwork, ipAddress string, zone *HostsZone) (*DNSServer, error) {
	addr, err := netip.ParseAddr(ipAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotIPAddress, ipAddress)
	}
	pconn, err := stack.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.AddrPortFrom(addr, 53)))
	if err != nil {
		return nil, err
	}
	ds := &DNSServer{pconn: pconn}
	ds.wg.Add(1)
	go ds.serve(logger, ipAddress, zone)
	return ds, nil
}

// Close shuts down the server and waits for its worker to terminate.
func (ds *DNSServer) Close() error {
	ds.once.Do(func() {
		ds.closed.Store(true)
		ds.pconn.Close()
		ds.wg.Wait()
	})
	return nil
}

func (ds *DNSServer) serve(logger Logger, ipAddress string, zone *HostsZone) {
	defer ds.wg.Done()
	logger.Debugf("netlab: dns server %s:53 up", ipAddress)
	defer logger.Debugf("netlab: dns server %s:53 down", ipAddress)

	buffer := make([]byte, dns.MaxMsgSize)
	for {
		count, addr, err := ds.pconn.ReadFrom(buffer)
		if err != nil {
			if ds.closed.Load() || errors.Is(err, net.ErrClosed) {
				logger.Debugf("netlab: dns server %s: %s", ipAddress, err.Error())
			} else {
				logger.Warnf("netlab: dns server %s: %s", ipAddress, err.Error())
			}
			return
		}
		rawResponse, err := dnsServerRoundTrip(zone, buffer[:count])
		if err != nil {
			logger.Debugf("netlab: dns server %s: %s: %s", ipAddress, addr, err.Error())
			continue
		}
		_, _ = ds.pconn.WriteTo(rawResponse, addr)
	}
}

// dnsServerRoundTrip answers a raw query using zone. It fails only when the
// query cannot be parsed, in which case there is no ID to reply to.
func dnsServerRoundTrip(zone *HostsZone, rawQuery []byte) ([]byte, error) {
	query := &dns.Msg{}
	if err := query.Unpack(rawQuery); err != nil {
		return nil, err
	}
	return dnsServerAnswer(zone, query).Pack()
}

// dnsServerAnswer builds the response to query. We serve A records for
// host names and PTR records for their in-addr.arpa names. A known name
// without records of the requested type gets an empty NOERROR response.
func dnsServerAnswer(zone *HostsZone, query *dns.Msg) *dns.Msg {
	resp := &dns.Msg{}
	if query.Response || query.Opcode != dns.OpcodeQuery || len(query.Question) != 1 ||
		query.Question[0].Qclass != dns.ClassINET {
		return resp.SetRcode(query, dns.RcodeRefused)
	}
	q0 := query.Question[0]
	header := dns.RR_Header{Name: q0.Name, Class: dns.ClassINET, Ttl: dnsServerTTL}

	if addr, found := dnsServerParseReverse(q0.Name); found {
		name, found := zone.ReverseLookup(addr)
		if !found {
			return resp.SetRcode(query, dns.RcodeNameError)
		}
		resp.SetReply(query)
		if q0.Qtype == dns.TypePTR || q0.Qtype == dns.TypeANY {
			header.Rrtype = dns.TypePTR
			resp.Answer = append(resp.Answer, &dns.PTR{Hdr: header, Ptr: name})
		}
		resp.Authoritative = true
		return resp
	}

	addr, found := zone.Lookup(q0.Name)
	if !found {
		return resp.SetRcode(query, dns.RcodeNameError)
	}
	resp.SetReply(query)
	if q0.Qtype == dns.TypeA || q0.Qtype == dns.TypeANY {
		header.Rrtype = dns.TypeA
		resp.Answer = append(resp.Answer, &dns.A{Hdr: header, A: net.IP(addr.AsSlice())})
	}
	resp.Authoritative = true
	return resp
}

// dnsServerParseReverse parses names like "2.0.0.10.in-addr.arpa.".
func dnsServerParseReverse(name string) (netip.Addr, bool) {
	labels := dns.SplitDomainName(name)
	if len(labels) != 6 || labels[4] != "in-addr" || labels[5] != "arpa" {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(fmt.Sprintf("%s.%s.%s.%s", labels[3], labels[2], labels[1], labels[0]))
	if err != nil || !addr.Is4() {
		return netip.Addr{}, false
	}
	return addr, true
}
