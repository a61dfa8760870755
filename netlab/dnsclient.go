package netlab

//
// DNS client code
//

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

const (
	// dnsAttemptTimeout is the time we wait for a response before
	// sending the query again.
	dnsAttemptTimeout = time.Second

	// dnsMaxAttempts is the number of times we send a query, like the
	// "attempts" option of resolv.conf.
	dnsMaxAttempts = 3
)

// DNSRoundTrip sends query to the DNS server at ipAddress using the given
// [UnderlyingNetwork]. Lossy links drop queries and responses, so we send
// the query again when no response arrives within a second, up to three
// times or until the context is done.
func DNSRoundTrip(
	ctx context.Context,
	stack UnderlyingNetwork,
	ipAddress string,
	query *dns.Msg,
) (*dns.Msg, error) {
	rawQuery, err := query.Pack()
	if err != nil {
		return nil, err
	}
	conn, err := stack.DialContext(ctx, "udp", net.JoinHostPort(ipAddress, "53"))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// interrupt blocking reads when the context is done
	done := make(chan any)
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	var lastErr error
	for attempt := 0; attempt < dnsMaxAttempts && ctx.Err() == nil; attempt++ {
		deadline := time.Now().Add(dnsAttemptTimeout)
		if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
			deadline = ctxDeadline
		}
		_ = conn.SetDeadline(deadline)
		if _, err := conn.Write(rawQuery); err != nil {
			return nil, err
		}
		response, err := dnsReadResponse(conn, query)
		if err == nil {
			return response, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() {
			return nil, err
		}
		lastErr = err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, lastErr
}

// dnsReadResponse reads until it finds the response to query, skipping
// late responses to queries we sent before.
func dnsReadResponse(conn net.Conn, query *dns.Msg) (*dns.Msg, error) {
	buffer := make([]byte, dns.MaxMsgSize)
	for {
		count, err := conn.Read(buffer)
		if err != nil {
			return nil, err
		}
		response := &dns.Msg{}
		if err := response.Unpack(buffer[:count]); err != nil {
			return nil, err
		}
		if response.Id == query.Id {
			return response, nil
		}
	}
}

// ErrDNSNoAnswer is returned when the server response does not contain any
// answer for the original query (i.e., no IPv4 addresses).
var ErrDNSNoAnswer = errors.New("netlab: dns: no answer from DNS server")

// ErrDNSNoSuchHost is returned in case of NXDOMAIN.
var ErrDNSNoSuchHost = errors.New("netlab: dns: no such host")

// ErrDNSServerMisbehaving is the error we return for cases different from NXDOMAIN.
var ErrDNSServerMisbehaving = errors.New("netlab: dns: server misbehaving")

// DNSParseResponse returns the IPv4 addresses and the CNAME, if any, that
// resp contains for query. Errors mimic the ones of getaddrinfo.
func DNSParseResponse(query, resp *dns.Msg) ([]string, string, error) {
	if !resp.Response || resp.Id != query.Id {
		return nil, "", fmt.Errorf("%w: not a response to our query", ErrDNSServerMisbehaving)
	}
	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, "", ErrDNSNoSuchHost
	default:
		return nil, "", fmt.Errorf("%w: %s", ErrDNSServerMisbehaving, dns.RcodeToString[resp.Rcode])
	}

	var (
		addrs []string
		cname string
	)
	for _, answer := range resp.Answer {
		switch rr := answer.(type) {
		case *dns.A:
			addrs = append(addrs, rr.A.String())
		case *dns.CNAME:
			cname = rr.Target
		}
	}
	if len(addrs) <= 0 {
		return nil, "", ErrDNSNoAnswer
	}
	return addrs, cname, nil
}

// DNSNewRequestA creates a new recursive A query for a host name.
func DNSNewRequestA(domain string) *dns.Msg {
	query := &dns.Msg{}
	query.SetQuestion(dns.CanonicalName(domain), dns.TypeA)
	return query
}

// DNSNewRequestPTR creates a new recursive PTR query for an IP address.
func DNSNewRequestPTR(ipAddress string) (*dns.Msg, error) {
	name, err := dns.ReverseAddr(ipAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotIPAddress, ipAddress)
	}
	query := &dns.Msg{}
	query.SetQuestion(name, dns.TypePTR)
	return query, nil
}
