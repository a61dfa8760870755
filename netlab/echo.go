package netlab

//
// UDP echo service (RFC 862)
//

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
)

// EchoPort is the UDP port of the echo service.
const EchoPort = 7

// EchoServer is a UDP echo server. The zero value is invalid,
// please construct using [NewEchoServer].
type EchoServer struct {
	closed *atomic.Bool
	once   sync.Once
	pconn  UDPLikeConn
	wg     *sync.WaitGroup
}

// NewEchoServer creates a new [EchoServer] listening on the [EchoPort]
// of the given IPv4 address. Remember to call [EchoServer.Close] when
// you are done using this server.
func NewEchoServer(logger Logger, stack UnderlyingNetwork, ipAddress string) (*EchoServer, error) {
	parsedIP := net.ParseIP(ipAddress)
	if parsedIP == nil {
		return nil, ErrNotIPAddress
	}
	pconn, err := stack.ListenUDP("udp", &net.UDPAddr{IP: parsedIP, Port: EchoPort})
	if err != nil {
		return nil, err
	}
	closed := &atomic.Bool{}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go echoServerWorker(logger, ipAddress, pconn, closed, wg)
	es := &EchoServer{
		closed: closed,
		pconn:  pconn,
		wg:     wg,
	}
	return es, nil
}

// Close shuts down the echo server and waits for its worker to terminate.
func (es *EchoServer) Close() error {
	es.once.Do(func() {
		es.closed.Store(true)
		es.pconn.Close()
		es.wg.Wait()
	})
	return nil
}

// echoServerWorker is the [EchoServer] worker.
func echoServerWorker(logger Logger, ipAddress string, pconn UDPLikeConn, closed *atomic.Bool, wg *sync.WaitGroup) {
	logger.Debugf("netlab: echo server %s up", ipAddress)
	defer func() {
		logger.Debugf("netlab: echo server %s down", ipAddress)
		wg.Done()
	}()
	buffer := make([]byte, 65535)
	for {
		count, addr, err := pconn.ReadFrom(buffer)
		if err != nil {
			if closed.Load() || errors.Is(err, net.ErrClosed) {
				logger.Debugf("netlab: echo server %s: %s", ipAddress, err.Error())
			} else {
				logger.Warnf("netlab: echo server %s: %s", ipAddress, err.Error())
			}
			return
		}
		_, _ = pconn.WriteTo(buffer[:count], addr)
	}
}
