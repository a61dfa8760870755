package netlab

//
// HTTP server
//

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/quic-go/quic-go/http3"
)

// HTTPServer serves HTTP on port 80/tcp, HTTPS on port 443/tcp, and HTTP/3
// on port 443/udp of a host. The zero value is invalid; please, construct
// using [NewHTTPServer].
type HTTPServer struct {
	closeOnce  sync.Once
	errs       chan error
	logger     Logger
	pconn      UDPLikeConn
	quicServer *http3.Server
	tcpServer  *http.Server
	tlsServer  *http.Server
	wg         *sync.WaitGroup
}

// NewHTTPServer creates the listeners using the stack IP address and starts
// serving the given handler in background goroutines. Call [HTTPServer.Close]
// to stop serving.
func NewHTTPServer(stack HTTPUnderlyingNetwork, handler http.Handler) (*HTTPServer, error) {
	ipAddr := net.ParseIP(stack.IPAddress())
	if ipAddr == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotIPAddress, stack.IPAddress())
	}

	// create the listeners first so we can fail early
	tcpListener, err := stack.ListenTCP("tcp", &net.TCPAddr{IP: ipAddr, Port: 80})
	if err != nil {
		return nil, err
	}
	tlsListener, err := stack.ListenTCP("tcp", &net.TCPAddr{IP: ipAddr, Port: 443})
	if err != nil {
		tcpListener.Close()
		return nil, err
	}
	pconn, err := stack.ListenUDP("udp", &net.UDPAddr{IP: ipAddr, Port: 443})
	if err != nil {
		tcpListener.Close()
		tlsListener.Close()
		return nil, err
	}

	srv := &HTTPServer{
		closeOnce: sync.Once{},
		errs:      make(chan error, 3),
		logger:    stack.Logger(),
		pconn:     pconn,
		quicServer: &http3.Server{
			Handler:   handler,
			TLSConfig: stack.ServerTLSConfig(),
		},
		tcpServer: &http.Server{
			Handler: handler,
		},
		tlsServer: &http.Server{
			Handler:   handler,
			TLSConfig: stack.ServerTLSConfig(),
		},
		wg: &sync.WaitGroup{},
	}

	srv.serve(tcpListener.Addr().String()+"/tcp", func() error {
		return srv.tcpServer.Serve(tcpListener)
	})
	srv.serve(tlsListener.Addr().String()+"/tcp", func() error {
		return srv.tlsServer.ServeTLS(tlsListener, "", "")
	})
	srv.serve(pconn.LocalAddr().String()+"/udp", func() error {
		return srv.quicServer.Serve(pconn)
	})
	return srv, nil
}

// serve runs the given serve function in a background goroutine.
func (srv *HTTPServer) serve(endpoint string, fx func() error) {
	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		srv.logger.Debugf("netlab: http: start %s", endpoint)
		err := fx()
		srv.logger.Debugf("netlab: http: stop %s", endpoint)
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			srv.errs <- fmt.Errorf("%s: %w", endpoint, err)
		}
	}()
}

// Close stops the servers and returns the errors that occurred while serving.
func (srv *HTTPServer) Close() (err error) {
	srv.closeOnce.Do(func() {
		errs := []error{
			srv.tcpServer.Close(),
			srv.tlsServer.Close(),
			srv.quicServer.Close(),
		}
		srv.pconn.Close()
		srv.wg.Wait()
		close(srv.errs)
		for e := range srv.errs {
			errs = append(errs, e)
		}
		err = errors.Join(errs...)
	})
	return
}

// NewHTTPHelloHandler returns a handler that greets the client and tells it
// which host and protocol served the request.
func NewHTTPHelloHandler(hostName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "hello from %s over %s\n", hostName, r.Proto)
	})
}
