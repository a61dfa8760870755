package netlab

//
// Network diagnostic tool (NDT) v0.
//
// This version of the protocol does not actually exists but what
// we're doing here is conceptually similar to ndt7.
//

import (
	"context"
	"math/rand"
	"net"
	"time"
)

// NDT0PerformanceSample is a performance sample collected by [RunNDT0Client].
type NDT0PerformanceSample struct {
	// Elapsed is the time elapsed since the beginning of the test.
	Elapsed time.Duration

	// Total is the number of bytes received since the beginning.
	Total int64

	// Current is the number of bytes received since the previous sample.
	Current int64

	// AvgSpeed is the average download speed in Mbit/s.
	AvgSpeed float64

	// CurSpeed is the download speed in Mbit/s since the previous sample.
	CurSpeed float64

	// Final is true for the last sample of the test.
	Final bool
}

// ndt0SampleInterval is the interval between two performance samples.
const ndt0SampleInterval = 250 * time.Millisecond

// RunNDT0Client runs the NDT0 client nettest using the given server
// endpoint address and [UnderlyingNetwork].
//
// NDT0 is a stripped down NDT (network diagnostic tool) implementation
// where a client downloads from a server using a single stream.
//
// The version number is zero because we use the network like ndt7
// but we have much less implementation overhead.
//
// Arguments:
//
// - ctx limits the overall measurement runtime;
//
// - stack is the network stack to use;
//
// - serverAddr is the server endpoint address (e.g., 10.0.0.2:5201);
//
// - logger is the logger to use;
//
// - samples is the OPTIONAL channel where we post a performance sample every
// 250 milliseconds and a final sample before returning. This function does not
// close the channel and blocks when posting, so make sure you drain it.
//
// The return value is the final performance sample.
func RunNDT0Client(
	ctx context.Context,
	stack UnderlyingNetwork,
	serverAddr string,
	logger Logger,
	samples chan<- *NDT0PerformanceSample,
) (*NDT0PerformanceSample, error) {
	// create ticker for periodically sampling the download speed
	ticker := time.NewTicker(ndt0SampleInterval)
	defer ticker.Stop()

	// connect to the server
	conn, err := stack.DialContext(ctx, "tcp", serverAddr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// if the context has a deadline, apply it to the connection as well
	if deadline, okay := ctx.Deadline(); okay {
		_ = conn.SetDeadline(deadline)
	}

	// buffer for receiving from the server
	buffer := make([]byte, 65535)

	// current is the number of bytes read since the last tick
	var current int64

	// total is the number of bytes read thus far
	var total int64

	// t0 is when we started measuring
	t0 := time.Now()

	// lastT is the last time we sampled the connection
	lastT := time.Now()

	// newSample creates a new sample and resets the current counter
	newSample := func(final bool) *NDT0PerformanceSample {
		elapsed := time.Since(t0)
		sample := &NDT0PerformanceSample{
			Elapsed:  elapsed,
			Total:    total,
			Current:  current,
			AvgSpeed: (float64(total*8) / elapsed.Seconds()) / (1000 * 1000),
			CurSpeed: (float64(current*8) / time.Since(lastT).Seconds()) / (1000 * 1000),
			Final:    final,
		}
		current = 0
		lastT = time.Now()
		if samples != nil {
			samples <- sample
		}
		return sample
	}

	// run the measurement loop
	for {
		count, err := conn.Read(buffer)
		if err != nil {
			logger.Debugf("netlab: RunNDT0Client: %s", err.Error())
			return newSample(true), nil
		}
		current += int64(count)
		total += int64(count)

		select {
		case <-ticker.C:
			newSample(false)
		case <-ctx.Done():
			return newSample(true), nil
		default:
			// nothing
		}
	}
}

// RunNDT0Server runs the NDT0 server. The server will listen for a single
// client connection and run until the client closes the connection or
// the context is done.
//
// You should run this function in a background goroutine.
//
// Arguments:
//
// - ctx limits the overall measurement runtime;
//
// - stack is the network stack to use;
//
// - serverIPAddr is the IP address where we should listen;
//
// - serverPort is the TCP port where we should listen;
//
// - logger is the logger to use;
//
// - ready will be closed after we have started listening;
//
// - errorch is where we post the overall result of this function (we
// will post a nil value in case of success).
func RunNDT0Server(
	ctx context.Context,
	stack UnderlyingNetwork,
	serverIPAddr net.IP,
	serverPort int,
	logger Logger,
	ready chan<- any,
	errorch chan<- error,
) {
	// create buffer with random data
	buffer := make([]byte, 65535)
	if _, err := rand.Read(buffer); err != nil {
		errorch <- err
		return
	}

	// listen for an incoming client connection
	addr := &net.TCPAddr{
		IP:   serverIPAddr,
		Port: serverPort,
		Zone: "",
	}
	listener, err := stack.ListenTCP("tcp", addr)
	if err != nil {
		errorch <- err
		return
	}

	// make sure we stop accepting when the context is done
	accepted := make(chan any)
	go func() {
		select {
		case <-ctx.Done():
		case <-accepted:
		}
		listener.Close()
	}()

	// notify the client it can now attempt connecting
	close(ready)

	// accept client connection and stop listening
	conn, err := listener.Accept()
	close(accepted)
	if err != nil {
		errorch <- err
		return
	}
	defer conn.Close()

	// if the context has a deadline, apply it to the connection as well
	if deadline, okay := ctx.Deadline(); okay {
		_ = conn.SetDeadline(deadline)
	}

	// run the measurement loop
	for {
		if _, err := conn.Write(buffer); err != nil {
			logger.Debugf("netlab: RunNDT0Server: %s", err.Error())
			errorch <- nil
			return
		}
		if ctx.Err() != nil {
			errorch <- nil
			return
		}
	}
}
