package netlab

import (
	"bytes"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLinkFwdFull(t *testing.T) {

	// testcase describes a test case for [LinkFwdFull]
	type testcase struct {
		// name is the name of this test case
		name string

		// config is the shaping config to use.
		config *IntfConfig

		// contains the list of frames that we should emit
		emit []*Frame

		// expect contains the list of frames we expect
		expect []*Frame

		// expectRuntimeAtLeast is the minimum runtime we expect
		// to see when running this test case
		expectRuntimeAtLeast time.Duration
	}

	var testcases = []testcase{{
		name:                 "when we send no frame",
		config:               &IntfConfig{},
		emit:                 []*Frame{},
		expect:               []*Frame{},
		expectRuntimeAtLeast: 0,
	}, {
		name:   "when we send some frames with delay",
		config: &IntfConfig{Delay: time.Second},
		emit: []*Frame{{
			Deadline: time.Time{},
			Flags:    0,
			Payload:  []byte("abcdef"),
		}, {
			Deadline: time.Time{},
			Flags:    0,
			Payload:  []byte("ghi"),
		}},
		expect: []*Frame{{
			Deadline: time.Time{},
			Flags:    0,
			Payload:  []byte("abcdef"),
		}, {
			Deadline: time.Time{},
			Flags:    0,
			Payload:  []byte("ghi"),
		}},
		expectRuntimeAtLeast: time.Second,
	}, {
		name:   "when we send some frames with jitter",
		config: &IntfConfig{Delay: 100 * time.Millisecond, Jitter: 50 * time.Millisecond},
		emit: []*Frame{{
			Deadline: time.Time{},
			Flags:    0,
			Payload:  []byte("abc"),
		}, {
			Deadline: time.Time{},
			Flags:    0,
			Payload:  []byte("def"),
		}},
		expect: []*Frame{{
			Deadline: time.Time{},
			Flags:    0,
			Payload:  []byte("abc"),
		}, {
			Deadline: time.Time{},
			Flags:    0,
			Payload:  []byte("def"),
		}},
		expectRuntimeAtLeast: 50 * time.Millisecond,
	}, {
		name:   "when the bandwidth is limited",
		config: &IntfConfig{Bandwidth: 0.1},
		emit: []*Frame{{
			Deadline: time.Time{},
			Flags:    0,
			Payload:  bytes.Repeat([]byte("a"), 1250),
		}, {
			Deadline: time.Time{},
			Flags:    0,
			Payload:  bytes.Repeat([]byte("b"), 1250),
		}},
		expect: []*Frame{{
			Deadline: time.Time{},
			Flags:    0,
			Payload:  bytes.Repeat([]byte("a"), 1250),
		}, {
			Deadline: time.Time{},
			Flags:    0,
			Payload:  bytes.Repeat([]byte("b"), 1250),
		}},
		// 2 * 10,000 bits at 100,000 bit/s
		expectRuntimeAtLeast: 200 * time.Millisecond,
	}}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			// create the NIC from which to read
			reader := NewStaticReadableNIC("h1-eth0", tc.emit...)

			// create a NIC that will collect frames
			writer := NewStaticWriteableNIC("h2-eth0")

			// create the link configuration
			cfg := &LinkFwdConfig{
				Logger: &NullLogger{},
				Reader: reader,
				Shaper: NewLinkShaper(tc.config),
				Writer: writer,
				Wg:     &sync.WaitGroup{},
			}

			// save the time before starting the link
			t0 := time.Now()

			// run the link forwarding algorithm in the background
			cfg.Wg.Add(1)
			go LinkFwdFull(cfg)

			// read the expected number of frames or timeout after a minute.
			got := []*Frame{}
			timer := time.NewTimer(time.Minute)
			defer timer.Stop()
			for len(got) < len(tc.expect) {
				select {
				case frame := <-writer.Frames():
					got = append(got, frame)
				case <-timer.C:
					t.Fatal("we have been reading frames for too much time")
				}
			}

			// tell the network stack it can shut down now.
			reader.CloseNetworkStack()

			// wait for the algorithm to terminate.
			cfg.Wg.Wait()

			elapsed := time.Since(t0)
			if elapsed < tc.expectRuntimeAtLeast {
				t.Fatal("expected runtime to be at least", tc.expectRuntimeAtLeast, "got", elapsed)
			}

			// sort the frames we obtained by payload because this
			// forwarder may deliver them out of order
			sort.SliceStable(got, func(i, j int) bool {
				return bytes.Compare(got[i].Payload, got[j].Payload) < 0
			})

			// compare the frames we obtained.
			if diff := cmp.Diff(tc.expect, got); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestLinkFwdFullLosses(t *testing.T) {
	t.Run("with 100% loss no frame is delivered", func(t *testing.T) {
		var frames []*Frame
		for idx := 0; idx < 32; idx++ {
			frames = append(frames, NewFrame([]byte{byte(idx)}))
		}
		reader := NewStaticReadableNIC("h1-eth0", frames...)
		writer := NewStaticWriteableNIC("h2-eth0")
		cfg := &LinkFwdConfig{
			Logger: &NullLogger{},
			Reader: reader,
			Shaper: NewLinkShaper(&IntfConfig{Loss: 100}),
			Writer: writer,
			Wg:     &sync.WaitGroup{},
		}
		cfg.Wg.Add(1)
		go LinkFwdFull(cfg)

		// wait until every frame has been dropped
		deadline := time.Now().Add(time.Minute)
		for cfg.Shaper.Dropped() < uint64(len(frames)) {
			if time.Now().After(deadline) {
				t.Fatal("we have been waiting for drops for too much time")
			}
			time.Sleep(time.Millisecond)
		}
		reader.CloseNetworkStack()
		cfg.Wg.Wait()

		if n := len(writer.Frames()); n != 0 {
			t.Fatal("expected no delivered frames, got", n)
		}
		if delivered, _ := cfg.Shaper.Delivered(); delivered != 0 {
			t.Fatal("unexpected delivered counter", delivered)
		}
	})

	t.Run("the queue limit drops excess frames", func(t *testing.T) {
		var frames []*Frame
		for idx := 0; idx < 8; idx++ {
			frames = append(frames, NewFrame(bytes.Repeat([]byte{byte(idx)}, 1250)))
		}
		reader := NewStaticReadableNIC("h1-eth0", frames...)
		writer := NewStaticWriteableNIC("h2-eth0")
		cfg := &LinkFwdConfig{
			Logger: &NullLogger{},
			Reader: reader,
			// 10 ms per frame, so the queue cannot drain while we read
			Shaper: NewLinkShaper(&IntfConfig{Bandwidth: 1, MaxQueueSize: 2}),
			Writer: writer,
			Wg:     &sync.WaitGroup{},
		}
		cfg.Wg.Add(1)
		go LinkFwdFull(cfg)

		deadline := time.Now().Add(time.Minute)
		for {
			delivered, _ := cfg.Shaper.Delivered()
			if delivered+cfg.Shaper.Dropped() >= uint64(len(frames)) {
				break
			}
			if time.Now().After(deadline) {
				t.Fatal("we have been waiting for too much time")
			}
			time.Sleep(time.Millisecond)
		}
		reader.CloseNetworkStack()
		cfg.Wg.Wait()

		if cfg.Shaper.Dropped() == 0 {
			t.Fatal("expected the queue to drop some frames")
		}
	})
}
