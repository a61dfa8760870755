package netlab

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLinkFwdFast(t *testing.T) {

	// testcase describes a test case for [LinkFwdFast]
	type testcase struct {
		// name is the name of this test case
		name string

		// down indicates whether the link is administratively down
		down bool

		// contains the list of frames that we should emit
		emit []*Frame

		// expect contains the list of frames we expect
		expect []*Frame
	}

	var testcases = []testcase{{
		name:   "when we send no frame",
		emit:   []*Frame{},
		expect: []*Frame{},
	}, {
		name: "when we send some frames",
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
	}, {
		name: "when the link is down",
		down: true,
		emit: []*Frame{{
			Deadline: time.Time{},
			Flags:    0,
			Payload:  []byte("abcdef"),
		}},
		expect: []*Frame{},
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
				Shaper: NewLinkShaper(nil),
				Writer: writer,
				Wg:     &sync.WaitGroup{},
			}
			cfg.Shaper.SetUp(!tc.down)

			// run the link forwarding algorithm in the background
			cfg.Wg.Add(1)
			go LinkFwdFast(cfg)

			// wait until the forwarder has consumed every frame
			for {
				if sent, _ := cfg.Shaper.Sent(); sent >= uint64(len(tc.emit)) {
					break
				}
				time.Sleep(time.Millisecond)
			}

			// tell the network stack it can shut down now.
			reader.CloseNetworkStack()

			// wait for the algorithm to terminate.
			cfg.Wg.Wait()

			// collect the frames we obtained.
			got := []*Frame{}
			for len(writer.Frames()) > 0 {
				got = append(got, <-writer.Frames())
			}

			// compare the frames we obtained.
			if diff := cmp.Diff(tc.expect, got); diff != "" {
				t.Fatal(diff)
			}

			// make sure the counters are consistent
			if cfg.Shaper.Dropped() != uint64(len(tc.emit)-len(tc.expect)) {
				t.Fatal("unexpected number of dropped frames", cfg.Shaper.Dropped())
			}
		})
	}
}
