package main

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/ckpool-go/ckpool/internal/fabric"
	"github.com/ckpool-go/ckpool/internal/workbase"
)

// workbaseRelay carries freshly-regenerated workbases from the generator
// role to the stratifier role over a fabric Unix socket, standing in for
// the node/peer fanout spec.md §4.1 expects workinfo broadcasts to use.

// peerFanout dials sockPath lazily and JSON-encodes each Workbase as a
// workbase.PeerWorkbase frame, reconnecting on write failure rather than
// blocking the regenerate() call that triggered the fanout.
type peerFanout struct {
	sockPath string

	mu   sync.Mutex
	conn net.Conn
}

func newPeerFanout(sockPath string) *peerFanout {
	return &peerFanout{sockPath: sockPath}
}

// relayFrame is the envelope every relay message travels in: exactly one of
// Workbase or Ping is set. Ping carries no workbase payload — it signals
// that getblocktemplate retries were exhausted upstream (spec.md §4.1
// Failure semantics) and the stratifier should keep its clients alive with
// a client.show_message rather than wait silently for a job that isn't coming.
type relayFrame struct {
	Workbase *workbase.PeerWorkbase `json:"workbase,omitempty"`
	Ping     bool                   `json:"ping,omitempty"`
}

func (f *peerFanout) send(frame relayFrame) {
	body, err := json.Marshal(frame)
	if err != nil {
		logger.Warn("relay: marshal frame failed", "err", err)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		conn, err := fabric.Dial(f.sockPath)
		if err != nil {
			logger.Warn("relay: dial stratifier failed, dropping frame", "err", err)
			return
		}
		f.conn = conn
	}
	if err := fabric.WriteFrame(f.conn, body); err != nil {
		logger.Warn("relay: send failed, will redial", "err", err)
		f.conn.Close()
		f.conn = nil
	}
}

func (f *peerFanout) Send(wb *workbase.Workbase) {
	f.send(relayFrame{Workbase: &workbase.PeerWorkbase{
		ID:           wb.ID,
		Height:       wb.Height,
		PrevHashBE:   wb.PrevHashBE,
		Coinb1:       wb.Coinb1,
		Coinb2:       wb.Coinb2,
		MerkleBranch: wb.MerkleBranch,
		Enonce1Len:   wb.Enonce1Len,
	}})
}

// Ping signals the stratifier to keep clients alive without a fresh
// workbase, wired as the generator's workbase.PingFunc.
func (f *peerFanout) Ping() {
	f.send(relayFrame{Ping: true})
}

// serveWorkbaseRelay accepts generator connections on sockPath and feeds
// every received workbase into mgr via IngestPeerWorkbase, trusting the
// payload since it originates from a sibling process, not the network.
// A Ping frame instead invokes onPing, skipping ingestion entirely.
func serveWorkbaseRelay(l net.Listener, mgr *workbase.Manager, onIngest func(wb *workbase.Workbase), onPing func()) {
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			defer c.Close()
			for {
				body, err := fabric.ReadFrame(c)
				if err != nil {
					return
				}
				var frame relayFrame
				if err := json.Unmarshal(body, &frame); err != nil {
					logger.Warn("relay: malformed frame", "err", err)
					continue
				}
				if frame.Ping {
					if onPing != nil {
						onPing()
					}
					continue
				}
				if frame.Workbase == nil {
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				wb, err := mgr.IngestPeerWorkbase(ctx, *frame.Workbase, true)
				if err != nil {
					logger.Warn("relay: ingest failed", "err", err)
				} else if onIngest != nil {
					onIngest(wb)
				}
				cancel()
			}
		}(conn)
	}
}
