package stratum

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/ckpool-go/ckpool/internal/session"
	"github.com/ckpool-go/ckpool/internal/workbase"
	"github.com/ckpool-go/ckpool/pkg/metrics"
)

// Server accepts stratum connections and runs the dispatch loop for each,
// one goroutine per connection, matching the teacher's per-connection
// handler idiom rather than an event-loop reactor.
type Server struct {
	dispatcher *Dispatcher
	serverIdx  int

	connCount metrics.Counter

	mu    sync.Mutex
	conns map[uint64]*serverConn
}

// serverConn pairs a connection with the mutex guarding writes to it, so
// Broadcast can push unsolicited notifications without racing handleConn's
// own response writes.
type serverConn struct {
	conn net.Conn
	mu   *sync.Mutex
}

// NewServer constructs a Server bound to one listening socket identity
// (serverIdx distinguishes multiple bound addresses, spec.md §3 Client
// session: "server_idx").
func NewServer(dispatcher *Dispatcher, serverIdx int) *Server {
	return &Server{
		dispatcher: dispatcher,
		serverIdx:  serverIdx,
		connCount:  metrics.NewRegisteredCounter("stratum/connections"),
		conns:      make(map[uint64]*serverConn),
	}
}

// Serve accepts connections from l until ctx is cancelled or Accept fails.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	var nextID uint64
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		nextID++
		s.connCount.Inc(1)
		go s.handleConn(ctx, conn, nextID)
	}
}

// handleConn runs the line-delimited JSON-RPC loop for one TCP connection
// (spec.md §4.4: "every message is exactly one line of JSON").
func (s *Server) handleConn(ctx context.Context, conn net.Conn, connID uint64) {
	defer conn.Close()

	writeMu := &sync.Mutex{}
	s.mu.Lock()
	s.conns[connID] = &serverConn{conn: conn, mu: writeMu}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, connID)
		s.mu.Unlock()
	}()

	var client *session.Client

	send := func(v interface{}) {
		b, err := json.Marshal(v)
		if err != nil {
			logger.Error("marshal failed", "err", err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
		conn.Write(b)
		conn.Write([]byte{'\n'})
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			send(errorResponse(nil, -1, "malformed request"))
			continue
		}
		client = s.dispatcher.Dispatch(ctx, req, client, send)
	}

	if client != nil {
		s.dispatcher.sessions.Drop(client)
	}
}

// Conns reports the number of currently open connections (orchestrator
// diagnostics).
func (s *Server) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Broadcast pushes a mining.notify to every connection currently attached
// to this server, the server-initiated half of workbase.NotifyFunc
// (spec.md §4.1/§4.4: a new block template fans out to every miner
// without waiting on a client request).
func (s *Server) Broadcast(wb *workbase.Workbase, cleanJobs bool) {
	notify := Notify{Method: MethodNotify, Params: NotifyParams(wb, cleanJobs)}
	b, err := json.Marshal(notify)
	if err != nil {
		logger.Error("broadcast marshal failed", "err", err)
		return
	}
	b = append(b, '\n')

	s.mu.Lock()
	targets := make([]*serverConn, 0, len(s.conns))
	for _, c := range s.conns {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.mu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
		c.conn.Write(b)
		c.mu.Unlock()
	}
}

// BroadcastShowMessage pushes a client.show_message notification to every
// connected client, used as the keep-alive the Workbase Manager falls back
// to when getblocktemplate retries are exhausted (spec.md §4.1 Failure
// semantics) so clients don't time out waiting for a fresh job.
func (s *Server) BroadcastShowMessage(msg string) {
	notify := Notify{Method: MethodShowMessage, Params: []interface{}{msg}}
	b, err := json.Marshal(notify)
	if err != nil {
		logger.Error("show_message marshal failed", "err", err)
		return
	}
	b = append(b, '\n')

	s.mu.Lock()
	targets := make([]*serverConn, 0, len(s.conns))
	for _, c := range s.conns {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.mu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
		c.conn.Write(b)
		c.mu.Unlock()
	}
}
