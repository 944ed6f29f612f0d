package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrClientGone is returned by Reply when the addressed connection is closed.
var ErrClientGone = errors.New("client connection gone")

// SampleHandler receives every inbound sample frame.
type SampleHandler func(clientIdx int, lane uint64, label string, payload []byte)

// CtrlHandler answers one control message. A returned error drops the
// message; protocol-level failures belong in the reply payload instead.
type CtrlHandler func(clientID string, payload []byte) ([]byte, error)

// ServerOptions configures the listener.
type ServerOptions struct {
	// Addr is the TCP listen address, e.g. ":7254".
	Addr string

	// NumClients fixes the lane partition: at most this many workers may
	// connect at once, each owning the lanes congruent to its index.
	NumClients int
}

// Server accepts worker connections, assigns each a client index out of the
// fixed partition, and dispatches their frames to the handlers.
type Server struct {
	opts     ServerOptions
	onSample SampleHandler
	onCtrl   CtrlHandler

	mu    sync.Mutex
	lis   net.Listener
	conns map[int]*serverConn
	free  []int
	next  int
}

// NewServer returns a server; Serve starts it.
func NewServer(opts ServerOptions, onSample SampleHandler, onCtrl CtrlHandler) *Server {
	if opts.NumClients < 1 {
		opts.NumClients = 1
	}
	return &Server{
		opts:     opts,
		onSample: onSample,
		onCtrl:   onCtrl,
		conns:    make(map[int]*serverConn),
	}
}

// Serve listens and accepts until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %q", s.opts.Addr)
	}
	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()
	klog.Infof("Listening for workers on %s (up to %d clients)", lis.Addr(), s.opts.NumClients)

	go func() {
		<-ctx.Done()
		_ = lis.Close()
	}()
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept failed")
		}
		go s.handleConn(conn)
	}
}

// Addr returns the bound listen address, once Serve is up.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// Reply sends one reply frame to the connection owning clientIdx.
func (s *Server) Reply(clientIdx int, lane uint64, label string, payload []byte) error {
	s.mu.Lock()
	conn := s.conns[clientIdx]
	s.mu.Unlock()
	if conn == nil {
		return errors.Wrapf(ErrClientGone, "client %d", clientIdx)
	}
	return conn.send(&frame{kind: frameReply, id: lane, label: label, payload: payload})
}

// NumConns returns the number of connected workers.
func (s *Server) NumConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

type serverConn struct {
	netConn  net.Conn
	r        *bufio.Reader
	idx      int
	clientID string

	outgoing  chan *frame
	closed    chan struct{}
	closeOnce sync.Once
}

const handshakeTimeout = 10 * time.Second

func (s *Server) handleConn(netConn net.Conn) {
	c := &serverConn{
		netConn:  netConn,
		r:        bufio.NewReader(netConn),
		outgoing: make(chan *frame, 256),
		closed:   make(chan struct{}),
	}

	_ = netConn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	f, err := readFrame(c.r)
	if err != nil || f.kind != frameHello {
		klog.Errorf("Dropping connection from %s: bad handshake (%v)", netConn.RemoteAddr(), err)
		_ = netConn.Close()
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})
	var h hello
	if err = json.Unmarshal(f.payload, &h); err != nil {
		klog.Errorf("Dropping connection from %s: malformed hello: %v", netConn.RemoteAddr(), err)
		_ = netConn.Close()
		return
	}

	if !s.register(c) {
		klog.Errorf("Rejecting %s: already serving %d clients", netConn.RemoteAddr(), s.opts.NumClients)
		_ = netConn.Close()
		return
	}
	c.clientID = h.ClientID
	klog.Infof("Worker %s connected from %s as client %d", h.ClientID, netConn.RemoteAddr(), c.idx)

	ack, _ := json.Marshal(helloAck{ClientIdx: c.idx, NumClients: s.opts.NumClients})
	go c.writeLoop()
	if err = c.send(&frame{kind: frameHelloAck, payload: ack}); err != nil {
		s.unregister(c)
		return
	}
	s.readLoop(c)
	s.unregister(c)
}

// register assigns the lowest free client index, or fails when the partition
// is full.
func (s *Server) register(c *serverConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.free) > 0 {
		c.idx = s.free[len(s.free)-1]
		s.free = s.free[:len(s.free)-1]
	} else {
		if s.next >= s.opts.NumClients {
			return false
		}
		c.idx = s.next
		s.next++
	}
	s.conns[c.idx] = c
	return true
}

func (s *Server) unregister(c *serverConn) {
	c.close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[c.idx] == c {
		delete(s.conns, c.idx)
		s.free = append(s.free, c.idx)
		klog.Infof("Worker %s (client %d) disconnected", c.clientID, c.idx)
	}
}

func (s *Server) readLoop(c *serverConn) {
	for {
		f, err := readFrame(c.r)
		if err != nil {
			return
		}
		switch f.kind {
		case frameSample:
			s.onSample(c.idx, f.id, f.label, f.payload)
		case frameCtrl:
			reply, err := s.onCtrl(c.clientID, f.payload)
			if err != nil {
				klog.Errorf("Dropping control message from %s: %v", c.clientID, err)
				continue
			}
			if err = c.send(&frame{kind: frameCtrlReply, id: f.id, payload: reply}); err != nil {
				return
			}
		default:
			klog.Errorf("Unexpected frame kind %d from client %d", f.kind, c.idx)
		}
	}
}

func (c *serverConn) writeLoop() {
	w := bufio.NewWriter(c.netConn)
	for {
		select {
		case <-c.closed:
			return
		case f := <-c.outgoing:
			if err := writeFrame(w, f); err != nil {
				c.close()
				return
			}
			// Coalesce whatever is already queued before flushing.
			for more := true; more; {
				select {
				case f = <-c.outgoing:
					if err := writeFrame(w, f); err != nil {
						c.close()
						return
					}
				default:
					more = false
				}
			}
			if err := w.Flush(); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *serverConn) send(f *frame) error {
	select {
	case c.outgoing <- f:
		return nil
	case <-c.closed:
		return errors.Wrapf(ErrClientGone, "client %d", c.idx)
	}
}

func (c *serverConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.netConn.Close()
	})
}
