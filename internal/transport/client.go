package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Client is a worker-side connection. It implements the sample sending and
// reply queue surface the batching forwarder expects, plus the control
// request/response channel.
type Client struct {
	id         string
	clientIdx  int
	numClients int

	netConn net.Conn
	r       *bufio.Reader

	outgoing  chan *frame
	closed    chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	replyQueues map[laneKey]chan []byte
	ctrlPending map[uint64]chan []byte
	nextCtrl    atomic.Uint64
}

type laneKey struct {
	label string
	lane  uint64
}

// Dial connects, performs the handshake and starts the IO loops. The
// handshake honors ctx's deadline.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %q", addr)
	}
	c := &Client{
		id:          uuid.NewString(),
		netConn:     netConn,
		r:           bufio.NewReader(netConn),
		outgoing:    make(chan *frame, 256),
		closed:      make(chan struct{}),
		replyQueues: make(map[laneKey]chan []byte),
		ctrlPending: make(map[uint64]chan []byte),
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	} else {
		_ = netConn.SetDeadline(time.Now().Add(handshakeTimeout))
	}
	payload, _ := json.Marshal(hello{ClientID: c.id})
	w := bufio.NewWriter(netConn)
	if err = writeFrame(w, &frame{kind: frameHello, payload: payload}); err == nil {
		err = w.Flush()
	}
	if err != nil {
		_ = netConn.Close()
		return nil, errors.Wrap(err, "handshake send failed")
	}
	f, err := readFrame(c.r)
	if err != nil {
		_ = netConn.Close()
		return nil, errors.Wrap(err, "handshake read failed")
	}
	if f.kind != frameHelloAck {
		_ = netConn.Close()
		return nil, errors.Errorf("handshake answered with frame kind %d", f.kind)
	}
	var ack helloAck
	if err = json.Unmarshal(f.payload, &ack); err != nil {
		_ = netConn.Close()
		return nil, errors.Wrap(err, "malformed handshake ack")
	}
	_ = netConn.SetDeadline(time.Time{})
	c.clientIdx = ack.ClientIdx
	c.numClients = ack.NumClients
	klog.V(1).Infof("Connected to %s as client %d of %d", addr, c.clientIdx, c.numClients)

	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

// ID returns the worker's unique id, sent with every control message.
func (c *Client) ID() string { return c.id }

// ClientIdx returns this connection's index in the server's lane partition.
func (c *Client) ClientIdx() int { return c.clientIdx }

// NumClients returns the size of the lane partition: this client owns the
// lanes congruent to ClientIdx modulo NumClients.
func (c *Client) NumClients() int { return c.numClients }

// SendSample delivers one encoded sample for the given label and lane.
func (c *Client) SendSample(label string, lane uint64, payload []byte) error {
	return c.send(&frame{kind: frameSample, id: lane, label: label, payload: payload})
}

// ReplyQueue returns the channel replies for the lane arrive on. The channel
// is closed when the connection goes down.
func (c *Client) ReplyQueue(label string, lane uint64) <-chan []byte {
	return c.replyQueue(laneKey{label: label, lane: lane})
}

func (c *Client) replyQueue(key laneKey) chan []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, found := c.replyQueues[key]
	if !found {
		q = make(chan []byte, 4)
		select {
		case <-c.closed:
			// Already torn down: hand back a closed channel.
			close(q)
			return q
		default:
		}
		c.replyQueues[key] = q
	}
	return q
}

// Ctrl sends one control message and waits for its paired reply.
func (c *Client) Ctrl(ctx context.Context, payload []byte) ([]byte, error) {
	id := c.nextCtrl.Add(1)
	ch := make(chan []byte, 1)
	c.mu.Lock()
	c.ctrlPending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.ctrlPending, id)
		c.mu.Unlock()
	}()

	if err := c.send(&frame{kind: frameCtrl, id: id, payload: payload}); err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errors.New("connection closed")
	case reply := <-ch:
		return reply, nil
	}
}

// Close tears the connection down. Pending reply queues are closed.
func (c *Client) Close() error {
	c.teardown()
	return nil
}

func (c *Client) send(f *frame) error {
	select {
	case c.outgoing <- f:
		return nil
	case <-c.closed:
		return errors.New("connection closed")
	}
}

func (c *Client) readLoop() {
	for {
		f, err := readFrame(c.r)
		if err != nil {
			c.teardown()
			return
		}
		switch f.kind {
		case frameReply:
			q := c.replyQueue(laneKey{label: f.label, lane: f.id})
			select {
			case q <- f.payload:
			default:
				klog.Errorf("Reply queue overflow for label %q lane %d, dropping", f.label, f.id)
			}
		case frameCtrlReply:
			c.mu.Lock()
			ch := c.ctrlPending[f.id]
			c.mu.Unlock()
			if ch != nil {
				ch <- f.payload
			}
		default:
			klog.Errorf("Unexpected frame kind %d from server", f.kind)
		}
	}
}

func (c *Client) writeLoop() {
	w := bufio.NewWriter(c.netConn)
	for {
		select {
		case <-c.closed:
			return
		case f := <-c.outgoing:
			if err := writeFrame(w, f); err != nil {
				c.teardown()
				return
			}
			for more := true; more; {
				select {
				case f = <-c.outgoing:
					if err := writeFrame(w, f); err != nil {
						c.teardown()
						return
					}
				default:
					more = false
				}
			}
			if err := w.Flush(); err != nil {
				c.teardown()
				return
			}
		}
	}
}

func (c *Client) teardown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.netConn.Close()
		c.mu.Lock()
		for _, q := range c.replyQueues {
			close(q)
		}
		c.replyQueues = make(map[laneKey]chan []byte)
		c.mu.Unlock()
	})
}
