package connection

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.yogi.dev/core/endpoint"
	"go.yogi.dev/core/yerrors"
)

// ProtocolVersion is the handshake compatibility string exchanged by both
// sides of a Tcp connection (spec.md §4.2's handshake "negotiating
// protocol version string").
const ProtocolVersion = "yogi/1"

// LivenessInterval is the keepalive cadence; absence of any frame for
// LivenessTimeout marks the connection DEAD (spec.md §4.5 point 3).
const LivenessInterval = 2 * time.Second

// LivenessTimeout is the read-deadline applied after the handshake
// completes.
const LivenessTimeout = 6 * time.Second

// Tcp is the framed, peer-to-peer connection of spec.md §4.2/§4.5: created
// in HANDSHAKING over an already-accepted or freshly-dialed net.Conn, and
// MUST be assigned to a Target within a timeout or it dies with *timeout*.
// The read-loop-goroutine-plus-liveness-ticker shape is grounded on
// broker/append_fsm.go's chunk-pump goroutine paired with a ticker.
type Tcp struct {
	*lifecycle
	conn net.Conn

	identification string

	writeMu   sync.Mutex
	w         *bufio.Writer
	bufReader *bufio.Reader

	target Target
	link   *tcpLink

	closeOnce sync.Once
}

type tcpLink struct {
	id string
	tc *Tcp
}

func (l *tcpLink) ID() string { return l.id }
func (l *tcpLink) SendAnnouncement(ann endpoint.Announcement) { l.tc.sendAnnouncement(ann) }
func (l *tcpLink) SendMessage(msg endpoint.WireMessage)       { l.tc.sendMessage(msg) }

// NewTcp wraps an already-established net.Conn (either dialed by
// AutoConnectingTcpClient or accepted by TcpServer) in HANDSHAKING state.
func NewTcp(conn net.Conn, identification string) *Tcp {
	return &Tcp{
		lifecycle:      newLifecycle(uuid.NewString()),
		conn:           conn,
		identification: identification,
		w:              bufio.NewWriter(conn),
	}
}

// RemoteAddr returns the underlying connection's remote address.
func (c *Tcp) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Assign performs the handshake against target within timeout, then starts
// the read loop and liveness ticker and transitions to Open. A timeout or
// handshake failure tears the connection down and marks it Dead.
func (c *Tcp) Assign(ctx context.Context, target Target, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var deadline, hasDeadline = ctx.Deadline()
	if hasDeadline {
		c.conn.SetDeadline(deadline)
	}

	var peerNodeIDs, err = c.handshake(target)
	if hasDeadline {
		c.conn.SetDeadline(time.Time{})
	}
	if err != nil {
		var cause = yerrors.Wrap(yerrors.Timeout, err, "tcp assign handshake")
		c.markDead(cause)
		c.conn.Close()
		return cause
	}

	c.target = target
	c.link = &tcpLink{id: c.ID(), tc: c}
	if err = target.AttachLink(c.link, peerNodeIDs); err != nil {
		c.markDead(err)
		c.conn.Close()
		return err
	}

	c.markOpen()
	c.conn.SetReadDeadline(time.Now().Add(LivenessTimeout))
	go c.readLoop()
	go c.livenessLoop()
	return nil
}

// handshake exchanges ProtocolVersion, identification strings, and (for a
// Node target) the reachable node-id set used for spec.md §9's loop guard.
// Both sides write before either reads, to avoid a write-write deadlock on
// a synchronous pipe.
func (c *Tcp) handshake(target Target) ([]uuid.UUID, error) {
	var r = bufio.NewReader(c.conn)
	var selfIDs = target.SelfNodeIDs()

	if err := c.writeHandshake(selfIDs); err != nil {
		return nil, err
	}
	if err := c.w.Flush(); err != nil {
		return nil, err
	}

	var peerVersion, err = readCString(r)
	if err != nil {
		return nil, err
	}
	if peerVersion != ProtocolVersion {
		return nil, errors.Errorf("protocol version mismatch: local %s, peer %s", ProtocolVersion, peerVersion)
	}
	if _, err = readCString(r); err != nil { // peer identification, informational only
		return nil, err
	}
	var isNode byte
	if isNode, err = r.ReadByte(); err != nil {
		return nil, err
	}
	var peerIDs []uuid.UUID
	if isNode != 0 {
		var count uint32
		if err = binary.Read(r, binary.LittleEndian, &count); err != nil {
			return nil, err
		}
		for i := uint32(0); i < count; i++ {
			var raw [16]byte
			if _, err = io.ReadFull(r, raw[:]); err != nil {
				return nil, err
			}
			id, parseErr := uuid.FromBytes(raw[:])
			if parseErr != nil {
				return nil, parseErr
			}
			peerIDs = append(peerIDs, id)
		}
	}

	c.bufReader = r
	return peerIDs, nil
}

func (c *Tcp) writeHandshake(selfIDs []uuid.UUID) error {
	if err := writeCString(c.w, ProtocolVersion); err != nil {
		return err
	}
	if err := writeCString(c.w, c.identification); err != nil {
		return err
	}
	var isNode byte
	if selfIDs != nil {
		isNode = 1
	}
	if err := c.w.WriteByte(isNode); err != nil {
		return err
	}
	if isNode != 0 {
		if err := binary.Write(c.w, binary.LittleEndian, uint32(len(selfIDs))); err != nil {
			return err
		}
		for _, id := range selfIDs {
			if _, err := c.w.Write(id[:]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Tcp) readLoop() {
	for {
		c.conn.SetReadDeadline(time.Now().Add(LivenessTimeout))
		if err := readFrame(c.bufReader, c.link, c.target); err != nil {
			c.die(yerrors.Wrap(yerrors.ConnectionLost, err, "tcp read"))
			return
		}
	}
}

func (c *Tcp) livenessLoop() {
	var ticker = time.NewTicker(LivenessInterval)
	defer ticker.Stop()
	for range ticker.C {
		if c.State() != Open {
			return
		}
		c.writeMu.Lock()
		var err = c.w.WriteByte(byte(frameLiveness))
		if err == nil {
			err = c.w.Flush()
		}
		c.writeMu.Unlock()
		if err != nil {
			c.die(yerrors.Wrap(yerrors.ConnectionLost, err, "tcp liveness write"))
			return
		}
	}
}

func (c *Tcp) sendAnnouncement(ann endpoint.Announcement) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := writeAnnouncement(c.w, ann); err != nil || c.w.Flush() != nil {
		go c.die(yerrors.Wrap(yerrors.ConnectionLost, err, "tcp send announcement"))
	}
}

func (c *Tcp) sendMessage(msg endpoint.WireMessage) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := writeMessage(c.w, msg); err != nil || c.w.Flush() != nil {
		go c.die(yerrors.Wrap(yerrors.ConnectionLost, err, "tcp send message"))
	}
}

func (c *Tcp) die(cause error) {
	if c.target != nil {
		c.target.DetachLink(c.link)
	}
	c.conn.Close()
	c.markDead(cause)
}

// Close cleanly tears the connection down, marking it Dead with a canceled
// cause.
func (c *Tcp) Close() error {
	c.closeOnce.Do(func() { c.die(errClosed) })
	return nil
}

func mapNetErr(err error) error {
	if err == nil {
		return nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return yerrors.Wrap(yerrors.Timeout, err, "network operation")
	}
	log.WithField("err", err).Debug("tcp transport error")
	return yerrors.Wrap(yerrors.ConnectionLost, err, "network operation")
}
