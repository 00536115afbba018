package wire

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/erikarenhill/mqtt-multi-proxy/internal/metrics"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/registry"
	"github.com/erikarenhill/mqtt-multi-proxy/pkg/buffer"
)

// clientState is the per-connection state machine's state: New -> Connected
// -> Closed.
type clientState int

const (
	stateNew clientState = iota
	stateConnected
	stateClosed
)

// Forwarder is the subset of *proxy.Manager the wire listener depends on.
type Forwarder interface {
	Forward(topic string, payload []byte, qos byte, retain bool)
	SubscribeOnBidirectional(ctx context.Context, filters []string)
}

// Observer receives a copy of every accepted client PUBLISH, for the admin
// observation stream.
type Observer func(topic string, payload []byte)

// conn handles one accepted TCP connection end to end: framing, the
// per-client state machine, and the outbound writer.
type conn struct {
	nc       net.Conn
	manager  Forwarder
	registry *registry.Registry
	metrics  *metrics.Registry
	observe  Observer
	logger   *slog.Logger

	state    clientState
	clientID string

	outboundFrames chan []byte // raw frames produced by the handler (CONNACK/PUBACK/...)
	nextPacketID   atomic.Uint32
	onRegistered   func(inbound <-chan registry.Message)
}

func newConn(nc net.Conn, manager Forwarder, reg *registry.Registry, metricsReg *metrics.Registry, observe Observer, logger *slog.Logger) *conn {
	return &conn{
		nc:             nc,
		manager:        manager,
		registry:       reg,
		metrics:        metricsReg,
		observe:        observe,
		logger:         logger,
		state:          stateNew,
		outboundFrames: make(chan []byte, 64),
	}
}

// serve drives the connection until it closes. It blocks until the reader
// loop exits (EOF, transport error, DISCONNECT, or an unrecoverable
// malformed frame).
//
// The outbound writer only starts once CONNECT has produced a client id and
// registered it with the Client Registry, since until then there is no
// inbound fan-in queue to drain; see handlePacket's stateNew branch.
func (c *conn) serve(ctx context.Context) {
	writerDone := make(chan struct{})
	writerStarted := false
	c.onRegistered = func(inbound <-chan registry.Message) {
		writerStarted = true
		go func() {
			defer close(writerDone)
			c.writeLoop(inbound)
		}()
	}

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.nc.Close()
		case <-stopWatch:
		}
	}()

	c.readLoop()

	c.state = stateClosed
	if c.clientID != "" {
		c.registry.Unregister(c.clientID)
	}
	close(c.outboundFrames)
	_ = c.nc.Close()
	if writerStarted {
		<-writerDone
	}
}

// readLoop maintains a growable read buffer (pkg/buffer.Buffer[byte],
// here holding partially received wire frames) and loops while the buffer
// holds a full packet.
func (c *conn) readLoop() {
	buf := buffer.Bytes()
	defer buf.Close()

	readBuf := make([]byte, 4096)
	for {
		for {
			snapshot := buf.Bytes()
			total, ok, malformed := parseLength(snapshot)
			if malformed {
				c.logger.Warn("malformed wire frame, closing connection", "client_id", c.clientID)
				return
			}
			if !ok || total > len(snapshot) {
				break // need more bytes
			}
			packet := make([]byte, total)
			copy(packet, snapshot[:total])
			_ = buf.Discard(total)

			if err := c.handlePacket(packet); err != nil {
				c.logger.Warn("dropping unrecoverable packet, closing connection", "client_id", c.clientID, "error", err)
				return
			}
			if c.state == stateClosed {
				return
			}
		}

		n, err := c.nc.Read(readBuf)
		if n > 0 {
			_, _ = buf.Write(readBuf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Debug("read error", "client_id", c.clientID, "error", err)
			}
			return
		}
	}
}

func (c *conn) handlePacket(packet []byte) error {
	_, headerLen, _, _ := parseLengthHeader(packet)
	t := packetType(packet[0])
	flags := packetFlags(packet[0])

	switch c.state {
	case stateNew:
		if t != typeConnect {
			return errors.New("expected CONNECT as first packet")
		}
		connect, err := decodeConnect(packet, headerLen)
		if err != nil {
			return err
		}
		c.clientID = connect.ClientID
		inbound := c.registry.Register(c.clientID)
		c.state = stateConnected
		c.onRegistered(inbound)
		c.enqueueFrame(encodeConnack())
		return nil

	case stateConnected:
		switch t {
		case typePublish:
			return c.handlePublish(packet, headerLen, flags)
		case typeSubscribe:
			return c.handleSubscribe(packet, headerLen)
		case typeUnsubscribe:
			return c.handleUnsubscribe(packet, headerLen)
		case typePingreq:
			c.enqueueFrame(encodePingresp())
			return nil
		case typeDisconnect:
			c.state = stateClosed
			return nil
		default:
			c.logger.Debug("ignoring packet", "client_id", c.clientID, "type", describeType(t))
			return nil
		}
	default:
		return nil
	}
}

func (c *conn) handlePublish(packet []byte, headerLen int, flags byte) error {
	start := time.Now()
	pub, err := decodePublish(packet, headerLen, flags)
	if err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.MessagesReceived.Add(1)
	}
	if c.observe != nil {
		c.observe(pub.Topic, pub.Payload)
	}
	c.manager.Forward(pub.Topic, pub.Payload, pub.QoS, pub.Retain)
	if c.metrics != nil {
		c.metrics.TotalLatencyNS.Add(uint64(time.Since(start).Nanoseconds()))
	}
	if pub.QoS >= 1 {
		c.enqueueFrame(encodePuback(pub.PacketID))
	}
	return nil
}

func (c *conn) handleSubscribe(packet []byte, headerLen int) error {
	sub, err := decodeSubscribe(packet, headerLen)
	if err != nil {
		return err
	}
	c.registry.AddSubscriptions(c.clientID, sub.Filters)
	c.manager.SubscribeOnBidirectional(context.Background(), sub.Filters)
	c.enqueueFrame(encodeSuback(sub.PacketID, len(sub.Filters)))
	return nil
}

func (c *conn) handleUnsubscribe(packet []byte, headerLen int) error {
	unsub, err := decodeUnsubscribe(packet, headerLen)
	if err != nil {
		return err
	}
	// Downstream broker subscriptions are deliberately not cancelled here:
	// a bidirectional broker stays subscribed even after one client drops
	// interest, since other clients may still want that fan-out.
	c.registry.RemoveSubscriptions(c.clientID, unsub.Filters)
	c.enqueueFrame(encodeUnsuback(unsub.PacketID))
	return nil
}

func (c *conn) enqueueFrame(frame []byte) {
	select {
	case c.outboundFrames <- frame:
	default:
		c.logger.Warn("outbound frame queue full, dropping", "client_id", c.clientID)
	}
}

// writeLoop drains outboundFrames (raw protocol responses) and inbound
// (fan-in from the Client Registry, once the client has an id) and
// serialises each to the socket. Writer exit closes the connection.
func (c *conn) writeLoop(inbound <-chan registry.Message) {
	defer func() { _ = c.nc.Close() }()
	for {
		select {
		case frame, ok := <-c.outboundFrames:
			if !ok {
				return
			}
			if _, err := c.nc.Write(frame); err != nil {
				return
			}
		case msg, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			packetID := uint16(c.nextPacketID.Add(1))
			frame := encodePublish(msg.Topic, msg.Payload, msg.QoS, packetID)
			if _, err := c.nc.Write(frame); err != nil {
				return
			}
		}
	}
}
