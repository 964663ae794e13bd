package hostserver

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stocker/lanlink/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// peer is one websocket connection. The reader runs on the connection's
// serve goroutine; writes go through send and are flushed by writePump.
type peer struct {
	id     string
	conn   *websocket.Conn
	remote string
	log    *slog.Logger

	mu      sync.Mutex
	send    chan []byte
	closed  bool
	reason  string
	session string
}

func newPeer(id string, conn *websocket.Conn, remote string, buffer int, log *slog.Logger) *peer {
	p := &peer{
		id:     id,
		conn:   conn,
		remote: remote,
		log:    log.With(slog.String("conn", id), slog.String("remote", remote)),
		send:   make(chan []byte, buffer),
	}
	go p.writePump()
	return p
}

func (p *peer) writePump() {
	defer p.conn.Close()
	for msg := range p.send {
		p.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			p.log.Debug("write failed", slog.Any("error", err))
			return
		}
	}

	p.mu.Lock()
	reason := p.reason
	p.mu.Unlock()
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(writeWait))
}

// enqueue hands a frame to the write pump. It returns false when the peer
// is closed or its buffer is full.
func (p *peer) enqueue(data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

// sendEnvelope encodes and enqueues one frame. A peer that cannot keep up
// is closed as a slow consumer.
func (p *peer) sendEnvelope(t protocol.MessageType, correlationID string, payload any) bool {
	data, err := encodeEnvelope(t, correlationID, payload)
	if err != nil {
		p.log.Error("encode frame", slog.String("type", string(t)), slog.Any("error", err))
		return false
	}
	if p.enqueue(data) {
		return true
	}
	if p.close(protocol.ReasonSlowConsumer) {
		p.log.Warn("peer too slow, disconnecting")
	}
	return false
}

// close stops accepting frames; the write pump flushes what is queued and
// then closes the connection. The first reason wins. It reports whether
// this call closed the peer.
func (p *peer) close(reason string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.closed = true
	p.reason = reason
	close(p.send)
	return true
}

func (p *peer) closeReason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

func (p *peer) bind(sessionID string) {
	p.mu.Lock()
	p.session = sessionID
	p.mu.Unlock()
}

func (p *peer) sessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

func (p *peer) readEnvelope() (protocol.Envelope, error) {
	var env protocol.Envelope
	_, data, err := p.conn.ReadMessage()
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, protocol.Wrap(protocol.CodeProtocol, err)
	}
	return env, nil
}

func encodeEnvelope(t protocol.MessageType, correlationID string, payload any) ([]byte, error) {
	env, err := protocol.NewEnvelope(t, correlationID, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
