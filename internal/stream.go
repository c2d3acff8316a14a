package internal

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Progress stream message types. Hello and snapshot open every
// attachment; they are scoped to the connection, not the job, and carry
// no sequence number.
const (
	MsgHello     = "hello"
	MsgProgress  = "progress"
	MsgItemDone  = "itemDone"
	MsgSnapshot  = "snapshot"
	MsgCompleted = "completed"
	MsgFailed    = "failed"
	MsgCancelled = "cancelled"
	MsgPing      = "ping"
)

// Client-to-server message types.
const (
	msgResume = "resume"
	msgCancel = "cancel"
)

const (
	// _ringSize is how many sent messages we retain for replay after a
	// reconnect.
	_ringSize = 512

	// _coalesceWindow bounds progress message frequency. Item
	// completions are never coalesced.
	_coalesceWindow = 250 * time.Millisecond

	_pingInterval = 30 * time.Second
	_pongWait     = 60 * time.Second
	_writeWait    = 10 * time.Second
)

// StreamMessage is one typed record on the progress stream. Seq is
// assigned, strictly increasing, for job-scoped messages; the
// connection-scoped hello and snapshot carry Seq 0 and never enter the
// replay ring.
type StreamMessage struct {
	Type    string `json:"type"`
	JobID   string `json:"jobId"`
	Seq     int64  `json:"seq"`
	Payload any    `json:"payload,omitempty"`
}

// clientMessage is what we accept from the client side of the stream.
type clientMessage struct {
	Type    string `json:"type"`
	LastSeq int64  `json:"lastSeq,omitempty"`
	Token   string `json:"token,omitempty"`
}

// ProgressStream is the job-side end of the duplex channel. It outlives
// individual websocket attachments: seq numbering and the replay ring
// belong to the job, not the connection. At most one connection is
// attached at a time; a new attach displaces the old one.
type ProgressStream struct {
	jobID string

	mu   sync.Mutex
	seq  int64
	ring []StreamMessage
	conn *websocket.Conn

	pending    *StreamMessage
	flushTimer *time.Timer

	// onCancel runs when the attached client sends a cancel message.
	onCancel func(token string)

	metrics *jobMetrics
	closed  bool
}

// newProgressStream creates the stream for a job.
func newProgressStream(jobID string, onCancel func(token string)) *ProgressStream {
	return &ProgressStream{jobID: jobID, onCancel: onCancel}
}

// Attach binds a websocket connection, replays state, and starts the
// keepalive loops. The snapshot payload is sent first, then every
// retained message with seq > lastSeq, then the stream goes live.
func (ps *ProgressStream) Attach(conn *websocket.Conn, lastSeq int64, snapshot any) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.conn != nil {
		ps.conn.Close()
	} else if ps.metrics != nil {
		ps.metrics.streamsAdd(1)
	}
	ps.conn = conn

	conn.SetReadDeadline(time.Now().Add(_pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(_pongWait))
		return nil
	})

	ps.writeLocked(conn, StreamMessage{Type: MsgHello, JobID: ps.jobID})
	ps.writeLocked(conn, StreamMessage{Type: MsgSnapshot, JobID: ps.jobID, Payload: snapshot})
	for _, msg := range ps.ring {
		if msg.Seq > lastSeq {
			ps.writeLocked(conn, msg)
		}
	}

	go ps.readLoop(conn)
	go ps.pingLoop(conn)
}

// Send emits a message, assigning the next seq and retaining it for
// replay. Progress messages are coalesced inside the window; everything
// else flushes any pending progress first to preserve order.
func (ps *ProgressStream) Send(msgType string, payload any) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return
	}

	if msgType == MsgProgress {
		if ps.pending != nil {
			// Collapse the burst; only the newest payload matters.
			ps.pending.Payload = payload
			return
		}
		ps.pending = &StreamMessage{Type: MsgProgress, JobID: ps.jobID, Payload: payload}
		ps.flushTimer = time.AfterFunc(_coalesceWindow, ps.flushPending)
		return
	}

	ps.flushPendingLocked()
	ps.emitLocked(StreamMessage{Type: msgType, JobID: ps.jobID, Payload: payload})
}

// Close tears the stream down after a terminal message has been sent.
func (ps *ProgressStream) Close() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.flushPendingLocked()
	ps.closed = true
	if ps.conn != nil {
		ps.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(_writeWait))
		ps.conn.Close()
		ps.conn = nil
		if ps.metrics != nil {
			ps.metrics.streamsAdd(-1)
		}
	}
}

func (ps *ProgressStream) flushPending() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.flushPendingLocked()
}

func (ps *ProgressStream) flushPendingLocked() {
	if ps.flushTimer != nil {
		ps.flushTimer.Stop()
		ps.flushTimer = nil
	}
	if ps.pending == nil {
		return
	}
	msg := *ps.pending
	ps.pending = nil
	ps.emitLocked(msg)
}

// emitLocked assigns the seq, retains the message, and pushes it to the
// attached connection if there is one.
func (ps *ProgressStream) emitLocked(msg StreamMessage) {
	ps.seq++
	msg.Seq = ps.seq

	ps.ring = append(ps.ring, msg)
	if len(ps.ring) > _ringSize {
		ps.ring = ps.ring[len(ps.ring)-_ringSize:]
	}

	if ps.conn != nil {
		ps.writeLocked(ps.conn, msg)
	}
}

func (ps *ProgressStream) writeLocked(conn *websocket.Conn, msg StreamMessage) {
	conn.SetWriteDeadline(time.Now().Add(_writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		conn.Close()
		if ps.conn == conn {
			ps.conn = nil
			if ps.metrics != nil {
				ps.metrics.streamsAdd(-1)
			}
		}
	}
}

// readLoop consumes client messages until the connection dies. Resume
// triggers a replay; cancel is forwarded to the actor with the token
// the client presented.
func (ps *ProgressStream) readLoop(conn *websocket.Conn) {
	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			ps.detach(conn)
			return
		}
		switch msg.Type {
		case msgResume:
			ps.replay(conn, msg.LastSeq)
		case msgCancel:
			if ps.onCancel != nil {
				ps.onCancel(msg.Token)
			}
		}
	}
}

func (ps *ProgressStream) replay(conn *websocket.Conn, lastSeq int64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, msg := range ps.ring {
		if msg.Seq > lastSeq {
			ps.writeLocked(conn, msg)
		}
	}
}

func (ps *ProgressStream) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(_pingInterval)
	defer ticker.Stop()
	for range ticker.C {
		ps.mu.Lock()
		current := ps.conn == conn && !ps.closed
		ps.mu.Unlock()
		if !current {
			return
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(_writeWait)); err != nil {
			ps.detach(conn)
			return
		}
	}
}

// detach drops the connection if it is still the attached one.
func (ps *ProgressStream) detach(conn *websocket.Conn) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	conn.Close()
	if ps.conn == conn {
		ps.conn = nil
		if ps.metrics != nil {
			ps.metrics.streamsAdd(-1)
		}
	}
}

// Attached reports whether a client is currently connected.
func (ps *ProgressStream) Attached() bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.conn != nil
}
