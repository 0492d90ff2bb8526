package protocol

import (
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is a connection's lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Conn is one agent connection. Writes are serialized by writeMu; the
// pending table is guarded by pendingMu with an exactly-one-remover
// discipline: a given entry is taken by the matching response, the caller's
// deadline, or teardown, never more than one of them.
type Conn struct {
	ID          string
	UserID      string
	Remote      string
	ConnectedAt time.Time

	tr Transport

	writeMu sync.Mutex
	seq     atomic.Int64

	pendingMu sync.Mutex
	pending   map[string]chan *Message

	state       atomic.Int32
	done        chan struct{}
	downOnce    sync.Once
	lastPong    atomic.Int64
	failedCalls atomic.Int64
}

// NewConn wraps a transport in a connection starting in CONNECTING.
func NewConn(tr Transport, remote string) *Conn {
	c := &Conn{
		ID:          uuid.NewString(),
		Remote:      remote,
		ConnectedAt: time.Now().UTC(),
		tr:          tr,
		pending:     make(map[string]chan *Message),
		done:        make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	c.markPong()
	return c
}

// Open marks the connection authenticated and ready for delegated calls.
func (c *Conn) Open() {
	c.setState(StateOpen)
	c.markPong()
}

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

// Done is closed when the connection leaves service.
func (c *Conn) Done() <-chan struct{} { return c.done }

// PendingCount returns the number of outstanding delegated calls.
func (c *Conn) PendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// LastPong returns the time of the last liveness signal.
func (c *Conn) LastPong() time.Time {
	return time.Unix(0, c.lastPong.Load()).UTC()
}

func (c *Conn) markPong() { c.lastPong.Store(time.Now().UnixNano()) }

// nextID allocates a correlation id unique among this connection's
// outstanding calls. Monotonic, so ids are never reused within a
// connection's lifetime.
func (c *Conn) nextID() string {
	return strconv.FormatInt(c.seq.Add(1), 10)
}

// send marshals and writes one message. Safe for concurrent use.
func (c *Conn) send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.tr.WriteMessage(data)
}

// addPending inserts a result slot for id. Fails once the connection has
// left OPEN so a call can never strand a slot on a dead table.
func (c *Conn) addPending(id string) (chan *Message, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.State() != StateOpen {
		return nil, false
	}
	ch := make(chan *Message, 1)
	c.pending[id] = ch
	return ch, true
}

// takePending removes and returns the slot for id. The caller that wins
// this race owns the resolution; everyone else must drain the slot instead.
func (c *Conn) takePending(id string) (chan *Message, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return ch, ok
}

// failAllPending closes every outstanding slot. Closing is safe against the
// read loop because delivery always removes the entry under pendingMu
// before sending; a slot is either delivered to or closed, never both.
func (c *Conn) failAllPending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	n := len(c.pending)
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	return n
}

// FailedCalls returns how many outstanding calls teardown bulk-failed.
func (c *Conn) FailedCalls() int { return int(c.failedCalls.Load()) }

// teardown moves the connection to its final state, unblocks the read loop,
// and fails all outstanding calls. Idempotent; the first caller's state
// wins.
func (c *Conn) teardown(final State) {
	c.downOnce.Do(func() {
		c.setState(final)
		close(c.done)
		c.tr.Close()
		c.failedCalls.Store(int64(c.failAllPending()))
	})
}
