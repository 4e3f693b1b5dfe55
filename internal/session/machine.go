package session

import (
	"fmt"

	"github.com/GriffinCanCode/imgjail/internal/ipc"
	"github.com/GriffinCanCode/imgjail/internal/shared/errs"
)

// State is the protocol state of a decode session
type State int

const (
	StateHandshaking State = iota
	StateIdle
	StateAwaitingFrame
	StateFinished
	StateCrashed
	StateFailed
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateIdle:
		return "idle"
	case StateAwaitingFrame:
		return "awaiting-frame"
	case StateFinished:
		return "finished"
	case StateCrashed:
		return "crashed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the session accepts no further requests
func (s State) Terminal() bool {
	return s == StateFinished || s == StateCrashed || s == StateFailed
}

// Info is what the worker reported about the document
type Info struct {
	MimeType   string
	FormatName string
	// Width and Height are zero when the decoder cannot tell before decoding
	Width  uint32
	Height uint32
	// FrameCount is nil when the decoder does not know it up front
	FrameCount *uint32
	ICCProfile []byte
	CICP       []uint8
}

// Event is the outcome of one reply
type Event struct {
	Info  *Info
	Frame *ipc.FrameReply
	End   bool
}

// Machine tracks the protocol state of a session. It performs no I/O:
// requests are produced by the Begin methods and replies are fed back
// through Receive.
type Machine struct {
	state   State
	seq     uint64
	pending ipc.Type
	info    Info
	cursor  uint32
	cause   error
}

// NewMachine returns a machine waiting to send Init. Sequence numbers
// start after the hello exchange.
func NewMachine() *Machine {
	return &Machine{state: StateHandshaking, seq: 1}
}

// State returns the current state
func (m *Machine) State() State {
	return m.state
}

// Info returns the negotiated document info
func (m *Machine) Info() Info {
	return m.info
}

// Cursor returns the number of frames delivered so far
func (m *Machine) Cursor() uint32 {
	return m.cursor
}

// Cause returns the error that ended a crashed or failed session
func (m *Machine) Cause() error {
	return m.cause
}

// BeginInit produces the Init request
func (m *Machine) BeginInit(mimeType string, applyTransformations bool, baseDir string) (*ipc.Init, error) {
	if m.state != StateHandshaking || m.pending != 0 {
		return nil, m.usage("init")
	}
	m.pending = ipc.TypeInit
	return &ipc.Init{
		Seq:                  m.seq,
		MimeType:             mimeType,
		ApplyTransformations: applyTransformations,
		BaseDir:              baseDir,
	}, nil
}

// BeginFrame produces the next FrameRequest
func (m *Machine) BeginFrame() (*ipc.FrameRequest, error) {
	if m.state != StateIdle {
		return nil, m.usage("next frame")
	}
	m.state = StateAwaitingFrame
	m.pending = ipc.TypeFrameRequest
	return &ipc.FrameRequest{Seq: m.seq}, nil
}

// Receive applies a reply to the outstanding request
func (m *Machine) Receive(msg ipc.Message) (Event, error) {
	if m.pending == 0 {
		return Event{}, m.violate("%s with no request outstanding", msg.Type())
	}
	if msg.Sequence() != m.seq {
		return Event{}, m.violate("%s carries sequence %d, want %d", msg.Type(), msg.Sequence(), m.seq)
	}

	request := m.pending
	m.pending = 0
	m.seq++

	if request == ipc.TypeInit {
		return m.receiveInit(msg)
	}
	return m.receiveFrame(msg)
}

func (m *Machine) receiveInit(msg ipc.Message) (Event, error) {
	switch reply := msg.(type) {
	case *ipc.InitReply:
		if reply.Width > MaxDimension || reply.Height > MaxDimension {
			return Event{}, m.violate("document size %dx%d", reply.Width, reply.Height)
		}
		if len(reply.ICCProfile) > ipc.MaxICCProfile {
			return Event{}, m.violate("color profile of %d bytes exceeds %d", len(reply.ICCProfile), ipc.MaxICCProfile)
		}
		if reply.CICP != nil && len(reply.CICP) != 4 {
			return Event{}, m.violate("cicp has %d entries", len(reply.CICP))
		}
		m.info = Info{
			MimeType:   reply.MimeType,
			FormatName: reply.FormatName,
			Width:      reply.Width,
			Height:     reply.Height,
			FrameCount: reply.FrameCount,
			ICCProfile: reply.ICCProfile,
			CICP:       reply.CICP,
		}
		m.state = StateIdle
		info := m.info
		return Event{Info: &info}, nil

	case *ipc.ErrorReply:
		err := replyError("init", reply)
		m.Fail(err)
		return Event{}, err

	default:
		return Event{}, m.violate("unexpected %s during handshake", msg.Type())
	}
}

func (m *Machine) receiveFrame(msg ipc.Message) (Event, error) {
	switch reply := msg.(type) {
	case *ipc.FrameReply:
		if n := m.info.FrameCount; n != nil && m.cursor >= *n {
			return Event{}, m.violate("frame %d past declared count %d", m.cursor, *n)
		}
		m.cursor++
		m.state = StateIdle
		return Event{Frame: reply}, nil

	case *ipc.EndOfDocument:
		m.state = StateFinished
		return Event{End: true}, nil

	case *ipc.ErrorReply:
		// a frame that failed to decode leaves earlier frames valid
		m.state = StateIdle
		return Event{}, replyError("next frame", reply)

	default:
		return Event{}, m.violate("unexpected %s while awaiting a frame", msg.Type())
	}
}

// Fail ends the session. A crashed worker yields StateCrashed, anything
// else StateFailed.
func (m *Machine) Fail(cause error) {
	if m.state.Terminal() {
		return
	}
	m.pending = 0
	m.cause = cause
	if errs.Is(cause, errs.KindWorkerCrashed) {
		m.state = StateCrashed
	} else {
		m.state = StateFailed
	}
}

func (m *Machine) usage(op string) error {
	switch m.state {
	case StateFinished:
		return errs.Newf(errs.KindUsage, op, "document has no more frames")
	case StateCrashed, StateFailed:
		return errs.Newf(errs.KindUsage, op, "session is %s: %v", m.state, m.cause)
	case StateAwaitingFrame:
		return errs.Newf(errs.KindUsage, op, "a frame request is already outstanding")
	default:
		return errs.Newf(errs.KindUsage, op, "not allowed while %s", m.state)
	}
}

func (m *Machine) violate(format string, args ...any) error {
	err := errs.New(errs.KindProtocolViolation, "session", fmt.Errorf(format, args...))
	m.Fail(err)
	return err
}

// replyError classifies a worker-reported failure
func replyError(op string, reply *ipc.ErrorReply) error {
	kind := errs.KindDecode
	if reply.Kind == ipc.ErrorUnsupported {
		kind = errs.KindUnsupportedFormat
	}
	msg := reply.Message
	if len(msg) > maxReason {
		msg = msg[:maxReason] + "..."
	}
	return errs.Newf(kind, op, "%q", msg)
}
