package ipc

import (
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/imgjail/format"
)

// ProtocolVersion is bumped whenever a message body changes incompatibly
const ProtocolVersion = 1

// Type tags every frame on the wire
type Type uint8

const (
	TypeHello Type = iota + 1
	TypeHelloReply
	TypeInit
	TypeInitReply
	TypeFrameRequest
	TypeFrameReply
	TypeEndOfDocument
	TypeErrorReply
	TypeTerminate
)

// String returns the string representation of the type
func (t Type) String() string {
	switch t {
	case TypeHello:
		return "hello"
	case TypeHelloReply:
		return "hello_reply"
	case TypeInit:
		return "init"
	case TypeInitReply:
		return "init_reply"
	case TypeFrameRequest:
		return "frame_request"
	case TypeFrameReply:
		return "frame_reply"
	case TypeEndOfDocument:
		return "end_of_document"
	case TypeErrorReply:
		return "error_reply"
	case TypeTerminate:
		return "terminate"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// fdCount is the exact number of descriptors each type must carry
func (t Type) fdCount() int {
	switch t {
	case TypeInit, TypeFrameReply:
		return 1
	default:
		return 0
	}
}

// Message is any body that can travel over a Conn
type Message interface {
	Type() Type
	Sequence() uint64
}

// Hello opens the channel and tells the worker which restrictions to
// apply to itself before it touches any input.
type Hello struct {
	Seq         uint64 `json:"seq"`
	Version     uint32 `json:"version"`
	MemoryLimit uint64 `json:"memory_limit,omitempty"`
	Seccomp     bool   `json:"seccomp,omitempty"`
	LogLevel    string `json:"log_level,omitempty"`
	// MaxMessageBytes is the largest body the host accepts
	MaxMessageBytes int `json:"max_message_bytes,omitempty"`
}

// HelloReply confirms the worker is running and restricted
type HelloReply struct {
	Seq     uint64 `json:"seq"`
	Version uint32 `json:"version"`
	Decoder string `json:"decoder"`
}

// Init hands the input descriptor to the worker
type Init struct {
	Seq                  uint64 `json:"seq"`
	MimeType             string `json:"mime_type"`
	ApplyTransformations bool   `json:"apply_transformations"`
	BaseDir              string `json:"base_dir,omitempty"`
}

// InitReply describes the document the worker opened
type InitReply struct {
	Seq        uint64  `json:"seq"`
	MimeType   string  `json:"mime_type"`
	FormatName string  `json:"format_name,omitempty"`
	Width      uint32  `json:"width"`
	Height     uint32  `json:"height"`
	FrameCount *uint32 `json:"frame_count,omitempty"`
	// ICCProfile is sent inline and bounded by MaxICCProfile
	ICCProfile []byte  `json:"icc_profile,omitempty"`
	CICP       []uint8 `json:"cicp,omitempty"`
}

// FrameRequest asks for the frame at the current cursor
type FrameRequest struct {
	Seq uint64 `json:"seq"`
}

// FrameReply describes the raster stored in the attached memfd
type FrameReply struct {
	Seq         uint64              `json:"seq"`
	Width       uint32              `json:"width"`
	Height      uint32              `json:"height"`
	Stride      uint32              `json:"stride"`
	Format      format.MemoryFormat `json:"memory_format"`
	DelayMicros int64               `json:"delay_us,omitempty"`
}

// EndOfDocument signals that no frames remain
type EndOfDocument struct {
	Seq uint64 `json:"seq"`
}

// Error kinds a worker may report
const (
	ErrorUnsupported = "unsupported"
	ErrorDecode      = "decode"
	ErrorInternal    = "internal"
)

// ErrorReply reports a failure to decode the document or one frame
type ErrorReply struct {
	Seq     uint64 `json:"seq"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Terminate asks the worker to exit. It has no reply.
type Terminate struct {
	Seq uint64 `json:"seq"`
}

func (m *Hello) Type() Type         { return TypeHello }
func (m *HelloReply) Type() Type    { return TypeHelloReply }
func (m *Init) Type() Type          { return TypeInit }
func (m *InitReply) Type() Type     { return TypeInitReply }
func (m *FrameRequest) Type() Type  { return TypeFrameRequest }
func (m *FrameReply) Type() Type    { return TypeFrameReply }
func (m *EndOfDocument) Type() Type { return TypeEndOfDocument }
func (m *ErrorReply) Type() Type    { return TypeErrorReply }
func (m *Terminate) Type() Type     { return TypeTerminate }

func (m *Hello) Sequence() uint64         { return m.Seq }
func (m *HelloReply) Sequence() uint64    { return m.Seq }
func (m *Init) Sequence() uint64          { return m.Seq }
func (m *InitReply) Sequence() uint64     { return m.Seq }
func (m *FrameRequest) Sequence() uint64  { return m.Seq }
func (m *FrameReply) Sequence() uint64    { return m.Seq }
func (m *EndOfDocument) Sequence() uint64 { return m.Seq }
func (m *ErrorReply) Sequence() uint64    { return m.Seq }
func (m *Terminate) Sequence() uint64     { return m.Seq }

// codec decodes bodies that may come from a hostile peer
var codec = sonic.Config{
	DisallowUnknownFields: true,
	ValidateString:        true,
	CopyString:            true,
}.Froze()

func newMessage(t Type) (Message, error) {
	switch t {
	case TypeHello:
		return &Hello{}, nil
	case TypeHelloReply:
		return &HelloReply{}, nil
	case TypeInit:
		return &Init{}, nil
	case TypeInitReply:
		return &InitReply{}, nil
	case TypeFrameRequest:
		return &FrameRequest{}, nil
	case TypeFrameReply:
		return &FrameReply{}, nil
	case TypeEndOfDocument:
		return &EndOfDocument{}, nil
	case TypeErrorReply:
		return &ErrorReply{}, nil
	case TypeTerminate:
		return &Terminate{}, nil
	default:
		return nil, fmt.Errorf("unknown message type %d", uint8(t))
	}
}

func decodeBody(t Type, body []byte) (Message, error) {
	msg, err := newMessage(t)
	if err != nil {
		return nil, err
	}
	if err := codec.Unmarshal(body, msg); err != nil {
		return nil, fmt.Errorf("malformed %s body: %w", t, err)
	}
	return msg, nil
}

func encodeBody(msg Message) ([]byte, error) {
	return codec.Marshal(msg)
}
