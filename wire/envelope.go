package wire

import "fmt"

// RequestKind identifies one of the RPC request operations.
type RequestKind uint8

const (
	ReqNew        RequestKind = 1 // construct an instance of a class
	ReqCall       RequestKind = 2 // invoke a bare function
	ReqCallMethod RequestKind = 3 // invoke by owner uid + method name
	ReqGetAttr    RequestKind = 4
	ReqSetAttr    RequestKind = 5
	ReqHasAttr    RequestKind = 6
	ReqDelAttr    RequestKind = 7
	ReqInstanceOf RequestKind = 8
)

// String returns the request kind name for diagnostics.
func (k RequestKind) String() string {
	switch k {
	case ReqNew:
		return "New"
	case ReqCall:
		return "Call"
	case ReqCallMethod:
		return "CallMethod"
	case ReqGetAttr:
		return "GetAttr"
	case ReqSetAttr:
		return "SetAttr"
	case ReqHasAttr:
		return "HasAttr"
	case ReqDelAttr:
		return "DelAttr"
	case ReqInstanceOf:
		return "InstanceOf"
	default:
		return fmt.Sprintf("RequestKind(%d)", uint8(k))
	}
}

// ResponseKind identifies the outcome of a request.
type ResponseKind uint8

const (
	RespOk  ResponseKind = 1 // success, no value
	RespRes ResponseKind = 2 // success, wraps a term plus attached defs
	RespErr ResponseKind = 3 // failure, wraps an exception term
)

// String returns the response kind name for diagnostics.
func (k ResponseKind) String() string {
	switch k {
	case RespOk:
		return "Ok"
	case RespRes:
		return "Res"
	case RespErr:
		return "Err"
	default:
		return fmt.Sprintf("ResponseKind(%d)", uint8(k))
	}
}

// Request asks the peer to perform one operation on a target resource.
// Defs carries any definitions newly introduced by the arguments, so the
// serving side can resolve them without a round trip.
type Request struct {
	Kind   RequestKind `cbor:"1,keyasint"`
	Target UID         `cbor:"2,keyasint"`
	Member string      `cbor:"3,keyasint,omitempty"` // method or attribute name
	Args   []*Message  `cbor:"4,keyasint,omitempty"`
	Defs   []*Message  `cbor:"5,keyasint,omitempty"`
	Static bool        `cbor:"6,keyasint,omitempty"` // target the class side of a member
}

// Response carries the result of a request. Defs carries any definitions
// newly introduced by the result term.
type Response struct {
	Kind   ResponseKind `cbor:"1,keyasint"`
	Result *Message     `cbor:"2,keyasint,omitempty"`
	Defs   []*Message   `cbor:"3,keyasint,omitempty"`
}

// Envelope is the unit written to a transport. Pid and Sid address the
// logical channel: Pid is the calling frame's id, Sid the id the caller
// allocated for the serving frame. Frame names the serving frame a request
// creates or a response concludes; for the first request on a channel it
// equals Sid. Parent is zero on the request opening a fresh conversation;
// a counter-request instead carries the issuing serving frame's id, which
// the receiving side minted for its still-pending call.
type Envelope struct {
	Pid    int64     `cbor:"1,keyasint"`
	Sid    int64     `cbor:"2,keyasint"`
	Frame  int64     `cbor:"3,keyasint,omitempty"`
	Parent int64     `cbor:"4,keyasint,omitempty"`
	Req    *Request  `cbor:"5,keyasint,omitempty"`
	Resp   *Response `cbor:"6,keyasint,omitempty"`
}

// ChannelKey returns the logical channel key for a (caller, callee) frame
// id pair.
func ChannelKey(pid, sid int64) string {
	return fmt.Sprintf("pid:%d_sid:%d", pid, sid)
}

// Key returns the envelope's logical channel key.
func (e *Envelope) Key() string {
	return ChannelKey(e.Pid, e.Sid)
}
