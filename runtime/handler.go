package runtime

import (
	"errors"
	"fmt"

	"github.com/farlink/farlink/mux"
	"github.com/farlink/farlink/wire"
)

// Handler owns the send-and-await side of one frame's RPC state. Sending a
// request and then draining counter-requests until the matching response
// arrives is one logical unit of work: the loop alternates between checking
// for its terminal response and servicing, in place, any request the peer
// issues in the meantime. That reentrant draining is what lets a callee
// call back into the caller before the callee's own result is ready.
type Handler struct {
	frame *Frame
}

// NewHandler creates a handler for a frame.
func NewHandler(frame *Frame) *Handler {
	return &Handler{frame: frame}
}

// RoundTrip sends one request and blocks until its terminal response.
// Counter-requests received while waiting are serviced immediately by the
// responder. Channel closure fails the call with ErrTransportLoss.
func (h *Handler) RoundTrip(req *wire.Request) (*wire.Response, error) {
	f := h.frame
	rt := f.rt

	// The id the peer's new serving frame will be known by.
	newID := rt.nextFrameID()

	var pid, sid, parent int64
	fresh := f.chanPid == 0
	if fresh {
		// A caller-initiated frame opens a fresh channel per outstanding
		// request; the peer serves it under its root.
		pid, sid = f.id, newID
		parent = 0
	} else {
		// A serving frame reuses its conversation channel, so the blocked
		// caller on the other side sees this as a counter-request. Parent
		// is this frame's own id, which the peer minted for its pending
		// call and can match against it.
		pid, sid = f.chanPid, f.chanSid
		parent = f.id
	}

	key := wire.ChannelKey(pid, sid)
	q := rt.m.Claim(key)
	if fresh {
		defer rt.m.Release(key)
	}

	env := &wire.Envelope{Pid: pid, Sid: sid, Frame: newID, Parent: parent, Req: req}
	if err := rt.m.Send(env); err != nil {
		if errors.Is(err, mux.ErrClosed) {
			return nil, fmt.Errorf("%w: sending %s", ErrTransportLoss, req.Kind)
		}
		return nil, err
	}

	for {
		got, err := q.Pop(rt.ctx)
		if err != nil {
			if errors.Is(err, mux.ErrClosed) {
				return nil, fmt.Errorf("%w: awaiting %s", ErrTransportLoss, req.Kind)
			}
			return nil, err
		}

		switch {
		case got.Resp != nil:
			if got.Frame != newID {
				// Responses nest strictly; an id mismatch means framing
				// went wrong.
				return nil, fmt.Errorf("%w: response for frame %d while awaiting %d", ErrProtocol, got.Frame, newID)
			}
			return got.Resp, nil

		case got.Req != nil:
			// Requests nest strictly too: a counter-request can only come
			// from the serving frame of the call we are awaiting.
			if got.Parent != newID {
				return nil, fmt.Errorf("%w: counter-request under frame %d while awaiting %d", ErrProtocol, got.Parent, newID)
			}
			if err := rt.serveInbound(got, f); err != nil {
				rt.log.Errorf("serving counter-request on %s: %v", key, err)
			}

		default:
			return nil, fmt.Errorf("%w: empty envelope on %s", ErrProtocol, key)
		}
	}
}
