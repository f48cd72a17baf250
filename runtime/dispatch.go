package runtime

import (
	"fmt"

	"github.com/farlink/farlink/wire"
)

// Dispatcher turns operations on virtualized stand-ins into outgoing
// requests, awaits the matching response on the frame's handler, and
// decodes results against the statically known return or field type when
// one is available.
type Dispatcher struct {
	frame *Frame
}

// NewDispatcher creates a dispatcher for a frame.
func NewDispatcher(frame *Frame) *Dispatcher {
	return &Dispatcher{frame: frame}
}

// Construct issues a New request for a class.
func (d *Dispatcher) Construct(target wire.UID, classRef *wire.Message, args []any) (any, error) {
	return d.roundTrip(wire.ReqNew, target, "", args, false, classRef)
}

// Call issues a Call request for a bare function.
func (d *Dispatcher) Call(target wire.UID, args []any, retHint *wire.Message) (any, error) {
	return d.roundTrip(wire.ReqCall, target, "", args, false, retHint)
}

// CallMethod issues a CallMethod request addressed by owner uid and method
// name.
func (d *Dispatcher) CallMethod(target wire.UID, method string, args []any, retHint *wire.Message) (any, error) {
	return d.roundTrip(wire.ReqCallMethod, target, method, args, false, retHint)
}

// GetAttr reads an attribute.
func (d *Dispatcher) GetAttr(target wire.UID, name string, static bool, typeHint *wire.Message) (any, error) {
	return d.roundTrip(wire.ReqGetAttr, target, name, nil, static, typeHint)
}

// SetAttr writes an attribute.
func (d *Dispatcher) SetAttr(target wire.UID, name string, v any, static bool) error {
	_, err := d.roundTrip(wire.ReqSetAttr, target, name, []any{v}, static, nil)
	return err
}

// HasAttr reports attribute presence.
func (d *Dispatcher) HasAttr(target wire.UID, name string, static bool) (bool, error) {
	res, err := d.roundTrip(wire.ReqHasAttr, target, name, nil, static, SysRef(sysBool))
	if err != nil {
		return false, err
	}
	b, ok := res.(bool)
	if !ok {
		return false, fmt.Errorf("%w: HasAttr result is %T", ErrProtocol, res)
	}
	return b, nil
}

// DelAttr removes an attribute.
func (d *Dispatcher) DelAttr(target wire.UID, name string, static bool) error {
	_, err := d.roundTrip(wire.ReqDelAttr, target, name, nil, static, nil)
	return err
}

// InstanceOf asks whether the target is an instance of the given class.
func (d *Dispatcher) InstanceOf(target wire.UID, classRef *wire.Message) (bool, error) {
	res, err := d.roundTrip(wire.ReqInstanceOf, target, "", []any{classRef}, false, SysRef(sysBool))
	if err != nil {
		return false, err
	}
	b, ok := res.(bool)
	if !ok {
		return false, fmt.Errorf("%w: InstanceOf result is %T", ErrProtocol, res)
	}
	return b, nil
}

func (d *Dispatcher) roundTrip(kind wire.RequestKind, target wire.UID, member string, args []any, static bool, retHint *wire.Message) (any, error) {
	f := d.frame

	var defs []*wire.Message
	wargs := make([]*wire.Message, 0, len(args))
	for _, a := range args {
		// Class references used as arguments (InstanceOf) pass through.
		if m, ok := a.(*wire.Message); ok {
			wargs = append(wargs, m)
			continue
		}
		m, err := f.enc.Encode(a, f.depth, nil, &defs)
		if err != nil {
			return nil, err
		}
		wargs = append(wargs, m)
	}

	req := &wire.Request{
		Kind:   kind,
		Target: target,
		Member: member,
		Args:   wargs,
		Defs:   f.rt.filterSent(f.ctx, f.rt.attachDefs(f.ctx, wargs...)),
		Static: static,
	}

	resp, err := f.handler.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if err := f.PassRemoteDefs(resp.Defs); err != nil {
		return nil, err
	}

	switch resp.Kind {
	case wire.RespOk:
		return nil, nil
	case wire.RespRes:
		return f.dec.Decode(resp.Result, retHint)
	case wire.RespErr:
		if resp.Result == nil {
			return nil, fmt.Errorf("%w: Err response without exception", ErrProtocol)
		}
		return nil, f.dec.DecodeException(resp.Result)
	default:
		return nil, fmt.Errorf("%w: response kind %s", ErrProtocol, resp.Kind)
	}
}
