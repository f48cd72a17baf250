package runtime

import (
	"errors"
	"fmt"
	"strings"

	"github.com/farlink/farlink/wire"
)

// ErrProtocol indicates an unknown request or response kind: a framing or
// version bug. Fatal for the conversation that observed it.
var ErrProtocol = errors.New("runtime: protocol violation")

// ErrTransportLoss fails every request still pending on a channel whose
// transport went away. Retry belongs to layers above this package.
var ErrTransportLoss = errors.New("runtime: transport lost")

// MissingDefError reports a reference whose UID is absent from the frame
// context chain. Always fail-fast: a missing definition means the two sides
// disagree about what has been declared.
type MissingDefError struct {
	UID wire.UID
}

func (e *MissingDefError) Error() string {
	return fmt.Sprintf("runtime: missing definition %s", e.UID)
}

// AttrNotFoundError reports an attribute absent from a fixed-shape
// resource.
type AttrNotFoundError struct {
	Name  string
	Owner string // class or type name, when known
}

func (e *AttrNotFoundError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("runtime: attribute %q not found on %s", e.Name, e.Owner)
	}
	return fmt.Sprintf("runtime: attribute %q not found", e.Name)
}

// KeyNotFoundError reports a key absent from a resource with a dynamic
// index signature.
type KeyNotFoundError struct {
	Key string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("runtime: key %q not found", e.Key)
}

// Wire-level class names for the typed absence exceptions. The responder
// encodes them as generic exceptions under these names and the decoder maps
// them back.
const (
	attrNotFoundClass = "AttributeNotFoundError"
	keyNotFoundClass  = "KeyNotFoundError"
)

// RemoteError is a peer-side failure delivered as an ordinary error. For
// foreign exceptions the reconstructed value is held in Value; generic
// exceptions are display-only shadows carrying the original class name,
// arguments, and stack; internal exceptions are opaque.
type RemoteError struct {
	ClassName string
	Args      []string
	Stack     []string
	Internal  bool
	Value     any // reconstructed exception value, when available
}

func (e *RemoteError) Error() string {
	if e.Internal {
		if len(e.Args) > 0 {
			return "runtime: internal remote error: " + e.Args[0]
		}
		return "runtime: internal remote error"
	}
	if len(e.Args) > 0 {
		return fmt.Sprintf("%s: %s", e.ClassName, strings.Join(e.Args, ", "))
	}
	return e.ClassName
}

// decodeException maps an exception term to a Go error. Typed absence
// exceptions become their local error types so callers can errors.As on
// them; everything else becomes a RemoteError.
func decodeException(m *wire.Message) error {
	switch m.Kind {
	case wire.KindGenericExc:
		switch m.Name {
		case attrNotFoundClass:
			e := &AttrNotFoundError{}
			if len(m.StrArgs) > 0 {
				e.Name = m.StrArgs[0]
			}
			if len(m.StrArgs) > 1 {
				e.Owner = m.StrArgs[1]
			}
			return e
		case keyNotFoundClass:
			e := &KeyNotFoundError{}
			if len(m.StrArgs) > 0 {
				e.Key = m.StrArgs[0]
			}
			return e
		}
		return &RemoteError{ClassName: m.Name, Args: m.StrArgs, Stack: m.Stack}
	case wire.KindInternalExc:
		return &RemoteError{Internal: true, Args: []string{m.Str}}
	}
	return fmt.Errorf("%w: exception kind %s", ErrProtocol, m.Kind)
}

// encodeError turns a local failure into an exception term for an Err
// response.
func encodeError(err error) *wire.Message {
	var attr *AttrNotFoundError
	if errors.As(err, &attr) {
		return wire.GenericExc(attrNotFoundClass, []string{attr.Name, attr.Owner}, nil)
	}
	var key *KeyNotFoundError
	if errors.As(err, &key) {
		return wire.GenericExc(keyNotFoundClass, []string{key.Key}, nil)
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		// Propagate a relayed peer failure unchanged.
		if remote.Internal {
			msg := ""
			if len(remote.Args) > 0 {
				msg = remote.Args[0]
			}
			return wire.InternalExc(msg)
		}
		return wire.GenericExc(remote.ClassName, remote.Args, remote.Stack)
	}
	var missing *MissingDefError
	if errors.As(err, &missing) {
		return wire.InternalExc(missing.Error())
	}
	return wire.GenericExc(fmt.Sprintf("%T", err), []string{err.Error()}, nil)
}
