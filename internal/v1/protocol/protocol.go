// Package protocol implements the JSON wire framing: client invocations
// carry a method name with positional arguments, server pushes carry an
// event name with positional arguments. The shapes are an external contract;
// do not change field names.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MaxFrameBytes is the ceiling for a single inbound frame. Oversize frames
// terminate the connection.
const MaxFrameBytes = 1 << 20 // 1 MiB

// Invocation is a client -> server method call.
type Invocation struct {
	Method string            `json:"method"`
	Args   []json.RawMessage `json:"args"`
}

// Event is a server -> client push.
type Event struct {
	Name string `json:"name"`
	Args []any  `json:"args"`
}

// DecodeInvocation parses a raw frame. A frame without a method name is a
// protocol violation.
func DecodeInvocation(data []byte) (*Invocation, error) {
	var inv Invocation
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("malformed invocation frame: %w", err)
	}
	if inv.Method == "" {
		return nil, fmt.Errorf("invocation frame missing method")
	}
	return &inv, nil
}

// EncodeEvent marshals an event frame once so fan-out can reuse the bytes.
func EncodeEvent(name string, args ...any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	return json.Marshal(Event{Name: name, Args: args})
}

// MustEncodeEvent is EncodeEvent for payloads built from our own DTOs, which
// cannot fail to marshal.
func MustEncodeEvent(name string, args ...any) []byte {
	data, err := EncodeEvent(name, args...)
	if err != nil {
		panic(fmt.Sprintf("protocol: encode %s: %v", name, err))
	}
	return data
}

// Arg decodes the positional argument at index i into out. Missing arguments
// are an error so handlers fail before touching state.
func (inv *Invocation) Arg(i int, out any) error {
	if i >= len(inv.Args) {
		return fmt.Errorf("%s: missing argument %d", inv.Method, i)
	}
	if err := json.Unmarshal(inv.Args[i], out); err != nil {
		return fmt.Errorf("%s: argument %d: %w", inv.Method, i, err)
	}
	return nil
}

// OptionalArg decodes argument i if present, leaving out untouched otherwise.
func (inv *Invocation) OptionalArg(i int, out any) error {
	if i >= len(inv.Args) {
		return nil
	}
	if string(inv.Args[i]) == "null" {
		return nil
	}
	return inv.Arg(i, out)
}

// StringArg is a convenience for the common single-string case.
func (inv *Invocation) StringArg(i int) (string, error) {
	var s string
	err := inv.Arg(i, &s)
	return s, err
}
