package thermo

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/hubertat/wiretemp/onewire"
)

var (
	ErrGhostDevice        = errors.New("ghost device")
	ErrResolutionMismatch = errors.New("resolution mismatch")
	ErrReadFailure        = errors.New("read failure")
	ErrBusFault           = errors.New("bus fault")
	ErrCountMismatch      = errors.New("device count mismatch")
	ErrSearchAnomaly      = errors.New("search anomaly")
	ErrUnsupportedDevice  = errors.New("unsupported device")

	ErrCycleInProgress   = errors.New("read cycle already in progress")
	ErrConversionTimeout = errors.New("temperature conversion timed out")
	ErrDeviceMissing     = errors.New("device no longer on the bus")
)

type EventKind int

const (
	EventGhostDevice EventKind = iota
	EventResolutionMismatch
	EventReadFailure
	EventBusFault
	EventCountMismatch
	EventSearchAnomaly
	EventUnsupportedDevice
)

var eventKindErrors = map[EventKind]error{
	EventGhostDevice:        ErrGhostDevice,
	EventResolutionMismatch: ErrResolutionMismatch,
	EventReadFailure:        ErrReadFailure,
	EventBusFault:           ErrBusFault,
	EventCountMismatch:      ErrCountMismatch,
	EventSearchAnomaly:      ErrSearchAnomaly,
	EventUnsupportedDevice:  ErrUnsupportedDevice,
}

func (k EventKind) Err() error {
	return eventKindErrors[k]
}

func (k EventKind) String() string {
	if err, ok := eventKindErrors[k]; ok {
		return err.Error()
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is a non-fatal problem found while discovering or reading devices.
// Events are also errors: errors.Is matches both the kind sentinel and the
// underlying cause.
type Event struct {
	Kind    EventKind
	Slot    int
	Index   int
	Address onewire.Address

	// Requested and Actual carry resolutions or device counts.
	Requested int
	Actual    int

	Err error
}

func (e Event) Error() string {
	msg := e.Kind.String()
	switch e.Kind {
	case EventGhostDevice:
		msg = fmt.Sprintf("%s at slot %d (address %s)", msg, e.Slot, e.Address)
	case EventResolutionMismatch:
		msg = fmt.Sprintf("%s on device %d (%s): requested %d, got %d", msg, e.Index, e.Address, e.Requested, e.Actual)
	case EventCountMismatch:
		msg = fmt.Sprintf("%s: expected %d, found %d", msg, e.Requested, e.Actual)
	case EventReadFailure, EventUnsupportedDevice:
		msg = fmt.Sprintf("%s on device %d (%s)", msg, e.Index, e.Address)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e Event) Unwrap() error {
	return e.Err
}

func (e Event) Is(target error) bool {
	return target != nil && target == e.Kind.Err()
}

// KeyVals returns the event as logger key-value pairs.
func (e Event) KeyVals() []interface{} {
	kv := []interface{}{"kind", e.Kind.String()}
	if !e.Address.IsZero() {
		kv = append(kv, "address", e.Address.String())
	}
	switch e.Kind {
	case EventGhostDevice:
		kv = append(kv, "slot", e.Slot)
	case EventResolutionMismatch, EventCountMismatch:
		kv = append(kv, "index", e.Index, "requested", e.Requested, "actual", e.Actual)
	case EventReadFailure, EventUnsupportedDevice:
		kv = append(kv, "index", e.Index)
	}
	if e.Err != nil {
		kv = append(kv, "err", e.Err.Error())
	}
	return kv
}

type EventHandler func(Event)
