package thermo

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/hubertat/wiretemp/drivers"
)

const defaultPollInterval = 10 * time.Millisecond

// conversionMargin is the least a timeout may exceed the conversion delay by.
const conversionMargin = 100 * time.Millisecond

type CycleState int32

const (
	StateIdle CycleState = iota
	StateConvertRequested
	StateConverting
	StateReadingScratchpads
)

func (s CycleState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConvertRequested:
		return "convert requested"
	case StateConverting:
		return "converting"
	case StateReadingScratchpads:
		return "reading scratchpads"
	}
	return "unknown"
}

// Reader runs read cycles: one broadcast conversion for all devices, a
// bounded wait, then one addressed scratchpad read per registry record.
type Reader struct {
	Driver drivers.SensorDriver
	// Poll makes the wait sample the busy line instead of sleeping the worst
	// case conversion time. Ignored on parasite powered buses.
	Poll         bool
	PollInterval time.Duration
	// Timeout bounds the conversion wait, zero means twice the worst case
	// conversion time. It never drops below that time plus a small margin.
	Timeout time.Duration

	OnEvent EventHandler
	Logger  *log.Logger

	cycle sync.Mutex
	state atomic.Int32
}

func (r *Reader) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

func (r *Reader) emit(ev Event) {
	r.logger().Warn("read cycle event", ev.KeyVals()...)
	if r.OnEvent != nil {
		r.OnEvent(ev)
	}
}

func (r *Reader) State() CycleState {
	return CycleState(r.state.Load())
}

func (r *Reader) setState(s CycleState) {
	r.state.Store(int32(s))
}

// ReadAll runs one cycle over reg, which it only reads. Device level failures
// end up in the report results; a returned error means no device was read.
func (r *Reader) ReadAll(ctx context.Context, reg *Registry) (report CycleReport, err error) {
	if !r.cycle.TryLock() {
		err = ErrCycleInProgress
		return
	}
	defer r.cycle.Unlock()
	defer r.setState(StateIdle)

	report = CycleReport{ID: uuid.New(), Started: time.Now()}
	defer func() {
		report.Finished = time.Now()
		report.Err = err
	}()

	if reg.Len() == 0 {
		return
	}

	r.setState(StateConvertRequested)
	if err = r.Driver.RequestConversions(); err != nil {
		err = errors.Wrap(err, "failed to request conversions")
		r.emit(Event{Kind: EventBusFault, Index: -1, Err: err})
		return
	}

	r.setState(StateConverting)
	if err = r.awaitConversion(ctx, reg); err != nil {
		if !errors.Is(err, context.Canceled) {
			r.emit(Event{Kind: EventBusFault, Index: -1, Err: err})
		}
		return
	}

	r.setState(StateReadingScratchpads)
	for _, dev := range reg.Devices() {
		report.Results = append(report.Results, r.readDevice(dev))
	}

	r.logger().Debug("read cycle finished", "cycle", report.ID, "devices", len(report.Results), "failures", report.Failures(), "took", time.Since(report.Started))
	return
}

func (r *Reader) awaitConversion(ctx context.Context, reg *Registry) error {
	delay := drivers.ConversionTime(reg.MaxResolution())
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 2 * delay
	}
	if timeout < delay+conversionMargin {
		timeout = delay + conversionMargin
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	waitErr := func() error {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.Wrapf(ErrConversionTimeout, "after %v", timeout)
		}
		return ctx.Err()
	}

	if r.Poll && !reg.Parasite {
		interval := r.PollInterval
		if interval <= 0 {
			interval = defaultPollInterval
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			done, err := r.Driver.ConversionComplete()
			if err != nil {
				return errors.Wrap(err, "failed polling conversion state")
			}
			if done {
				return nil
			}
			select {
			case <-ctx.Done():
				return waitErr()
			case <-ticker.C:
			}
		}
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return waitErr()
	}
}

func (r *Reader) readDevice(dev Device) (res Result) {
	res = Result{Index: dev.Index, Address: dev.Address}
	fail := func(err error) Result {
		ev := Event{Kind: EventReadFailure, Index: int(dev.Index), Address: dev.Address, Err: err}
		r.emit(ev)
		res.Err = ev
		return res
	}

	present, err := r.Driver.Verify(dev.Address)
	if err != nil {
		return fail(errors.Wrap(err, "verify failed"))
	}
	if !present {
		return fail(ErrDeviceMissing)
	}

	sp, err := r.Driver.ReadScratchpad(dev.Address)
	if err != nil {
		return fail(err)
	}
	if !sp.Valid() {
		return fail(errors.Wrapf(drivers.ErrInvalidScratchpad, "scratchpad %X", sp[:]))
	}

	raw, err := sp.Sixteenths(dev.Address.Family())
	if err != nil {
		return fail(err)
	}

	resolution := dev.Resolution
	if dev.Address.Family() != drivers.FamilyDS18S20 {
		resolution = sp.Resolution()
	}

	res.Reading = &Reading{
		Address:    dev.Address,
		Raw:        raw,
		Resolution: resolution,
		At:         time.Now(),
	}
	return
}
