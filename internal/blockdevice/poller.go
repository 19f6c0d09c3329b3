package blockdevice

import (
	"context"
	"errors"
	"time"

	"github.com/juju/clock"
	"github.com/rossigee/cloud-volume-agent/pkg/types"
	"github.com/sirupsen/logrus"
)

// DefaultPollInterval is the pause between two refreshes of a volume.
const DefaultPollInterval = time.Second

// RefreshFunc re-reads the provider's view of vol and updates it in place.
// A missing volume is reported with an error matching ErrNotFound.
type RefreshFunc func(ctx context.Context, vol *types.Volume) error

// Observer receives timing of provider calls and state transitions.
type Observer interface {
	ProviderRequest(operation, outcome string, elapsed time.Duration)
	Transition(operation, outcome string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ProviderRequest(string, string, time.Duration) {}
func (nopObserver) Transition(string, string, time.Duration)      {}

// Poller waits for volumes to finish a state transition.
type Poller struct {
	Clock    clock.Clock
	Interval time.Duration
	Logger   logrus.FieldLogger
	Observer Observer
}

// NewPoller returns a poller on the wall clock.
func NewPoller(interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		Clock:    clock.WallClock,
		Interval: interval,
		Logger:   logrus.StandardLogger(),
		Observer: nopObserver{},
	}
}

// Wait blocks until vol reaches the end state of op, refreshing it through
// refresh every poll interval. It fails with ErrLogic if vol is not in the
// operation's start state, ErrInvalidState as soon as a status outside the
// flow is seen, and ErrTimeout once timeout has elapsed. The deadline is
// checked before every refresh, so a non-positive timeout never calls the
// provider.
func (p *Poller) Wait(ctx context.Context, op Operation, vol *types.Volume, refresh RefreshFunc, timeout time.Duration) error {
	flow := FlowFor(op)
	log := p.logger().WithFields(logrus.Fields{
		"operation": op.String(),
		"volume_id": vol.ID,
	})

	if vol.Status != flow.Start {
		return &Error{Kind: ErrLogic, Operation: op.String(), VolumeID: vol.ID, Status: vol.Status}
	}

	clk := p.clock()
	started := clk.Now()
	deadline := started.Add(timeout)
	finish := func(outcome string, err error) error {
		elapsed := clk.Now().Sub(started)
		p.observer().Transition(op.String(), outcome, elapsed)
		if err != nil {
			log.WithError(err).WithField("elapsed", elapsed).Warn("Volume state change failed")
		} else {
			log.WithField("elapsed", elapsed).Info("Volume reached end state")
		}
		return err
	}

	for {
		if !clk.Now().Before(deadline) {
			return finish("timeout", &Error{Kind: ErrTimeout, Operation: op.String(), VolumeID: vol.ID, Status: vol.Status})
		}

		if err := refresh(ctx, vol); err != nil {
			switch {
			case errors.Is(err, ErrNotFound) && flow.includes(types.StatusGone):
				vol.Status = types.StatusGone
				vol.Attach = nil
			case errors.Is(err, ErrNotFound):
				return finish("not_found", &Error{Kind: ErrNotFound, Operation: op.String(), VolumeID: vol.ID, Status: vol.Status, Err: err})
			default:
				var opErr *Error
				if errors.As(err, &opErr) {
					return finish("error", err)
				}
				return finish("error", &Error{Kind: ErrProvider, Operation: op.String(), VolumeID: vol.ID, Status: vol.Status, Err: err})
			}
		}

		log.WithField("status", vol.Status).Debug("Polled volume status")

		switch vol.Status {
		case flow.End:
			if flow.attachSatisfied(vol.Attach) {
				return finish("success", nil)
			}
			// The provider can report the end status before the attachment
			// record catches up.
			log.WithField("attach_data", vol.Attach).Debug("End status reached without expected attach data")
		case flow.Transient, flow.Start:
		default:
			return finish("invalid_state", &Error{Kind: ErrInvalidState, Operation: op.String(), VolumeID: vol.ID, Status: vol.Status})
		}

		select {
		case <-clk.After(p.interval()):
		case <-ctx.Done():
			return finish("cancelled", &Error{Kind: ErrTimeout, Operation: op.String(), VolumeID: vol.ID, Status: vol.Status, Err: ctx.Err()})
		}
	}
}

func (p *Poller) clock() clock.Clock {
	if p.Clock == nil {
		return clock.WallClock
	}
	return p.Clock
}

func (p *Poller) interval() time.Duration {
	if p.Interval <= 0 {
		return DefaultPollInterval
	}
	return p.Interval
}

func (p *Poller) logger() logrus.FieldLogger {
	if p.Logger == nil {
		return logrus.StandardLogger()
	}
	return p.Logger
}

func (p *Poller) observer() Observer {
	if p.Observer == nil {
		return nopObserver{}
	}
	return p.Observer
}
