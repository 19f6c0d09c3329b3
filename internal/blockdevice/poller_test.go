package blockdevice

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/rossigee/cloud-volume-agent/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 50 * time.Millisecond

func newTestPoller() *Poller {
	return NewPoller(time.Millisecond)
}

// templateVolume returns a volume in the start state of op.
func templateVolume(op Operation) *types.Volume {
	vol := &types.Volume{
		ID:     "vol-9c48a689",
		Size:   1 << 30,
		Zone:   "us-west-2b",
		Status: FlowFor(op).Start,
	}
	if op == OperationDetach {
		vol.Attach = &types.AttachData{Device: "/dev/sdf", InstanceID: "i-xyz"}
	}
	return vol
}

// errorStatus returns a known status outside the flow of op.
func errorStatus(t *testing.T, op Operation) types.VolumeStatus {
	flow := FlowFor(op)
	for _, s := range types.AllStatuses {
		if !flow.includes(s) {
			return s
		}
	}
	t.Fatalf("no error status available for %s", op)
	return ""
}

// update returns a refresh func that moves the volume to status with attach.
func update(status types.VolumeStatus, attach *types.AttachData, calls *int) RefreshFunc {
	return func(_ context.Context, vol *types.Volume) error {
		*calls++
		vol.Status = status
		vol.Attach = attach
		return nil
	}
}

var attachSuccess = &types.AttachData{Device: "/dev/sdf", InstanceID: "i-xyz"}

func TestWaitReachesEndState(t *testing.T) {
	tests := []struct {
		op     Operation
		attach *types.AttachData
	}{
		{op: OperationCreate},
		{op: OperationDestroy},
		{op: OperationAttach, attach: attachSuccess},
		{op: OperationDetach},
	}

	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			// An hour-long interval on a test clock hangs if Wait sleeps at all.
			p := newTestPoller()
			p.Clock = testclock.NewClock(time.Now())
			p.Interval = time.Hour

			vol := templateVolume(tt.op)
			calls := 0
			err := p.Wait(context.Background(), tt.op, vol, update(FlowFor(tt.op).End, tt.attach, &calls), time.Minute)

			require.NoError(t, err)
			assert.Equal(t, 1, calls)
			assert.Equal(t, FlowFor(tt.op).End, vol.Status)
			if tt.op == OperationAttach {
				assert.Equal(t, attachSuccess, vol.Attach)
			} else {
				assert.Nil(t, vol.Attach)
			}
		})
	}
}

func TestWaitTimesOutInTransientState(t *testing.T) {
	for _, op := range Operations {
		t.Run(op.String(), func(t *testing.T) {
			vol := templateVolume(op)
			calls := 0
			err := newTestPoller().Wait(context.Background(), op, vol, update(FlowFor(op).Transient, nil, &calls), testTimeout)

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrTimeout)
			assert.NotErrorIs(t, err, ErrInvalidState)
			assert.Greater(t, calls, 1)
		})
	}
}

func TestWaitTimesOutInStartState(t *testing.T) {
	vol := templateVolume(OperationAttach)
	calls := 0
	err := newTestPoller().Wait(context.Background(), OperationAttach, vol, update(types.StatusAvailable, nil, &calls), testTimeout)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.Greater(t, calls, 1)
}

func TestWaitFailsFastOnInvalidState(t *testing.T) {
	for _, op := range Operations {
		t.Run(op.String(), func(t *testing.T) {
			vol := templateVolume(op)
			calls := 0
			started := time.Now()
			err := newTestPoller().Wait(context.Background(), op, vol, update(errorStatus(t, op), nil, &calls), time.Minute)

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidState)
			assert.NotErrorIs(t, err, ErrTimeout)
			assert.Equal(t, 1, calls)
			assert.Less(t, time.Since(started), time.Second)
		})
	}
}

func TestWaitAttachRequiresAttachData(t *testing.T) {
	tests := []struct {
		name   string
		attach *types.AttachData
	}{
		{name: "missing attach data", attach: nil},
		{name: "missing instance id", attach: &types.AttachData{Device: "/dev/sdf"}},
		{name: "missing device", attach: &types.AttachData{InstanceID: "i-xyz"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vol := templateVolume(OperationAttach)
			calls := 0
			err := newTestPoller().Wait(context.Background(), OperationAttach, vol, update(types.StatusInUse, tt.attach, &calls), testTimeout)

			assert.ErrorIs(t, err, ErrTimeout)
		})
	}
}

func TestWaitDetachWaitsForAttachDataToClear(t *testing.T) {
	vol := templateVolume(OperationDetach)
	calls := 0
	refresh := func(_ context.Context, v *types.Volume) error {
		calls++
		v.Status = types.StatusAvailable
		if calls < 3 {
			v.Attach = attachSuccess
		} else {
			v.Attach = nil
		}
		return nil
	}

	err := newTestPoller().Wait(context.Background(), OperationDetach, vol, refresh, time.Minute)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWaitRejectsWrongStartState(t *testing.T) {
	vol := templateVolume(OperationAttach)
	vol.Status = types.StatusInUse
	calls := 0

	err := newTestPoller().Wait(context.Background(), OperationAttach, vol, update(types.StatusInUse, attachSuccess, &calls), time.Minute)

	assert.ErrorIs(t, err, ErrLogic)
	assert.Equal(t, 0, calls)
}

func TestWaitExpiredDeadlineSkipsRefresh(t *testing.T) {
	vol := templateVolume(OperationCreate)
	calls := 0

	err := newTestPoller().Wait(context.Background(), OperationCreate, vol, update(types.StatusAvailable, nil, &calls), 0)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, calls)
}

func TestWaitNotFound(t *testing.T) {
	missing := &ProviderError{Code: "InvalidVolume.NotFound", NotFound: true}
	refresh := func(context.Context, *types.Volume) error { return missing }

	t.Run("destroy treats missing volume as done", func(t *testing.T) {
		vol := templateVolume(OperationDestroy)
		err := newTestPoller().Wait(context.Background(), OperationDestroy, vol, refresh, time.Minute)

		require.NoError(t, err)
		assert.Equal(t, types.StatusGone, vol.Status)
	})

	t.Run("create keeps polling while volume is not visible", func(t *testing.T) {
		vol := templateVolume(OperationCreate)
		err := newTestPoller().Wait(context.Background(), OperationCreate, vol, refresh, testTimeout)

		assert.ErrorIs(t, err, ErrTimeout)
	})

	t.Run("attach fails", func(t *testing.T) {
		vol := templateVolume(OperationAttach)
		err := newTestPoller().Wait(context.Background(), OperationAttach, vol, refresh, time.Minute)

		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestWaitEventuallyConsistentCreate(t *testing.T) {
	vol := templateVolume(OperationCreate)
	sequence := []types.VolumeStatus{types.StatusGone, types.StatusCreating, types.StatusCreating, types.StatusAvailable}
	calls := 0
	refresh := func(_ context.Context, v *types.Volume) error {
		status := sequence[calls]
		calls++
		if status == types.StatusGone {
			return &ProviderError{NotFound: true}
		}
		v.Status = status
		return nil
	}

	err := newTestPoller().Wait(context.Background(), OperationCreate, vol, refresh, time.Minute)

	require.NoError(t, err)
	assert.Equal(t, len(sequence), calls)
	assert.Equal(t, types.StatusAvailable, vol.Status)
}

func TestWaitRefreshError(t *testing.T) {
	vol := templateVolume(OperationAttach)
	boom := errors.New("connection reset")
	refresh := func(context.Context, *types.Volume) error { return boom }

	err := newTestPoller().Wait(context.Background(), OperationAttach, vol, refresh, time.Minute)

	assert.ErrorIs(t, err, ErrProvider)
	assert.ErrorIs(t, err, boom)
}

func TestWaitContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	vol := templateVolume(OperationAttach)
	refresh := func(_ context.Context, v *types.Volume) error {
		v.Status = types.StatusAttaching
		cancel()
		return nil
	}

	p := newTestPoller()
	p.Interval = time.Hour
	err := p.Wait(ctx, OperationAttach, vol, refresh, 2*time.Hour)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.Canceled)
}

type recordingObserver struct {
	transitions []string
}

func (r *recordingObserver) ProviderRequest(string, string, time.Duration) {}

func (r *recordingObserver) Transition(operation, outcome string, _ time.Duration) {
	r.transitions = append(r.transitions, operation+"/"+outcome)
}

func TestWaitReportsTransitions(t *testing.T) {
	obs := &recordingObserver{}
	p := newTestPoller()
	p.Observer = obs
	calls := 0

	require.NoError(t, p.Wait(context.Background(), OperationCreate, templateVolume(OperationCreate), update(types.StatusAvailable, nil, &calls), time.Minute))
	assert.Error(t, p.Wait(context.Background(), OperationDetach, templateVolume(OperationDetach), update(types.StatusError, nil, &calls), time.Minute))

	assert.Equal(t, []string{"create/success", "detach/invalid_state"}, obs.transitions)
}
