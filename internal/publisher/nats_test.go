package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bus-tracker/internal/fleet"
	"bus-tracker/internal/gtfs"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	msgs []published
	fail map[string]bool
}

func (f *fakeConn) Publish(subj string, data []byte) error {
	if f.fail[subj] {
		return errors.New("nats: connection closed")
	}
	f.msgs = append(f.msgs, published{subj, data})
	return nil
}

type countingMetrics struct{ ok, failed int }

func (m *countingMetrics) NATSPublishedInc()            { m.ok++ }
func (m *countingMetrics) NATSPublishErrInc()           { m.failed++ }
func (m *countingMetrics) PublishObserve(time.Duration) {}
func (m *countingMetrics) NATSSetConnected(bool)        {}

func TestSubjectToken(t *testing.T) {
	tests := []struct{ in, want string }{
		{"30300001", "30300001"},
		{" 102 Express ", "102_Express"},
		{"a.b", "a_b"},
		{"x>*/y", "x___y"},
		{"", "_"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, subjectToken(tt.in), "input %q", tt.in)
	}
}

func testSnapshot() fleet.Snapshot {
	follow := fleet.MakeKey("r1", "v2")
	return fleet.Snapshot{
		Epoch:       9,
		ID:          uuid.MustParse("6f1b2a53-8d0e-4c1b-9f2e-0f8a3b9d6c11"),
		GeneratedAt: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC),
		Vehicles: map[fleet.Key]fleet.Entry{
			fleet.MakeKey("r1", "v2"):     {Lat: 36.35, Lon: 127.38, RouteID: "r1", ETAMinutes: gtfs.IntPtr(3)},
			fleet.MakeKey("r1", "v1"):     {Lat: 36.36, Lon: 127.39, RouteID: "r1", Coasting: true},
			fleet.MakeKey("r 2", "bus.7"): {RouteID: "r 2"},
		},
		Followed: follow,
	}
}

func TestPublishSnapshot(t *testing.T) {
	fc := &fakeConn{}
	m := &countingMetrics{}
	p := newPublisher(fc, "tracker", false, m)

	require.NoError(t, p.PublishSnapshot(context.Background(), testSnapshot()))
	require.Len(t, fc.msgs, 4)

	subjects := []string{fc.msgs[0].subject, fc.msgs[1].subject, fc.msgs[2].subject, fc.msgs[3].subject}
	assert.Equal(t, []string{"tracker.r_2.bus_7", "tracker.r1.v1", "tracker.r1.v2", "tracker.snapshot"}, subjects)
	assert.Equal(t, 4, m.ok)

	var vm VehicleMessage
	require.NoError(t, json.Unmarshal(fc.msgs[2].data, &vm))
	assert.Equal(t, "v2", vm.VehicleID)
	assert.True(t, vm.Followed)
	assert.Equal(t, uint64(9), vm.Epoch)
	require.NotNil(t, vm.Vehicle.ETAMinutes)
	assert.Equal(t, 3, *vm.Vehicle.ETAMinutes)

	var sm SnapshotMessage
	require.NoError(t, json.Unmarshal(fc.msgs[3].data, &sm))
	assert.Equal(t, 3, sm.Vehicles)
	assert.Equal(t, 1, sm.Coasting)
	assert.Equal(t, fleet.MakeKey("r1", "v2"), sm.Followed)
}

func TestPublishSnapshotJoinsFailures(t *testing.T) {
	fc := &fakeConn{fail: map[string]bool{"tracker.r1.v1": true}}
	m := &countingMetrics{}
	p := newPublisher(fc, "tracker", true, m)

	err := p.PublishSnapshot(context.Background(), testSnapshot())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "r1#v1")
	assert.Len(t, fc.msgs, 3)
	assert.Equal(t, 1, m.failed)
}

func TestPublishSnapshotCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fc := &fakeConn{}
	err := newPublisher(fc, "tracker", false, nil).PublishSnapshot(ctx, testSnapshot())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, fc.msgs)
}
