package endpoint

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTriggerLegalTransitions(t *testing.T) {
	cases := []struct {
		doc         string
		from        State
		event       Event
		wantTo      State
		wantMirror  bool
		wantIllegal bool
	}{
		{doc: "unknown queues", from: StateUnknown, event: EventQueue, wantTo: StateQueued},
		{doc: "queued mirrors", from: StateQueued, event: EventMirror, wantTo: StateMirroring},
		{doc: "mirroring goes known", from: StateMirroring, event: EventKnown, wantTo: StateKnown, wantMirror: true},
		{doc: "mirroring to known drops mirror", from: StateMirroring, event: EventKnown, wantTo: StateKnown, wantMirror: true},
		{doc: "reinvestigating to abnormal drops mirror", from: StateReinvestigating, event: EventAbnormal, wantTo: StateAbnormal, wantMirror: true},
		{doc: "known reinvestigates back to queued", from: StateKnown, event: EventReinvestigate, wantTo: StateQueued},
		{doc: "shutdown is sticky", from: StateShutdown, event: EventUnknown, wantIllegal: true},
		{doc: "unknown cannot jump to known", from: StateUnknown, event: EventKnown, wantIllegal: true},
		{doc: "inactive treats mirror as destination hint", from: StateInactive, event: EventMirror, wantTo: StateMirroring},
		{doc: "inactive treats abnormal as destination hint", from: StateInactive, event: EventAbnormal, wantTo: StateAbnormal},
	}

	now := time.Unix(1000, 0)
	for _, c := range cases {
		t.Run(c.doc, func(t *testing.T) {
			e := &Endpoint{name: "e1", state: c.from}
			to, mirrorWasOn, err := e.Trigger(c.event, now)
			if c.wantIllegal {
				require.Error(t, err)
				require.Equal(t, c.from, to)
				return
			}
			require.NoError(t, err)
			require.Equal(t, c.wantTo, to)
			require.Equal(t, c.wantMirror, mirrorWasOn)
			require.Equal(t, c.wantTo, e.State())
		})
	}
}

func TestTriggerAppendsHistory(t *testing.T) {
	e := New("e1", Observation{MAC: "aa:bb:cc:dd:ee:ff"}, time.Unix(100, 0))
	require.Len(t, e.History(), 1)

	_, _, err := e.Trigger(EventQueue, time.Unix(200, 0))
	require.NoError(t, err)
	hist := e.History()
	require.Len(t, hist, 2)
	require.Equal(t, StateQueued, hist[1].State)
	require.Equal(t, int64(200), hist[1].At)
}

func TestForceUnknownRecoversFromIllegalTransition(t *testing.T) {
	e := New("e1", Observation{}, time.Unix(0, 0))
	_, _, err := e.Trigger(EventQueue, time.Unix(1, 0))
	require.NoError(t, err)
	_, _, err = e.Trigger(EventMirror, time.Unix(2, 0))
	require.NoError(t, err)

	_, _, err = e.Trigger(EventQueue, time.Unix(3, 0))
	require.Error(t, err)

	mirrorWasOn := e.ForceUnknown(time.Unix(3, 0))
	require.True(t, mirrorWasOn)
	require.Equal(t, StateUnknown, e.State())
}

func TestRecoverAtStartupRecordsHint(t *testing.T) {
	e := New("e1", Observation{}, time.Unix(0, 0))
	_, _, _ = e.Trigger(EventQueue, time.Unix(1, 0))
	_, _, _ = e.Trigger(EventMirror, time.Unix(2, 0))

	e.RecoverAtStartup(time.Unix(3, 0))

	require.Equal(t, StateInactive, e.State())
	require.Equal(t, EventMirror, e.NextStateHint())
}

func TestRecoverAtStartupIsIdempotentOnAlreadyInactive(t *testing.T) {
	e := New("e1", Observation{}, time.Unix(0, 0))
	_, _, _ = e.Trigger(EventInactive, time.Unix(1, 0))
	e.SetNextStateHint(EventKnown)

	before := e.History()
	e.RecoverAtStartup(time.Unix(2, 0))

	require.Equal(t, StateInactive, e.State())
	require.Equal(t, EventKnown, e.NextStateHint())
	require.Len(t, e.History(), len(before))
}

func TestCloneAndFromEncodedRoundTrip(t *testing.T) {
	e := New("e1", Observation{MAC: "aa:bb:cc:dd:ee:ff", Segment: "sw1"}, time.Unix(0, 0))
	_, _, _ = e.Trigger(EventQueue, time.Unix(1, 0))
	e.AppendACL(ACLEntry{Action: "allow", ACLID: "acl1", AppliedAt: 1})

	enc := e.Clone()
	restored := FromEncoded(enc)

	require.Equal(t, e.Name(), restored.Name())
	require.Equal(t, e.State(), restored.State())
	require.Equal(t, e.History(), restored.History())
	require.Equal(t, e.ACLHistory(), restored.ACLHistory())
}

func TestValidateEventWrapsIllegalTransition(t *testing.T) {
	e := &Endpoint{name: "e1", state: StateShutdown}
	_, _, err := e.Trigger(EventKnown, time.Unix(0, 0))
	require.Error(t, err)

	wrapped := ValidateEvent(err)
	require.Error(t, wrapped)
	require.Contains(t, wrapped.Error(), "programming error")
}

func TestValidateEventPassesThroughOtherErrors(t *testing.T) {
	require.NoError(t, ValidateEvent(nil))
	other := errors.New("boom")
	require.Equal(t, other, ValidateEvent(other))
}
