package voice

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborapp/harbor/backend/go/internal/v1/types"
)

// ringUp starts a call from caller to recipient and returns the call info the
// recipient saw.
func ringUp(t *testing.T, fx *fixture, caller, recipient *fakeSender) types.CallInfo {
	t.Helper()
	fx.hub.handleStartCall(context.Background(), caller, inv(t, MethodStartCall, recipient.User()))
	ev, ok := recipient.last(EventIncomingCall)
	require.True(t, ok, "recipient never rang")
	var info types.CallInfo
	decodeArg(t, ev, 0, &info)
	return info
}

func TestCall_Lifecycle(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice")
	bob := fx.connect(t, "c2", "bob")

	info := ringUp(t, fx, alice, bob)
	assert.Equal(t, 1, alice.count(EventCallStarted), "caller confirmation")
	assert.Equal(t, types.CallRinging, info.Status)
	assert.Equal(t, types.UserID("alice"), info.CallerID)

	alice.reset()
	bob.reset()
	fx.hub.handleAnswerCall(context.Background(), bob, inv(t, MethodAnswerCall, info.ID, true))

	ev, ok := alice.last(EventCallAnswered)
	require.True(t, ok)
	var answered types.CallInfo
	decodeArg(t, ev, 0, &answered)
	assert.Equal(t, types.CallInProgress, answered.Status)
	assert.NotNil(t, answered.AnsweredAt)
	assert.Equal(t, 1, bob.count(EventCallAnswered), "recipient sees the transition too")

	alice.reset()
	bob.reset()
	fx.hub.handleEndCall(context.Background(), alice, inv(t, MethodEndCall, info.ID))

	ev, ok = bob.last(EventCallEnded)
	require.True(t, ok)
	var endedID string
	decodeArg(t, ev, 0, &endedID)
	assert.Equal(t, info.ID, endedID)

	// The index is released; both can call again.
	alice.reset()
	fx.hub.handleStartCall(context.Background(), alice, inv(t, MethodStartCall, bob.User()))
	assert.Equal(t, 0, alice.count(EventVoiceError))
}

func TestCall_Decline(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice")
	bob := fx.connect(t, "c2", "bob")

	info := ringUp(t, fx, alice, bob)
	alice.reset()
	fx.hub.handleAnswerCall(context.Background(), bob, inv(t, MethodAnswerCall, info.ID, false))

	ev, ok := alice.last(EventCallDeclined)
	require.True(t, ok)
	var declined types.CallInfo
	decodeArg(t, ev, 0, &declined)
	assert.Equal(t, types.CallDeclined, declined.Status)
}

func TestCall_OnlyRecipientAnswers(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice")
	bob := fx.connect(t, "c2", "bob")

	info := ringUp(t, fx, alice, bob)
	alice.reset()
	fx.hub.handleAnswerCall(context.Background(), alice, inv(t, MethodAnswerCall, info.ID, true))
	assert.Equal(t, 1, alice.count(EventVoiceError))
}

func TestCall_BusyChecks(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice")
	bob := fx.connect(t, "c2", "bob")
	carol := fx.connect(t, "c3", "carol")

	ringUp(t, fx, alice, bob)

	// Both parties of a ringing call count as busy.
	carol.reset()
	fx.hub.handleStartCall(context.Background(), carol, inv(t, MethodStartCall, bob.User()))
	assert.Equal(t, 1, carol.count(EventVoiceError))

	alice.reset()
	fx.hub.handleStartCall(context.Background(), alice, inv(t, MethodStartCall, carol.User()))
	assert.Equal(t, 1, alice.count(EventVoiceError))

	// Self targets fail fast.
	carol.reset()
	fx.hub.handleStartCall(context.Background(), carol, inv(t, MethodStartCall, carol.User()))
	assert.Equal(t, 1, carol.count(EventVoiceError))
}

func TestCall_OfflineRecipientFails(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice")

	fx.hub.handleStartCall(context.Background(), alice, inv(t, MethodStartCall, types.UserID("ghost")))

	ev, ok := alice.last(EventCallFailed)
	require.True(t, ok)
	var reason string
	decodeArg(t, ev, 1, &reason)
	assert.Equal(t, "User is not online", reason)
	assert.Equal(t, 0, alice.count(EventCallStarted))

	// Nothing lingers in the index; alice can call someone who is online.
	fx.hub.mu.RLock()
	_, busy := fx.hub.callByUser[alice.User()]
	fx.hub.mu.RUnlock()
	assert.False(t, busy)
}

func TestCall_CallerHangupWhileRingingEndsCall(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice")
	bob := fx.connect(t, "c2", "bob")

	info := ringUp(t, fx, alice, bob)
	bob.reset()
	fx.hub.handleEndCall(context.Background(), alice, inv(t, MethodEndCall, info.ID))

	ev, ok := bob.last(EventCallEnded)
	require.True(t, ok)
	var endedID string
	decodeArg(t, ev, 0, &endedID)
	assert.Equal(t, info.ID, endedID)
	assert.Equal(t, 0, bob.count(EventCallMissed), "missed is reserved for the ring timeout")
}

func TestCall_RingTimeout(t *testing.T) {
	fx := newFixture(t)
	fx.cfg.RingTimeout = 20 * time.Millisecond
	alice := fx.connect(t, "c1", "alice")
	bob := fx.connect(t, "c2", "bob")

	ringUp(t, fx, alice, bob)
	alice.reset()

	require.Eventually(t, func() bool {
		ev, ok := alice.last(EventCallMissed)
		if !ok {
			return false
		}
		data, err := json.Marshal(ev.Args[0])
		if err != nil {
			return false
		}
		var got types.CallInfo
		if json.Unmarshal(data, &got) != nil {
			return false
		}
		return got.Status == types.CallMissed
	}, time.Second, 5*time.Millisecond)

	// The slot is free again.
	fx.hub.mu.RLock()
	_, busy := fx.hub.callByUser[alice.User()]
	fx.hub.mu.RUnlock()
	assert.False(t, busy)
}

func TestCall_AudioOnlyWhileInProgress(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice")
	bob := fx.connect(t, "c2", "bob")

	info := ringUp(t, fx, alice, bob)

	// Ringing: no audio yet.
	fx.hub.handleSendCallAudio(context.Background(), alice, inv(t, MethodSendCallAudio, b64("opus")))
	assert.Equal(t, 0, bob.mediaCount(EventReceiveCallAudio))

	fx.hub.handleAnswerCall(context.Background(), bob, inv(t, MethodAnswerCall, info.ID, true))
	fx.hub.handleSendCallAudio(context.Background(), alice, inv(t, MethodSendCallAudio, b64("opus")))
	assert.Equal(t, 1, bob.mediaCount(EventReceiveCallAudio))
	assert.Equal(t, 0, alice.mediaCount(EventReceiveCallAudio))
}

func TestCall_SpeakingStateReachesOtherParty(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice")
	bob := fx.connect(t, "c2", "bob")

	info := ringUp(t, fx, alice, bob)
	fx.hub.handleAnswerCall(context.Background(), bob, inv(t, MethodAnswerCall, info.ID, true))
	bob.reset()

	fx.hub.handleSendCallSpeakingState(context.Background(), alice, inv(t, MethodSendCallSpeakingState, true, 0.5))
	assert.Equal(t, 1, bob.count(EventCallSpeakingState))
}

func TestCall_AnswerReachesEveryRecipientDevice(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice")
	bob := fx.connect(t, "c2", "bob")
	bob2 := fx.connect(t, "c3", "bob")

	info := ringUp(t, fx, alice, bob)
	assert.Equal(t, 1, bob2.count(EventIncomingCall), "every device rings")

	fx.hub.handleAnswerCall(context.Background(), bob, inv(t, MethodAnswerCall, info.ID, true))
	assert.Equal(t, 1, bob2.count(EventCallAnswered), "the other device learns the call was picked up")
	assert.Equal(t, 1, alice.count(EventCallAnswered))
}

func TestCall_DisconnectEndsCallUnlessAnotherDevice(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice")
	bob := fx.connect(t, "c2", "bob")

	info := ringUp(t, fx, alice, bob)
	fx.hub.handleAnswerCall(context.Background(), bob, inv(t, MethodAnswerCall, info.ID, true))

	// Bob has a second device; dropping one keeps the call alive.
	bob2 := fx.connect(t, "c3", "bob")
	fx.hub.OnDisconnect(context.Background(), bob, bob.User())
	fx.hub.mu.RLock()
	_, active := fx.hub.calls[info.ID]
	fx.hub.mu.RUnlock()
	assert.True(t, active)

	// Alice's only connection dropping ends it.
	fx.reg.Remove(bob2.ID())
	fx.hub.OnDisconnect(context.Background(), alice, alice.User())
	fx.hub.mu.RLock()
	_, active = fx.hub.calls[info.ID]
	fx.hub.mu.RUnlock()
	assert.False(t, active)
}
