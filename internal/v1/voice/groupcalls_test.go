package voice

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborapp/harbor/backend/go/internal/v1/types"
)

// startGroupCall starts a call as s and returns its id.
func startGroupCall(t *testing.T, fx *fixture, s *fakeSender, name string, invitees ...types.UserID) string {
	t.Helper()
	fx.hub.handleStartGroupCall(context.Background(), s, inv(t, MethodStartGroupCall, name, invitees))
	ev, ok := s.last(EventGroupCallStarted)
	require.True(t, ok, "group call did not start")
	var info types.GroupCallInfo
	decodeArg(t, ev, 0, &info)
	return info.ID
}

func TestGroupCall_StartInvitesUsers(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice")
	bob := fx.connect(t, "c2", "bob")
	carol := fx.connect(t, "c3", "carol")

	startGroupCall(t, fx, alice, "standup", "bob")

	assert.Equal(t, 1, bob.count(EventGroupCallInvite))
	assert.Equal(t, 0, carol.count(EventGroupCallInvite))
}

func TestGroupCall_BlankNameDefaultsToHost(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice")

	fx.hub.handleStartGroupCall(context.Background(), alice, inv(t, MethodStartGroupCall, "  "))
	ev, ok := alice.last(EventGroupCallStarted)
	require.True(t, ok)
	var info types.GroupCallInfo
	decodeArg(t, ev, 0, &info)
	assert.Equal(t, "alice's call", info.Name)
}

func TestGroupCall_JoinIsInviteGated(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice")
	bob := fx.connect(t, "c2", "bob")
	carol := fx.connect(t, "c3", "carol")

	callID := startGroupCall(t, fx, alice, "private", "bob")

	carol.reset()
	fx.hub.handleJoinGroupCall(context.Background(), carol, inv(t, MethodJoinGroupCall, callID))
	assert.Equal(t, 1, carol.count(EventVoiceError))

	bob.reset()
	fx.hub.handleJoinGroupCall(context.Background(), bob, inv(t, MethodJoinGroupCall, callID))
	assert.Equal(t, 1, bob.count(EventGroupCallUpdated))
}

func TestGroupCall_OpenCallAdmitsAnyone(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice")
	bob := fx.connect(t, "c2", "bob")

	callID := startGroupCall(t, fx, alice, "open mic")

	fx.hub.handleJoinGroupCall(context.Background(), bob, inv(t, MethodJoinGroupCall, callID))
	assert.Equal(t, 1, bob.count(EventGroupCallUpdated))
}

func TestGroupCall_StartsInStartingState(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice")
	bob := fx.connect(t, "c2", "bob")

	callID := startGroupCall(t, fx, alice, "warmup", "bob")

	g, ok := fx.hub.groupCall(callID)
	require.True(t, ok)
	g.mu.RLock()
	status := g.info.Status
	g.mu.RUnlock()
	assert.Equal(t, types.GroupCallStarting, status, "no one has joined yet")

	// The first join flips the call to active.
	fx.hub.handleJoinGroupCall(context.Background(), bob, inv(t, MethodJoinGroupCall, callID))
	ev, ok := bob.last(EventGroupCallUpdated)
	require.True(t, ok)
	var info types.GroupCallInfo
	decodeArg(t, ev, 0, &info)
	assert.Equal(t, types.GroupCallActive, info.Status)
}

func TestGroupCall_HostLeavingEndsCall(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice")
	bob := fx.connect(t, "c2", "bob")

	callID := startGroupCall(t, fx, alice, "brief", "bob")
	fx.hub.handleJoinGroupCall(context.Background(), bob, inv(t, MethodJoinGroupCall, callID))
	bob.reset()

	fx.hub.handleLeaveGroupCall(context.Background(), alice, inv(t, MethodLeaveGroupCall))

	require.Equal(t, 1, bob.count(EventGroupCallEnded))
	ev, _ := bob.last(EventGroupCallEnded)
	var reason string
	decodeArg(t, ev, 1, &reason)
	assert.Equal(t, "Host left the call", reason)

	_, ok := fx.hub.groupCall(callID)
	assert.False(t, ok)
	assert.False(t, fx.groups.Contains(types.GroupCallGroup(callID), bob.ID()),
		"remaining members are released from the fan-out group")
}

func TestGroupCall_ParticipantLeavingKeepsCall(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice")
	bob := fx.connect(t, "c2", "bob")

	callID := startGroupCall(t, fx, alice, "open")
	fx.hub.handleJoinGroupCall(context.Background(), bob, inv(t, MethodJoinGroupCall, callID))
	alice.reset()

	fx.hub.handleLeaveGroupCall(context.Background(), bob, inv(t, MethodLeaveGroupCall))

	assert.Equal(t, 1, alice.count(EventGroupCallUserLeft))
	assert.Equal(t, 0, alice.count(EventGroupCallEnded))
	_, ok := fx.hub.groupCall(callID)
	assert.True(t, ok)
}

func TestGroupCall_MidCallInvite(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice")
	bob := fx.connect(t, "c2", "bob")
	carol := fx.connect(t, "c3", "carol")

	callID := startGroupCall(t, fx, alice, "growing", "bob")
	fx.hub.handleJoinGroupCall(context.Background(), bob, inv(t, MethodJoinGroupCall, callID))

	// Any participant may invite.
	fx.hub.handleInviteToGroupCall(context.Background(), bob, inv(t, MethodInviteToGroupCall, callID, carol.User()))
	require.Equal(t, 1, carol.count(EventGroupCallInvite))

	fx.hub.handleJoinGroupCall(context.Background(), carol, inv(t, MethodJoinGroupCall, callID))
	assert.Equal(t, 1, carol.count(EventGroupCallUpdated))

	// Outsiders may not invite.
	dave := fx.connect(t, "c4", "dave")
	erin := fx.connect(t, "c5", "erin")
	fx.hub.handleInviteToGroupCall(context.Background(), dave, inv(t, MethodInviteToGroupCall, callID, erin.User()))
	assert.Equal(t, 0, erin.count(EventGroupCallInvite))
}

func TestGroupCall_DeclineNotifiesHost(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice")
	bob := fx.connect(t, "c2", "bob")
	alice.reset()

	callID := startGroupCall(t, fx, alice, "declined", "bob")
	fx.hub.handleDeclineGroupCall(context.Background(), bob, inv(t, MethodDeclineGroupCall, callID))

	require.Equal(t, 1, alice.count(EventGroupCallInviteDeclined))

	// A second decline from the same user is a no-op.
	alice.reset()
	fx.hub.handleDeclineGroupCall(context.Background(), bob, inv(t, MethodDeclineGroupCall, callID))
	assert.Equal(t, 0, alice.count(EventGroupCallInviteDeclined))
}
