package chat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborapp/harbor/backend/go/internal/v1/types"
)

func TestHub_OnAuthenticatedPushesInitialState(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice", types.RoleMember)

	assert.Equal(t, 1, alice.count(EventChannelList))
	assert.Equal(t, 1, alice.count(EventOnlineUsers))
	assert.Equal(t, 1, alice.count(EventChatHistory))

	ev, ok := alice.last(EventChannelList)
	require.True(t, ok)
	var channels []types.ChannelInfo
	decodeArg(t, ev, 0, &channels)
	// Members see general, marketplace and support but no staff channels.
	require.Len(t, channels, 3)
	assert.Equal(t, "general", channels[0].Name)
}

func TestHub_SecondDeviceJoinsQuietly(t *testing.T) {
	fx := newFixture(t)
	bob := fx.connect(t, "c1", "bob", types.RoleMember)
	fx.connect(t, "c2", "alice", types.RoleMember)
	assert.Equal(t, 1, bob.count(EventUserJoined))

	// The same user's extra device does not re-announce.
	fx.connect(t, "c3", "alice", types.RoleMember)
	assert.Equal(t, 1, bob.count(EventUserJoined))
}

func TestHub_SendMessageBroadcastsToChannel(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice", types.RoleMember)
	bob := fx.connect(t, "c2", "bob", types.RoleMember)
	alice.reset()
	bob.reset()

	fx.hub.handleSendMessage(context.Background(), alice, inv(t, MethodSendMessage, "hello there"))

	require.Equal(t, 1, bob.count(EventReceiveMessage))
	require.Equal(t, 1, alice.count(EventReceiveMessage), "sender sees its own message")

	ev, _ := bob.last(EventReceiveMessage)
	var msg types.ChatMessage
	decodeArg(t, ev, 0, &msg)
	assert.Equal(t, "hello there", msg.Content)
	assert.Equal(t, types.UserID("alice"), msg.SenderID)

	history, err := fx.mem.History(context.Background(), "general", 50)
	require.NoError(t, err)
	require.Len(t, history, 3) // two join announcements plus the message
	assert.Equal(t, "hello there", history[2].Content)
}

func TestHub_SendMessageRejectsEmpty(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice", types.RoleMember)
	alice.reset()

	fx.hub.handleSendMessage(context.Background(), alice, inv(t, MethodSendMessage, "   "))

	assert.Equal(t, 0, alice.count(EventReceiveMessage))
	history, err := fx.mem.History(context.Background(), "general", 50)
	require.NoError(t, err)
	assert.Len(t, history, 1, "nothing persisted beyond the join announcement")
}

func TestHub_SendMessageRequiresMembership(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice", types.RoleMember)
	fx.hub.handleLeaveChannel(context.Background(), alice, inv(t, MethodLeaveChannel, "general"))
	alice.reset()

	fx.hub.handleSendMessage(context.Background(), alice, inv(t, MethodSendMessage, "hi"))

	assert.Equal(t, 0, alice.count(EventReceiveMessage))
	assert.Equal(t, 1, alice.count(EventEditError))
}

func TestHub_JoinChannelEnforcesRole(t *testing.T) {
	fx := newFixture(t)
	guest := fx.connect(t, "c1", "visitor", types.RoleGuest)
	guest.reset()

	fx.hub.handleJoinChannel(context.Background(), guest, inv(t, MethodJoinChannel, "moderators"))

	assert.Equal(t, 1, guest.count(EventEditError))
	assert.False(t, fx.groups.Contains(types.ChannelGroup("moderators"), guest.ID()))

	mod := fx.connect(t, "c2", "mod", types.RoleModerator)
	fx.hub.handleJoinChannel(context.Background(), mod, inv(t, MethodJoinChannel, "moderators"))
	assert.True(t, fx.groups.Contains(types.ChannelGroup("moderators"), mod.ID()))
}

func TestHub_EditMessage(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice", types.RoleMember)
	bob := fx.connect(t, "c2", "bob", types.RoleMember)
	fx.hub.handleSendMessage(context.Background(), alice, inv(t, MethodSendMessage, "first draft"))

	history, err := fx.mem.History(context.Background(), "general", 50)
	require.NoError(t, err)
	msgID := history[len(history)-1].ID
	alice.reset()
	bob.reset()

	fx.hub.handleEditMessage(context.Background(), alice, inv(t, MethodEditMessage, msgID, "final draft"))

	require.Equal(t, 1, bob.count(EventMessageEdited))
	ev, _ := bob.last(EventMessageEdited)
	var edited types.ChatMessage
	decodeArg(t, ev, 0, &edited)
	assert.Equal(t, "final draft", edited.Content)
	assert.NotNil(t, edited.EditedAt)
}

func TestHub_EditMessageOnlyAuthor(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice", types.RoleMember)
	bob := fx.connect(t, "c2", "bob", types.RoleMember)
	fx.hub.handleSendMessage(context.Background(), alice, inv(t, MethodSendMessage, "mine"))

	history, _ := fx.mem.History(context.Background(), "general", 50)
	msgID := history[len(history)-1].ID
	bob.reset()

	fx.hub.handleEditMessage(context.Background(), bob, inv(t, MethodEditMessage, msgID, "hijacked"))

	assert.Equal(t, 1, bob.count(EventEditError))
	assert.Equal(t, 0, bob.count(EventMessageEdited))
}

func TestHub_EditMessageWindowClosed(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice", types.RoleMember)
	stale := &types.ChatMessage{
		ID:        "old-msg",
		Channel:   "general",
		SenderID:  "alice",
		Content:   "yesterday",
		Type:      types.MessageText,
		Timestamp: time.Now().UTC().Add(-fx.cfg.EditWindow - time.Minute),
	}
	require.NoError(t, fx.mem.SaveMessage(context.Background(), stale))
	alice.reset()

	fx.hub.handleEditMessage(context.Background(), alice, inv(t, MethodEditMessage, "old-msg", "too late"))

	assert.Equal(t, 1, alice.count(EventEditError))
	got, err := fx.mem.GetMessage(context.Background(), "old-msg")
	require.NoError(t, err)
	assert.Equal(t, "yesterday", got.Content)
}

func TestHub_DeleteMessagePermissions(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice", types.RoleMember)
	bob := fx.connect(t, "c2", "bob", types.RoleMember)
	mod := fx.connect(t, "c3", "mod", types.RoleModerator)
	fx.hub.handleSendMessage(context.Background(), alice, inv(t, MethodSendMessage, "target"))

	history, _ := fx.mem.History(context.Background(), "general", 50)
	msgID := history[len(history)-1].ID

	// Another member may not delete it.
	fx.hub.handleDeleteMessage(context.Background(), bob, inv(t, MethodDeleteMessage, msgID))
	_, err := fx.mem.GetMessage(context.Background(), msgID)
	assert.NoError(t, err)

	// A moderator may.
	mod.reset()
	fx.hub.handleDeleteMessage(context.Background(), mod, inv(t, MethodDeleteMessage, msgID))
	_, err = fx.mem.GetMessage(context.Background(), msgID)
	assert.Error(t, err)
	assert.Equal(t, 1, mod.count(EventMessageDeleted))
}

func TestHub_ReactionsToggleIdempotently(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice", types.RoleMember)
	fx.hub.handleSendMessage(context.Background(), alice, inv(t, MethodSendMessage, "react to me"))

	history, _ := fx.mem.History(context.Background(), "general", 50)
	msgID := history[len(history)-1].ID
	alice.reset()

	fx.hub.handleAddReaction(context.Background(), alice, inv(t, MethodAddReaction, msgID, "👍"))
	fx.hub.handleAddReaction(context.Background(), alice, inv(t, MethodAddReaction, msgID, "👍"))
	assert.Equal(t, 1, alice.count(EventReactionAdded), "re-adding is a no-op")

	ev, _ := alice.last(EventReactionAdded)
	var reactedID, emoji string
	decodeArg(t, ev, 0, &reactedID)
	decodeArg(t, ev, 1, &emoji)
	assert.Equal(t, msgID, reactedID)
	assert.Equal(t, "👍", emoji)

	msg, err := fx.mem.GetMessage(context.Background(), msgID)
	require.NoError(t, err)
	require.Contains(t, msg.Reactions, "👍")
	assert.Equal(t, 1, msg.Reactions["👍"].Count)

	fx.hub.handleRemoveReaction(context.Background(), alice, inv(t, MethodRemoveReaction, msgID, "👍"))
	assert.Equal(t, 1, alice.count(EventReactionRemoved))
	msg, err = fx.mem.GetMessage(context.Background(), msgID)
	require.NoError(t, err)
	assert.NotContains(t, msg.Reactions, "👍", "empty reaction entries are dropped")
}

func TestHub_AcknowledgeMessageConfirmsToCaller(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice", types.RoleMember)
	bob := fx.connect(t, "c2", "bob", types.RoleMember)
	fx.hub.handleSendMessage(context.Background(), alice, inv(t, MethodSendMessage, "seen?"))

	history, _ := fx.mem.History(context.Background(), "general", 50)
	msgID := history[len(history)-1].ID
	alice.reset()
	bob.reset()

	fx.hub.handleAcknowledgeMessage(context.Background(), bob, inv(t, MethodAcknowledgeMessage, msgID))

	require.Equal(t, 1, bob.count(EventMessageAcknowledged))
	assert.Equal(t, 0, alice.count(EventMessageAcknowledged), "the author is not involved")

	ev, _ := bob.last(EventMessageAcknowledged)
	var ackedID string
	var at time.Time
	decodeArg(t, ev, 0, &ackedID)
	decodeArg(t, ev, 1, &at)
	assert.Equal(t, msgID, ackedID)
	assert.WithinDuration(t, time.Now().UTC(), at, time.Minute)

	// Unknown ids are not confirmed.
	bob.reset()
	fx.hub.handleAcknowledgeMessage(context.Background(), bob, inv(t, MethodAcknowledgeMessage, "no-such-message"))
	assert.Equal(t, 0, bob.count(EventMessageAcknowledged))
}

func TestHub_CreateGroupChat(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice", types.RoleMember)
	bob := fx.connect(t, "c2", "bob", types.RoleMember)
	carol := fx.connect(t, "c3", "carol", types.RoleMember)
	alice.reset()
	bob.reset()
	carol.reset()

	fx.hub.handleCreateGroupChat(context.Background(), alice,
		inv(t, MethodCreateGroupChat, "weekend plans", []types.UserID{"bob"}))

	require.Equal(t, 1, alice.count(EventGroupChatCreated))
	assert.Equal(t, 1, bob.count(EventGroupChatCreated))
	assert.Equal(t, 0, carol.count(EventGroupChatCreated), "uninvited users hear nothing")

	ev, _ := alice.last(EventGroupChatCreated)
	var payload GroupChatPayload
	decodeArg(t, ev, 0, &payload)
	assert.Equal(t, "weekend plans", payload.Name)
	assert.Equal(t, types.UserID("alice"), payload.CreatorID)
	assert.True(t, fx.groups.Contains(types.ChannelGroup(payload.Channel), alice.ID()),
		"creator is enrolled immediately")
	assert.True(t, fx.groups.Contains(types.ChannelGroup(payload.Channel), bob.ID()),
		"connected members join the channel without a round trip")
	assert.False(t, fx.groups.Contains(types.ChannelGroup(payload.Channel), carol.ID()))

	// Messages flow to the enrolled member straight away.
	bob.reset()
	fx.hub.handleSendMessage(context.Background(), alice,
		inv(t, MethodSendMessage, "anyone up for hiking?", payload.Channel))
	assert.Equal(t, 1, bob.count(EventReceiveMessage))
}

func TestHub_UpdateUserProfileBroadcasts(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice", types.RoleMember)
	bob := fx.connect(t, "c2", "bob", types.RoleMember)
	bob.reset()

	newName := "Alice in Chains"
	fx.hub.handleUpdateUserProfile(context.Background(), alice,
		inv(t, MethodUpdateUserProfile, types.ProfilePatch{Username: &newName}))

	require.Equal(t, 1, bob.count(EventUserProfileUpdated))
	ev, _ := bob.last(EventUserProfileUpdated)
	var snap types.UserSnapshot
	decodeArg(t, ev, 0, &snap)
	assert.Equal(t, "Alice in Chains", snap.Username)

	got, ok := fx.reg.Snapshot("alice")
	require.True(t, ok)
	assert.Equal(t, "Alice in Chains", got.Username)
}

func TestHub_TypingExcludesSender(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice", types.RoleMember)
	bob := fx.connect(t, "c2", "bob", types.RoleMember)
	alice.reset()
	bob.reset()

	fx.hub.handleSendTyping(context.Background(), alice, inv(t, MethodSendTyping))

	assert.Equal(t, 0, alice.count(EventUserTyping))
	assert.Equal(t, 1, bob.count(EventUserTyping))
}

func TestHub_UserOfflineAnnouncesDeparture(t *testing.T) {
	fx := newFixture(t)
	fx.connect(t, "c1", "alice", types.RoleMember)
	bob := fx.connect(t, "c2", "bob", types.RoleMember)
	bob.reset()

	fx.hub.OnUserOffline(context.Background(), "alice")
	assert.Equal(t, 1, bob.count(EventUserLeft))
}
