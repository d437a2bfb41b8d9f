package voice

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalling_ForwardsWithinSharedChannel(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice")
	bob := fx.connect(t, "c2", "bob")
	fx.joinChannel(t, alice, "lounge")
	fx.joinChannel(t, bob, "lounge")
	bob.reset()

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	fx.hub.handleSendOffer(context.Background(), alice, inv(t, MethodSendOffer, bob.ID(), offer))

	require.Equal(t, 1, bob.count(EventReceiveOffer))
	ev, _ := bob.last(EventReceiveOffer)
	var payload map[string]string
	decodeArg(t, ev, 1, &payload)
	assert.Equal(t, "offer", payload["type"], "payload passes through untouched")

	fx.hub.handleSendAnswer(context.Background(), bob, inv(t, MethodSendAnswer, alice.ID(), offer))
	assert.Equal(t, 1, alice.count(EventReceiveAnswer))

	fx.hub.handleSendIceCandidate(context.Background(), alice, inv(t, MethodSendIceCandidate, bob.ID(), offer))
	assert.Equal(t, 1, bob.count(EventReceiveIceCandidate))
}

func TestSignalling_DropsWithoutSharedContext(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice")
	bob := fx.connect(t, "c2", "bob")
	fx.joinChannel(t, alice, "lounge")
	fx.joinChannel(t, bob, "gaming")
	bob.reset()

	fx.hub.handleSendOffer(context.Background(), alice,
		inv(t, MethodSendOffer, bob.ID(), json.RawMessage(`{}`)))
	assert.Equal(t, 0, bob.count(EventReceiveOffer))
}

func TestSignalling_SharedCallCounts(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice")
	bob := fx.connect(t, "c2", "bob")

	info := ringUp(t, fx, alice, bob)
	fx.hub.handleAnswerCall(context.Background(), bob, inv(t, MethodAnswerCall, info.ID, true))
	bob.reset()

	fx.hub.handleSendOffer(context.Background(), alice,
		inv(t, MethodSendOffer, bob.ID(), json.RawMessage(`{}`)))
	assert.Equal(t, 1, bob.count(EventReceiveOffer))
}

func TestSignalling_SelfTargetIgnored(t *testing.T) {
	fx := newFixture(t)
	alice := fx.connect(t, "c1", "alice")
	fx.joinChannel(t, alice, "lounge")
	alice.reset()

	fx.hub.handleSendOffer(context.Background(), alice,
		inv(t, MethodSendOffer, alice.ID(), json.RawMessage(`{}`)))
	assert.Equal(t, 0, alice.count(EventReceiveOffer))
}
