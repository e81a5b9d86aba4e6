package ptt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Timolanda/Micall-sub001/internal/models"
	"github.com/Timolanda/Micall-sub001/internal/relay"
)

func newRelay(t *testing.T, bus relay.Bus, role string) (*Relay, *relay.Client, uuid.UUID) {
	t.Helper()
	sessionID := uuid.New()
	client := relay.NewClient(bus, relay.Config{OutboxLimit: 8}, uuid.New(), role, zap.NewNop())
	return New(client, sessionID, Config{ReceiveTimeout: 20 * time.Millisecond}, zap.NewNop()), client, sessionID
}

func TestTransmitMutualExclusion(t *testing.T) {
	r, _, _ := newRelay(t, relay.NewMemoryBus(), models.RoleViewer)

	require.NoError(t, r.StartTransmit())
	assert.ErrorIs(t, r.StartTransmit(), ErrTransmitActive)
	assert.True(t, r.State().Transmitting)

	_, err := r.StopTransmit(context.Background())
	require.NoError(t, err)
	assert.False(t, r.State().Transmitting)
	require.NoError(t, r.StartTransmit())
}

func TestStopWithoutStartIsHandledNoOp(t *testing.T) {
	r, _, _ := newRelay(t, relay.NewMemoryBus(), models.RoleViewer)
	_, err := r.StopTransmit(context.Background())
	assert.ErrorIs(t, err, ErrNoTransmission)
}

func TestStartTransmitRequiresConnection(t *testing.T) {
	bus := relay.NewMemoryBus()
	r, client, sessionID := newRelay(t, bus, models.RoleViewer)

	// Force the client into disconnected by failing a publish.
	bus.SetPublishErr(errors.New("down"))
	require.NoError(t, client.Publish(context.Background(), sessionID, relay.Envelope{Kind: relay.KindHeartbeat}))
	require.False(t, client.Connected())

	assert.ErrorIs(t, r.StartTransmit(), ErrNotConnected)
}

func TestBurstProducesExactlyOneFrameWithAllAudio(t *testing.T) {
	bus := relay.NewMemoryBus()
	r, client, sessionID := newRelay(t, bus, models.RoleBroadcaster)

	var mu sync.Mutex
	var frames []models.PushToTalkFrame
	_, err := bus.Subscribe(context.Background(), relay.Topic(sessionID), func(payload []byte) {
		env, err := relay.Decode(payload)
		if err != nil || env.Kind != relay.KindPTTFrame {
			return
		}
		mu.Lock()
		frames = append(frames, *env.Frame)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, r.StartTransmit())
	require.NoError(t, r.AppendAudio([]byte("first ")))
	require.NoError(t, r.AppendAudio([]byte("second ")))
	require.NoError(t, r.AppendAudio([]byte("third")))
	frame, err := r.StopTransmit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []byte("first second third"), frame.Audio)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, client.ParticipantID(), frames[0].SenderID)
	assert.Equal(t, models.RoleBroadcaster, frames[0].SenderRole)
	assert.Equal(t, []byte("first second third"), frames[0].Audio)
}

func TestAppendOutsideTransmissionRejected(t *testing.T) {
	r, _, _ := newRelay(t, relay.NewMemoryBus(), models.RoleViewer)
	assert.ErrorIs(t, r.AppendAudio([]byte("x")), ErrNoTransmission)
}

func TestReceiveInvokesPlaybackAndAutoClears(t *testing.T) {
	r, _, sessionID := newRelay(t, relay.NewMemoryBus(), models.RoleViewer)

	var mu sync.Mutex
	var played []models.PushToTalkFrame
	var playedVolume int
	r.SetPlayback(func(f models.PushToTalkFrame, volume int) {
		mu.Lock()
		played = append(played, f)
		playedVolume = volume
		mu.Unlock()
	})
	require.NoError(t, r.SetPlaybackVolume(40))

	sender := uuid.New()
	r.HandleFrame(relay.Envelope{
		Kind:      relay.KindPTTFrame,
		SessionID: sessionID,
		SenderID:  sender,
		Role:      models.RoleViewer,
		Frame:     &models.PushToTalkFrame{SessionID: sessionID, SenderID: sender, Audio: []byte("help")},
	})

	s := r.State()
	assert.True(t, s.Receiving)
	assert.Equal(t, sender, s.ReceivingFrom)
	mu.Lock()
	require.Len(t, played, 1)
	assert.Equal(t, 40, playedVolume)
	mu.Unlock()

	// Safety net: receiving clears on its own without an end-of-transmission signal.
	require.Eventually(t, func() bool { return !r.State().Receiving }, time.Second, time.Millisecond)
}

func TestOwnFramesIgnored(t *testing.T) {
	r, client, sessionID := newRelay(t, relay.NewMemoryBus(), models.RoleViewer)
	var played int
	r.SetPlayback(func(models.PushToTalkFrame, int) { played++ })

	r.HandleFrame(relay.Envelope{
		Kind:      relay.KindPTTFrame,
		SessionID: sessionID,
		SenderID:  client.ParticipantID(),
		Frame:     &models.PushToTalkFrame{Audio: []byte("echo")},
	})
	assert.False(t, r.State().Receiving)
	assert.Zero(t, played)
}

func TestVolumeValidationAndLocality(t *testing.T) {
	bus := relay.NewMemoryBus()
	r, _, sessionID := newRelay(t, bus, models.RoleViewer)

	assert.Error(t, r.SetPlaybackVolume(-1))
	assert.Error(t, r.SetPlaybackVolume(101))
	require.NoError(t, r.SetPlaybackVolume(0))
	assert.Equal(t, 0, r.State().Volume)

	// Muted playback must not change what is transmitted.
	var mu sync.Mutex
	var got []byte
	_, err := bus.Subscribe(context.Background(), relay.Topic(sessionID), func(payload []byte) {
		env, err := relay.Decode(payload)
		if err != nil || env.Kind != relay.KindPTTFrame {
			return
		}
		mu.Lock()
		got = env.Frame.Audio
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, r.StartTransmit())
	require.NoError(t, r.AppendAudio([]byte("loud and clear")))
	_, err = r.StopTransmit(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(got) == "loud and clear"
	}, time.Second, time.Millisecond)
}
