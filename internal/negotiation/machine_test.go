package negotiation

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
)

type fakeTransport struct {
	mu             sync.Mutex
	offerSDP       string
	answerSDP      string
	remoteOffers   []string
	remoteAnswers  []string
	candidates     []string
	mediaAdds      int
	closed         bool
	createOfferErr error

	onCandidate func(string)
	onState     func(TransportState)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{offerSDP: "offer-sdp", answerSDP: "answer-sdp"}
}

func (f *fakeTransport) CreateOffer(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createOfferErr != nil {
		return "", f.createOfferErr
	}
	return f.offerSDP, nil
}

func (f *fakeTransport) CreateAnswer(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.answerSDP, nil
}

func (f *fakeTransport) ApplyRemoteOffer(sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteOffers = append(f.remoteOffers, sdp)
	return nil
}

func (f *fakeTransport) ApplyRemoteAnswer(sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteAnswers = append(f.remoteAnswers, sdp)
	return nil
}

func (f *fakeTransport) ApplyRemoteCandidate(c string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeTransport) AddLocalMedia(Capture) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mediaAdds++
	return nil
}

func (f *fakeTransport) OnLocalCandidate(fn func(string)) { f.onCandidate = fn }
func (f *fakeTransport) OnStateChange(fn func(TransportState)) { f.onState = fn }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) appliedCandidates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.candidates))
	copy(out, f.candidates)
	return out
}

type fakeCapture struct{ audio, video bool }

func (c *fakeCapture) SetAudioEnabled(v bool) { c.audio = v }
func (c *fakeCapture) SetVideoEnabled(v bool) { c.video = v }
func (c *fakeCapture) AudioEnabled() bool     { return c.audio }
func (c *fakeCapture) VideoEnabled() bool     { return c.video }
func (c *fakeCapture) Close() error           { return nil }

type sentRecords struct {
	mu   sync.Mutex
	recs []models.NegotiationRecord
}

func (s *sentRecords) send(rec models.NegotiationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

func (s *sentRecords) byKind(k models.NegotiationKind) []models.NegotiationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.NegotiationRecord
	for _, r := range s.recs {
		if r.Kind == k {
			out = append(out, r)
		}
	}
	return out
}

func TestBroadcasterHappyPath(t *testing.T) {
	ft := newFakeTransport()
	var sent sentRecords
	sessionID, selfID, viewerID := uuid.New(), uuid.New(), uuid.New()
	m := NewBroadcaster(sessionID, selfID, viewerID, ft, sent.send, nil, zap.NewNop())

	require.NoError(t, m.StartOffer(context.Background(), &fakeCapture{}))
	assert.Equal(t, StateOfferSent, m.State())
	assert.Equal(t, 1, ft.mediaAdds)

	offers := sent.byKind(models.NegotiationOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, viewerID, offers[0].TargetID)
	assert.Equal(t, "offer-sdp", offers[0].SDP)

	require.NoError(t, m.HandleAnswer(models.NegotiationRecord{
		Kind: models.NegotiationAnswer, SenderID: viewerID, SDP: "viewer-answer",
	}))
	assert.Equal(t, []string{"viewer-answer"}, ft.remoteAnswers)

	ft.onState(TransportConnected)
	assert.Equal(t, StateConnected, m.State())
}

func TestAnswerFromWrongViewerIgnored(t *testing.T) {
	ft := newFakeTransport()
	var sent sentRecords
	m := NewBroadcaster(uuid.New(), uuid.New(), uuid.New(), ft, sent.send, nil, zap.NewNop())
	require.NoError(t, m.StartOffer(context.Background(), &fakeCapture{}))

	require.NoError(t, m.HandleAnswer(models.NegotiationRecord{
		Kind: models.NegotiationAnswer, SenderID: uuid.New(), SDP: "stranger",
	}))
	assert.Empty(t, ft.remoteAnswers)
	assert.Equal(t, StateOfferSent, m.State())
}

func TestCandidateIdempotence(t *testing.T) {
	ft := newFakeTransport()
	var sent sentRecords
	m := NewBroadcaster(uuid.New(), uuid.New(), uuid.New(), ft, sent.send, nil, zap.NewNop())
	require.NoError(t, m.StartOffer(context.Background(), &fakeCapture{}))

	// Any ordering of duplicates is equivalent to applying the set once.
	for _, c := range []string{"cand-a", "cand-b", "cand-a", "cand-a", "cand-b"} {
		require.NoError(t, m.HandleCandidate(models.NegotiationRecord{Kind: models.NegotiationCandidate, Candidate: c}))
	}
	assert.Equal(t, []string{"cand-a", "cand-b"}, ft.appliedCandidates())
}

func TestAnswerTimeoutFailsOnlyThatViewer(t *testing.T) {
	ftA, ftB := newFakeTransport(), newFakeTransport()
	var sent sentRecords
	sessionID, selfID := uuid.New(), uuid.New()
	viewerA, viewerB := uuid.New(), uuid.New()

	var mu sync.Mutex
	states := map[uuid.UUID]State{}
	onState := func(peer uuid.UUID, s State, _ error) {
		mu.Lock()
		states[peer] = s
		mu.Unlock()
	}

	a := NewBroadcaster(sessionID, selfID, viewerA, ftA, sent.send, onState, zap.NewNop())
	b := NewBroadcaster(sessionID, selfID, viewerB, ftB, sent.send, onState, zap.NewNop())
	require.NoError(t, a.StartOffer(context.Background(), &fakeCapture{}))
	require.NoError(t, b.StartOffer(context.Background(), &fakeCapture{}))

	a.SetAnswerTimeout(10 * time.Millisecond)
	require.NoError(t, b.HandleAnswer(models.NegotiationRecord{Kind: models.NegotiationAnswer, SenderID: viewerB, SDP: "b"}))
	ftB.onState(TransportConnected)

	require.Eventually(t, func() bool { return a.State() == StateFailed }, time.Second, time.Millisecond)
	assert.True(t, ftA.closed)
	assert.Equal(t, StateConnected, b.State())
	assert.False(t, ftB.closed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, StateFailed, states[viewerA])
	assert.Equal(t, StateConnected, states[viewerB])
}

func TestViewerAppliesFirstOfferWheneverItArrives(t *testing.T) {
	ft := newFakeTransport()
	var sent sentRecords
	sessionID, selfID, broadcasterID := uuid.New(), uuid.New(), uuid.New()
	m := NewViewer(sessionID, selfID, broadcasterID, ft, sent.send, nil, zap.NewNop())
	assert.Equal(t, StateSubscribed, m.State())
	m.AwaitOffer()
	assert.Equal(t, StateAwaitingOffer, m.State())

	offer := models.NegotiationRecord{
		Kind: models.NegotiationOffer, SenderID: broadcasterID, TargetID: selfID, SDP: "b-offer",
	}
	require.NoError(t, m.HandleOffer(context.Background(), offer))
	assert.Equal(t, StateAnswerSent, m.State())
	assert.Equal(t, []string{"b-offer"}, ft.remoteOffers)

	answers := sent.byKind(models.NegotiationAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, broadcasterID, answers[0].TargetID)

	// A viewer negotiates once; a re-delivered offer is ignored.
	require.NoError(t, m.HandleOffer(context.Background(), offer))
	assert.Len(t, ft.remoteOffers, 1)

	ft.onState(TransportConnected)
	assert.Equal(t, StateConnected, m.State())
}

func TestOfferForAnotherViewerIgnored(t *testing.T) {
	ft := newFakeTransport()
	var sent sentRecords
	m := NewViewer(uuid.New(), uuid.New(), uuid.New(), ft, sent.send, nil, zap.NewNop())
	m.AwaitOffer()

	require.NoError(t, m.HandleOffer(context.Background(), models.NegotiationRecord{
		Kind: models.NegotiationOffer, TargetID: uuid.New(), SDP: "not-for-me",
	}))
	assert.Empty(t, ft.remoteOffers)
	assert.Equal(t, StateAwaitingOffer, m.State())
}

func TestStaleTransportCallbackAfterStopIgnored(t *testing.T) {
	ft := newFakeTransport()
	var sent sentRecords
	m := NewBroadcaster(uuid.New(), uuid.New(), uuid.New(), ft, sent.send, nil, zap.NewNop())
	require.NoError(t, m.StartOffer(context.Background(), &fakeCapture{}))

	m.Stop()
	assert.Equal(t, StateEnded, m.State())
	assert.True(t, ft.closed)

	// The abandoned negotiation resolving late must not resurrect the machine.
	ft.onState(TransportConnected)
	assert.Equal(t, StateEnded, m.State())
	ft.onState(TransportFailed)
	assert.Equal(t, StateEnded, m.State())

	// Candidates after teardown are no-ops too.
	require.NoError(t, m.HandleCandidate(models.NegotiationRecord{Kind: models.NegotiationCandidate, Candidate: "late"}))
	assert.Empty(t, ft.appliedCandidates())
}

func TestOfferFailureSurfacesAsFailed(t *testing.T) {
	ft := newFakeTransport()
	ft.createOfferErr = errors.New("no camera")
	var sent sentRecords
	var gotCause error
	m := NewBroadcaster(uuid.New(), uuid.New(), uuid.New(), ft, sent.send,
		func(_ uuid.UUID, s State, cause error) {
			if s == StateFailed {
				gotCause = cause
			}
		}, zap.NewNop())

	err := m.StartOffer(context.Background(), &fakeCapture{})
	require.Error(t, err)
	assert.Equal(t, StateFailed, m.State())
	require.Error(t, gotCause)

	// Failed is terminal: no retry happens inside the machine.
	assert.ErrorIs(t, m.StartOffer(context.Background(), &fakeCapture{}), ErrTerminal)
}
