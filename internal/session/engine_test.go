package session

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

	"github.com/Timolanda/Micall-sub001/internal/evidence"
	"github.com/Timolanda/Micall-sub001/internal/models"
	"github.com/Timolanda/Micall-sub001/internal/negotiation"
	"github.com/Timolanda/Micall-sub001/internal/presence"
	"github.com/Timolanda/Micall-sub001/internal/ptt"
	"github.com/Timolanda/Micall-sub001/internal/relay"
)

type memStore struct {
	mu          sync.Mutex
	sessions    map[uuid.UUID]*models.Session
	createDelay time.Duration
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[uuid.UUID]*models.Session)}
}

func (s *memStore) Create(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	delay := s.createDelay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, errors.New("no rows")
	}
	cp := *sess
	return &cp, nil
}

func (s *memStore) MarkLive(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok && sess.Status == models.SessionStatusPending {
		sess.Status = models.SessionStatusLive
	}
	return nil
}

func (s *memStore) UpdatePeakViewers(_ context.Context, id uuid.UUID, peak int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok && peak > sess.PeakViewers {
		sess.PeakViewers = peak
	}
	return nil
}

func (s *memStore) End(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok && sess.Status != models.SessionStatusEnded {
		sess.Status = models.SessionStatusEnded
		now := time.Now()
		sess.EndedAt = &now
	}
	return nil
}

func (s *memStore) get(id uuid.UUID) models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.sessions[id]
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

type memLog struct {
	mu     sync.Mutex
	joins  []string
	leaves []string
}

func (l *memLog) LogJoin(_ context.Context, _, participantID uuid.UUID, role string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.joins = append(l.joins, role+":"+participantID.String())
	return nil
}

func (l *memLog) LogLeave(_ context.Context, _, participantID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.leaves = append(l.leaves, participantID.String())
	return nil
}

type stubTransport struct {
	mu            sync.Mutex
	remoteOffers  []string
	remoteAnswers []string
	candidates    []string
	closed        bool
	onState       func(negotiation.TransportState)
}

func (f *stubTransport) CreateOffer(context.Context) (string, error)  { return "offer-sdp", nil }
func (f *stubTransport) CreateAnswer(context.Context) (string, error) { return "answer-sdp", nil }

func (f *stubTransport) ApplyRemoteOffer(sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteOffers = append(f.remoteOffers, sdp)
	return nil
}

func (f *stubTransport) ApplyRemoteAnswer(sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteAnswers = append(f.remoteAnswers, sdp)
	return nil
}

func (f *stubTransport) ApplyRemoteCandidate(c string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *stubTransport) AddLocalMedia(negotiation.Capture) error { return nil }
func (f *stubTransport) OnLocalCandidate(func(string))           {}

func (f *stubTransport) OnStateChange(fn func(negotiation.TransportState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

func (f *stubTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *stubTransport) fire(s negotiation.TransportState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// transportSet hands out transports and remembers them in creation order.
type transportSet struct {
	mu   sync.Mutex
	list []*stubTransport
}

func (ts *transportSet) factory() (negotiation.Transport, error) {
	t := &stubTransport{}
	ts.mu.Lock()
	ts.list = append(ts.list, t)
	ts.mu.Unlock()
	return t, nil
}

func (ts *transportSet) at(i int) *stubTransport {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.list[i]
}

type stubCapture struct {
	mu     sync.Mutex
	audio  bool
	video  bool
	closed bool
}

func (c *stubCapture) SetAudioEnabled(v bool) { c.mu.Lock(); c.audio = v; c.mu.Unlock() }
func (c *stubCapture) SetVideoEnabled(v bool) { c.mu.Lock(); c.video = v; c.mu.Unlock() }
func (c *stubCapture) AudioEnabled() bool     { c.mu.Lock(); defer c.mu.Unlock(); return c.audio }
func (c *stubCapture) VideoEnabled() bool     { c.mu.Lock(); defer c.mu.Unlock(); return c.video }

func (c *stubCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *stubCapture) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type nullBlobs struct{}

func (nullBlobs) WriteObject(context.Context, string, []byte, string) error { return nil }
func (nullBlobs) SignedURL(context.Context, string, time.Duration) (string, error) {
	return "", nil
}
func (nullBlobs) DeleteObject(context.Context, string) error { return nil }

type nullMeta struct{}

func (nullMeta) Create(context.Context, *models.EvidenceChunk) error { return nil }
func (nullMeta) UpdateStatus(context.Context, uuid.UUID, string, int, string) error {
	return nil
}
func (nullMeta) MarkUploaded(context.Context, uuid.UUID, string, int64, time.Time) error {
	return nil
}
func (nullMeta) GetByID(context.Context, uuid.UUID) (*models.EvidenceChunk, error) {
	return nil, errors.New("no rows")
}
func (nullMeta) ListBySession(context.Context, uuid.UUID) ([]models.EvidenceChunk, error) {
	return nil, nil
}

type testRig struct {
	engine   *Engine
	bus      *relay.MemoryBus
	store    *memStore
	plog     *memLog
	ts       *transportSet
	uploader *evidence.Uploader
	capture  *stubCapture
}

func newTestRig(t *testing.T, locator Locator) *testRig {
	t.Helper()
	bus := relay.NewMemoryBus()
	store := newMemStore()
	plog := &memLog{}
	ts := &transportSet{}
	capture := &stubCapture{audio: true, video: true}
	tracker := presence.NewTracker(presence.Config{}, zap.NewNop())
	uploader := evidence.NewUploader(nullBlobs{}, nullMeta{}, evidence.UploaderConfig{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go uploader.Run(ctx)
	t.Cleanup(cancel)

	cfg := Config{
		Relay:             relay.Config{OutboxLimit: 8},
		PTT:               ptt.Config{ReceiveTimeout: 50 * time.Millisecond},
		AnswerTimeout:     30 * time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
		DisconnectGrace:   100 * time.Millisecond,
		FlushInterval:     time.Hour, // chunks cut on End only
	}
	eng := NewEngine(cfg, bus, store, plog, locator, tracker, uploader,
		ts.factory, func() (negotiation.Capture, error) { return capture, nil }, zap.NewNop())
	return &testRig{engine: eng, bus: bus, store: store, plog: plog, ts: ts, uploader: uploader, capture: capture}
}

func TestActivateCreatesLiveSessionWithLocation(t *testing.T) {
	rig := newTestRig(t, StaticLocator{Loc: models.Location{Latitude: 51.5, Longitude: -0.12, Accuracy: 8}})
	broadcaster := uuid.New()

	sess, err := rig.engine.Activate(context.Background(), broadcaster)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusLive, sess.Status)
	require.NotNil(t, sess.Location)
	assert.Equal(t, 51.5, sess.Location.Latitude)

	// Re-activation while live returns the same session.
	again, err := rig.engine.Activate(context.Background(), broadcaster)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, again.ID)

	rig.plog.mu.Lock()
	defer rig.plog.mu.Unlock()
	assert.Equal(t, []string{"broadcaster:" + broadcaster.String()}, rig.plog.joins)
}

func TestConcurrentActivateCreatesSingleSession(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.store.mu.Lock()
	rig.store.createDelay = 20 * time.Millisecond // widen the activation window
	rig.store.mu.Unlock()
	broadcaster := uuid.New()

	const bursts = 4
	ids := make([]uuid.UUID, bursts)
	var wg sync.WaitGroup
	for i := 0; i < bursts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := rig.engine.Activate(context.Background(), broadcaster)
			if assert.NoError(t, err) {
				ids[i] = sess.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, rig.store.count())
}

func TestBroadcasterDisconnectEndsSessionAfterGrace(t *testing.T) {
	rig := newTestRig(t, nil)
	broadcaster := uuid.New()
	sess, err := rig.engine.Activate(context.Background(), broadcaster)
	require.NoError(t, err)

	// Kill the transport both ways: heartbeats flip the client to
	// disconnected, and resubscription keeps failing.
	rig.bus.SetPublishErr(errors.New("down"))
	rig.bus.SetSubscribeErr(errors.New("down"))

	require.Eventually(t, func() bool {
		return rig.store.get(sess.ID).Status == models.SessionStatusEnded
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, rig.capture.isClosed())
	_, live := rig.engine.Broadcast(sess.ID)
	assert.False(t, live)
}

func TestLocatorFailureDegradesToNoLocation(t *testing.T) {
	rig := newTestRig(t, LocatorFunc(func(context.Context) (*models.Location, error) {
		return nil, errors.New("gps denied")
	}))

	sess, err := rig.engine.Activate(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusLive, sess.Status)
	assert.Nil(t, sess.Location)
}

func TestJoinEndedSessionRejected(t *testing.T) {
	rig := newTestRig(t, nil)
	broadcaster := uuid.New()
	sess, err := rig.engine.Activate(context.Background(), broadcaster)
	require.NoError(t, err)
	require.NoError(t, rig.engine.End(context.Background(), sess.ID, broadcaster))

	_, err = rig.engine.Join(context.Background(), sess.ID, uuid.New())
	assert.ErrorIs(t, err, ErrSessionEnded)

	_, err = rig.engine.Join(context.Background(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestEndRequiresBroadcaster(t *testing.T) {
	rig := newTestRig(t, nil)
	broadcaster := uuid.New()
	sess, err := rig.engine.Activate(context.Background(), broadcaster)
	require.NoError(t, err)

	assert.ErrorIs(t, rig.engine.End(context.Background(), sess.ID, uuid.New()), ErrNotBroadcaster)
	require.NoError(t, rig.engine.End(context.Background(), sess.ID, broadcaster))
	assert.ErrorIs(t, rig.engine.End(context.Background(), sess.ID, broadcaster), ErrSessionEnded)
}

func TestBroadcastWithTwoViewers(t *testing.T) {
	rig := newTestRig(t, nil)
	broadcaster, v1ID, v2ID := uuid.New(), uuid.New(), uuid.New()

	var evMu sync.Mutex
	var events []Event
	rig.engine.SetEventHandler(func(ev Event) {
		evMu.Lock()
		events = append(events, ev)
		evMu.Unlock()
	})

	sess, err := rig.engine.Activate(context.Background(), broadcaster)
	require.NoError(t, err)
	b, ok := rig.engine.Broadcast(sess.ID)
	require.True(t, ok)

	// First responder joins; the broadcaster negotiates toward them.
	v1, err := rig.engine.Join(context.Background(), sess.ID, v1ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, ok := b.ViewerState(v1ID)
		return ok && s == negotiation.StateOfferSent
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return v1.State() == negotiation.StateAnswerSent }, time.Second, time.Millisecond)

	// Transport order: v1's at 0, broadcaster's toward v1 at 1.
	rig.ts.at(1).fire(negotiation.TransportConnected)
	rig.ts.at(0).fire(negotiation.TransportConnected)
	require.Eventually(t, func() bool {
		s, _ := b.ViewerState(v1ID)
		return s == negotiation.StateConnected
	}, time.Second, time.Millisecond)

	v2, err := rig.engine.Join(context.Background(), sess.ID, v2ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, ok := b.ViewerState(v2ID)
		return ok && s != negotiation.StateIdle
	}, time.Second, time.Millisecond)
	rig.ts.at(3).fire(negotiation.TransportConnected)
	rig.ts.at(2).fire(negotiation.TransportConnected)

	require.Eventually(t, func() bool {
		_, viewers := rig.engine.Roster(sess.ID)
		return viewers == 2
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return rig.store.get(sess.ID).PeakViewers == 2 }, time.Second, time.Millisecond)

	// One viewer's transport dies; the session and the other viewer are unaffected.
	rig.ts.at(1).fire(negotiation.TransportFailed)
	require.Eventually(t, func() bool {
		s, _ := b.ViewerState(v1ID)
		return s == negotiation.StateFailed
	}, time.Second, time.Millisecond)
	s2, _ := b.ViewerState(v2ID)
	assert.Equal(t, negotiation.StateConnected, s2)
	assert.False(t, rig.capture.isClosed())
	assert.Equal(t, models.SessionStatusLive, rig.store.get(sess.ID).Status)

	// Broadcaster ends the session: viewers are notified, capture released,
	// final evidence chunk cut, record closed. Peak viewers survives the end.
	b.Recorder().Write([]byte("footage"))
	var endedMu sync.Mutex
	v2Ended := false
	v2.SetEndedHandler(func() {
		endedMu.Lock()
		v2Ended = true
		endedMu.Unlock()
	})
	require.NoError(t, rig.engine.End(context.Background(), sess.ID, broadcaster))

	assert.True(t, rig.capture.isClosed())
	final := rig.store.get(sess.ID)
	assert.Equal(t, models.SessionStatusEnded, final.Status)
	assert.NotNil(t, final.EndedAt)
	assert.Equal(t, 2, final.PeakViewers)
	require.Eventually(t, func() bool {
		endedMu.Lock()
		defer endedMu.Unlock()
		return v2Ended
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return rig.uploader.PendingCount() == 0 }, time.Second, time.Millisecond)

	evMu.Lock()
	defer evMu.Unlock()
	var sawEnded bool
	for _, ev := range events {
		if ev.Type == EventSessionEnded && ev.SessionID == sess.ID {
			sawEnded = true
		}
	}
	assert.True(t, sawEnded)
}

func TestViewerLeaveLogsDeparture(t *testing.T) {
	rig := newTestRig(t, nil)
	broadcaster, viewerID := uuid.New(), uuid.New()
	sess, err := rig.engine.Activate(context.Background(), broadcaster)
	require.NoError(t, err)

	v, err := rig.engine.Join(context.Background(), sess.ID, viewerID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, viewers := rig.engine.Roster(sess.ID)
		return viewers == 1
	}, time.Second, time.Millisecond)

	v.Leave(context.Background())
	v.Leave(context.Background()) // idempotent
	require.Eventually(t, func() bool {
		_, viewers := rig.engine.Roster(sess.ID)
		return viewers == 0
	}, time.Second, time.Millisecond)

	rig.plog.mu.Lock()
	defer rig.plog.mu.Unlock()
	assert.Equal(t, []string{viewerID.String()}, rig.plog.leaves)
}
