package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"vico_home/vicocall/internal/domain"
)

type sentFrame struct {
	Event   string
	Payload any
}

type fakeSignaler struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[string]map[uint64]domain.SignalHandler
	sent     []sentFrame
	sendErr  error
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{handlers: make(map[string]map[uint64]domain.SignalHandler)}
}

func (f *fakeSignaler) Send(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentFrame{Event: event, Payload: payload})
	return f.sendErr
}

func (f *fakeSignaler) On(event string, h domain.SignalHandler) domain.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	if f.handlers[event] == nil {
		f.handlers[event] = make(map[uint64]domain.SignalHandler)
	}
	f.handlers[event][f.nextID] = h
	return domain.Subscription{Event: event, ID: f.nextID}
}

func (f *fakeSignaler) Off(sub domain.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers[sub.Event], sub.ID)
}

func (f *fakeSignaler) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	f.mu.Lock()
	var hs []domain.SignalHandler
	for _, h := range f.handlers[event] {
		hs = append(hs, h)
	}
	f.mu.Unlock()

	for _, h := range hs {
		h(data)
	}
}

func (f *fakeSignaler) handlerCount(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[event])
}

func (f *fakeSignaler) frames(event string) []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentFrame
	for _, s := range f.sent {
		if s.Event == event {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeSignaler) count(event string) int { return len(f.frames(event)) }

var trackSeq struct {
	sync.Mutex
	n int
}

type fakeTrack struct {
	mu      sync.Mutex
	id      string
	kind    domain.TrackKind
	enabled bool
	stops   int
}

func newFakeTrack(kind domain.TrackKind) *fakeTrack {
	trackSeq.Lock()
	trackSeq.n++
	n := trackSeq.n
	trackSeq.Unlock()
	return &fakeTrack{id: fmt.Sprintf("%s-%d", kind, n), kind: kind, enabled: true}
}

func (t *fakeTrack) ID() string             { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
	return nil
}

func (t *fakeTrack) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

type fakeMedia struct {
	mu sync.Mutex

	added      []domain.Track
	replaced   []domain.Track
	removed    []domain.TrackKind
	replaceErr error

	offers     []domain.OfferOptions
	answers    int
	local      []domain.SDPPayload
	remote     []domain.SDPPayload
	remoteErrs []error
	candidates []domain.ICECandidatePayload
	closed     int

	gather  chan struct{}
	onTrack func(domain.RemoteTrackEvent)
	onState func(domain.ConnectionHealth)
	onCand  func(domain.ICECandidatePayload)
}

func newFakeMedia() *fakeMedia {
	gather := make(chan struct{})
	close(gather)
	return &fakeMedia{gather: gather}
}

func (m *fakeMedia) AddTrack(t domain.Track) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added = append(m.added, t)
	return nil
}

func (m *fakeMedia) ReplaceTrack(_ domain.TrackKind, t domain.Track) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.replaceErr != nil {
		return m.replaceErr
	}
	m.replaced = append(m.replaced, t)
	return nil
}

func (m *fakeMedia) RemoveTrack(kind domain.TrackKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, kind)
	return nil
}

func (m *fakeMedia) CreateOffer(opts domain.OfferOptions) (domain.SDPPayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers = append(m.offers, opts)
	return domain.SDPPayload{Type: domain.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", len(m.offers))}, nil
}

func (m *fakeMedia) CreateAnswer() (domain.SDPPayload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answers++
	return domain.SDPPayload{Type: domain.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", m.answers)}, nil
}

func (m *fakeMedia) SetLocalDescription(sdp domain.SDPPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local = append(m.local, sdp)
	return nil
}

func (m *fakeMedia) SetRemoteDescription(sdp domain.SDPPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.remoteErrs) > 0 {
		err := m.remoteErrs[0]
		m.remoteErrs = m.remoteErrs[1:]
		if err != nil {
			return err
		}
	}
	m.remote = append(m.remote, sdp)
	return nil
}

func (m *fakeMedia) LocalDescription() (domain.SDPPayload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.local) == 0 {
		return domain.SDPPayload{}, false
	}
	return m.local[len(m.local)-1], true
}

func (m *fakeMedia) AddICECandidate(c domain.ICECandidatePayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates = append(m.candidates, c)
	return nil
}

func (m *fakeMedia) GatheringComplete() <-chan struct{} { return m.gather }

func (m *fakeMedia) OnTrack(fn func(domain.RemoteTrackEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTrack = fn
}

func (m *fakeMedia) OnConnectionStateChange(fn func(domain.ConnectionHealth)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

func (m *fakeMedia) OnICECandidate(fn func(domain.ICECandidatePayload)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCand = fn
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *fakeMedia) fireState(h domain.ConnectionHealth) {
	m.mu.Lock()
	fn := m.onState
	m.mu.Unlock()
	fn(h)
}

func (m *fakeMedia) fireTrack(ev domain.RemoteTrackEvent) {
	m.mu.Lock()
	fn := m.onTrack
	m.mu.Unlock()
	fn(ev)
}

func (m *fakeMedia) fireCandidate(c domain.ICECandidatePayload) {
	m.mu.Lock()
	fn := m.onCand
	m.mu.Unlock()
	fn(c)
}

func (m *fakeMedia) snapshotCandidates() []domain.ICECandidatePayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ICECandidatePayload(nil), m.candidates...)
}

func (m *fakeMedia) lastOffer() domain.OfferOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offers[len(m.offers)-1]
}

func (m *fakeMedia) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeMedia
	prepare func(*fakeMedia)
}

func (f *fakeFactory) Create(domain.MediaConfig) (domain.MediaSession, error) {
	m := newFakeMedia()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prepare != nil {
		f.prepare(m)
	}
	f.created = append(f.created, m)
	return m, nil
}

func (f *fakeFactory) last(t *testing.T) *fakeMedia {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.created)
	return f.created[len(f.created)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type fakeDevices struct {
	mu       sync.Mutex
	calls    []domain.MediaConstraints
	produced []*fakeTrack
	errFor   func(domain.MediaConstraints) error

	// gate, when set, blocks GetMedia until closed. ctx is ignored so tests
	// can deliver tracks after the call ended.
	gate    chan struct{}
	started chan struct{}
}

func (f *fakeDevices) GetMedia(ctx context.Context, c domain.MediaConstraints) ([]domain.Track, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	gate, started, errFor := f.gate, f.started, f.errFor
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if errFor != nil {
		if err := errFor(c); err != nil {
			return nil, err
		}
	}

	var out []domain.Track
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.Audio {
		t := newFakeTrack(domain.KindAudio)
		f.produced = append(f.produced, t)
		out = append(out, t)
	}
	if c.Video {
		t := newFakeTrack(domain.KindVideo)
		f.produced = append(f.produced, t)
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeDevices) lastCall() domain.MediaConstraints {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func (f *fakeDevices) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeDevices) lastProduced() *fakeTrack {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.produced[len(f.produced)-1]
}

func (f *fakeDevices) setGate(gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = gate
	f.started = make(chan struct{}, 4)
}

type harness struct {
	sig     *fakeSignaler
	factory *fakeFactory
	devices *fakeDevices
	clock   *clock.Mock
	client  *Client

	mu     sync.Mutex
	events []Event
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	cfg := Config{
		SelfID:                    "me",
		SelfName:                  "Me",
		PreferInPlaceTrackReplace: true,
		RingTimeout:               30 * time.Second,
		GatherTimeout:             5 * time.Second,
		MaxICERestarts:            1,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	h := &harness{
		sig:     newFakeSignaler(),
		factory: &fakeFactory{},
		devices: &fakeDevices{},
		clock:   clock.NewMock(),
	}
	h.client = NewClient(cfg, h.sig, h.factory, h.devices,
		WithClock(h.clock),
		WithLogger(zerolog.Nop()),
	)
	h.client.Subscribe(func(ev Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, ev)
	})
	t.Cleanup(func() { _ = h.client.Close() })
	return h
}

func (h *harness) notices() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, ev := range h.events {
		if ev.Type == EventNotice {
			out = append(out, ev.Notice.Message)
		}
	}
	return out
}

func (h *harness) sawEvent(typ EventType) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ev := range h.events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func (h *harness) phase() domain.Phase { return h.client.Snapshot().Phase }

// connectCaller places a call to bob and drives it to Active.
func (h *harness) connectCaller(t *testing.T) *fakeMedia {
	t.Helper()
	_, err := h.client.Start(context.Background(), "bob")
	require.NoError(t, err)
	h.sig.deliver(t, domain.EventCallAccepted, domain.CallAcceptedPayload{
		Answer: domain.SDPPayload{Type: domain.SDPTypeAnswer, SDP: "remote-answer"},
	})
	m := h.factory.last(t)
	m.fireState(domain.HealthConnected)
	require.Equal(t, domain.PhaseActive, h.phase())
	return m
}

// ring delivers an inbound call from alice.
func (h *harness) ring(t *testing.T) {
	t.Helper()
	h.sig.deliver(t, domain.EventCallUser, map[string]any{
		"from":  map[string]string{"_id": "alice", "username": "Alice"},
		"offer": domain.SDPPayload{Type: domain.SDPTypeOffer, SDP: "remote-offer"},
	})
}

// connectReceiver answers a call from alice and drives it to Active.
func (h *harness) connectReceiver(t *testing.T) *fakeMedia {
	t.Helper()
	h.ring(t)
	_, err := h.client.Accept(context.Background())
	require.NoError(t, err)
	m := h.factory.last(t)
	m.fireState(domain.HealthConnected)
	require.Equal(t, domain.PhaseActive, h.phase())
	return m
}
