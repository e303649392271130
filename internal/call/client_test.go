package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vico_home/vicocall/internal/domain"
)

func TestStart_SendsOfferAndDials(t *testing.T) {
	h := newHarness(t)

	snap, err := h.client.Start(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseDialing, snap.Phase)
	assert.Equal(t, "calling", snap.Status)
	assert.True(t, snap.InCall)

	frames := h.sig.frames(domain.EventCallUser)
	require.Len(t, frames, 1)
	p := frames[0].Payload.(domain.CallUserPayload)
	assert.Equal(t, "bob", p.To)
	assert.Equal(t, "me", p.From.ID)
	assert.Equal(t, "Me", p.From.Username)
	assert.Equal(t, domain.SDPTypeOffer, p.Offer.Type)

	m := h.factory.last(t)
	assert.Len(t, m.added, 2)
	assert.False(t, m.lastOffer().ICERestart)
}

func TestStart_RejectsSelfAndBusy(t *testing.T) {
	h := newHarness(t)

	_, err := h.client.Start(context.Background(), "me")
	require.Error(t, err)

	_, err = h.client.Start(context.Background(), "bob")
	require.NoError(t, err)
	_, err = h.client.Start(context.Background(), "carol")
	require.ErrorIs(t, err, ErrBusy)
}

func TestCaller_HappyPath(t *testing.T) {
	h := newHarness(t)

	_, err := h.client.Start(context.Background(), "bob")
	require.NoError(t, err)

	h.sig.deliver(t, domain.EventCallReceived, domain.PeerPayload{From: "bob"})
	assert.Equal(t, domain.PhaseRinging, h.phase())
	assert.Equal(t, "ringing", h.client.Snapshot().Status)

	h.sig.deliver(t, domain.EventCallAccepted, domain.CallAcceptedPayload{
		Answer: domain.SDPPayload{Type: domain.SDPTypeAnswer, SDP: "remote-answer"},
	})
	assert.Equal(t, domain.PhaseConnecting, h.phase())

	m := h.factory.last(t)
	require.Len(t, m.remote, 1)
	assert.Equal(t, "remote-answer", m.remote[0].SDP)

	m.fireState(domain.HealthChecking)
	assert.Equal(t, domain.PhaseConnecting, h.phase())
	m.fireState(domain.HealthConnected)

	snap := h.client.Snapshot()
	assert.Equal(t, domain.PhaseActive, snap.Phase)
	assert.True(t, snap.Connected)
	assert.Equal(t, "connected", snap.Status)
	assert.True(t, snap.LocalEnabled(domain.KindAudio))
	assert.True(t, snap.LocalEnabled(domain.KindVideo))
}

func TestCaller_CandidatesBeforeAnswerAreBufferedInOrder(t *testing.T) {
	h := newHarness(t)

	_, err := h.client.Start(context.Background(), "bob")
	require.NoError(t, err)
	m := h.factory.last(t)

	for _, c := range []string{"c1", "c2", "c3"} {
		h.sig.deliver(t, domain.EventICECandidate, domain.CandidatePayload{
			From:      "bob",
			Candidate: domain.ICECandidatePayload{Candidate: c},
		})
	}
	assert.Empty(t, m.snapshotCandidates())
	assert.Equal(t, 3, h.client.Snapshot().PendingCandidates)

	h.sig.deliver(t, domain.EventCallAccepted, domain.CallAcceptedPayload{
		Answer: domain.SDPPayload{Type: domain.SDPTypeAnswer, SDP: "remote-answer"},
	})

	got := m.snapshotCandidates()
	require.Len(t, got, 3)
	assert.Equal(t, "c1", got[0].Candidate)
	assert.Equal(t, "c2", got[1].Candidate)
	assert.Equal(t, "c3", got[2].Candidate)
	assert.Zero(t, h.client.Snapshot().PendingCandidates)

	h.sig.deliver(t, domain.EventICECandidate, domain.CandidatePayload{
		From:      "bob",
		Candidate: domain.ICECandidatePayload{Candidate: "c4"},
	})
	got = m.snapshotCandidates()
	require.Len(t, got, 4)
	assert.Equal(t, "c4", got[3].Candidate)
}

func TestCaller_CandidateFromOtherPeerIgnored(t *testing.T) {
	h := newHarness(t)
	m := h.connectCaller(t)

	h.sig.deliver(t, domain.EventICECandidate, domain.CandidatePayload{
		From:      "mallory",
		Candidate: domain.ICECandidatePayload{Candidate: "x"},
	})
	assert.Empty(t, m.snapshotCandidates())
}

func TestCaller_LocalCandidatesTrickledAfterOffer(t *testing.T) {
	h := newHarness(t)
	m := h.connectCaller(t)

	m.fireCandidate(domain.ICECandidatePayload{Candidate: "local-1"})

	frames := h.sig.frames(domain.EventICECandidate)
	require.Len(t, frames, 1)
	p := frames[0].Payload.(domain.CandidatePayload)
	assert.Equal(t, "bob", p.To)
	assert.Equal(t, "local-1", p.Candidate.Candidate)
}

func TestCaller_NoAnswerTimesOut(t *testing.T) {
	h := newHarness(t)

	_, err := h.client.Start(context.Background(), "bob")
	require.NoError(t, err)

	h.clock.Add(30 * time.Second)
	require.Eventually(t, func() bool {
		return h.phase() == domain.PhaseEnded
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, h.sig.count(domain.EventEndCall))
	assert.Contains(t, h.notices(), "No answer.")
}

func TestReceiver_IncomingAndAccept(t *testing.T) {
	h := newHarness(t)

	h.ring(t)

	received := h.sig.frames(domain.EventCallReceived)
	require.Len(t, received, 1)
	assert.Equal(t, "alice", received[0].Payload.(domain.PeerPayload).To)

	in, ok := h.client.Incoming()
	require.True(t, ok)
	assert.Equal(t, "Alice", in.Peer.Username)
	assert.Equal(t, "incoming", in.Status)
	assert.True(t, h.sawEvent(EventIncoming))

	snap, err := h.client.Accept(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseConnecting, snap.Phase)

	m := h.factory.last(t)
	require.Len(t, m.remote, 1)
	assert.Equal(t, "remote-offer", m.remote[0].SDP)

	answers := h.sig.frames(domain.EventAnswerCall)
	require.Len(t, answers, 1)
	p := answers[0].Payload.(domain.AnswerCallPayload)
	assert.Equal(t, "alice", p.To)
	assert.Equal(t, domain.SDPTypeAnswer, p.Answer.Type)

	_, ok = h.client.Incoming()
	assert.False(t, ok)
}

func TestReceiver_IncomingCallAlias(t *testing.T) {
	h := newHarness(t)

	h.sig.deliver(t, domain.EventIncomingCall, map[string]any{
		"from":  "alice",
		"offer": domain.SDPPayload{Type: domain.SDPTypeOffer, SDP: "remote-offer"},
	})

	in, ok := h.client.Incoming()
	require.True(t, ok)
	assert.Equal(t, "alice", in.Peer.ID)
}

func TestReceiver_CandidatesBeforeAcceptAreBuffered(t *testing.T) {
	h := newHarness(t)
	h.ring(t)

	h.sig.deliver(t, domain.EventICECandidate, domain.CandidatePayload{
		From:      "alice",
		Candidate: domain.ICECandidatePayload{Candidate: "early"},
	})
	assert.Equal(t, 1, h.client.Snapshot().PendingCandidates)

	_, err := h.client.Accept(context.Background())
	require.NoError(t, err)

	got := h.factory.last(t).snapshotCandidates()
	require.Len(t, got, 1)
	assert.Equal(t, "early", got[0].Candidate)
}

func TestReceiver_RingTimeoutAutoRejects(t *testing.T) {
	h := newHarness(t)
	h.ring(t)

	h.clock.Add(29 * time.Second)
	assert.Equal(t, domain.PhaseRinging, h.phase())

	h.clock.Add(time.Second)
	require.Eventually(t, func() bool {
		return h.phase() == domain.PhaseEnded
	}, time.Second, 5*time.Millisecond)

	ends := h.sig.frames(domain.EventEndCall)
	require.Len(t, ends, 1)
	assert.Equal(t, "alice", ends[0].Payload.(domain.PeerPayload).To)
	assert.Contains(t, h.notices(), "Call timed out.")
	assert.Zero(t, h.factory.count())
}

func TestReceiver_AcceptStopsRingTimer(t *testing.T) {
	h := newHarness(t)
	h.ring(t)

	_, err := h.client.Accept(context.Background())
	require.NoError(t, err)

	h.clock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, domain.PhaseConnecting, h.phase())
	assert.Zero(t, h.sig.count(domain.EventEndCall))
}

func TestReceiver_Reject(t *testing.T) {
	h := newHarness(t)
	h.ring(t)

	require.NoError(t, h.client.Reject())
	assert.Equal(t, domain.PhaseEnded, h.phase())
	assert.Equal(t, 1, h.sig.count(domain.EventEndCall))

	require.ErrorIs(t, h.client.Reject(), ErrNoIncomingCall)
	_, err := h.client.Accept(context.Background())
	require.ErrorIs(t, err, ErrNoIncomingCall)
}

func TestBusy_IncomingCallAnsweredWithEndCall(t *testing.T) {
	h := newHarness(t)
	h.connectCaller(t)

	h.sig.deliver(t, domain.EventCallUser, map[string]any{
		"from":  "carol",
		"offer": domain.SDPPayload{Type: domain.SDPTypeOffer, SDP: "x"},
	})

	ends := h.sig.frames(domain.EventEndCall)
	require.Len(t, ends, 1)
	assert.Equal(t, "carol", ends[0].Payload.(domain.PeerPayload).To)

	snap := h.client.Snapshot()
	assert.Equal(t, domain.PhaseActive, snap.Phase)
	assert.Equal(t, "bob", snap.Peer.ID)
}

func TestHangup_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	m := h.connectCaller(t)

	require.NoError(t, h.client.Hangup())
	require.NoError(t, h.client.Hangup())

	assert.Equal(t, domain.PhaseEnded, h.phase())
	assert.Equal(t, 1, h.sig.count(domain.EventEndCall))
	assert.Equal(t, 1, m.closeCount())
	for _, tr := range h.devices.produced {
		assert.Equal(t, 1, tr.stopCount(), tr.ID())
	}
	assert.Zero(t, h.sig.handlerCount(domain.EventICECandidate))
	assert.Zero(t, h.sig.handlerCount(domain.EventEndCall))
	assert.Equal(t, 1, h.sig.handlerCount(domain.EventCallUser))
}

func TestHangup_RacesPeerEnd(t *testing.T) {
	h := newHarness(t)
	m := h.connectCaller(t)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = h.client.Hangup()
	}()
	go func() {
		defer wg.Done()
		h.sig.deliver(t, domain.EventCallEnded, struct{}{})
	}()
	wg.Wait()

	assert.Equal(t, domain.PhaseEnded, h.phase())
	assert.LessOrEqual(t, h.sig.count(domain.EventEndCall), 1)
	assert.Equal(t, 1, m.closeCount())
	for _, tr := range h.devices.produced {
		assert.Equal(t, 1, tr.stopCount(), tr.ID())
	}
}

func TestPeerEndCall_DoesNotEcho(t *testing.T) {
	h := newHarness(t)
	m := h.connectCaller(t)

	h.sig.deliver(t, domain.EventCallEnded, struct{}{})

	assert.Equal(t, domain.PhaseEnded, h.phase())
	assert.Zero(t, h.sig.count(domain.EventEndCall))
	assert.Equal(t, 1, m.closeCount())
	assert.Contains(t, h.notices(), "Call ended by peer")
}

func TestEndCallFromOtherPeerIgnored(t *testing.T) {
	h := newHarness(t)
	h.connectCaller(t)

	h.sig.deliver(t, domain.EventEndCall, domain.PeerPayload{From: "mallory"})
	assert.Equal(t, domain.PhaseActive, h.phase())

	h.sig.deliver(t, domain.EventEndCall, domain.PeerPayload{From: "bob"})
	assert.Equal(t, domain.PhaseEnded, h.phase())
}

func TestStaleMediaEventsAfterEndAreIgnored(t *testing.T) {
	h := newHarness(t)
	m := h.connectCaller(t)
	require.NoError(t, h.client.Hangup())

	m.fireState(domain.HealthFailed)
	m.fireCandidate(domain.ICECandidatePayload{Candidate: "late"})
	m.fireTrack(domain.RemoteTrackEvent{Type: domain.RemoteTrackAdded, Kind: domain.KindVideo, ID: "v"})

	assert.Zero(t, h.sig.count(domain.EventCallUpdate))
	assert.Zero(t, h.sig.count(domain.EventICECandidate))
	snap := h.client.Snapshot()
	assert.Equal(t, domain.PhaseEnded, snap.Phase)
	assert.Empty(t, snap.RemoteTracks)
}

func TestNewCallAfterEnd(t *testing.T) {
	h := newHarness(t)
	h.connectCaller(t)
	require.NoError(t, h.client.Hangup())

	snap, err := h.client.Start(context.Background(), "carol")
	require.NoError(t, err)
	assert.Equal(t, "carol", snap.Peer.ID)
	assert.Equal(t, 2, h.factory.count())
}

func TestHangupDuringAcquisitionDiscardsTracks(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.devices.setGate(gate)

	errc := make(chan error, 1)
	go func() {
		_, err := h.client.Start(context.Background(), "bob")
		errc <- err
	}()
	<-h.devices.started

	require.NoError(t, h.client.Hangup())
	close(gate)

	require.ErrorIs(t, <-errc, ErrCallEnded)
	assert.Zero(t, h.factory.count())
	for _, tr := range h.devices.produced {
		assert.Equal(t, 1, tr.stopCount())
	}
	assert.Zero(t, h.sig.count(domain.EventEndCall))
	assert.Zero(t, h.sig.count(domain.EventCallUser))
}

func TestStart_FallsBackToVideoOnly(t *testing.T) {
	h := newHarness(t)
	h.devices.errFor = func(c domain.MediaConstraints) error {
		if c.Audio {
			return &domain.DeviceError{Kind: domain.ErrDeviceNotFound}
		}
		return nil
	}

	_, err := h.client.Start(context.Background(), "bob")
	require.NoError(t, err)

	snap := h.client.Snapshot()
	require.Len(t, snap.LocalTracks, 1)
	assert.Equal(t, domain.KindVideo, snap.LocalTracks[0].Kind)
}

func TestStart_FallsBackToAudioOnly(t *testing.T) {
	h := newHarness(t)
	h.devices.errFor = func(c domain.MediaConstraints) error {
		if c.Video {
			return &domain.DeviceError{Kind: domain.ErrDeviceBusy}
		}
		return nil
	}

	_, err := h.client.Start(context.Background(), "bob")
	require.NoError(t, err)

	snap := h.client.Snapshot()
	require.Len(t, snap.LocalTracks, 1)
	assert.Equal(t, domain.KindAudio, snap.LocalTracks[0].Kind)
}

func TestStart_DeviceFailureEndsSession(t *testing.T) {
	h := newHarness(t)
	h.devices.errFor = func(domain.MediaConstraints) error {
		return &domain.DeviceError{Kind: domain.ErrPermissionDenied}
	}

	_, err := h.client.Start(context.Background(), "bob")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPermissionDenied))
	assert.True(t, domain.IsDeviceError(err))

	assert.Equal(t, domain.PhaseEnded, h.phase())
	assert.Zero(t, h.sig.count(domain.EventEndCall))
	assert.Contains(t, h.notices(), "Failed to access camera or microphone")
}

func TestUnexpectedCloseEndsCall(t *testing.T) {
	h := newHarness(t)
	m := h.connectCaller(t)

	m.fireState(domain.HealthClosed)

	assert.Equal(t, domain.PhaseEnded, h.phase())
	assert.Equal(t, 1, h.sig.count(domain.EventEndCall))
}

func TestRemoteMuteLeavesLocalTracksAlone(t *testing.T) {
	h := newHarness(t)
	m := h.connectCaller(t)

	m.fireTrack(domain.RemoteTrackEvent{Type: domain.RemoteTrackAdded, Kind: domain.KindVideo, ID: "rv"})
	assert.True(t, h.client.Snapshot().RemoteVideoEnabled())

	m.fireTrack(domain.RemoteTrackEvent{Type: domain.RemoteTrackMuted, Kind: domain.KindVideo, ID: "rv"})
	snap := h.client.Snapshot()
	assert.False(t, snap.RemoteVideoEnabled())
	assert.True(t, snap.LocalEnabled(domain.KindVideo))

	m.fireTrack(domain.RemoteTrackEvent{Type: domain.RemoteTrackUnmuted, Kind: domain.KindVideo, ID: "rv"})
	assert.True(t, h.client.Snapshot().RemoteVideoEnabled())
}

func TestClose_EndsCallAndUnregisters(t *testing.T) {
	h := newHarness(t)
	h.connectCaller(t)

	require.NoError(t, h.client.Close())

	assert.Equal(t, domain.PhaseEnded, h.phase())
	assert.Zero(t, h.sig.handlerCount(domain.EventCallUser))
	assert.Zero(t, h.sig.handlerCount(domain.EventIncomingCall))

	_, err := h.client.Start(context.Background(), "bob")
	require.ErrorIs(t, err, ErrClosed)
}
