// Copyright 2026 The Harmonium Authors
// SPDX-License-Identifier: Apache-2.0

package voice

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/harmonium-chat/voicemesh/auth"
	"github.com/harmonium-chat/voicemesh/lib/clock"
	"github.com/harmonium-chat/voicemesh/media"
	"github.com/harmonium-chat/voicemesh/signaling"
	"github.com/harmonium-chat/voicemesh/vad"
)

// phase is the coordinator's connection lifecycle.
type phase int

const (
	phaseIdle phase = iota
	phaseConnecting
	phaseConnected
	phaseReconnecting
)

// Config wires a Coordinator. SignalingURL, ChannelID, SelfID,
// Capture, Playback and Tokens are required; everything else has a
// working default.
type Config struct {
	// SignalingURL is the API base, e.g. "wss://chat.example.net/api/v1".
	// The voice endpoint path and token query are appended per channel.
	SignalingURL string

	// ChannelID is the voice channel to join.
	ChannelID string

	// SelfID is the local participant id. Its lexicographic order
	// against peer ids decides offer glare.
	SelfID string

	// DisplayName is announced in the join message.
	DisplayName string

	ICE       ICEConfig
	Reconnect ReconnectPolicy
	VAD       vad.Config

	Capture  media.CaptureDevice
	Playback media.Playback
	Tokens   auth.TokenProvider

	// Dialer defaults to a websocket dialer; tests inject an
	// in-memory one. Factory defaults to pion.
	Dialer  signaling.Dialer
	Factory ConnectionFactory

	Clock  clock.Clock
	Logger *slog.Logger
}

func (c Config) validate() error {
	switch {
	case c.SignalingURL == "":
		return errors.New("voice: Config.SignalingURL is required")
	case c.ChannelID == "":
		return errors.New("voice: Config.ChannelID is required")
	case c.SelfID == "":
		return errors.New("voice: Config.SelfID is required")
	case c.Capture == nil:
		return errors.New("voice: Config.Capture is required")
	case c.Playback == nil:
		return errors.New("voice: Config.Playback is required")
	case c.Tokens == nil:
		return errors.New("voice: Config.Tokens is required")
	}
	return nil
}

// Coordinator runs one participant's side of a voice channel: the
// signaling connection, the per-peer sessions, local capture and
// voice activity, and reconnection.
type Coordinator struct {
	cfg      Config
	logger   *slog.Logger
	clk      clock.Clock
	channel  *signaling.Channel
	registry *Registry
	detector *vad.Detector
	bus      *eventBus

	mu          sync.Mutex
	initialized bool
	// generation invalidates async work (reconnect loops, handlers)
	// started before the latest Disconnect.
	generation int
	phase      phase
	sessions   map[string]*PeerSession
	// rebuilt marks peers whose session was already recreated once
	// after a negotiation failure, so failures cannot loop.
	rebuilt map[string]bool
	source  media.AudioSource
	muted   bool
	// speaking is the detector's last emitted state, kept for the
	// join announcement and mute broadcasts.
	speaking bool
	unsubs   []func()
}

// New creates a coordinator. No network or device activity happens
// until Initialize.
func New(cfg Config) (*Coordinator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &signaling.WebsocketDialer{}
	}
	if cfg.Factory == nil {
		factory, err := NewPionFactory()
		if err != nil {
			return nil, err
		}
		cfg.Factory = factory
	}
	cfg.Reconnect = cfg.Reconnect.withDefaults()

	logger := cfg.Logger.With("channel", cfg.ChannelID, "self", cfg.SelfID)
	return &Coordinator{
		cfg:      cfg,
		logger:   logger,
		clk:      cfg.Clock,
		channel:  signaling.NewChannel(cfg.Dialer, cfg.SignalingURL, logger),
		registry: NewRegistry(),
		detector: vad.New(cfg.VAD, cfg.Clock, logger),
		bus:      newEventBus(),
		sessions: make(map[string]*PeerSession),
		rebuilt:  make(map[string]bool),
	}, nil
}

// SubscribeEvents registers an event handler and returns its
// unsubscribe func. Handlers run synchronously on coordinator
// goroutines and must not call back into blocking Coordinator
// methods.
func (c *Coordinator) SubscribeEvents(handler func(Event)) func() {
	return c.bus.subscribe(handler)
}

// Initialize acquires the microphone, connects signaling, announces
// the local user and requests the participant snapshot. Fails with
// ErrAlreadyInitialized if already running; any other failure leaves
// the coordinator idle and re-initializable.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return ErrAlreadyInitialized
	}
	c.initialized = true
	c.phase = phaseConnecting
	generation := c.generation
	c.mu.Unlock()
	c.publishStatus(StatusConnecting)

	fail := func(err error) error {
		c.mu.Lock()
		c.initialized = false
		c.phase = phaseIdle
		c.mu.Unlock()
		c.publishStatus(StatusError)
		return err
	}

	token, err := c.cfg.Tokens.Token()
	if err != nil {
		return fail(wrapError(KindAuth, err, "fetching token"))
	}

	source, err := c.cfg.Capture.Acquire(ctx)
	if err != nil {
		return fail(wrapError(KindCapture, err, "acquiring microphone"))
	}

	unsubMessage := c.channel.OnMessage(func(msg signaling.Message) {
		c.handleMessage(generation, msg)
	})
	unsubClose := c.channel.OnClose(func(class signaling.CloseClass) {
		c.handleClose(generation, class)
	})
	unsubVoice := c.detector.OnTransition(func(speaking, muted bool) {
		c.handleLocalVoice(generation, speaking, muted)
	})

	c.mu.Lock()
	c.source = source
	c.unsubs = append(c.unsubs, unsubMessage, unsubClose, unsubVoice)
	c.mu.Unlock()

	if err := c.channel.Connect(ctx, c.cfg.ChannelID, token); err != nil {
		c.teardownLocal()
		if errors.Is(err, signaling.ErrRejected) || errors.Is(err, signaling.ErrNoToken) {
			return fail(wrapError(KindAuth, err, "joining channel"))
		}
		return fail(wrapError(KindTransport, err, "joining channel"))
	}

	go c.pumpLevels(source.Levels())

	// A join failure here means the socket died right after the dial;
	// the close handler drives recovery, so it is only logged.
	if err := c.announce(); err != nil {
		c.logger.Warn("sending join failed", "error", err)
	}

	c.mu.Lock()
	// The close handler may already be reconnecting a socket that died
	// mid-setup; its phase must not be stomped.
	if c.phase == phaseConnecting {
		c.phase = phaseConnected
	}
	c.mu.Unlock()
	c.publishStatus(StatusConnected)
	return nil
}

// Disconnect leaves the channel and releases everything. Safe to call
// from any state, any number of times, including mid-reconnect.
func (c *Coordinator) Disconnect() {
	c.mu.Lock()
	wasActive := c.initialized
	c.generation++
	c.initialized = false
	c.phase = phaseIdle
	sessions := c.sessions
	c.sessions = make(map[string]*PeerSession)
	c.rebuilt = make(map[string]bool)
	unsubs := c.unsubs
	c.unsubs = nil
	source := c.source
	c.source = nil
	c.muted = false
	c.speaking = false
	c.mu.Unlock()

	if !wasActive && len(sessions) == 0 {
		return
	}

	for _, unsub := range unsubs {
		unsub()
	}
	if err := c.channel.Send(signaling.NewLeave(c.cfg.SelfID)); err != nil &&
		!errors.Is(err, signaling.ErrNotConnected) {
		c.logger.Warn("sending leave failed", "error", err)
	}
	c.channel.Close()
	for _, session := range sessions {
		session.Close()
	}
	if source != nil {
		c.cfg.Capture.Release()
	}
	c.registry.Clear()

	c.logger.Info("disconnected from voice channel")
	c.publishStatus(StatusDisconnected)
}

// teardownLocal undoes the partial setup of a failed Initialize.
func (c *Coordinator) teardownLocal() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	source := c.source
	c.source = nil
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if source != nil {
		c.cfg.Capture.Release()
	}
}

// ToggleMute flips the local mute state and returns the new value.
// Muting disables the outgoing track but keeps capture and detection
// running, so the UI can warn about talking while muted.
func (c *Coordinator) ToggleMute() bool {
	c.mu.Lock()
	c.muted = !c.muted
	muted := c.muted
	speaking := c.speaking
	source := c.source
	c.mu.Unlock()

	if source != nil {
		source.SetEnabled(!muted)
	}
	c.detector.SetMuted(muted)
	if err := c.channel.Send(signaling.NewVoiceState(c.cfg.SelfID, speaking, muted)); err != nil &&
		!errors.Is(err, signaling.ErrNotConnected) {
		c.logger.Warn("broadcasting mute state failed", "error", err)
	}
	c.logger.Info("mute toggled", "muted", muted)
	return muted
}

// Muted reports the local mute state.
func (c *Coordinator) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Participants returns the current remote membership sorted by id.
func (c *Coordinator) Participants() []Participant {
	return c.registry.Snapshot()
}

// SessionState reports the negotiation state of the session with
// peerID, if one exists.
func (c *Coordinator) SessionState(peerID string) (SessionState, bool) {
	c.mu.Lock()
	session := c.sessions[peerID]
	c.mu.Unlock()
	if session == nil {
		return 0, false
	}
	return session.State(), true
}

// announce sends the join message and asks for the membership
// snapshot. A failed join means the socket is already dead and the
// caller must treat the connection as lost; the snapshot request is
// best-effort because the server pushes one on connect anyway.
func (c *Coordinator) announce() error {
	c.mu.Lock()
	speaking, muted := c.speaking, c.muted
	c.mu.Unlock()

	join := signaling.NewJoin(c.cfg.SelfID, signaling.ParticipantInfo{
		ID:       c.cfg.SelfID,
		Username: c.cfg.DisplayName,
		Speaking: speaking,
		Muted:    muted,
	})
	if err := c.channel.Send(join); err != nil {
		return err
	}
	if err := c.channel.Send(signaling.NewParticipantsRequest(c.cfg.SelfID)); err != nil {
		c.logger.Warn("requesting participants failed", "error", err)
	}
	return nil
}

// pumpLevels feeds capture energy into the detector until the source
// closes its level channel on Release.
func (c *Coordinator) pumpLevels(levels <-chan float64) {
	for level := range levels {
		c.detector.Process(level)
	}
}

func (c *Coordinator) isCurrent(generation int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == generation
}

// handleLocalVoice broadcasts local speaking transitions and mirrors
// them as events.
func (c *Coordinator) handleLocalVoice(generation int, speaking, muted bool) {
	if !c.isCurrent(generation) {
		return
	}
	c.mu.Lock()
	c.speaking = speaking
	c.mu.Unlock()

	if err := c.channel.Send(signaling.NewVoiceState(c.cfg.SelfID, speaking, muted)); err != nil &&
		!errors.Is(err, signaling.ErrNotConnected) {
		c.logger.Warn("broadcasting voice state failed", "error", err)
	}
	c.bus.publish(Event{Kind: EventVoiceActivity, PeerID: c.cfg.SelfID, Speaking: speaking})
}

// handleMessage dispatches one inbound signaling frame. Runs on the
// channel read loop, so per-message work never interleaves.
func (c *Coordinator) handleMessage(generation int, msg signaling.Message) {
	if !c.isCurrent(generation) {
		return
	}
	if msg.From == c.cfg.SelfID {
		return
	}

	switch msg.Type {
	case signaling.TypeParticipants:
		c.handleParticipants(msg)
	case signaling.TypeJoin:
		c.handleJoin(msg)
	case signaling.TypeLeave:
		c.handleLeave(msg)
	case signaling.TypeOffer:
		c.handleOffer(msg)
	case signaling.TypeAnswer:
		c.handleAnswer(msg)
	case signaling.TypeCandidate:
		c.handleCandidate(msg)
	case signaling.TypeVoiceState:
		c.handleVoiceState(msg)
	default:
		c.logger.Warn("ignoring unroutable message", "type", string(msg.Type), "from", msg.From)
	}
}

func participantFromInfo(info signaling.ParticipantInfo) Participant {
	return Participant{
		ID:          info.ID,
		DisplayName: info.Username,
		Status:      info.Status,
		Speaking:    info.Speaking,
		Muted:       info.Muted,
	}
}

// handleParticipants folds a membership snapshot into the registry
// and opens a session toward every peer we don't have one for. The
// server includes the local user in the snapshot; filter it out.
func (c *Coordinator) handleParticipants(msg signaling.Message) {
	snapshot, err := msg.Participants()
	if err != nil {
		c.logProtocol(err)
		return
	}
	for _, info := range snapshot.Participants {
		if info.ID == c.cfg.SelfID {
			continue
		}
		isNew := c.registry.Upsert(participantFromInfo(info))
		if isNew {
			c.bus.publish(Event{Kind: EventParticipantJoined, Participant: participantFromInfo(info)})
		}
		c.ensureSession(info.ID)
	}
	c.publishSnapshot()
}

func (c *Coordinator) handleJoin(msg signaling.Message) {
	user, err := msg.JoinUser()
	if err != nil {
		c.logProtocol(err)
		return
	}
	participant := participantFromInfo(user)
	isNew := c.registry.Upsert(participant)
	c.ensureSession(user.ID)
	if isNew {
		c.logger.Info("participant joined", "peer", user.ID)
		c.bus.publish(Event{Kind: EventParticipantJoined, Participant: participant})
	}
	c.publishSnapshot()
}

func (c *Coordinator) handleLeave(msg signaling.Message) {
	peerID := msg.From

	c.mu.Lock()
	session := c.sessions[peerID]
	delete(c.sessions, peerID)
	delete(c.rebuilt, peerID)
	c.mu.Unlock()
	if session != nil {
		session.Close()
	}

	if participant, ok := c.registry.Remove(peerID); ok {
		c.logger.Info("participant left", "peer", peerID)
		c.bus.publish(Event{Kind: EventParticipantLeft, Participant: participant})
		c.publishSnapshot()
	}
}

func (c *Coordinator) handleOffer(msg signaling.Message) {
	if msg.To != c.cfg.SelfID {
		c.logger.Warn("offer not addressed to us, dropping", "from", msg.From, "to", msg.To)
		return
	}
	session := c.session(msg.From)
	if session == nil {
		c.logger.Warn("offer from unknown peer, dropping", "peer", msg.From)
		return
	}
	desc, err := msg.Description()
	if err != nil {
		c.logProtocol(err)
		return
	}
	if err := session.HandleOffer(desc); err != nil {
		c.handleNegotiationFailure(msg.From, err)
	}
}

func (c *Coordinator) handleAnswer(msg signaling.Message) {
	if msg.To != c.cfg.SelfID {
		c.logger.Warn("answer not addressed to us, dropping", "from", msg.From, "to", msg.To)
		return
	}
	session := c.session(msg.From)
	if session == nil {
		c.logger.Warn("answer from unknown peer, dropping", "peer", msg.From)
		return
	}
	desc, err := msg.Description()
	if err != nil {
		c.logProtocol(err)
		return
	}
	if err := session.HandleAnswer(desc); err != nil {
		c.handleNegotiationFailure(msg.From, err)
	}
}

func (c *Coordinator) handleCandidate(msg signaling.Message) {
	if msg.To != c.cfg.SelfID {
		c.logger.Warn("candidate not addressed to us, dropping", "from", msg.From, "to", msg.To)
		return
	}
	session := c.session(msg.From)
	if session == nil {
		c.logger.Warn("candidate from unknown peer, dropping", "peer", msg.From)
		return
	}
	payload, err := msg.Candidate()
	if err != nil {
		c.logProtocol(err)
		return
	}
	if err := session.HandleCandidate(payload.Candidate); err != nil {
		// A single bad candidate is not worth a session rebuild.
		c.logger.Warn("candidate rejected", "peer", msg.From, "error", err)
	}
}

func (c *Coordinator) handleVoiceState(msg signaling.Message) {
	state, err := msg.VoiceState()
	if err != nil {
		c.logProtocol(err)
		return
	}
	if c.registry.SetVoiceState(msg.From, state.Speaking, state.Muted) {
		c.bus.publish(Event{Kind: EventVoiceActivity, PeerID: msg.From, Speaking: state.Speaking})
		c.publishSnapshot()
	}
}

// session returns the live session for peerID, or nil.
func (c *Coordinator) session(peerID string) *PeerSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[peerID]
}

// ensureSession opens a session toward peerID and initiates an offer
// if none exists. Both sides of a pair do this on discovering each
// other; the resulting glare resolves deterministically by id order.
func (c *Coordinator) ensureSession(peerID string) {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return
	}
	if _, exists := c.sessions[peerID]; exists {
		c.mu.Unlock()
		return
	}
	session := c.newSessionLocked(peerID)
	c.sessions[peerID] = session
	c.mu.Unlock()

	if err := session.Initiate(); err != nil {
		c.handleNegotiationFailure(peerID, err)
	}
}

// newSessionLocked builds a session wired to the coordinator. Caller
// holds c.mu.
func (c *Coordinator) newSessionLocked(peerID string) *PeerSession {
	var track webrtc.TrackLocal
	if c.source != nil {
		track = c.source.Track()
	}
	return NewPeerSession(SessionConfig{
		SelfID:      c.cfg.SelfID,
		PeerID:      peerID,
		Factory:     c.cfg.Factory,
		ICE:         c.cfg.ICE,
		LocalTrack:  track,
		Send:        c.channel.Send,
		Logger:      c.logger,
		OnConnected: c.handleSessionConnected,
		OnTrack:     c.handleSessionTrack,
	})
}

func (c *Coordinator) handleSessionConnected(peerID string) {
	c.mu.Lock()
	delete(c.rebuilt, peerID)
	c.mu.Unlock()
	c.logger.Info("peer media connected", "peer", peerID)
}

func (c *Coordinator) handleSessionTrack(peerID string, track *webrtc.TrackRemote) {
	c.cfg.Playback.PlayRemote(peerID, track)
	c.bus.publish(Event{Kind: EventTrackAdded, PeerID: peerID, Track: track})
}

// handleNegotiationFailure isolates one peer's broken negotiation:
// the session is torn down and rebuilt exactly once. A second failure
// surfaces an error event and leaves the peer without a session until
// they rejoin or signaling reconnects.
func (c *Coordinator) handleNegotiationFailure(peerID string, err error) {
	c.logger.Error("negotiation failed", "peer", peerID, "error", err)

	c.mu.Lock()
	alreadyRebuilt := c.rebuilt[peerID]
	c.rebuilt[peerID] = true
	session := c.sessions[peerID]
	delete(c.sessions, peerID)
	c.mu.Unlock()

	if session != nil {
		session.Close()
	}
	if alreadyRebuilt {
		c.bus.publish(Event{Kind: EventError, Err: wrapError(KindNegotiation, err, "peer %s", peerID)})
		return
	}
	c.ensureSession(peerID)
}

// handleClose reacts to the signaling socket dying.
func (c *Coordinator) handleClose(generation int, class signaling.CloseClass) {
	if !c.isCurrent(generation) {
		return
	}
	switch class {
	case signaling.CloseNormal:
		c.logger.Info("signaling closed by server")
		c.mu.Lock()
		c.phase = phaseIdle
		c.mu.Unlock()
		c.publishStatus(StatusDisconnected)

	case signaling.CloseRejected:
		c.logger.Error("signaling rejected, not reconnecting")
		c.mu.Lock()
		c.phase = phaseIdle
		c.mu.Unlock()
		c.bus.publish(Event{Kind: EventError, Err: newError(KindAuth, "server rejected the connection")})
		c.publishStatus(StatusError)

	case signaling.CloseAbnormal:
		c.mu.Lock()
		if c.phase == phaseReconnecting {
			c.mu.Unlock()
			return
		}
		c.phase = phaseReconnecting
		c.mu.Unlock()
		c.publishStatus(StatusConnecting)
		go c.reconnectLoop(generation)
	}
}

// reconnectLoop retries the signaling connection with exponential
// backoff. Peer sessions are not reused across a signaling outage:
// the mesh is rebuilt from a fresh snapshot after reconnecting.
func (c *Coordinator) reconnectLoop(generation int) {
	c.closeSessionsIfCurrent(generation)

	policy := c.cfg.Reconnect
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		<-c.clk.After(policy.Backoff(attempt))
		if !c.isCurrent(generation) {
			return
		}

		token, err := c.cfg.Tokens.Token()
		if err != nil {
			c.giveUp(wrapError(KindAuth, err, "refreshing token during reconnect"))
			return
		}

		err = c.channel.Connect(context.Background(), c.cfg.ChannelID, token)
		if err == nil {
			if !c.isCurrent(generation) {
				c.channel.Close()
				return
			}
			// The phase flips to connected before the join is sent. A
			// close that raced the dial window was swallowed while the
			// phase still read reconnecting, so it can only show up
			// here as a failed announce; any close arriving from now
			// on sees phaseConnected and re-arms recovery itself.
			c.mu.Lock()
			c.phase = phaseConnected
			c.mu.Unlock()
			if err := c.announce(); err != nil {
				c.channel.Close()
				c.mu.Lock()
				if c.generation != generation || c.phase != phaseConnected {
					// Disconnect or a newer close handler owns the
					// lifecycle now.
					c.mu.Unlock()
					return
				}
				c.phase = phaseReconnecting
				c.mu.Unlock()
				c.logger.Warn("reconnected socket died before join",
					"attempt", attempt+1,
					"error", err,
				)
				continue
			}
			c.logger.Info("signaling reconnected", "attempt", attempt+1)
			// Rebuild toward everyone we still believe is present; the
			// snapshot reply reconciles any membership drift.
			for _, p := range c.registry.Snapshot() {
				c.ensureSession(p.ID)
			}
			c.publishStatus(StatusConnected)
			return
		}
		if errors.Is(err, signaling.ErrRejected) {
			c.giveUp(wrapError(KindAuth, err, "reconnecting"))
			return
		}
		c.logger.Warn("reconnect attempt failed",
			"attempt", attempt+1,
			"max", policy.MaxAttempts,
			"error", err,
		)
	}

	c.giveUp(newError(KindMaxReconnect, "gave up after %d attempts", policy.MaxAttempts))
}

// giveUp parks the coordinator after an unrecoverable reconnect
// failure. The user must Disconnect and Initialize again.
func (c *Coordinator) giveUp(err error) {
	c.mu.Lock()
	c.phase = phaseIdle
	c.mu.Unlock()
	c.logger.Error("reconnection abandoned", "error", err)
	c.bus.publish(Event{Kind: EventError, Err: err})
	c.publishStatus(StatusError)
}

// closeSessionsIfCurrent drops the whole session table unless a
// Disconnect already invalidated this generation, in which case the
// table may belong to a newer Initialize and must be left alone.
func (c *Coordinator) closeSessionsIfCurrent(generation int) {
	c.mu.Lock()
	if c.generation != generation {
		c.mu.Unlock()
		return
	}
	sessions := c.sessions
	c.sessions = make(map[string]*PeerSession)
	c.rebuilt = make(map[string]bool)
	c.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}
}

func (c *Coordinator) logProtocol(err error) {
	c.logger.Warn("dropping malformed payload", "error", err)
}

func (c *Coordinator) publishStatus(status Status) {
	c.bus.publish(Event{Kind: EventStatusChanged, Status: status})
}

func (c *Coordinator) publishSnapshot() {
	c.bus.publish(Event{Kind: EventParticipantsUpdated, Participants: c.registry.Snapshot()})
}
