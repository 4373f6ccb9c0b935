// Package session runs one interpretation session: it checks capabilities,
// picks a transport, creates, initializes and joins the client, and wires the
// consumer state machine and the user-facing notices to it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/petervdpas/babelrtc/internal/bus"
	"github.com/petervdpas/babelrtc/internal/capability"
	"github.com/petervdpas/babelrtc/internal/config"
	"github.com/petervdpas/babelrtc/internal/consumer"
	"github.com/petervdpas/babelrtc/internal/notify"
	"github.com/petervdpas/babelrtc/internal/prefs"
	"github.com/petervdpas/babelrtc/internal/surface"
	"github.com/petervdpas/babelrtc/internal/transport"
	"github.com/petervdpas/babelrtc/internal/transport/native"
	"github.com/petervdpas/babelrtc/internal/transport/relay"
)

var logger = logrus.WithField("component", "session")

// State is a step of the session state machine.
type State string

const (
	StateCreated           State = "created"
	StateCapabilityChecked State = "capability-checked"
	StateTransportSelected State = "transport-selected"
	StateClientCreated     State = "client-created"
	StateInitialized       State = "initialized"
	StateJoined            State = "joined"
	StateFailed            State = "failed"
	StateLeft              State = "left"
	StateClosed            State = "closed"
)

// Steps named in errors and in session:state events.
const (
	StepCapability = "capability"
	StepTransport  = "transport"
	StepClient     = "client"
	StepInit       = "init"
	StepJoin       = "join"
)

const totalSteps = 5

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("session: already started")
	// ErrNotJoined is returned by operations that need a joined client.
	ErrNotJoined = errors.New("session: not joined")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: closed")
)

// Options configures a Session. Only Config is required.
type Options struct {
	Config config.Config

	// Bus defaults to a new bus.
	Bus *bus.Bus
	// Probe defaults to the config's static report, else capability.Host.
	Probe capability.Probe
	// Prefs persists the forced-fallback flag and sightings. Optional.
	Prefs *prefs.Store
	// Factories defaults to the native and relay transports.
	Factories map[transport.Kind]transport.Factory
	// Notifier defaults to a scheduler built from the config debounce.
	Notifier *notify.Scheduler
	// Progress is called before every state machine step.
	Progress func(step, total int, label string)
}

// Session is the shared base of Receiver and Broadcaster.
type Session struct {
	id        string
	cfg       config.Config
	bus       *bus.Bus
	probe     capability.Probe
	store     *prefs.Store
	factories map[transport.Kind]transport.Factory
	notifier  *notify.Scheduler
	ownNotify bool
	progress  func(step, total int, label string)
	surfaces  *surface.Registry
	consumer  *consumer.Consumer

	mu          sync.Mutex
	state       State
	step        string
	started     bool
	prefs       prefs.Preferences
	report      capability.Report
	kind        transport.Kind
	client      transport.Client
	rtcOnline   bool
	connected   bool
	trusted     bool
	gate        *time.Timer
	reloadAsked bool
}

// New validates the configuration and builds an idle session. The initial
// connection gate starts counting here.
func New(o Options) (*Session, error) {
	cfg := o.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := o.Bus
	if b == nil {
		b = bus.New()
	}
	probe := o.Probe
	if probe == nil {
		if cfg.Capability != nil {
			probe = capability.Static(*cfg.Capability)
		} else {
			probe = capability.Static(capability.Host())
		}
	}
	factories := o.Factories
	if factories == nil {
		factories = map[transport.Kind]transport.Factory{
			transport.KindNative: native.NewFactory(),
			transport.KindRelay:  relay.NewFactory(),
		}
	}
	notifier, own := o.Notifier, false
	if notifier == nil {
		notifier = notify.NewScheduler(b, time.Duration(cfg.Session.NotifyDebounceMS)*time.Millisecond)
		own = true
	}
	progress := o.Progress
	if progress == nil {
		progress = func(int, int, string) {}
	}

	var p prefs.Preferences
	if o.Prefs != nil {
		var err error
		if p, err = o.Prefs.Load(); err != nil {
			return nil, fmt.Errorf("session: load preferences: %w", err)
		}
	}

	s := &Session{
		id:        uuid.NewString(),
		cfg:       cfg,
		bus:       b,
		probe:     probe,
		store:     o.Prefs,
		factories: factories,
		notifier:  notifier,
		ownNotify: own,
		progress:  progress,
		surfaces:  surface.NewRegistry(cfg.Session.ContainerID),
		state:     StateCreated,
		prefs:     p,
		rtcOnline: true,
	}

	c, err := consumer.New(consumer.Options{
		Bus:                          b,
		Roster:                       consumer.NewRoster(cfg.Languages(), cfg.Members()),
		Surfaces:                     s.surfaces,
		LocalUID:                     cfg.Auth.UID,
		ForceFallbackOnAutoPlayError: cfg.Session.OnAutoPlayErrorForceFallback,
		OnForceFallback:              s.forceFallback,
	})
	if err != nil {
		return nil, err
	}
	s.consumer = c

	wait := time.Duration(cfg.Session.WaitForInitialConnectionMS) * time.Millisecond
	s.gate = time.AfterFunc(wait, s.trustNetworkQuality)

	logger.WithFields(logrus.Fields{
		"session":   s.id,
		"channel":   cfg.Auth.Channel,
		"uid":       cfg.Auth.UID,
		"user_type": cfg.Session.UserType,
		"languages": cfg.Languages(),
	}).Info("session created")
	return s, nil
}

// ID is a random identifier for log correlation.
func (s *Session) ID() string { return s.id }

// Bus returns the bus every event of the session is published on.
func (s *Session) Bus() *bus.Bus { return s.bus }

// Surfaces returns the placeholder registry media is delivered to.
func (s *Session) Surfaces() *surface.Registry { return s.surfaces }

// Consumer exposes the subscription state machine.
func (s *Session) Consumer() *consumer.Consumer { return s.consumer }

// Preferences returns the preferences the session was built with.
func (s *Session) Preferences() prefs.Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prefs
}

// State returns the current state and the last step that ran.
func (s *Session) State() (State, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.step
}

func (s *Session) role() transport.Role {
	if s.cfg.Session.UserType == config.UserTypeHost {
		return transport.RoleHost
	}
	return transport.RoleAudience
}

func (s *Session) setState(st State, step string) {
	s.mu.Lock()
	s.state = st
	s.step = step
	s.mu.Unlock()
	logger.WithFields(logrus.Fields{
		"session": s.id,
		"state":   st,
		"step":    step,
	}).Debug("state changed")
	s.bus.Publish(bus.TopicSessionState, bus.StatePayload{State: string(st), Step: step})
}

// fail parks the session in Failed and emits one error naming step.
func (s *Session) fail(step string, err error) error {
	logger.WithFields(logrus.Fields{
		"session": s.id,
		"step":    step,
		"error":   err,
	}).Error("session step failed")
	s.setState(StateFailed, step)
	p := bus.ErrorPayload{
		Context: "session " + step,
		Message: err.Error(),
		Cause:   err,
	}
	var te *transport.Error
	if errors.As(err, &te) {
		p.Code = string(te.Code)
	}
	s.bus.Publish(bus.TopicError, p)
	return fmt.Errorf("session: %s: %w", step, err)
}

// Start runs the state machine up to Joined. Each step runs once, in order;
// the first failure stops it.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	// ── Capability
	s.progress(1, totalSteps, "Checking capabilities")
	report, err := s.probe.Probe(ctx)
	if err != nil {
		return s.fail(StepCapability, err)
	}
	s.mu.Lock()
	s.report = report
	s.mu.Unlock()
	s.consumer.SetIOS(report.IsIOS)
	for _, n := range capability.Notices(report, s.role() == transport.RoleHost) {
		s.notifier.Announce(bus.TopicSupport, n.ID, n.Message)
	}
	s.setState(StateCapabilityChecked, StepCapability)

	// ── Transport
	s.progress(2, totalSteps, "Selecting transport")
	kind, reason := selectTransport(s.cfg.Session, s.Preferences(), report)
	factory, ok := s.factories[kind]
	if !ok {
		return s.fail(StepTransport, fmt.Errorf("no %s transport available", kind))
	}
	if kind == transport.KindRelay && report.IsIOS && s.cfg.Session.IOSUseFallback {
		s.notifier.Announce(bus.TopicSupport, capability.NoticeIOSFallback, "using the relay transport on iOS")
	}
	s.mu.Lock()
	s.kind = kind
	s.mu.Unlock()
	logger.WithFields(logrus.Fields{
		"session":   s.id,
		"transport": kind,
		"reason":    reason,
	}).Info("transport selected")
	s.setState(StateTransportSelected, StepTransport)

	// ── Client
	s.progress(3, totalSteps, "Creating client")
	client, err := factory.CreateClient(transport.ClientConfig{
		SignalURL:  s.cfg.Auth.SignalURL,
		ICEServers: s.cfg.ICE.Servers,
		Role:       s.role(),
		Sinks:      s.surfaces,
	})
	if err != nil {
		return s.fail(StepClient, err)
	}
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	s.wire(client)
	if err := s.consumer.Attach(client); err != nil {
		return s.fail(StepClient, err)
	}
	s.setState(StateClientCreated, StepClient)

	// ── Init
	s.progress(4, totalSteps, "Initializing client")
	if err := client.Init(ctx, s.cfg.Auth.AppID); err != nil {
		if kind == transport.KindNative && errors.Is(err, transport.ErrPeerConnection) {
			s.forceFallback("peer connection unavailable: " + err.Error())
		}
		return s.fail(StepInit, err)
	}
	s.consumer.MarkInitialized()
	s.setState(StateInitialized, StepInit)

	// ── Join
	s.progress(5, totalSteps, "Joining channel")
	if err := client.Join(ctx, s.cfg.Auth.Token, s.cfg.Auth.Channel, s.cfg.Auth.UID); err != nil {
		return s.fail(StepJoin, err)
	}
	s.setState(StateJoined, StepJoin)
	if kind == transport.KindRelay && s.Preferences().ForceFallback {
		s.clearFallback()
	}
	return nil
}

// selectTransport applies, in order: an explicit relay config, the
// persisted forced fallback, missing WebRTC support, the iOS fallback
// switch. Everything else gets the native transport.
func selectTransport(cfg config.Session, p prefs.Preferences, r capability.Report) (transport.Kind, string) {
	switch {
	case cfg.Transport == config.TransportRelay:
		return transport.KindRelay, "configured"
	case p.ForceFallback:
		return transport.KindRelay, "forced fallback: " + p.ForceFallbackReason
	case !r.IsWebRTCSupported:
		return transport.KindRelay, "webrtc unsupported"
	case r.IsIOS && cfg.IOSUseFallback:
		return transport.KindRelay, "ios fallback"
	case cfg.Transport == config.TransportNative:
		return transport.KindNative, "configured"
	default:
		return transport.KindNative, "default"
	}
}

// forceFallback persists the fallback flag and asks the embedding
// application for a rebuild. It acts once per session and never on the relay.
func (s *Session) forceFallback(reason string) {
	s.mu.Lock()
	if s.reloadAsked || s.kind == transport.KindRelay {
		s.mu.Unlock()
		return
	}
	s.reloadAsked = true
	store := s.store
	s.mu.Unlock()

	log := logger.WithFields(logrus.Fields{
		"session": s.id,
		"reason":  reason,
	})
	if store != nil {
		p, err := store.Update(func(p *prefs.Preferences) {
			p.ForceFallback = true
			p.ForceFallbackReason = reason
		})
		if err != nil {
			log.WithError(err).Error("persist forced fallback")
		} else {
			s.mu.Lock()
			s.prefs = p
			s.mu.Unlock()
		}
	}
	log.Warn("forcing relay transport, reload requested")
	s.bus.Publish(bus.TopicSessionReload, bus.ReloadPayload{Reason: reason})
}

// clearFallback drops the persisted fallback once the relay has joined, so
// the next session tries the native transport again. A native failure there
// forces the fallback anew.
func (s *Session) clearFallback() {
	s.mu.Lock()
	store := s.store
	s.mu.Unlock()
	if store == nil {
		return
	}
	p, err := store.Update(func(p *prefs.Preferences) {
		p.ForceFallback = false
		p.ForceFallbackReason = ""
	})
	if err != nil {
		logger.WithField("session", s.id).WithError(err).Warn("clear forced fallback")
		return
	}
	s.mu.Lock()
	s.prefs = p
	s.mu.Unlock()
	logger.WithField("session", s.id).Info("relay joined, forced fallback cleared")
}

// Leave leaves the channel. The session can not be started again.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	client, st := s.client, s.state
	s.mu.Unlock()
	if client == nil || st != StateJoined {
		return ErrNotJoined
	}
	err := client.Leave(ctx)
	s.setState(StateLeft, "leave")
	return err
}

// Close tears everything down. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	client := s.client
	s.gate.Stop()
	s.mu.Unlock()

	s.consumer.Sync()
	s.consumer.Close()
	s.surfaces.Close()
	var err error
	if client != nil {
		err = client.Close()
	}
	if s.ownNotify {
		s.notifier.Close()
	}
	s.setState(StateClosed, "close")
	logger.WithField("session", s.id).Info("session closed")
	return err
}

// Status is a point-in-time view of the session.
type Status struct {
	ID               string            `json:"id"`
	State            State             `json:"state"`
	Step             string            `json:"step,omitempty"`
	Transport        transport.Kind    `json:"transport,omitempty"`
	Online           bool              `json:"online"`
	Connected        bool              `json:"connected"`
	Capability       capability.Report `json:"capability"`
	ConnectionStatus string            `json:"connectionStatus,omitempty"`
	Consumer         consumer.Snapshot `json:"consumer"`
}

// Status snapshots the session and its consumer.
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		ID:         s.id,
		State:      s.state,
		Step:       s.step,
		Transport:  s.kind,
		Online:     s.rtcOnline,
		Connected:  s.connected,
		Capability: s.report,
	}
	s.mu.Unlock()
	if n, ok := s.notifier.Last(bus.TopicConnectionStatus); ok {
		st.ConnectionStatus = n.ID
	}
	st.Consumer = s.consumer.Snapshot()
	return st
}
