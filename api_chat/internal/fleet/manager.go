package fleet

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tallyhook/api_chat/internal/worker"
	"tallyhook/pkg/logging"
)

// Config tunes the balancing and health-check policy.
type Config struct {
	Strategy           Strategy
	WorkerChannelCap   int
	MinWorkers         int
	MaxWorkers         int
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	HealthInterval     time.Duration
	RejoinInterval     time.Duration
	IdleGracePeriod    time.Duration

	SocketEndpoint string
	UserToken      string
	UserLogin      string

	// Dial overrides how each spawned Worker opens its socket; nil means
	// worker.DialSocket. Tests substitute a fake dialer here.
	Dial func(ctx context.Context, endpoint string) (worker.Socket, error)

	Logger logging.Logger

	// DroppedEvents, if set, is incremented whenever the forward channel
	// to the counter pipeline is full and a privmsg event is dropped.
	// Passed through to every spawned Worker's own backpressure path too.
	DroppedEvents *prometheus.CounterVec
}

// Manager owns the fleet of Chat Workers. It runs as a single goroutine
// serialising every command over one queue, so no lock is ever held
// across a Worker's socket I/O: the Manager's maps are touched only from
// its own run loop.
type Manager struct {
	cfg Config

	cmds  chan command
	exits chan worker.ExitNotice

	// byChannel maps a broadcaster login opened with open()/close() to its
	// dedicated Worker. pooled holds Workers used for join()/leave() that
	// may carry many channels each, up to cfg.WorkerChannelCap.
	byChannel map[string]*worker.Handle
	pooled    []*worker.Handle
	rrCursor  int

	workerEvents chan worker.Event
	forward      chan<- worker.Event
	nextID       int
	shutdown     chan struct{}
	done         chan struct{}
}

// New constructs a Manager. Start must be called to run its command loop.
// forward receives PRIVMSG events so the counter pipeline can consume them;
// the Manager itself consumes every event first to keep Handle bookkeeping
// (JoinedChannels, Connected, LastActivity) current.
func New(cfg Config, forward chan<- worker.Event) *Manager {
	return &Manager{
		cfg:          cfg,
		cmds:         make(chan command, 64),
		exits:        make(chan worker.ExitNotice, 64),
		byChannel:    make(map[string]*worker.Handle),
		workerEvents: make(chan worker.Event, 256),
		forward:      forward,
		shutdown:     make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start runs the command loop until ctx is cancelled or Shutdown completes.
func (m *Manager) Start(ctx context.Context) {
	defer close(m.done)

	health := time.NewTicker(m.healthInterval())
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdownAll(context.Background())
			return

		case <-m.shutdown:
			m.shutdownAll(context.Background())
			return

		case c := <-m.cmds:
			m.dispatch(ctx, c)

		case exit := <-m.exits:
			m.reapByID(exit.WorkerID)

		case ev := <-m.workerEvents:
			m.observe(ev)

		case <-health.C:
			m.runHealthSweep(ctx)
		}
	}
}

func (m *Manager) healthInterval() time.Duration {
	if m.cfg.HealthInterval <= 0 {
		return 30 * time.Second
	}
	return m.cfg.HealthInterval
}

// shutdownAll closes every Worker, bounded by the same 5 second grace
// period as an individual close.
func (m *Manager) shutdownAll(ctx context.Context) {
	for _, h := range m.byChannel {
		_ = m.closeHandle(h)
	}
	for _, h := range m.pooled {
		_ = m.closeHandle(h)
	}
	m.byChannel = make(map[string]*worker.Handle)
	m.pooled = nil
}

func (m *Manager) dispatch(ctx context.Context, c command) {
	switch c.kind {
	case cmdOpen:
		c.reply <- m.doOpen(ctx, c.login)
	case cmdClose:
		c.reply <- m.doClose(ctx, c.login)
	case cmdJoin:
		c.reply <- m.doJoin(ctx, c.login)
	case cmdLeave:
		c.reply <- m.doLeave(ctx, c.login)
	case cmdStats:
		c.reply <- m.doStats()
	case cmdShutdown:
		close(m.shutdown)
		c.reply <- struct{}{}
	case cmdSend:
		c.reply <- m.doSend(ctx, c.channel, c.text)
	}
}

// Open opens a dedicated Worker for login, idempotently.
func (m *Manager) Open(ctx context.Context, login string) error {
	return m.call(ctx, cmdOpen, login)
}

// Close shuts down the dedicated Worker for login, if any.
func (m *Manager) Close(ctx context.Context, login string) error {
	return m.call(ctx, cmdClose, login)
}

// Join routes channel to a pooled Worker, spawning one if needed.
func (m *Manager) Join(ctx context.Context, channel string) error {
	return m.call(ctx, cmdJoin, channel)
}

// Leave removes channel from whichever pooled Worker holds it.
func (m *Manager) Leave(ctx context.Context, channel string) error {
	return m.call(ctx, cmdLeave, channel)
}

// Send routes a chat reply to whichever Worker holds channel, dedicated
// or pooled. Used by the counter pipeline's !pisscount command reply.
func (m *Manager) Send(ctx context.Context, channel, text string) error {
	reply := make(chan any, 1)
	select {
	case m.cmds <- command{kind: cmdSend, channel: channel, text: text, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case v := <-reply:
		if err, ok := v.(error); ok {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a point-in-time snapshot of the fleet.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan any, 1)
	select {
	case m.cmds <- command{kind: cmdStats, reply: reply}:
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
	select {
	case v := <-reply:
		return v.(Stats), nil
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

// Shutdown stops every Worker and the command loop, then waits for Start
// to return.
func (m *Manager) Shutdown(ctx context.Context) error {
	if err := m.call(ctx, cmdShutdown, ""); err != nil {
		return err
	}
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) call(ctx context.Context, kind commandKind, login string) error {
	reply := make(chan any, 1)
	select {
	case m.cmds <- command{kind: kind, login: login, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case v := <-reply:
		if err, ok := v.(error); ok {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) doOpen(ctx context.Context, login string) error {
	if h, ok := m.byChannel[login]; ok {
		select {
		case <-h.Done():
			// finished; fall through and replace it
		default:
			return nil // idempotent
		}
	}

	h := m.spawn(ctx, []string{login})
	m.byChannel[login] = h
	return nil
}

func (m *Manager) doClose(ctx context.Context, login string) error {
	h, ok := m.byChannel[login]
	if !ok {
		return nil
	}
	delete(m.byChannel, login)
	return m.closeHandle(h)
}

func (m *Manager) closeHandle(h *worker.Handle) error {
	h.Cancel()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		m.log().WithFields(logging.Fields{"worker_id": h.ID}).Warn("fleet: close timed out, treating as closed")
	}
	return nil
}

func (m *Manager) doJoin(ctx context.Context, channel string) error {
	for _, h := range m.pooled {
		if _, ok := h.AssignedChannels[channel]; ok {
			return nil // idempotent
		}
	}

	cap := m.workerCap()
	target := pick(m.cfg.Strategy, m.pooled, cap, &m.rrCursor)
	if target == nil {
		target = m.spawn(ctx, nil)
		m.pooled = append(m.pooled, target)
	}

	target.AssignedChannels[channel] = struct{}{}
	if err := target.Send(ctx, worker.JoinCommand(channel)); err != nil {
		return fmt.Errorf("fleet: join %s: %w", channel, err)
	}

	m.maybeScaleUp(ctx)
	return nil
}

func (m *Manager) doLeave(ctx context.Context, channel string) error {
	for _, h := range m.pooled {
		if _, ok := h.AssignedChannels[channel]; ok {
			delete(h.AssignedChannels, channel)
			return h.Send(ctx, worker.PartCommand(channel))
		}
	}
	return nil
}

func (m *Manager) doSend(ctx context.Context, channel, text string) error {
	h := m.handleFor(channel)
	if h == nil {
		return fmt.Errorf("fleet: no worker holds channel %s", channel)
	}
	return h.Send(ctx, worker.SendCommand(channel, text))
}

func (m *Manager) doStats() Stats {
	var active []string
	for ch := range m.byChannel {
		active = append(active, ch)
	}
	for _, h := range m.pooled {
		for ch := range h.AssignedChannels {
			active = append(active, ch)
		}
	}
	return Stats{ActiveCount: len(active), ActiveBroadcasters: active}
}

// observe folds a Worker event into its Handle's bookkeeping, then
// forwards it downstream for events the counter pipeline cares about.
func (m *Manager) observe(ev worker.Event) {
	switch ev.Kind {
	case worker.EventConnected:
		// Connected/LastActivity live on the handle the spawn() call
		// already tracks in byChannel/pooled; find it by most-recently
		// spawned convention isn't reliable across concurrent opens, so
		// channel-scoped events below are what actually update state.
	case worker.EventJoined:
		if h := m.handleFor(ev.Channel); h != nil {
			h.JoinedChannels[ev.Channel] = struct{}{}
			h.Connected = true
			h.LastActivity = time.Now()
		}
	case worker.EventParted:
		if h := m.handleFor(ev.Channel); h != nil {
			delete(h.JoinedChannels, ev.Channel)
			h.LastActivity = time.Now()
		}
	case worker.EventPrivmsg:
		if h := m.handleFor(ev.Channel); h != nil {
			h.LastActivity = time.Now()
		}
	}

	if ev.Kind == worker.EventPrivmsg && m.forward != nil {
		select {
		case m.forward <- ev:
		default:
			m.log().Warn("fleet: forward channel full, dropping privmsg event")
			if m.cfg.DroppedEvents != nil {
				m.cfg.DroppedEvents.WithLabelValues(ev.Kind.String()).Inc()
			}
		}
	}
}

func (m *Manager) handleFor(channel string) *worker.Handle {
	if h, ok := m.byChannel[channel]; ok {
		return h
	}
	for _, h := range m.pooled {
		if _, ok := h.AssignedChannels[channel]; ok {
			return h
		}
	}
	return nil
}

func (m *Manager) spawn(ctx context.Context, initial []string) *worker.Handle {
	m.nextID++
	id := fmt.Sprintf("worker-%d", m.nextID)

	return worker.Spawn(ctx, id, worker.Config{
		Endpoint:      m.cfg.SocketEndpoint,
		UserToken:     m.cfg.UserToken,
		UserLogin:     m.cfg.UserLogin,
		RejoinEvery:   m.cfg.RejoinInterval,
		Dial:          m.cfg.Dial,
		Logger:        m.cfg.Logger,
		DroppedEvents: m.cfg.DroppedEvents,
	}, initial, m.workerEvents, m.exits)
}

func (m *Manager) workerCap() int {
	if m.cfg.WorkerChannelCap <= 0 {
		return 100
	}
	return m.cfg.WorkerChannelCap
}

func (m *Manager) reapByID(id string) {
	for login, h := range m.byChannel {
		if h.ID == id {
			delete(m.byChannel, login)
			return
		}
	}
	for i, h := range m.pooled {
		if h.ID == id {
			m.pooled = append(m.pooled[:i], m.pooled[i+1:]...)
			return
		}
	}
}

// runHealthSweep prunes finished handles, re-issues missing joins, and
// logs Workers that have been disconnected past the idle grace period.
func (m *Manager) runHealthSweep(ctx context.Context) {
	m.pruneFinished()

	for _, h := range m.pooled {
		var missing []string
		for ch := range h.AssignedChannels {
			if _, ok := h.JoinedChannels[ch]; !ok {
				missing = append(missing, ch)
			}
		}
		if len(missing) > 0 {
			_ = h.Send(ctx, worker.JoinCommand(missing...))
		}
		if !h.Connected && time.Since(h.LastActivity) > m.idleGrace() {
			m.log().WithFields(logging.Fields{"worker_id": h.ID}).Warn("fleet: worker idle past grace period")
		}
	}

	m.maybeScaleDown(ctx)
}

func (m *Manager) idleGrace() time.Duration {
	if m.cfg.IdleGracePeriod <= 0 {
		return 2 * time.Minute
	}
	return m.cfg.IdleGracePeriod
}

func (m *Manager) pruneFinished() {
	live := m.pooled[:0]
	for _, h := range m.pooled {
		select {
		case <-h.Done():
			continue
		default:
			live = append(live, h)
		}
	}
	m.pooled = live

	for login, h := range m.byChannel {
		select {
		case <-h.Done():
			delete(m.byChannel, login)
		default:
		}
	}
}

func (m *Manager) maybeScaleUp(ctx context.Context) {
	max := m.cfg.MaxWorkers
	if max <= 0 || len(m.pooled) >= max {
		return
	}
	threshold := m.cfg.ScaleUpThreshold
	if threshold <= 0 {
		threshold = 0.8
	}
	if averageLoad(m.pooled, m.workerCap()) > threshold {
		m.pooled = append(m.pooled, m.spawn(ctx, nil))
	}
}

// maybeScaleDown drains the least-loaded pooled Worker into its peers
// before terminating it, so channels are never dropped.
func (m *Manager) maybeScaleDown(ctx context.Context) {
	min := m.cfg.MinWorkers
	if min <= 0 {
		min = 1
	}
	if len(m.pooled) <= min {
		return
	}
	threshold := m.cfg.ScaleDownThreshold
	if threshold <= 0 {
		threshold = 0.3
	}
	if averageLoad(m.pooled, m.workerCap()) >= threshold {
		return
	}

	victim := m.pooled[0]
	for _, h := range m.pooled[1:] {
		if h.Load() < victim.Load() {
			victim = h
		}
	}
	if victim.Load() > 0 {
		survivors := make([]*worker.Handle, 0, len(m.pooled)-1)
		for _, h := range m.pooled {
			if h != victim {
				survivors = append(survivors, h)
			}
		}
		for ch := range victim.AssignedChannels {
			target := pick(m.cfg.Strategy, survivors, m.workerCap(), &m.rrCursor)
			if target == nil {
				return // nowhere to drain to; keep the Worker alive
			}
			target.AssignedChannels[ch] = struct{}{}
			_ = target.Send(ctx, worker.JoinCommand(ch))
		}
	}

	m.pooled = removeHandle(m.pooled, victim)
	_ = m.closeHandle(victim)
}

func removeHandle(handles []*worker.Handle, victim *worker.Handle) []*worker.Handle {
	out := make([]*worker.Handle, 0, len(handles))
	for _, h := range handles {
		if h != victim {
			out = append(out, h)
		}
	}
	return out
}

func (m *Manager) log() logging.Logger {
	if m.cfg.Logger == nil {
		return logging.NewLogger()
	}
	return m.cfg.Logger
}
