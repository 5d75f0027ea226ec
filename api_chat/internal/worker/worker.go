// Package worker implements the Chat Worker (C4): one authenticated
// socket, its joined channels, frame decoding via ircparse (C3), and
// forwarding of PRIVMSG events to whatever owns the counter pipeline.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tallyhook/api_chat/internal/ircparse"
	"tallyhook/pkg/logging"
)

var errWorkerExited = errors.New("worker: handle's worker has already exited")

const placeholderToken = "oauth:<redacted>"

// Config carries the fixed, per-process settings every Worker dials with.
type Config struct {
	Endpoint    string
	UserToken   string
	UserLogin   string
	RejoinEvery time.Duration
	Logger      logging.Logger

	// DroppedEvents, if set, is incremented (labelled by event kind) every
	// time emit's backpressure branch drops an event. Nil is fine; the
	// warning log still fires.
	DroppedEvents *prometheus.CounterVec

	// Dial overrides how the socket is opened; tests substitute a fake.
	// Production callers leave this nil and get DialSocket.
	Dial func(ctx context.Context, endpoint string) (Socket, error)
}

// Spawn starts a Worker's run loop in its own goroutine and returns the
// Fleet Manager's Handle to it immediately; the Worker dials and
// authenticates asynchronously.
func Spawn(parentCtx context.Context, id string, cfg Config, initial []string, events chan<- Event, exits chan<- ExitNotice) *Handle {
	ctx, cancel := context.WithCancel(parentCtx)
	cmds := make(chan Command, 32)
	done := make(chan struct{})

	assigned := make(map[string]struct{}, len(initial))
	for _, ch := range initial {
		assigned[ch] = struct{}{}
	}

	h := &Handle{
		ID:               id,
		AssignedChannels: assigned,
		JoinedChannels:   make(map[string]struct{}),
		LastActivity:     time.Now(),
		cmds:             cmds,
		cancel:           cancel,
		done:             done,
	}

	w := &Worker{
		id:       id,
		cfg:      cfg,
		cmds:     cmds,
		assigned: cloneSet(assigned),
		joined:   make(map[string]struct{}),
		events:   events,
		exits:    exits,
	}

	go func() {
		defer close(done)
		w.run(ctx)
	}()

	return h
}

// Worker owns exactly one socket and the channels joined on it. Every
// field below is touched only from the run loop's goroutine.
type Worker struct {
	id       string
	cfg      Config
	socket   Socket
	cmds     <-chan Command
	assigned map[string]struct{}
	joined   map[string]struct{}
	events   chan<- Event
	exits    chan<- ExitNotice
}

func (w *Worker) log() logging.Logger {
	if w.cfg.Logger == nil {
		return logging.NewLogger()
	}
	return w.cfg.Logger
}

func (w *Worker) run(ctx context.Context) {
	err := w.connect(ctx)
	if err != nil {
		w.log().WithFields(logging.Fields{"worker_id": w.id, "error": err.Error()}).Error("worker: connect failed")
		w.reportExit(err)
		return
	}
	defer w.socket.Close()

	lines := make(chan string)
	readErrs := make(chan error, 1)
	go w.readPump(ctx, lines, readErrs)

	rejoin := time.NewTicker(w.rejoinInterval())
	defer rejoin.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			w.partAll(context.Background())
			break loop

		case line := <-lines:
			w.handleLine(ctx, line)

		case err := <-readErrs:
			runErr = err
			break loop

		case cmd := <-w.cmds:
			if !w.handleCommand(ctx, cmd) {
				break loop
			}

		case <-rejoin.C:
			w.rejoinMissing(ctx)
		}
	}

	w.reportExit(runErr)
}

func (w *Worker) rejoinInterval() time.Duration {
	if w.cfg.RejoinEvery <= 0 {
		return 30 * time.Second
	}
	return w.cfg.RejoinEvery
}

func (w *Worker) connect(ctx context.Context) error {
	dial := w.cfg.Dial
	if dial == nil {
		dial = DialSocket
	}
	socket, err := dial(ctx, w.cfg.Endpoint)
	if err != nil {
		return err
	}
	w.socket = socket

	lines := []string{
		"CAP REQ :twitch.tv/tags twitch.tv/commands",
		fmt.Sprintf("PASS oauth:%s", w.cfg.UserToken),
		fmt.Sprintf("NICK %s", w.cfg.UserLogin),
		fmt.Sprintf("USER %s 8 * :%s", w.cfg.UserLogin, w.cfg.UserLogin),
	}
	for i, line := range lines {
		if err := w.socket.WriteLine(ctx, line); err != nil {
			return fmt.Errorf("handshake line %d: %w", i, err)
		}
		logged := line
		if i == 1 {
			logged = fmt.Sprintf("PASS %s", placeholderToken)
		}
		w.log().WithFields(logging.Fields{"worker_id": w.id}).Debug("worker: sent " + logged)
	}

	if len(w.assigned) > 0 {
		if err := w.joinChannels(ctx, setKeys(w.assigned)); err != nil {
			return fmt.Errorf("initial join: %w", err)
		}
	}

	w.emit(Event{Kind: EventConnected})
	return nil
}

func (w *Worker) readPump(ctx context.Context, lines chan<- string, errs chan<- error) {
	for {
		line, err := w.socket.ReadLine(ctx)
		if err != nil {
			errs <- err
			return
		}
		select {
		case lines <- line:
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) handleLine(ctx context.Context, raw string) {
	frame, err := ircparse.Parse(raw)
	if err != nil {
		w.log().WithFields(logging.Fields{"worker_id": w.id}).Debug("worker: unparsable line")
		return
	}

	switch frame.Command {
	case "PING":
		_ = w.socket.WriteLine(ctx, "PONG :tmi.twitch.tv")

	case "JOIN":
		w.joined[frame.ExtractChannel()] = struct{}{}
		w.emit(Event{Kind: EventJoined, Channel: frame.ExtractChannel()})

	case "PART":
		delete(w.joined, frame.ExtractChannel())
		w.emit(Event{Kind: EventParted, Channel: frame.ExtractChannel()})

	case "PRIVMSG":
		if len(frame.Params) < 2 {
			return
		}
		w.emit(Event{
			Kind:        EventPrivmsg,
			Channel:     frame.ExtractChannel(),
			ChatterID:   frame.Tag("user-id"),
			ChatterName: frame.Tag("display-name"),
			Color:       frame.Tag("color"),
			Text:        frame.Params[1],
		})

	case "NOTICE":
		w.log().WithFields(logging.Fields{"worker_id": w.id, "channel": frame.ExtractChannel()}).Info("worker: notice")

	default:
		if isNumeric(frame.Command) {
			w.log().WithFields(logging.Fields{"worker_id": w.id, "code": frame.Command}).Debug("worker: numeric reply")
		} else {
			w.log().WithFields(logging.Fields{"worker_id": w.id, "command": frame.Command}).Debug("worker: unhandled command")
		}
	}
}

func (w *Worker) handleCommand(ctx context.Context, cmd Command) bool {
	switch cmd.Kind {
	case CmdJoin:
		for _, ch := range cmd.Channels {
			w.assigned[ch] = struct{}{}
		}
		_ = w.joinChannels(ctx, cmd.Channels)

	case CmdPart:
		for _, ch := range cmd.Channels {
			delete(w.assigned, ch)
		}
		_ = w.partChannels(ctx, cmd.Channels)

	case CmdSend:
		_ = w.socket.WriteLine(ctx, fmt.Sprintf("PRIVMSG #%s :%s", cmd.Channel, cmd.Text))

	case CmdShutdown:
		return false
	}
	return true
}

func (w *Worker) rejoinMissing(ctx context.Context) {
	var missing []string
	for ch := range w.assigned {
		if _, ok := w.joined[ch]; !ok {
			missing = append(missing, ch)
		}
	}
	if len(missing) == 0 {
		return
	}
	if err := w.joinChannels(ctx, missing); err != nil {
		w.log().WithFields(logging.Fields{"worker_id": w.id, "error": err.Error()}).Warn("worker: rejoin failed")
	}
}

func (w *Worker) joinChannels(ctx context.Context, channels []string) error {
	if len(channels) == 0 {
		return nil
	}
	return w.socket.WriteLine(ctx, "JOIN "+prefixedList(channels))
}

func (w *Worker) partChannels(ctx context.Context, channels []string) error {
	if len(channels) == 0 {
		return nil
	}
	return w.socket.WriteLine(ctx, "PART "+prefixedList(channels))
}

func (w *Worker) partAll(ctx context.Context) {
	if len(w.assigned) == 0 {
		return
	}
	_ = w.partChannels(ctx, setKeys(w.assigned))
}

func (w *Worker) emit(ev Event) {
	if w.events == nil {
		return
	}
	select {
	case w.events <- ev:
	default:
		w.log().WithFields(logging.Fields{"worker_id": w.id, "kind": ev.Kind}).Warn("worker: events channel full, dropping event")
		if w.cfg.DroppedEvents != nil {
			w.cfg.DroppedEvents.WithLabelValues(ev.Kind.String()).Inc()
		}
	}
}

func (w *Worker) reportExit(err error) {
	w.emit(Event{Kind: EventDisconnected})
	if w.exits == nil {
		return
	}
	select {
	case w.exits <- ExitNotice{WorkerID: w.id, Err: err}:
	default:
	}
}

func prefixedList(channels []string) string {
	prefixed := make([]string, len(channels))
	for i, ch := range channels {
		prefixed[i] = "#" + ch
	}
	return strings.Join(prefixed, ",")
}

func cloneSet(s map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

func setKeys(s map[string]struct{}) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

func isNumeric(cmd string) bool {
	if len(cmd) != 3 {
		return false
	}
	for _, r := range cmd {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
