// Package supervisor manages the fleet of worker processes: it starts and
// stops them on request, relays their reports to observers, keeps the bot
// configuration timestamps current, and restarts workers that crash.
//
// All fleet state is owned by the goroutine running Run. Public methods post
// closures to that loop and wait for the result, and worker pumps forward
// messages into it, so no state is ever touched concurrently.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"botfleet/internal/logging"
	"botfleet/pkg/eventlog"
	"botfleet/pkg/fanout"
	"botfleet/pkg/protocol"
	"botfleet/pkg/schedule"
)

// ErrStopped is returned by requests made after Run has returned.
var ErrStopped = errors.New("supervisor stopped")

// ConfigStore is the durable bot configuration document.
type ConfigStore interface {
	Get(id string) (protocol.BotConfig, error)
	List() []protocol.BotConfig
	Add(cfg protocol.BotConfig) error
	Remove(id string) error
	Update(id string, fn func(*protocol.BotConfig)) (protocol.BotConfig, error)
}

// Publisher fans events out to observers.
type Publisher interface {
	Publish(ev fanout.Event)
}

// EventRecorder keeps lifecycle history.
type EventRecorder interface {
	Record(ctx context.Context, r eventlog.Record) error
}

// Config configures a Supervisor.
type Config struct {
	Store     ConfigStore
	Launcher  Launcher
	Publisher Publisher
	Events    EventRecorder // optional
	Logger    logrus.FieldLogger

	// Worker is sent to every worker with START.
	Worker protocol.WorkerSettings

	// RestartDelay is the wait before restarting a crashed worker. Defaults
	// to the worker reconnect delay.
	RestartDelay time.Duration

	// StopGrace is how long a worker has to EXIT after STOP before it is
	// killed.
	StopGrace time.Duration

	Now   func() time.Time
	NewID func() string
}

func (c Config) withDefaults() Config {
	if c.RestartDelay <= 0 {
		c.RestartDelay = c.Worker.ReconnectDelayDuration()
	}
	if c.StopGrace <= 0 {
		c.StopGrace = protocol.DefaultStopGrace
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	if c.Logger == nil {
		c.Logger = logging.Discard()
	}
	if c.Publisher == nil {
		c.Publisher = nopPublisher{}
	}
	return c
}

type nopPublisher struct{}

func (nopPublisher) Publish(fanout.Event) {}

// Supervisor is the fleet manager.
type Supervisor struct {
	cfg   Config
	log   logrus.FieldLogger
	sched *schedule.Scheduler
	ctx   context.Context

	requests    chan func()
	workerMsgs  chan workerMsg
	workerExits chan workerExit
	done        chan struct{}

	instances map[string]*instance
	restarts  map[string]schedule.TaskID
	statuses  map[string]protocol.BotStatus // last status of bots without a worker
	restarted map[string]int
	shutdown  bool
}

// instance is a running worker. It exists only while the worker lives.
type instance struct {
	cfg       protocol.BotConfig
	proc      WorkerProcess
	status    protocol.BotStatus
	stopping  bool
	graceTask schedule.TaskID
}

type workerMsg struct {
	inst *instance
	msg  protocol.Message
}

type workerExit struct {
	inst *instance
	err  error
}

// New creates a Supervisor. Store and Launcher are required.
func New(cfg Config) *Supervisor {
	cfg = cfg.withDefaults()
	return &Supervisor{
		cfg:         cfg,
		log:         cfg.Logger.WithField("component", "supervisor"),
		sched:       schedule.New(),
		ctx:         context.Background(),
		requests:    make(chan func()),
		workerMsgs:  make(chan workerMsg),
		workerExits: make(chan workerExit),
		done:        make(chan struct{}),
		instances:   make(map[string]*instance),
		restarts:    make(map[string]schedule.TaskID),
		statuses:    make(map[string]protocol.BotStatus),
		restarted:   make(map[string]int),
	}
}

// Run is the supervisor event loop. When ctx is cancelled every worker is
// asked to stop, stragglers are killed after the grace period, and Run
// returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	s.ctx = ctx
	defer close(s.done)
	defer s.sched.Close()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return nil

		case fn := <-s.requests:
			fn()

		case m := <-s.workerMsgs:
			s.handleWorkerMessage(m)

		case x := <-s.workerExits:
			s.handleWorkerExit(x)

		case id := <-s.sched.Fired():
			s.sched.Run(id)
		}
	}
}

// call runs fn on the loop and returns its error.
func (s *Supervisor) call(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	req := func() { errCh <- fn() }

	select {
	case s.requests <- req:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the bot's worker. Starting a running bot is a no-op.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	return s.call(ctx, func() error { return s.start(id) })
}

// Stop asks the bot's worker to stop and cancels any pending restart.
// Stopping a bot that is not running is a no-op.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	return s.call(ctx, func() error { return s.stop(id) })
}

// SendCommand forwards text to the bot's session.
func (s *Supervisor) SendCommand(ctx context.Context, id, text string) error {
	return s.call(ctx, func() error { return s.sendCommand(id, text) })
}

// Login replays the bot's stored credential as a login command.
func (s *Supervisor) Login(ctx context.Context, id string) error {
	return s.call(ctx, func() error {
		cfg, err := s.cfg.Store.Get(id)
		if err != nil {
			return err
		}
		if inst := s.instances[id]; inst != nil {
			cfg = inst.cfg
		}
		if cfg.Credential == "" {
			return fmt.Errorf("bot %s has no credential", id)
		}
		return s.sendCommand(id, protocol.LoginText(cfg.Credential))
	})
}

// Add stores a new bot, assigning an id when cfg has none.
func (s *Supervisor) Add(ctx context.Context, cfg protocol.BotConfig) (protocol.BotView, error) {
	var view protocol.BotView
	err := s.call(ctx, func() error {
		var err error
		view, err = s.add(cfg)
		return err
	})
	return view, err
}

// Remove stops the bot if it is running and deletes its configuration.
func (s *Supervisor) Remove(ctx context.Context, id string) error {
	return s.call(ctx, func() error { return s.remove(id) })
}

// Snapshot returns the observer view of every configured bot.
func (s *Supervisor) Snapshot(ctx context.Context) ([]protocol.BotView, error) {
	var views []protocol.BotView
	err := s.call(ctx, func() error {
		views = s.snapshot()
		return nil
	})
	return views, err
}

// Refresh publishes a full snapshot, e.g. after the configuration document
// was edited outside the supervisor.
func (s *Supervisor) Refresh(ctx context.Context) error {
	return s.call(ctx, func() error {
		s.cfg.Publisher.Publish(fanout.SnapshotEvent(s.snapshot()))
		return nil
	})
}

func (s *Supervisor) start(id string) error {
	if s.instances[id] != nil {
		s.log.WithField("bot", id).Warn("start ignored: bot already running")
		return nil
	}
	if s.shutdown {
		return ErrStopped
	}
	if task, ok := s.restarts[id]; ok {
		s.sched.Cancel(task)
		delete(s.restarts, id)
	}

	cfg, err := s.cfg.Store.Get(id)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}

	log := s.log.WithField("bot", id)
	proc, err := s.cfg.Launcher.Launch(s.ctx, id)
	if err != nil {
		log.WithError(err).Error("launch worker")
		s.record(eventlog.Record{Type: eventlog.TypeLaunchError, BotID: id, Payload: errPayload(err)})
		s.setIdleStatus(id, protocol.BotStatus{}.Transition(protocol.StateOffline, "Failed to start worker: "+err.Error(), nil))
		return fmt.Errorf("start %s: %w", id, err)
	}

	inst := &instance{
		cfg:    cfg,
		proc:   proc,
		status: protocol.BotStatus{}.Transition(protocol.StateConnecting, "Starting worker process...", nil),
	}
	s.instances[id] = inst
	delete(s.statuses, id)

	log.WithField("pid", proc.PID()).Info("worker started")
	s.record(eventlog.Record{Type: eventlog.TypeStart, BotID: id, PID: proc.PID()})
	s.cfg.Publisher.Publish(fanout.StatusEvent(id, inst.status))

	go s.pump(inst)

	if err := proc.Send(protocol.StartMessage(cfg, s.cfg.Worker)); err != nil {
		log.WithError(err).Warn("send START")
	}
	return nil
}

// pump forwards the worker's messages and then its termination. Messages
// always arrive before the exit they precede.
func (s *Supervisor) pump(inst *instance) {
	for msg := range inst.proc.Messages() {
		select {
		case s.workerMsgs <- workerMsg{inst: inst, msg: msg}:
		case <-s.done:
			return
		}
	}
	err := inst.proc.Wait()
	select {
	case s.workerExits <- workerExit{inst: inst, err: err}:
	case <-s.done:
	}
}

func (s *Supervisor) stop(id string) error {
	if task, ok := s.restarts[id]; ok {
		s.sched.Cancel(task)
		delete(s.restarts, id)
		s.setIdleStatus(id, s.idleStatus(id).Transition(protocol.StateOffline, "Stopped.", nil))
	}

	inst := s.instances[id]
	if inst == nil {
		if _, err := s.cfg.Store.Get(id); err != nil {
			return fmt.Errorf("stop: %w", err)
		}
		return nil
	}
	if inst.stopping {
		return nil
	}
	inst.stopping = true

	log := s.log.WithFields(logrus.Fields{"bot": id, "pid": inst.proc.PID()})
	log.Info("stopping worker")
	s.record(eventlog.Record{Type: eventlog.TypeStop, BotID: id, PID: inst.proc.PID()})

	if err := inst.proc.Send(protocol.StopMessage()); err != nil {
		log.WithError(err).Warn("send STOP")
	}
	inst.graceTask = s.sched.After(s.cfg.StopGrace, func() {
		if s.instances[id] != inst {
			return
		}
		log.Warn("worker did not exit after STOP, killing")
		s.record(eventlog.Record{Type: eventlog.TypeForcedKill, BotID: id, PID: inst.proc.PID()})
		if err := inst.proc.Kill(); err != nil {
			log.WithError(err).Warn("kill worker")
		}
		s.cleanup(inst, false)
	})
	return nil
}

func (s *Supervisor) sendCommand(id, text string) error {
	inst := s.instances[id]
	if inst == nil {
		if _, err := s.cfg.Store.Get(id); err != nil {
			return err
		}
		return &protocol.BotNotRunningError{BotID: id, Op: "command"}
	}
	if err := inst.proc.Send(protocol.CommandMessage(text)); err != nil {
		return fmt.Errorf("send command to %s: %w", id, err)
	}
	return nil
}

func (s *Supervisor) add(cfg protocol.BotConfig) (protocol.BotView, error) {
	if cfg.ID == "" {
		cfg.ID = s.cfg.NewID()
	}
	cfg.LastStartedAt = nil
	cfg.LastStoppedAt = nil
	if err := s.cfg.Store.Add(cfg); err != nil {
		return protocol.BotView{}, err
	}

	s.log.WithField("bot", cfg.ID).Info("bot added")
	s.record(eventlog.Record{Type: eventlog.TypeAdded, BotID: cfg.ID})
	view := s.view(cfg)
	s.cfg.Publisher.Publish(fanout.Event{Type: fanout.EventAdded, BotID: cfg.ID, Bot: &view})
	return view, nil
}

func (s *Supervisor) remove(id string) error {
	if _, err := s.cfg.Store.Get(id); err != nil {
		return err
	}
	if err := s.stop(id); err != nil {
		return err
	}
	if err := s.cfg.Store.Remove(id); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	delete(s.statuses, id)
	delete(s.restarted, id)

	s.log.WithField("bot", id).Info("bot removed")
	s.record(eventlog.Record{Type: eventlog.TypeRemoved, BotID: id})
	s.cfg.Publisher.Publish(fanout.Event{Type: fanout.EventRemoved, BotID: id})
	return nil
}

func (s *Supervisor) handleWorkerMessage(m workerMsg) {
	inst := m.inst
	id := inst.cfg.ID
	if s.instances[id] != inst {
		return
	}

	switch m.msg.Type {
	case protocol.MsgStatusUpdate:
		status := m.msg.Status.BotStatus()
		if status.State == protocol.StateOnline && inst.status.State != protocol.StateOnline {
			now := s.cfg.Now()
			s.updateConfig(id, func(c *protocol.BotConfig) { c.LastStartedAt = &now })
		}
		inst.status = status
		s.record(eventlog.Record{Type: eventlog.TypeStatus, BotID: id, PID: inst.proc.PID(), Payload: status})
		s.cfg.Publisher.Publish(fanout.StatusEvent(id, status))

	case protocol.MsgLog:
		s.cfg.Publisher.Publish(fanout.LogEvent(id, m.msg.Log.Channel, m.msg.Log.Line, s.cfg.Now()))

	case protocol.MsgError:
		s.log.WithField("bot", id).Warn("worker error: " + m.msg.Error.Message)
		s.record(eventlog.Record{Type: eventlog.TypeWorkerError, BotID: id, PID: inst.proc.PID(), Payload: m.msg.Error})
		s.cfg.Publisher.Publish(fanout.LogEvent(id, protocol.ChannelSystem,
			"[SUPERVISOR] worker error: "+m.msg.Error.Message, s.cfg.Now()))

	case protocol.MsgExit:
		s.log.WithField("bot", id).Info("worker exited")
		s.record(eventlog.Record{Type: eventlog.TypeExit, BotID: id, PID: inst.proc.PID()})
		s.cleanup(inst, false)

	default:
		s.log.WithField("bot", id).Warnf("unexpected worker message %s", m.msg.Type)
	}
}

func (s *Supervisor) handleWorkerExit(x workerExit) {
	inst := x.inst
	id := inst.cfg.ID
	if s.instances[id] != inst {
		return
	}

	log := s.log.WithFields(logrus.Fields{"bot": id, "pid": inst.proc.PID()})
	if inst.stopping || s.shutdown {
		log.WithError(x.err).Info("worker ended while stopping")
		s.cleanup(inst, false)
		return
	}
	log.WithError(x.err).Error("worker exited unexpectedly")
	s.record(eventlog.Record{Type: eventlog.TypeCrash, BotID: id, PID: inst.proc.PID(), Payload: errPayload(x.err)})
	s.cleanup(inst, true)
}

// cleanup deregisters inst. It is idempotent: only the first call for a
// given instance has any effect.
func (s *Supervisor) cleanup(inst *instance, restart bool) {
	id := inst.cfg.ID
	if s.instances[id] != inst {
		return
	}
	delete(s.instances, id)
	s.sched.Cancel(inst.graceTask)

	now := s.cfg.Now()
	if !s.updateConfig(id, func(c *protocol.BotConfig) { c.LastStoppedAt = &now }) {
		// The bot was removed; nobody is interested in its status.
		return
	}

	if restart {
		delay := s.cfg.RestartDelay
		status := inst.status.Transition(protocol.StateOffline, fmt.Sprintf("Worker crashed; restarting in %s.", delay), nil)
		s.setIdleStatus(id, status)
		s.restarted[id]++
		s.restarts[id] = s.sched.After(delay, func() {
			delete(s.restarts, id)
			if err := s.start(id); err != nil {
				s.log.WithField("bot", id).WithError(err).Error("restart failed")
			}
		})
		s.record(eventlog.Record{Type: eventlog.TypeRestart, BotID: id, Payload: map[string]string{"delay": delay.String()}})
		return
	}

	status := inst.status
	if status.State != protocol.StateOffline {
		status = status.Transition(protocol.StateOffline, "Stopped.", nil)
	}
	s.setIdleStatus(id, status)
}

// updateConfig persists a change to the bot's record and publishes it. It
// reports false when the bot no longer exists.
func (s *Supervisor) updateConfig(id string, fn func(*protocol.BotConfig)) bool {
	cfg, err := s.cfg.Store.Update(id, fn)
	if err != nil {
		var nf *protocol.BotNotFoundError
		if !errors.As(err, &nf) {
			s.log.WithField("bot", id).WithError(err).Error("persist bot config")
			return true
		}
		return false
	}
	s.cfg.Publisher.Publish(fanout.ConfigEvent(s.view(cfg)))
	return true
}

func (s *Supervisor) setIdleStatus(id string, status protocol.BotStatus) {
	s.statuses[id] = status
	s.cfg.Publisher.Publish(fanout.StatusEvent(id, status))
}

func (s *Supervisor) idleStatus(id string) protocol.BotStatus {
	if st, ok := s.statuses[id]; ok {
		return st
	}
	return protocol.WaitingStatus()
}

func (s *Supervisor) view(cfg protocol.BotConfig) protocol.BotView {
	if inst := s.instances[cfg.ID]; inst != nil {
		return protocol.NewBotView(cfg, inst.status, true, s.restarted[cfg.ID], s.cfg.Now())
	}
	return protocol.NewBotView(cfg, s.idleStatus(cfg.ID), false, s.restarted[cfg.ID], s.cfg.Now())
}

func (s *Supervisor) snapshot() []protocol.BotView {
	bots := s.cfg.Store.List()
	views := make([]protocol.BotView, 0, len(bots))
	for _, cfg := range bots {
		views = append(views, s.view(cfg))
	}
	return views
}

// stopAll stops every worker on shutdown, killing those that do not exit
// within the grace period.
func (s *Supervisor) stopAll() {
	s.shutdown = true
	for id, task := range s.restarts {
		s.sched.Cancel(task)
		delete(s.restarts, id)
	}
	if len(s.instances) == 0 {
		return
	}

	s.log.WithField("workers", len(s.instances)).Info("stopping all workers")
	for id, inst := range s.instances {
		inst.stopping = true
		if err := inst.proc.Send(protocol.StopMessage()); err != nil {
			s.log.WithField("bot", id).WithError(err).Warn("send STOP")
		}
	}

	deadline := time.NewTimer(s.cfg.StopGrace)
	defer deadline.Stop()
	for len(s.instances) > 0 {
		select {
		case m := <-s.workerMsgs:
			s.handleWorkerMessage(m)
		case x := <-s.workerExits:
			s.handleWorkerExit(x)
		case <-deadline.C:
			for id, inst := range s.instances {
				s.log.WithField("bot", id).Warn("worker did not exit on shutdown, killing")
				_ = inst.proc.Kill()
				s.cleanup(inst, false)
			}
			return
		}
	}
}

func (s *Supervisor) record(r eventlog.Record) {
	if s.cfg.Events == nil {
		return
	}
	// History is best effort; the loop must not stall on it after shutdown.
	ctx := context.WithoutCancel(s.ctx)
	if err := s.cfg.Events.Record(ctx, r); err != nil {
		s.log.WithError(err).Debug("record event")
	}
}

func errPayload(err error) map[string]string {
	if err == nil {
		return map[string]string{"error": "exited"}
	}
	return map[string]string{"error": err.Error()}
}
