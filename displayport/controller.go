// SPDX-License-Identifier: Apache-2.0

// Package displayport keeps the DRM DisplayPort driver in step with the
// DisplayPort alternate mode negotiated on a USB Type-C port.
//
// While a DisplayPort partner is attached a poll session watches the
// partner's hpd and pin_assignment attributes, the port orientation and the
// DRM link status, and mirrors them into the DRM driver. At most one poll
// session is active at a time.
package displayport

import (
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MatthiasValvekens/usbc-hal/poll"
	"github.com/MatthiasValvekens/usbc-hal/sysfs"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

// State is the lifecycle state of the poll session.
type State uint32

const (
	NotRunning State = iota
	Starting
	Running
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case NotRunning:
		return "not_running"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting_down"
	}
	return "unknown"
}

// Config holds the attribute locations and timings of the controller.
type Config struct {
	// PartnerDir is the Type-C partner device whose alternate modes are
	// searched for a displayport directory.
	PartnerDir      string `json:"partner_dir"`
	OrientationPath string `json:"orientation_path"`
	PortActivePath  string `json:"port_active_path"`
	// DRMDir is the directory of the DRM DisplayPort driver attributes.
	DRMDir string `json:"drm_dir"`

	StatusDebounce     time.Duration `json:"status_debounce"`
	PollWait           time.Duration `json:"poll_wait"`
	ActivateDelay      time.Duration `json:"activate_delay"`
	ActivateMaxRetries int           `json:"activate_max_retries"`
}

func DefaultConfig() Config {
	return Config{
		PartnerDir:         "/sys/class/typec/port0-partner",
		OrientationPath:    "/sys/class/typec/port0/orientation",
		PortActivePath:     "/sys/class/typec/port0/port0.0/mode1/active",
		DRMDir:             "/sys/devices/platform/110f0000.drmdp/drm-displayport",
		StatusDebounce:     2 * time.Second,
		PollWait:           100 * time.Millisecond,
		ActivateDelay:      100 * time.Millisecond,
		ActivateMaxRetries: 2,
	}
}

const (
	flagShutdown uint64 = 1 << iota
	flagIrqHpdCheck
)

// session is one run of the poll goroutine. Requests are posted as flags and
// the control eventfd only wakes the goroutine up, so requests posted
// together are never lost.
type session struct {
	ctrl  *poll.EventFD
	flags atomic.Uint64

	ctrlMu     sync.Mutex
	ctrlClosed bool

	// done is closed when the poll goroutine has exited.
	done chan struct{}
	// tornDown is closed once teardown has lowered HPD on the DRM side.
	tornDown chan struct{}
}

func newSession() (*session, error) {
	ctrl, err := poll.NewEventFD()
	if err != nil {
		return nil, err
	}
	return &session{
		ctrl:     ctrl,
		done:     make(chan struct{}),
		tornDown: make(chan struct{}),
	}, nil
}

func (s *session) post(flag uint64) {
	s.flags.Or(flag)
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()
	if s.ctrlClosed {
		return
	}
	_ = s.ctrl.Signal(1)
}

func (s *session) closeCtrl() {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()
	if s.ctrlClosed {
		return
	}
	s.ctrlClosed = true
	_ = s.ctrl.Close()
}

type metrics struct {
	sessionsTotal      prometheus.Counter
	refreshesTotal     prometheus.Counter
	activationsTotal   prometheus.Counter
	state              prometheus.Gauge
	sessionErrorsTotal prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) metrics {
	m := metrics{
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "displayport_poll_sessions_total",
			Help: "The number of DisplayPort poll sessions started.",
		}),
		refreshesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "displayport_status_refreshes_total",
			Help: "The number of port status refreshes triggered by DisplayPort changes.",
		}),
		activationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "displayport_partner_activations_total",
			Help: "The number of attempts to activate the partner's DisplayPort alternate mode.",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "displayport_poll_state",
			Help: "The lifecycle state of the DisplayPort poll session (0 not running, 1 starting, 2 running, 3 shutting down).",
		}),
		sessionErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "displayport_poll_session_errors_total",
			Help: "The number of DisplayPort poll sessions that ended with an error.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.sessionsTotal, m.refreshesTotal, m.activationsTotal, m.state, m.sessionErrorsTotal)
	}
	return m
}

// Controller owns the DisplayPort poll session of a port.
type Controller struct {
	fs      *sysfs.Accessor
	cfg     Config
	refresh func()
	// irqHpdCountPath resolves the port controller's irq_hpd_count
	// attribute.
	irqHpdCountPath func() (string, error)
	logger          log.Logger
	m               metrics

	// mu serialises lifecycle decisions.
	mu sync.Mutex

	stateMu        sync.Mutex
	state          State
	current        *session
	firstSetupDone bool

	irqMu       sync.Mutex
	irqHpdCount uint64

	live atomic.Int32
}

// New returns a Controller. refresh is called from the poll goroutine when
// DisplayPort state settled after a change.
func New(fs *sysfs.Accessor, cfg Config, refresh func(), irqHpdCountPath func() (string, error), logger log.Logger, reg prometheus.Registerer) *Controller {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if refresh == nil {
		refresh = func() {}
	}
	return &Controller{
		fs:              fs,
		cfg:             cfg,
		refresh:         refresh,
		irqHpdCountPath: irqHpdCountPath,
		logger:          logger,
		m:               newMetrics(reg),
	}
}

func (c *Controller) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Controller) setStateLocked(s State) {
	c.state = s
	c.m.state.Set(float64(s))
}

// Setup starts a poll session. A session that is still starting makes this
// a no-op; a running one is shut down first.
func (c *Controller) Setup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setupLocked()
}

// SetupIfFirst starts the first poll session of the process if a DisplayPort
// partner is present. It covers partners that were attached before the
// service came up.
func (c *Controller) SetupIfFirst() {
	c.stateMu.Lock()
	done := c.firstSetupDone
	c.stateMu.Unlock()
	if done {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateMu.Lock()
	done = c.firstSetupDone
	c.stateMu.Unlock()
	if done {
		return
	}
	if _, err := FindPartnerDir(c.fs, c.cfg.PartnerDir); err != nil {
		return
	}
	_ = level.Info(c.logger).Log("msg", "displayport partner present at startup")
	c.setupLocked()
}

func (c *Controller) setupLocked() {
	c.stateMu.Lock()
	c.firstSetupDone = true
	state, prev := c.state, c.current
	c.stateMu.Unlock()

	switch state {
	case Starting:
		_ = level.Debug(c.logger).Log("msg", "displayport poll already starting")
		return
	case Running:
		c.shutdownLocked(true)
		c.waitTornDown(prev)
	case ShuttingDown:
		c.waitTornDown(prev)
	}

	s, err := newSession()
	if err != nil {
		_ = level.Error(c.logger).Log("msg", "failed to create displayport control eventfd", "err", err)
		return
	}
	c.stateMu.Lock()
	c.current = s
	c.setStateLocked(Starting)
	c.stateMu.Unlock()

	c.m.sessionsTotal.Inc()
	go c.run(s)
}

func (c *Controller) waitTornDown(s *session) {
	if s == nil {
		return
	}
	select {
	case <-s.tornDown:
	case <-time.After(c.cfg.PollWait):
		_ = level.Warn(c.logger).Log("msg", "displayport poll did not shut down in time, starting anyway")
	}
}

// Shutdown ends the running poll session if force is set or the partner no
// longer offers DisplayPort. Teardown completes asynchronously.
func (c *Controller) Shutdown(force bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdownLocked(force)
}

func (c *Controller) shutdownLocked(force bool) {
	c.stateMu.Lock()
	s := c.current
	running := c.state == Running
	c.stateMu.Unlock()
	if !running {
		return
	}
	if !force {
		if _, err := FindPartnerDir(c.fs, c.cfg.PartnerDir); err == nil {
			return
		}
	}

	c.stateMu.Lock()
	if c.current != s || c.state != Running {
		c.stateMu.Unlock()
		return
	}
	c.setStateLocked(ShuttingDown)
	c.stateMu.Unlock()

	_ = level.Info(c.logger).Log("msg", "shutting down displayport poll", "force", force)
	go c.teardown(s)
}

func (c *Controller) teardown(s *session) {
	s.post(flagShutdown)
	<-s.done
	if err := c.fs.Write(path.Join(c.cfg.DRMDir, "hpd"), "0"); err != nil {
		_ = level.Warn(c.logger).Log("msg", "failed to lower drm hpd", "err", err)
	}

	c.stateMu.Lock()
	if c.current == s {
		c.current = nil
		c.setStateLocked(NotRunning)
	}
	c.stateMu.Unlock()
	close(s.tornDown)
}

// RequestIrqHpdCheck asks the running poll session to forward a changed
// IRQ_HPD count. It reports whether a session was running.
func (c *Controller) RequestIrqHpdCheck() bool {
	c.stateMu.Lock()
	s := c.current
	running := c.state == Running
	c.stateMu.Unlock()
	if !running || s == nil {
		return false
	}
	s.post(flagIrqHpdCheck)
	return true
}

// Close tears down any poll session and waits for it.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stateMu.Lock()
	s, state := c.current, c.state
	if s != nil && (state == Starting || state == Running) {
		c.setStateLocked(ShuttingDown)
	}
	c.stateMu.Unlock()
	if s == nil {
		return
	}

	switch state {
	case Starting, Running:
		c.teardown(s)
	case ShuttingDown:
		<-s.tornDown
	}
}
