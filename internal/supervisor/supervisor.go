// Package supervisor owns the lifecycle of the four named child services
// (whisper, kokoro, livekit, frontend): start/stop/restart, autostart
// enable/disable with versioned templates, and periodic health polling.
// Polling is ticker-driven against a fixed, named set of processes this
// repo itself owns and can start, rather than a fleet of endpoints
// discovered on the network.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/normanking/voicemoded/internal/bus"
	"github.com/normanking/voicemoded/internal/clockenv"
	"github.com/normanking/voicemoded/internal/packagemanager"
)

// Name identifies one of the four services this supervisor manages.
type Name string

const (
	Whisper  Name = "whisper"
	Kokoro   Name = "kokoro"
	LiveKit  Name = "livekit"
	Frontend Name = "frontend"
)

const (
	defaultStopGraceS      = 10
	defaultHealthIntervalS = 5
	defaultCooldownS       = 60
	restartPause           = 500 * time.Millisecond
)

// Config describes how to launch and probe one service.
type Config struct {
	Name            Name
	BinaryPath      string
	Args            []string
	Port            int
	HealthURL       string
	AutoRestart     bool
	StopGraceS      int
	HealthIntervalS int
	CooldownS       int
	TemplateName    string // autostart template this service enables/disables
}

func (c Config) stopGrace() time.Duration {
	if c.StopGraceS <= 0 {
		return defaultStopGraceS * time.Second
	}
	return time.Duration(c.StopGraceS) * time.Second
}

func (c Config) healthInterval() time.Duration {
	if c.HealthIntervalS <= 0 {
		return defaultHealthIntervalS * time.Second
	}
	return time.Duration(c.HealthIntervalS) * time.Second
}

func (c Config) cooldown() time.Duration {
	if c.CooldownS <= 0 {
		return defaultCooldownS * time.Second
	}
	return time.Duration(c.CooldownS) * time.Second
}

// Record is the persisted status of one managed service: at most one per Name.
type Record struct {
	Name              Name
	PID               int
	Port              int
	Enabled           bool
	LastStart         time.Time
	LastExit          time.Time
	InstalledVersion  string
	ServiceFileVersion int
}

// Status is the response shape for status(name).
type Status struct {
	Running bool
	PID     int
	Port    int
	Uptime  time.Duration
	Version string
	Health  HealthState
}

type serviceState struct {
	cfg    Config
	cmd    *exec.Cmd
	record Record
	prober *prober
	cronID cron.EntryID
}

// Supervisor manages all configured services.
type Supervisor struct {
	paths  *clockenv.Paths
	clock  clockenv.Clock
	logger zerolog.Logger
	bus    *bus.EventBus

	mu       sync.Mutex
	services map[Name]*serviceState
	cron     *cron.Cron
	running  bool
	pm       packagemanager.PackageManager
}

// SetPackageManager installs the capability EnsureDependency uses to check
// for and install the OS-level binaries a managed service needs (ffmpeg,
// whisper.cpp, kokoro). Optional: EnsureDependency is a no-op without one.
func (s *Supervisor) SetPackageManager(pm packagemanager.PackageManager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pm = pm
}

// EnsureDependency checks whether pkg is installed via the configured
// PackageManager and installs it if not. Returns nil immediately if no
// PackageManager was configured: dependency installation is opt-in, not
// assumed.
func (s *Supervisor) EnsureDependency(ctx context.Context, pkg string) error {
	s.mu.Lock()
	pm := s.pm
	s.mu.Unlock()
	if pm == nil {
		return nil
	}
	installed, err := pm.Check(ctx, pkg)
	if err != nil {
		return fmt.Errorf("supervisor: check dependency %s: %w", pkg, err)
	}
	if installed {
		return nil
	}
	s.logger.Info().Str("package", pkg).Msg("installing missing dependency")
	return pm.Install(ctx, []string{pkg})
}

// New constructs a Supervisor. Call Register for each managed service, then
// Start to begin health polling. eventBus may be nil; when set, service
// lifecycle and health transitions are published for any other component to
// subscribe to without polling StatusOf.
func New(paths *clockenv.Paths, clock clockenv.Clock, logger zerolog.Logger, eventBus *bus.EventBus) *Supervisor {
	return &Supervisor{
		paths:    paths,
		clock:    clock,
		logger:   logger.With().Str("component", "supervisor").Logger(),
		bus:      eventBus,
		services: make(map[Name]*serviceState),
		cron:     cron.New(),
	}
}

func (s *Supervisor) publish(eventType bus.EventType, name Name, data map[string]any) {
	if s.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["name"] = string(name)
	s.bus.Publish(bus.Event{Type: eventType, Data: data})
}

// Register adds a service under management without starting it.
func (s *Supervisor) Register(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[cfg.Name] = &serviceState{
		cfg:    cfg,
		record: Record{Name: cfg.Name, Port: cfg.Port},
		prober: newProber(cfg.HealthURL, cfg.cooldown()),
	}
}

// Start begins the cron-scheduled health poll for every registered service
// and, if VOICEMODE_AUTO_START_KOKORO is set, starts Kokoro eagerly.
func (s *Supervisor) Start(ctx context.Context, autoStartKokoro bool) {
	s.mu.Lock()
	for name, st := range s.services {
		name, st := name, st
		spec := fmt.Sprintf("@every %s", st.cfg.healthInterval())
		id, err := s.cron.AddFunc(spec, func() { s.pollHealth(name) })
		if err != nil {
			s.logger.Error().Err(err).Str("service", string(name)).Msg("schedule health poll failed")
			continue
		}
		st.cronID = id
	}
	s.running = true
	s.mu.Unlock()

	s.cron.Start()

	if autoStartKokoro {
		if err := s.StartService(ctx, Kokoro); err != nil {
			s.logger.Warn().Err(err).Msg("auto-start kokoro failed")
		} else {
			s.logger.Info().Msg("kokoro auto-started")
		}
	}
}

// Stop halts health polling. It does not stop any running services.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}

func (s *Supervisor) get(name Name) (*serviceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.services[name]
	if !ok {
		return nil, fmt.Errorf("supervisor: unknown service %q", name)
	}
	return st, nil
}

// StatusOf returns the current status of a managed service.
func (s *Supervisor) StatusOf(name Name) (Status, error) {
	st, err := s.get(name)
	if err != nil {
		return Status{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	running := st.cmd != nil && st.cmd.Process != nil
	var uptime time.Duration
	if running && !st.record.LastStart.IsZero() {
		uptime = s.clock.Now().Sub(st.record.LastStart)
	}
	return Status{
		Running: running,
		PID:     st.record.PID,
		Port:    st.record.Port,
		Uptime:  uptime,
		Version: st.record.InstalledVersion,
		Health:  st.prober.state(),
	}, nil
}

// StartService launches a service if it is not already running and healthy.
func (s *Supervisor) StartService(ctx context.Context, name Name) error {
	st, err := s.get(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if st.cmd != nil && st.cmd.Process != nil {
		s.mu.Unlock()
		if st.prober.state() == HealthHealthy {
			return nil
		}
	} else {
		s.mu.Unlock()
	}

	cmd := exec.CommandContext(context.Background(), st.cfg.BinaryPath, st.cfg.Args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: start %s: %w", name, err)
	}

	s.mu.Lock()
	st.cmd = cmd
	st.record.PID = cmd.Process.Pid
	st.record.LastStart = s.clock.Now()
	s.mu.Unlock()

	s.logger.Info().Str("service", string(name)).Int("pid", cmd.Process.Pid).Msg("service started")
	s.publish(bus.EventServiceStarted, name, map[string]any{"pid": cmd.Process.Pid})

	go func() {
		cmd.Wait()
		s.mu.Lock()
		st.record.LastExit = s.clock.Now()
		st.cmd = nil
		s.mu.Unlock()
	}()

	return nil
}

// StopService sends a graceful signal, then kills the process if it has not
// exited within Config.StopGraceS.
func (s *Supervisor) StopService(name Name) error {
	st, err := s.get(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	cmd := st.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() { cmd.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(st.cfg.stopGrace()):
		cmd.Process.Kill()
		<-done
	}

	s.mu.Lock()
	st.cmd = nil
	st.record.LastExit = s.clock.Now()
	s.mu.Unlock()
	s.publish(bus.EventServiceStopped, name, nil)
	return nil
}

// RestartService stops then starts a service with a brief pause between.
func (s *Supervisor) RestartService(ctx context.Context, name Name) error {
	if err := s.StopService(name); err != nil {
		return err
	}
	time.Sleep(restartPause)
	return s.StartService(ctx, name)
}

func (s *Supervisor) pollHealth(name Name) {
	st, err := s.get(name)
	if err != nil {
		return
	}
	before := st.prober.state()
	healthy := st.prober.probe(context.Background())
	after := st.prober.state()
	if after != before {
		s.publish(bus.EventServiceHealthChanged, name, map[string]any{"from": string(before), "to": string(after)})
	}
	if !healthy && st.cfg.AutoRestart && after == HealthDown {
		s.logger.Warn().Str("service", string(name)).Msg("auto-restarting unhealthy service")
		s.RestartService(context.Background(), name)
	}
}

// Enable installs the service's autostart entry, rendering it from the
// named template and reconciling against any prior on-disk copy so that
// user-edited fields survive a version bump.
func (s *Supervisor) Enable(name Name, tmpl Template, data map[string]string) error {
	st, err := s.get(name)
	if err != nil {
		return err
	}

	rendered, err := tmpl.Render(data)
	if err != nil {
		return fmt.Errorf("supervisor: render template for %s: %w", name, err)
	}

	path := s.autostartPath(name)
	existing, _ := os.ReadFile(path)
	merged, changed := Reconcile(rendered, string(existing))

	if err := os.MkdirAll(s.paths.ServiceDir(string(name)), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(merged), 0o644); err != nil {
		return fmt.Errorf("supervisor: write autostart entry for %s: %w", name, err)
	}

	s.mu.Lock()
	if changed {
		s.logger.Info().Str("service", string(name)).Int("version", tmpl.Version).Msg("autostart template upgraded")
	}
	st.record.Enabled = true
	st.record.ServiceFileVersion = tmpl.Version
	s.mu.Unlock()
	return nil
}

// Disable removes the autostart entry.
func (s *Supervisor) Disable(name Name) error {
	st, err := s.get(name)
	if err != nil {
		return err
	}
	if err := os.Remove(s.autostartPath(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	s.mu.Lock()
	st.record.Enabled = false
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) autostartPath(name Name) string {
	return s.paths.ServiceDir(string(name)) + "/autostart"
}
