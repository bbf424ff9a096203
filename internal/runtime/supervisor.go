package runtime

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tgbridge/tgbridge/internal/common/config"
	"github.com/tgbridge/tgbridge/internal/common/logger"
)

// ProcessSpec is one child process the supervisor keeps running.
type ProcessSpec struct {
	Name    string
	Command []string
}

// SupervisorConfig wires the supervisor loop.
type SupervisorConfig struct {
	ConfigPath       string
	EmbeddedHost     string
	EmbeddedBasePort int
	GatewayHost      string
	GatewayPort      int
	Logger           *logger.Logger
}

type managedProcess struct {
	spec   ProcessSpec
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor spawns one child process per configured bot (plus the gateway
// when any bot uses it), restarts crashed children with backoff, and
// reconciles against the bots file so config edits take effect live.
type Supervisor struct {
	cfg     *config.Config
	options SupervisorConfig
	log     *logger.Logger
	managed map[string]*managedProcess
}

func NewSupervisor(cfg *config.Config, options SupervisorConfig) *Supervisor {
	log := options.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Supervisor{
		cfg:     cfg,
		options: options,
		log:     log,
		managed: make(map[string]*managedProcess),
	}
}

// Run reconciles children until ctx is cancelled, then stops them all.
func (s *Supervisor) Run(ctx context.Context) error {
	pollInterval := s.cfg.Worker.PollInterval()
	if pollInterval < 500*time.Millisecond {
		pollInterval = 500 * time.Millisecond
	}

	defer func() {
		for name := range s.managed {
			s.stopProcess(name)
		}
	}()

	for {
		desired, ok := s.loadDesiredSpecs()
		if ok {
			s.reconcile(ctx, desired)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (s *Supervisor) loadDesiredSpecs() (map[string]ProcessSpec, bool) {
	bots, err := config.LoadBots(s.options.ConfigPath, s.cfg, false)
	if err != nil {
		s.log.WithError(err).Error("failed to load bots config", zap.String("path", s.options.ConfigPath))
		return nil, false
	}

	executable, err := os.Executable()
	if err != nil {
		s.log.WithError(err).Error("failed to resolve supervisor executable")
		return nil, false
	}

	specs := make(map[string]ProcessSpec)
	embeddedPort := s.options.EmbeddedBasePort
	hasGateway := false
	for _, bot := range bots {
		var spec ProcessSpec
		if bot.Mode == config.ModeEmbedded {
			spec = ProcessSpec{
				Name: "bot:" + bot.BotID + ":embedded",
				Command: []string{
					executable, "run-bot",
					"--config", s.options.ConfigPath,
					"--bot-id", bot.BotID,
					"--embedded-host", s.options.EmbeddedHost,
					"--embedded-port", strconv.Itoa(embeddedPort),
				},
			}
			embeddedPort++
		} else {
			hasGateway = true
			spec = ProcessSpec{
				Name: "bot:" + bot.BotID + ":worker",
				Command: []string{
					executable, "run-bot",
					"--config", s.options.ConfigPath,
					"--bot-id", bot.BotID,
				},
			}
		}
		specs[spec.Name] = spec
	}

	if hasGateway {
		specs["gateway"] = ProcessSpec{
			Name: "gateway",
			Command: []string{
				executable, "run-gateway",
				"--config", s.options.ConfigPath,
				"--host", s.options.GatewayHost,
				"--port", strconv.Itoa(s.options.GatewayPort),
			},
		}
	}
	return specs, true
}

func (s *Supervisor) reconcile(ctx context.Context, desired map[string]ProcessSpec) {
	for name, current := range s.managed {
		want, ok := desired[name]
		if !ok {
			s.log.Info("stopping removed process", zap.String("name", name))
			s.stopProcess(name)
			continue
		}
		if !equalCommand(current.spec.Command, want.Command) {
			s.log.Info("restarting process due to spec change", zap.String("name", name))
			s.stopProcess(name)
		}
	}

	for name, spec := range desired {
		if _, ok := s.managed[name]; ok {
			continue
		}
		childCtx, cancel := context.WithCancel(ctx)
		item := &managedProcess{spec: spec, cancel: cancel, done: make(chan struct{})}
		s.managed[name] = item
		go s.runWithRestart(childCtx, item)
		s.log.Info("started managed process", zap.String("name", name))
	}
}

func (s *Supervisor) stopProcess(name string) {
	item, ok := s.managed[name]
	if !ok {
		return
	}
	delete(s.managed, name)
	item.cancel()
	select {
	case <-item.done:
	case <-time.After(15 * time.Second):
		s.log.Warn("managed process did not stop in time", zap.String("name", name))
	}
}

func (s *Supervisor) runWithRestart(ctx context.Context, item *managedProcess) {
	defer close(item.done)
	maxBackoff := time.Duration(s.cfg.Supervisor.RestartMaxBackoffSec) * time.Second
	attempt := 0

	for ctx.Err() == nil {
		s.log.Info("starting process", zap.String("name", item.spec.Name),
			zap.Strings("command", item.spec.Command))

		exitCode, err := s.runChildOnce(ctx, item.spec)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.log.WithError(err).Error("failed to start process", zap.String("name", item.spec.Name))
		}

		attempt++
		backoffExp := attempt
		if backoffExp > 6 {
			backoffExp = 6
		}
		backoff := time.Duration(1<<uint(backoffExp)) * time.Second
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		s.log.Warn("process exited", zap.String("name", item.spec.Name),
			zap.Int("rc", exitCode), zap.Duration("restart_in", backoff))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// runChildOnce runs the child to completion or terminates it when ctx is
// cancelled: SIGTERM, 10s grace, then SIGKILL.
func (s *Supervisor) runChildOnce(ctx context.Context, spec ProcessSpec) (int, error) {
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return -1, err
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var once sync.Once
	terminate := func() {
		once.Do(func() {
			s.log.Info("terminating child process", zap.String("name", spec.Name),
				zap.Int("pid", cmd.Process.Pid))
			_ = cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-waitErr:
				return
			case <-time.After(10 * time.Second):
				s.log.Warn("child did not terminate in time, killing", zap.String("name", spec.Name))
			}
			_ = cmd.Process.Kill()
			select {
			case <-waitErr:
			case <-time.After(5 * time.Second):
			}
		})
	}

	select {
	case err := <-waitErr:
		return exitCode(err), nil
	case <-ctx.Done():
		terminate()
		return -1, nil
	}
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func equalCommand(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
