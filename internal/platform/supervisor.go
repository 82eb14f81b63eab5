package platform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type SupervisorPolicy struct {
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	BackoffFactor  float64       `mapstructure:"backoff_factor"`
	// MaxRestarts of 0 restarts forever.
	MaxRestarts int `mapstructure:"max_restarts"`
}

type RestartPolicy string

const (
	// RestartPermanent restarts a task whenever it returns.
	RestartPermanent RestartPolicy = "permanent"
	// RestartTransient restarts a task only when it returns an error.
	RestartTransient RestartPolicy = "transient"
)

type TaskStatus struct {
	Name          string        `json:"name"`
	RestartPolicy RestartPolicy `json:"restart_policy"`
	RestartCount  int           `json:"restart_count"`
	LastError     string        `json:"last_error,omitempty"`
	GaveUp        bool          `json:"gave_up"`
	Running       bool          `json:"running"`
}

func defaultSupervisorPolicy() SupervisorPolicy {
	return SupervisorPolicy{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
	}
}

func normalizeSupervisorPolicy(policy SupervisorPolicy) SupervisorPolicy {
	def := defaultSupervisorPolicy()
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = def.InitialBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = def.MaxBackoff
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = policy.InitialBackoff
	}
	if policy.BackoffFactor < 1 {
		policy.BackoffFactor = def.BackoffFactor
	}
	if policy.MaxRestarts < 0 {
		policy.MaxRestarts = 0
	}
	return policy
}

// Supervisor keeps named long-lived tasks running, restarting each one
// independently with exponential backoff.
type Supervisor struct {
	policy SupervisorPolicy
	logger logrus.FieldLogger

	mu    sync.Mutex
	tasks map[string]*supervisedTask
	// exited holds the last status of tasks that stopped on their own.
	exited map[string]TaskStatus
}

type supervisedTask struct {
	name    string
	restart RestartPolicy
	cancel  context.CancelFunc
	done    chan struct{}

	restarts int
	lastErr  error
	gaveUp   bool
}

func NewSupervisor(policy SupervisorPolicy, logger logrus.FieldLogger) *Supervisor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Supervisor{
		policy: normalizeSupervisorPolicy(policy),
		logger: logger,
		tasks:  make(map[string]*supervisedTask),
		exited: make(map[string]TaskStatus),
	}
}

func (s *Supervisor) Start(name string, run func(ctx context.Context) error) error {
	return s.StartWithPolicy(name, RestartPermanent, run)
}

func (s *Supervisor) StartWithPolicy(name string, restart RestartPolicy, run func(ctx context.Context) error) error {
	if name == "" {
		return errors.New("task name is required")
	}
	if run == nil {
		return errors.New("task runner is required")
	}
	if restart != RestartTransient {
		restart = RestartPermanent
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("task already running: %s", name)
	}
	delete(s.exited, name)
	ctx, cancel := context.WithCancel(context.Background())
	task := &supervisedTask{
		name:    name,
		restart: restart,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	s.tasks[name] = task
	go s.loop(ctx, task, run)
	return nil
}

func (s *Supervisor) loop(ctx context.Context, task *supervisedTask, run func(ctx context.Context) error) {
	defer func() {
		s.mu.Lock()
		if current, ok := s.tasks[task.name]; ok && current == task {
			delete(s.tasks, task.name)
			if task.restarts > 0 || task.lastErr != nil || task.gaveUp {
				s.exited[task.name] = task.statusLocked(false)
			}
		}
		s.mu.Unlock()
		close(task.done)
	}()

	backoff := s.policy.InitialBackoff
	for {
		err := run(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil && task.restart == RestartTransient {
			return
		}

		s.mu.Lock()
		task.lastErr = err
		if s.policy.MaxRestarts > 0 && task.restarts >= s.policy.MaxRestarts {
			task.gaveUp = true
			restarts := task.restarts
			s.mu.Unlock()
			s.logger.WithFields(logrus.Fields{"task": task.name, "restarts": restarts, "error": errString(err)}).
				Error("support task exceeded restart limit")
			return
		}
		task.restarts++
		restarts := task.restarts
		s.mu.Unlock()

		s.logger.WithFields(logrus.Fields{
			"task":     task.name,
			"restarts": restarts,
			"backoff":  backoff.String(),
			"error":    errString(err),
		}).Warn("restarting support task")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = min(time.Duration(float64(backoff)*s.policy.BackoffFactor), s.policy.MaxBackoff)
	}
}

func (s *Supervisor) Stop(name string) {
	s.mu.Lock()
	task, ok := s.tasks[name]
	delete(s.exited, name)
	s.mu.Unlock()
	if !ok {
		return
	}
	task.cancel()
	<-task.done
}

func (s *Supervisor) StopAll() {
	s.mu.Lock()
	tasks := make([]*supervisedTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	s.exited = make(map[string]TaskStatus)
	s.mu.Unlock()

	for _, task := range tasks {
		task.cancel()
	}
	for _, task := range tasks {
		<-task.done
	}
}

// Tasks lists running task names, sorted.
func (s *Supervisor) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Statuses reports running tasks and tasks that exited after a failure.
func (s *Supervisor) Statuses() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.tasks)+len(s.exited))
	for _, task := range s.tasks {
		out = append(out, task.statusLocked(true))
	}
	for name, status := range s.exited {
		if _, running := s.tasks[name]; !running {
			out = append(out, status)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *supervisedTask) statusLocked(running bool) TaskStatus {
	return TaskStatus{
		Name:          t.name,
		RestartPolicy: t.restart,
		RestartCount:  t.restarts,
		LastError:     errString(t.lastErr),
		GaveUp:        t.gaveUp,
		Running:       running,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
