package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FleetConfig configures the primary process's own fork/health-check/drain
// loop over its worker children. SocketPath is the base path the fleet
// derives each child's private socket from (SocketPath.w<idx>); the shared
// rendezvous socket that host connections dial is owned and accepted by the
// primary's own listen loop, not by any one child.
type FleetConfig struct {
	WorkerBinary  string
	WorkerArgs    []string
	WorkerCount   int
	SocketPath    string
	ShutdownGrace time.Duration
	Stderr        io.Writer
}

// ErrNoReadyWorker is returned by LeaseReady when every worker is either
// not yet ready or already leased to another proxied connection.
var ErrNoReadyWorker = errors.New("supervisor: no ready worker available")

// WorkerEvent reports one child's lifecycle transition. State is one of
// "forked", "ready", "exited", "crashed".
type WorkerEvent struct {
	Idx        int    `json:"idx"`
	InstanceID string `json:"instance_id"`
	State      string `json:"state"`
}

// eventBacklog bounds the Fleet's own event channel; a slow or absent
// consumer (main() not yet draining it) must never stall fork/health-check
// work, so publishing drops rather than blocks once full.
const eventBacklog = 256

// child tracks one worker process through the lifecycle state machine.
type child struct {
	idx        int
	instanceID string // uuid, regenerated on every respawn so logs and status events can distinguish a crash-and-restart from the original process
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	socketPath string

	mu              sync.Mutex
	state           ChildState
	pendingShutdown bool
	leased          bool

	exited  chan struct{}
	waitErr error
}

func (c *child) getState() ChildState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// sendShutdown asks the child to shut down. If it has not yet reported
// ready, the request is deferred and delivered the instant readiness
// arrives, closing the race window between a fork completing and its
// ready handshake landing.
func (c *child) sendShutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.terminal() {
		return
	}
	if c.state == Ready || c.state == Online || c.state == Forked {
		if c.state == Ready {
			c.state = Draining
			_, _ = io.WriteString(c.stdin, "shutdown\n")
			return
		}
		c.pendingShutdown = true
	}
}

// LeaseReady finds a Ready, unleased worker and marks it leased, returning
// its private socket path. The caller must call Release when the proxied
// connection using it ends.
func (f *Fleet) LeaseReady() (idx int, socketPath string, err error) {
	f.mu.Lock()
	children := f.children
	f.mu.Unlock()

	for _, c := range children {
		if c == nil {
			continue
		}
		c.mu.Lock()
		if c.state == Ready && !c.leased {
			c.leased = true
			path := c.socketPath
			c.mu.Unlock()
			return c.idx, path, nil
		}
		c.mu.Unlock()
	}
	return 0, "", ErrNoReadyWorker
}

// Release returns a worker leased via LeaseReady to the free set.
func (f *Fleet) Release(idx int) {
	f.mu.Lock()
	children := f.children
	f.mu.Unlock()

	if idx < 0 || idx >= len(children) || children[idx] == nil {
		return
	}
	c := children[idx]
	c.mu.Lock()
	c.leased = false
	c.mu.Unlock()
}

// Fleet forks and supervises WorkerCount script-executor children,
// grounded on grimm-is-glacic's spawnAPI/spawnProxy restart-on-crash loop
// but generalized to a fixed-size fleet with an explicit per-child state
// machine and a readiness handshake instead of a bare restart loop.
type Fleet struct {
	cfg FleetConfig
	log *slog.Logger

	mu       sync.Mutex
	children []*child
	draining bool

	events chan WorkerEvent
}

// NewFleet constructs a Fleet. Call Start to fork the initial children.
func NewFleet(cfg FleetConfig, logger *slog.Logger) *Fleet {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fleet{
		cfg:    cfg,
		log:    logger.With(slog.String("component", "supervisor.Fleet")),
		events: make(chan WorkerEvent, eventBacklog),
	}
}

// Events returns the channel of worker lifecycle transitions. The Fleet
// never closes it; a consumer stops reading when it stops caring.
func (f *Fleet) Events() <-chan WorkerEvent { return f.events }

func (f *Fleet) publish(ev WorkerEvent) {
	select {
	case f.events <- ev:
	default:
		f.log.Warn("Fleet.publish(event) :: backlog_full_dropping", slog.Int("idx", ev.Idx), slog.String("state", ev.State))
	}
}

// Start forks cfg.WorkerCount children. If any fork fails, the children
// already forked are shut down and the error is returned.
func (f *Fleet) Start(ctx context.Context) error {
	f.mu.Lock()
	f.children = make([]*child, f.cfg.WorkerCount)
	f.mu.Unlock()

	for i := 0; i < f.cfg.WorkerCount; i++ {
		c, err := f.spawnChild(i)
		if err != nil {
			f.Shutdown(f.gracePeriod())
			return fmt.Errorf("supervisor: fork worker %d: %w", i, err)
		}
		f.mu.Lock()
		f.children[i] = c
		f.mu.Unlock()
	}
	return nil
}

func (f *Fleet) gracePeriod() time.Duration {
	if f.cfg.ShutdownGrace > 0 {
		return f.cfg.ShutdownGrace
	}
	return 5 * time.Second
}

func (f *Fleet) workerSocketPath(idx int) string {
	return fmt.Sprintf("%s.w%d", f.cfg.SocketPath, idx)
}

func (f *Fleet) spawnChild(idx int) (*child, error) {
	socketPath := f.workerSocketPath(idx)
	_ = os.Remove(socketPath)

	cmd := exec.Command(f.cfg.WorkerBinary, f.cfg.WorkerArgs...)
	cmd.Env = append(os.Environ(), "SOCKET_PATH="+socketPath)
	cmd.Stderr = f.cfg.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	c := &child{idx: idx, instanceID: uuid.NewString(), cmd: cmd, stdin: stdin, socketPath: socketPath, state: Forked, exited: make(chan struct{})}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.state = Online
	c.mu.Unlock()

	go f.watchReady(c, stdout)
	go f.watchExit(c)

	f.log.Info("Fleet.spawnChild(idx) :: forked", slog.Int("idx", idx), slog.String("instance_id", c.instanceID), slog.Int("pid", cmd.Process.Pid))
	f.publish(WorkerEvent{Idx: idx, InstanceID: c.instanceID, State: "forked"})
	return c, nil
}

func (f *Fleet) watchReady(c *child, stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "ready" {
			continue
		}
		c.mu.Lock()
		switch {
		case c.pendingShutdown:
			c.state = Draining
			_, _ = io.WriteString(c.stdin, "shutdown\n")
			c.pendingShutdown = false
		case c.state == Online:
			c.state = Ready
		}
		c.mu.Unlock()
		f.log.Info("Fleet.watchReady(child) :: ready", slog.Int("idx", c.idx), slog.String("state", c.getState().String()))
		if c.getState() == Ready {
			f.publish(WorkerEvent{Idx: c.idx, InstanceID: c.instanceID, State: "ready"})
		}
	}
}

func (f *Fleet) watchExit(c *child) {
	err := c.cmd.Wait()

	c.mu.Lock()
	wasDraining := c.state == Draining
	c.waitErr = err
	if wasDraining && err == nil {
		c.state = Exited
	} else {
		c.state = Crashed
	}
	final := c.state
	c.mu.Unlock()
	close(c.exited)

	f.log.Info("Fleet.watchExit(child) :: exited", slog.Int("idx", c.idx), slog.String("state", final.String()))
	if final == Crashed {
		f.publish(WorkerEvent{Idx: c.idx, InstanceID: c.instanceID, State: "crashed"})
		f.handleCrash(c)
	} else {
		f.publish(WorkerEvent{Idx: c.idx, InstanceID: c.instanceID, State: "exited"})
	}
}

func (f *Fleet) handleCrash(c *child) {
	f.mu.Lock()
	draining := f.draining
	f.mu.Unlock()
	if draining {
		return
	}

	if _, err := os.Stat(f.cfg.SocketPath); err != nil {
		f.log.Error("Fleet.handleCrash(child) :: socket_missing_full_shutdown", slog.Int("idx", c.idx))
		go f.Shutdown(f.gracePeriod())
		return
	}

	f.log.Warn("Fleet.handleCrash(child) :: forking_replacement", slog.Int("idx", c.idx))
	nc, err := f.spawnChild(c.idx)
	if err != nil {
		f.log.Error("Fleet.handleCrash(child) :: replacement_failed", slog.String("error", err.Error()))
		return
	}
	f.mu.Lock()
	if !f.draining {
		f.children[c.idx] = nc
	} else {
		nc.sendShutdown()
	}
	f.mu.Unlock()
}

// Shutdown broadcasts shutdown to every child, waits up to grace for all to
// reach Exited, and force-kills any stragglers.
func (f *Fleet) Shutdown(grace time.Duration) {
	f.mu.Lock()
	if f.draining {
		f.mu.Unlock()
		return
	}
	f.draining = true
	children := append([]*child(nil), f.children...)
	f.mu.Unlock()

	for _, c := range children {
		if c != nil {
			c.sendShutdown()
		}
	}

	deadline := time.After(grace)
	for _, c := range children {
		if c == nil {
			continue
		}
		select {
		case <-c.exited:
		case <-deadline:
			if c.cmd.Process != nil {
				_ = c.cmd.Process.Kill()
			}
			<-c.exited
		}
	}
	f.log.Info("Fleet.Shutdown(grace) :: drained", slog.Int("children", len(children)))
}
