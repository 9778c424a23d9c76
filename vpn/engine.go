// Package vpn provides tunnel connection management functionality.
// This file contains the TunnelEngineClient contract and the process-backed
// implementation that drives an external sing-box binary.
package vpn

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/yllada/tunnel-manager/common"
)

// Counters holds the cumulative traffic counters reported by the engine.
type Counters struct {
	BytesReceived   uint64
	BytesSent       uint64
	PacketsReceived uint64
	PacketsSent     uint64
}

// TunHandle is the OS-level virtual interface descriptor handed to the
// tunnel engine. The engine owns the device; the client only names it.
type TunHandle struct {
	Name string
}

// TunnelEngineClient is the narrow control surface toward the tunnel engine.
// The engine itself (protocol encryption, packet routing, TUN I/O) lives
// behind this contract and is selected at startup per platform.
type TunnelEngineClient interface {
	// Start launches the engine with the given configuration and blocks
	// until the engine reports readiness, the context is cancelled, or the
	// start times out.
	Start(ctx context.Context, config []byte, tun TunHandle) error
	// Stop terminates the engine. Safe to call when not running.
	Stop() error
	// IsRunning reports whether the engine process is alive.
	IsRunning() bool
	// Statistics returns the engine's cumulative traffic counters.
	// The second return is false when no counters are available.
	Statistics() (Counters, bool)
	// SetCrashHandler registers a callback invoked when the engine dies
	// without Stop having been called.
	SetCrashHandler(func(err error))
}

// ProcessEngine drives an external sing-box process.
// It writes the configuration to a private temp file, launches the binary,
// scans its output for readiness, and watches for unexpected exits.
type ProcessEngine struct {
	binaryPath string

	mu           sync.Mutex
	cmd          *exec.Cmd
	running      bool
	stopping     bool
	configFile   string
	tun          TunHandle
	crashHandler func(error)
}

// NewProcessEngine creates a process-backed engine client.
// binaryPath may be a bare command name resolved via PATH.
func NewProcessEngine(binaryPath string) (*ProcessEngine, error) {
	resolved, err := exec.LookPath(binaryPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrEngineNotFound, binaryPath)
	}
	return &ProcessEngine{binaryPath: resolved}, nil
}

// Start launches the engine process and waits for readiness.
func (e *ProcessEngine) Start(ctx context.Context, config []byte, tun TunHandle) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return common.ErrAlreadyConnected
	}
	e.stopping = false
	e.mu.Unlock()

	configFile, err := writeConfigFile(config)
	if err != nil {
		return common.WrapError(err, "failed to stage engine config")
	}

	cmd := exec.Command(e.binaryPath, "run", "--config", configFile)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		os.Remove(configFile)
		return common.WrapError(err, "failed to open engine stdout")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		os.Remove(configFile)
		return common.WrapError(err, "failed to open engine stderr")
	}

	common.LogInfo("Engine: starting %s (tun: %s)", e.binaryPath, tun.Name)
	if err := cmd.Start(); err != nil {
		os.Remove(configFile)
		return fmt.Errorf("%w: %v", common.ErrEngineStartFailed, err)
	}
	common.LogDebug("Engine: process started with PID %d", cmd.Process.Pid)

	ready := make(chan struct{}, 1)
	go e.scanOutput(stdout, ready)
	go e.scanOutput(stderr, ready)

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	select {
	case <-ready:
	case err := <-exited:
		os.Remove(configFile)
		return fmt.Errorf("%w: engine exited during startup: %v", common.ErrEngineStartFailed, err)
	case <-time.After(common.EngineStartTimeout):
		cmd.Process.Kill()
		<-exited
		os.Remove(configFile)
		return fmt.Errorf("%w: readiness timeout", common.ErrEngineStartFailed)
	case <-ctx.Done():
		cmd.Process.Kill()
		<-exited
		os.Remove(configFile)
		return ctx.Err()
	}

	e.mu.Lock()
	e.cmd = cmd
	e.running = true
	e.configFile = configFile
	e.tun = tun
	e.mu.Unlock()

	go e.watchExit(exited)

	common.LogInfo("Engine: ready")
	return nil
}

// watchExit waits for the engine process to terminate. An exit without a
// preceding Stop call is reported as a crash.
func (e *ProcessEngine) watchExit(exited <-chan error) {
	err := <-exited

	e.mu.Lock()
	wasStopping := e.stopping
	handler := e.crashHandler
	e.running = false
	e.cmd = nil
	if e.configFile != "" {
		os.Remove(e.configFile)
		e.configFile = ""
	}
	e.mu.Unlock()

	if wasStopping {
		common.LogInfo("Engine: process exited after stop request")
		return
	}

	common.LogError("Engine: process died unexpectedly: %v", err)
	if handler != nil {
		handler(fmt.Errorf("%w: %v", common.ErrEngineCrashed, err))
	}
}

// scanOutput reads one engine output pipe, logging every line and
// signalling readiness when the engine reports it has started.
func (e *ProcessEngine) scanOutput(pipe io.Reader, ready chan<- struct{}) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		common.LogDebug("sing-box: %s", line)

		if strings.Contains(line, "sing-box started") {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	}
}

// Stop terminates the engine process, first politely and then forcibly.
func (e *ProcessEngine) Stop() error {
	e.mu.Lock()
	cmd := e.cmd
	if cmd == nil || !e.running {
		e.mu.Unlock()
		return nil
	}
	e.stopping = true
	e.mu.Unlock()

	common.LogInfo("Engine: stopping PID %d", cmd.Process.Pid)
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if killErr := cmd.Process.Kill(); killErr != nil {
			return fmt.Errorf("%w: %v", common.ErrEngineStopFailed, killErr)
		}
	}

	deadline := time.After(common.EngineStopTimeout)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			cmd.Process.Kill()
			return nil
		case <-tick.C:
			e.mu.Lock()
			stopped := !e.running
			e.mu.Unlock()
			if stopped {
				return nil
			}
		}
	}
}

// IsRunning reports whether the engine process is alive.
func (e *ProcessEngine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// SetCrashHandler registers the unexpected-exit callback.
func (e *ProcessEngine) SetCrashHandler(handler func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.crashHandler = handler
}

// Statistics reads the cumulative counters of the TUN interface the engine
// is routing through. sysfs is authoritative for interface traffic and
// survives engine-internal counter resets.
func (e *ProcessEngine) Statistics() (Counters, bool) {
	e.mu.Lock()
	running := e.running
	tunName := e.tun.Name
	e.mu.Unlock()

	if !running || tunName == "" {
		return Counters{}, false
	}

	statsDir := filepath.Join("/sys/class/net", tunName, "statistics")
	rxBytes, err1 := readCounter(filepath.Join(statsDir, "rx_bytes"))
	txBytes, err2 := readCounter(filepath.Join(statsDir, "tx_bytes"))
	rxPackets, err3 := readCounter(filepath.Join(statsDir, "rx_packets"))
	txPackets, err4 := readCounter(filepath.Join(statsDir, "tx_packets"))
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return Counters{}, false
	}

	return Counters{
		BytesReceived:   rxBytes,
		BytesSent:       txBytes,
		PacketsReceived: rxPackets,
		PacketsSent:     txPackets,
	}, true
}

// readCounter reads a single sysfs statistics file.
func readCounter(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}

// writeConfigFile stages the engine configuration in a private temp file.
func writeConfigFile(config []byte) (string, error) {
	tmpDir := filepath.Join(os.TempDir(), common.ConfigDirName)
	if err := os.MkdirAll(tmpDir, 0700); err != nil {
		return "", err
	}

	path := filepath.Join(tmpDir, fmt.Sprintf("engine-%d.json", time.Now().UnixNano()))
	if err := os.WriteFile(path, config, 0600); err != nil {
		return "", err
	}
	return path, nil
}
