package spawn

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
)

// Launcher is the spawner's OS-level mechanism for starting and killing
// game-server executables.
type Launcher interface {
	Launch(path string, args []string) (int, error)
	Kill(pid int) error
}

// ExecLauncher launches host executables with os/exec.
type ExecLauncher struct {
	mu   sync.Mutex
	cmds map[int]*exec.Cmd
}

// NewExecLauncher returns an os/exec-backed launcher.
func NewExecLauncher() *ExecLauncher {
	return &ExecLauncher{cmds: make(map[int]*exec.Cmd)}
}

// Launch starts the executable and returns its pid. The child is reaped in
// the background so exited processes never accumulate as zombies.
func (l *ExecLauncher) Launch(path string, args []string) (int, error) {
	cmd := exec.Command(path, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start %s: %w", path, err)
	}
	pid := cmd.Process.Pid

	l.mu.Lock()
	l.cmds[pid] = cmd
	l.mu.Unlock()

	go func() {
		_ = cmd.Wait()
		l.mu.Lock()
		delete(l.cmds, pid)
		l.mu.Unlock()
	}()
	return pid, nil
}

// Kill terminates a launched process. Killing a pid that already exited is
// a no-op.
func (l *ExecLauncher) Kill(pid int) error {
	l.mu.Lock()
	cmd, ok := l.cmds[pid]
	l.mu.Unlock()
	if !ok {
		return nil
	}
	return cmd.Process.Kill()
}
