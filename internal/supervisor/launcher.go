package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"tpserve/internal/worker"
)

// Process is a started shard worker.
type Process interface {
	// Wait blocks until the process exits. It is called exactly once.
	Wait() error
	// Terminate asks the process to exit.
	Terminate() error
	// Kill forces the process to exit.
	Kill() error
	Pid() int
}

// Launcher starts one shard worker.
type Launcher interface {
	Launch(ctx context.Context, spec worker.Spec) (Process, error)
}

// ExecLauncher runs workers as OS processes. Shards on hosts other than
// the local machine are started through RemoteShell (e.g. ["ssh"]), with
// the host appended as the shell's first argument.
type ExecLauncher struct {
	Bin         string
	ExtraArgs   []string
	RemoteShell []string
	// Hosts treated as local in addition to localhost and os.Hostname.
	LocalHosts []string
	// Extra environment, e.g. the model hub token.
	Env    []string
	Logger zerolog.Logger
	// Where worker output goes; defaults to the launching process's stderr.
	Output io.Writer
	// When set, each shard writes to its own file under LogDir and runs in
	// its own process group, so it outlives the launching process.
	LogDir string
}

// Launch starts the shard process described by spec.
func (l *ExecLauncher) Launch(_ context.Context, spec worker.Spec) (Process, error) {
	args, err := spec.Args()
	if err != nil {
		return nil, err
	}
	args = append(args, l.ExtraArgs...)
	devices := worker.EnvVisibleDevs + "=" + spec.VisibleDevices()

	var cmd *exec.Cmd
	if l.isLocal(spec.Ports.Host) {
		cmd = exec.Command(l.Bin, args...)
		cmd.Env = append(append(os.Environ(), l.Env...), devices)
	} else {
		if len(l.RemoteShell) == 0 {
			return nil, fmt.Errorf("launch %s: host is remote and no remote shell is configured", spec.Ports.Host)
		}
		remote := []string{"env", devices}
		remote = append(remote, l.Env...)
		remote = append(remote, l.Bin)
		remote = append(remote, args...)
		shellArgs := append(append([]string(nil), l.RemoteShell[1:]...), spec.Ports.Host, shellJoin(remote))
		cmd = exec.Command(l.RemoteShell[0], shellArgs...)
	}
	proc := &execProcess{cmd: cmd, stderr: &tailBuffer{max: tailBytes}}
	if l.LogDir != "" {
		f, err := l.logFile(spec)
		if err != nil {
			return nil, err
		}
		// the child holds its own descriptor once started
		defer f.Close()
		cmd.Stdout = f
		cmd.Stderr = f
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		proc.logPath = f.Name()
	} else {
		out := l.Output
		if out == nil {
			out = os.Stderr
		}
		cmd.Stdout = out
		cmd.Stderr = io.MultiWriter(out, proc.stderr)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s rank %d: %w", spec.Ports.Host, spec.Rank, err)
	}
	l.Logger.Debug().
		Str("tag", spec.Tag).
		Int("replica", spec.Replica).
		Int("rank", spec.Rank).
		Int("pid", cmd.Process.Pid).
		Str("host", spec.Ports.Host).
		Int("port", spec.Port()).
		Msg("worker_started")
	return proc, nil
}

func (l *ExecLauncher) logFile(spec worker.Spec) (*os.File, error) {
	if err := os.MkdirAll(l.LogDir, 0o755); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s-r%d-s%d.log", url.PathEscape(spec.Tag), spec.Replica, spec.Rank)
	return os.OpenFile(filepath.Join(l.LogDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

func (l *ExecLauncher) isLocal(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1", "":
		return true
	}
	for _, h := range l.LocalHosts {
		if h == host {
			return true
		}
	}
	name, err := os.Hostname()
	return err == nil && name == host
}

type execProcess struct {
	cmd     *exec.Cmd
	stderr  *tailBuffer
	logPath string
}

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	if err != nil {
		if tail := strings.TrimSpace(p.tail()); tail != "" {
			return fmt.Errorf("%w; stderr tail: %s", err, tail)
		}
	}
	return err
}

func (p *execProcess) tail() string {
	if p.logPath == "" {
		return p.stderr.String()
	}
	f, err := os.Open(p.logPath)
	if err != nil {
		return ""
	}
	defer f.Close()
	if fi, err := f.Stat(); err == nil && fi.Size() > tailBytes {
		_, _ = f.Seek(-tailBytes, io.SeekEnd)
	}
	b, _ := io.ReadAll(f)
	return string(b)
}

func (p *execProcess) Terminate() error { return p.cmd.Process.Signal(syscall.SIGTERM) }
func (p *execProcess) Kill() error      { return p.cmd.Process.Kill() }
func (p *execProcess) Pid() int         { return p.cmd.Process.Pid }

// tailBytes is how much worker output is kept for startup failure reports.
const tailBytes = 4096

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf bytes.Buffer
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(b)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

// shellJoin quotes args for a POSIX shell on the remote side.
func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a != "" && strings.IndexFunc(a, func(r rune) bool {
			return !(r == '-' || r == '_' || r == '.' || r == '/' || r == '=' || r == ',' || r == ':' ||
				(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
		}) < 0 {
			quoted[i] = a
			continue
		}
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
