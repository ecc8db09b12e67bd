//go:build linux
// +build linux

package fuse

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// MountOption customizes the mount.
type MountOption func(*mountConfig)

type mountConfig struct{ options map[string]string }

// getOptions converts the mount options into fusermount's `-o` syntax.
func (m mountConfig) getOptions() string {
	opts := make([]string, 0, len(m.options))
	for k, v := range m.options {
		opt := k
		if v != "" {
			opt += "=" + v
		}
		opt = strings.ReplaceAll(opt, `\`, `\\`)
		opt = strings.ReplaceAll(opt, `,`, `\,`)
		opts = append(opts, opt)
	}
	return strings.Join(opts, ",")
}

// FSName sets the source name shown in the mount table.
func FSName(name string) MountOption {
	return func(mc *mountConfig) { mc.options["fsname"] = name }
}

// Subtype sets the mount's subtype; the full type appears as fuse.<subtype>.
func Subtype(subtype string) MountOption {
	return func(mc *mountConfig) { mc.options["subtype"] = subtype }
}

// AllowOther lets users other than the mounting one access the filesystem.
func AllowOther() MountOption {
	return func(mc *mountConfig) { mc.options["allow_other"] = "" }
}

// DefaultPermissions asks the kernel to enforce file-mode access checks
// instead of the daemon.
func DefaultPermissions() MountOption {
	return func(mc *mountConfig) { mc.options["default_permissions"] = "" }
}

// ReadOnly marks the mount read-only.
func ReadOnly() MountOption {
	return func(mc *mountConfig) { mc.options["ro"] = "" }
}

// MaxRead caps the read size the kernel will request.
func MaxRead(n int) MountOption {
	return func(mc *mountConfig) { mc.options["max_read"] = fmt.Sprint(n) }
}

// Mount mounts a FUSE filesystem at dir and returns the Conn carrying its
// kernel requests. Closing the Conn lazily unmounts dir.
func Mount(l log.Logger, dir string, opts ...MountOption) (*Conn, error) {
	cfg := mountConfig{options: map[string]string{}}
	for _, opt := range opts {
		opt(&cfg)
	}

	f, err := mount(l, dir, &cfg)
	if err != nil {
		return nil, err
	}

	return &Conn{log: l, f: f, onClose: func() {
		if err := Unmount(dir); err != nil {
			level.Error(l).Log("msg", "failed to unmount on close", "dir", dir, "err", err)
		} else {
			level.Debug(l).Log("msg", "unmounted", "dir", dir)
		}
	}}, nil
}

// Unmount lazily unmounts the filesystem at dir.
func Unmount(dir string) error {
	cmd := exec.Command("fusermount", "-z", "-u", dir)
	output, err := cmd.CombinedOutput()
	if err != nil {
		output = bytes.TrimRight(output, "\n")
		if len(output) > 0 {
			err = fmt.Errorf("%w: %s", err, string(output))
		}
	}
	return err
}

// mount runs fusermount with one end of a socket pair and reads the
// /dev/fuse descriptor back over the other end as a control message.
func mount(l log.Logger, dir string, conf *mountConfig) (fd *os.File, err error) {
	fds, err := syscall.Socketpair(syscall.AF_FILE, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socketpair error: %v", err)
	}

	writeFile := os.NewFile(uintptr(fds[0]), "fusermount-child-writes")
	defer writeFile.Close()

	readFile := os.NewFile(uintptr(fds[1]), "fusermount-parent-reads")
	defer readFile.Close()

	cmd := exec.Command(
		"fusermount",
		"-o", conf.getOptions(),
		"--",
		dir,
	)
	cmd.ExtraFiles = []*os.File{writeFile}
	cmd.Env = append(os.Environ(), "_FUSE_COMMFD=3")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("fusermount stdout: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("fusermount stderr: %v", err)
	}

	// StdoutPipe and StderrPipe must be fully read before cmd.Wait.
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("fusermount: %v", err)
	}

	var pipeWait sync.WaitGroup
	pipeWait.Add(2)

	readLogs := func(r io.Reader, defLevel level.Value) {
		defer pipeWait.Done()
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			log.WithPrefix(l, level.Key(), defLevel).Log("msg", scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			level.Error(l).Log("msg", "failed to read fusermount output", "err", err)
		}
	}
	go readLogs(stdout, level.DebugValue())
	go readLogs(stderr, level.WarnValue())

	pipeWait.Wait()
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("fusermount failed")
	}

	c, err := net.FileConn(readFile)
	if err != nil {
		return nil, fmt.Errorf("FileConn from fusermount socket: %v", err)
	}
	defer c.Close()
	uc, ok := c.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("unexpected FileConn type; expected UnixConn, got %T", c)
	}

	// The /dev/fuse descriptor arrives as SCM_RIGHTS out-of-band data. The
	// buffer is oversized slightly for compatibility.
	var oob = make([]byte, 32)
	_, oobLen, _, _, _ := uc.ReadMsgUnix(make([]byte, 32), oob)

	controlMsgs, err := syscall.ParseSocketControlMessage(oob[:oobLen])
	if err != nil {
		return nil, fmt.Errorf("ParseSocketControlMessage: %v", err)
	}
	if len(controlMsgs) != 1 {
		return nil, fmt.Errorf("expected 1 SocketControlMessage; got scms = %#v", controlMsgs)
	}

	controlFiles, err := syscall.ParseUnixRights(&controlMsgs[0])
	if err != nil {
		return nil, fmt.Errorf("syscall.ParseUnixRights: %v", err)
	}
	if len(controlFiles) != 1 {
		return nil, fmt.Errorf("wanted 1 fd; got %#v", controlFiles)
	}
	return os.NewFile(uintptr(controlFiles[0]), "/dev/fuse"), nil
}
