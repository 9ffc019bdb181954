package rpcserver

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/pkg/errors"

	"github.com/xtaci/aiorpc/channel"
	"github.com/xtaci/aiorpc/stream"
)

// spawnWorker creates a connected socket pair, re-execs the server's own
// binary with cfg.WorkerArgs to become a worker (the Go substitute for
// forking the live parent process, which the runtime does not support), and
// wraps the parent's end of the pair as an IpcChannel.
func (s *Server) spawnWorker(id int) (*workerHandle, error) {
	parentFd, childFd, err := socketpair()
	if err != nil {
		return nil, err
	}
	childFile := os.NewFile(uintptr(childFd), fmt.Sprintf("aiorpc-worker-%d", id))

	if s.cfg.WorkerExecutable == "" {
		return nil, errors.New("rpcserver: Config.WorkerExecutable is required to spawn workers")
	}
	cmd := exec.Command(s.cfg.WorkerExecutable, s.cfg.WorkerArgs...)
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		childFile.Close()
		closeFd(parentFd)
		return nil, errors.Wrapf(err, "rpcserver: start worker %d", id)
	}
	childFile.Close() // the worker has its own copy past exec; drop ours

	st, err := stream.New(s.loop, parentFd, s.streamOptions())
	if err != nil {
		cmd.Process.Kill()
		return nil, errors.Wrapf(err, "rpcserver: wrap worker %d ipc socket", id)
	}

	wh := &workerHandle{id: id, proc: cmd.Process}
	ipc := channel.NewIpcChannel(st, s.onOutbound, s.onWorkerControl(id), s.onWorkerClose(id), s.channelOptions()...)
	wh.ipc = ipc
	ipc.Start()

	return wh, nil
}
