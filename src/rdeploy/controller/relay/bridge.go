package relay

import (
	"io"
	"net"
	"syscall"

	"github.com/homeauto/rdeploy/src/rdeploy/internal/errors"
)

type copyResult struct {
	toRemote bool
	n        int64
	err      error
}

// bridge copies bytes both ways until either side finishes, then closes both connections.
// It returns the bytes sent to and received from the remote side, and the first unexpected error.
func bridge(local, remote net.Conn) (sent, received int64, _ error) {
	done := make(chan copyResult, 2)
	go func() {
		n, err := io.Copy(remote, local)
		done <- copyResult{toRemote: true, n: n, err: err}
	}()
	go func() {
		n, err := io.Copy(local, remote)
		done <- copyResult{n: n, err: err}
	}()

	first := <-done
	local.Close()
	remote.Close()
	second := <-done

	for _, res := range []copyResult{first, second} {
		if res.toRemote {
			sent = res.n
		} else {
			received = res.n
		}
	}
	if first.err != nil && !isExpectedClose(first.err) {
		return sent, received, first.err
	}
	return sent, received, nil
}

// isExpectedClose reports whether err is a normal teardown of one side of the pair.
func isExpectedClose(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
