//go:build unix

package control

import (
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

var umaskMu sync.Mutex

// listenSocket creates the socket with owner-only permissions from the
// start, so there is no window in which other users can connect.
func listenSocket(path string) (net.Listener, error) {
	umaskMu.Lock()
	defer umaskMu.Unlock()

	old := unix.Umask(0177)
	defer unix.Umask(old)

	return net.Listen("unix", path)
}
