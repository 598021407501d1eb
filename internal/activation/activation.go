// Package activation obtains the webhook listener, either from systemd socket
// activation or by listening on a configured address.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// firstFD is the first descriptor systemd passes (0-2 are stdio)
const firstFD = 3

// Listen returns the socket systemd passed to this process, preferring one
// named name in LISTEN_FDNAMES. Without socket activation it listens on addr.
// The boolean reports whether the listener came from systemd.
func Listen(name, addr string) (net.Listener, bool, error) {
	listeners, names, err := activated()
	if err != nil {
		return nil, false, err
	}
	if len(listeners) == 0 {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		return l, false, nil
	}

	chosen := 0
	for i, n := range names {
		if n == name && i < len(listeners) {
			chosen = i
			break
		}
	}
	for i, l := range listeners {
		if i != chosen {
			_ = l.Close()
		}
	}
	return listeners[chosen], true, nil
}

// activated returns the systemd-activated listeners and their names.
// It returns nothing when LISTEN_PID is unset or names another process.
func activated() ([]net.Listener, []string, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return nil, nil, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return nil, nil, nil
	}
	numFDs, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if numFDs < 1 {
		return nil, nil, nil
	}

	names := parseNames(os.Getenv("LISTEN_FDNAMES"))

	listeners := make([]net.Listener, 0, numFDs)
	for i := 0; i < numFDs; i++ {
		fd := firstFD + i
		file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", i))
		if file == nil {
			closeAll(listeners)
			return nil, nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		listener, err := net.FileListener(file)
		// FileListener dups the descriptor
		_ = file.Close()
		if err != nil {
			closeAll(listeners)
			return nil, nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		listeners = append(listeners, listener)
	}

	// Child processes such as git must not inherit the activation state
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listeners, names, nil
}

func parseNames(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ":")
}

func closeAll(listeners []net.Listener) {
	for _, l := range listeners {
		_ = l.Close()
	}
}
