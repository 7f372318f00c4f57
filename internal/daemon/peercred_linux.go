//go:build linux

package daemon

import (
	"net"

	"golang.org/x/sys/unix"
)

// peerUID reads the connecting process UID from SO_PEERCRED.
func peerUID(conn *net.UnixConn) (uint32, bool) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, false
	}
	var cred *unix.Ucred
	var credErr error
	ctlErr := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctlErr != nil || credErr != nil || cred == nil {
		return 0, false
	}
	return cred.Uid, true
}
