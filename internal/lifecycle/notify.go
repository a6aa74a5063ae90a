// Package lifecycle reports daemon state to the service manager.
package lifecycle

import (
	"fmt"
	"net"
	"os"

	"github.com/rs/zerolog/log"
)

const notifySocketEnv = "NOTIFY_SOCKET"

// NotifyReady sends READY=1 once the socket is bound and the sink connected.
func NotifyReady() error {
	return notify("READY=1")
}

// NotifyStopping sends STOPPING=1 when graceful shutdown begins.
func NotifyStopping() error {
	return notify("STOPPING=1")
}

// NotifyStatus sends a free-form status line shown by systemctl status.
func NotifyStatus(msg string) error {
	return notify("STATUS=" + msg)
}

// notify sends a raw sd_notify datagram. It is a no-op when NOTIFY_SOCKET is
// unset, i.e. when not running under systemd.
func notify(msg string) error {
	sockPath := os.Getenv(notifySocketEnv)
	if sockPath == "" {
		return nil
	}

	// A leading '@' selects the abstract namespace; net handles that itself.
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: sockPath, Net: "unixgram"})
	if err != nil {
		return fmt.Errorf("lifecycle: notify dial: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(msg)); err != nil {
		return fmt.Errorf("lifecycle: notify write: %w", err)
	}
	log.Debug().Str("component", "lifecycle").Str("message", msg).Msg("notified service manager")
	return nil
}
