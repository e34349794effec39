//go:build linux

package machineid

import (
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"
)

const (
	login1Service   = "org.freedesktop.login1"
	login1Path      = "/org/freedesktop/login1"
	login1Manager   = "org.freedesktop.login1.Manager"
	login1SessionIf = "org.freedesktop.login1.Session"
)

// LoginSession describes the logind session the recorder runs inside.
type LoginSession struct {
	ID     string
	Seat   string
	Remote bool
}

// CurrentLoginSession queries systemd-logind over the system bus for the
// session owning this process. Best effort: headless or non-systemd
// machines return an error and the caller records nothing.
func CurrentLoginSession() (LoginSession, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return LoginSession{}, fmt.Errorf("connect system bus: %w", err)
	}

	manager := conn.Object(login1Service, login1Path)
	var sessionPath dbus.ObjectPath
	call := manager.Call(login1Manager+".GetSessionByPID", 0, uint32(os.Getpid()))
	if call.Err != nil {
		return LoginSession{}, fmt.Errorf("resolve logind session: %w", call.Err)
	}
	if err := call.Store(&sessionPath); err != nil {
		return LoginSession{}, fmt.Errorf("decode session path: %w", err)
	}

	sessionObj := conn.Object(login1Service, sessionPath)
	info := LoginSession{}

	if v, err := sessionObj.GetProperty(login1SessionIf + ".Id"); err == nil {
		if id, ok := v.Value().(string); ok {
			info.ID = id
		}
	}
	if v, err := sessionObj.GetProperty(login1SessionIf + ".Remote"); err == nil {
		if remote, ok := v.Value().(bool); ok {
			info.Remote = remote
		}
	}
	// Seat is a (so) struct: seat id plus object path.
	if v, err := sessionObj.GetProperty(login1SessionIf + ".Seat"); err == nil {
		if seat, ok := v.Value().([]interface{}); ok && len(seat) > 0 {
			if id, ok := seat[0].(string); ok {
				info.Seat = id
			}
		}
	}

	return info, nil
}
