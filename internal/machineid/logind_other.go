//go:build !linux

package machineid

import "errors"

// LoginSession describes the desktop login session the recorder runs inside.
type LoginSession struct {
	ID     string
	Seat   string
	Remote bool
}

// CurrentLoginSession is only implemented on Linux (logind).
func CurrentLoginSession() (LoginSession, error) {
	return LoginSession{}, errors.New("login session lookup unsupported on this platform")
}
