package call

import "errors"

var (
	ErrBusy            = errors.New("another call is in progress")
	ErrNoCall          = errors.New("no call in progress")
	ErrNoIncomingCall  = errors.New("no incoming call")
	ErrToggleBusy      = errors.New("track toggle already in progress")
	ErrNegotiationBusy = errors.New("renegotiation already in progress")
	ErrCallEnded       = errors.New("call ended")
	ErrInvalidPhase    = errors.New("operation not valid in current phase")
	ErrNoTrack         = errors.New("no local track of that kind")
	ErrClosed          = errors.New("call client closed")
)
