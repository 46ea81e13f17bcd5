package capture

import "errors"

var (
	errAlreadyStarted = errors.New("capture already started")
	errStopped        = errors.New("capture source stopped")
)
