package reconnect

import "errors"

// ErrDisabled is returned by Retry when the policy does not allow reconnecting.
var ErrDisabled = errors.New("reconnect disabled")
