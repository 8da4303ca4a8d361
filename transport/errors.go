package transport

import "errors"

// Sentinel errors shared by all backends. Call sites wrap them with
// fmt.Errorf("%w: ...") so callers can classify with errors.Is.
var (
	// ErrNotFound means the locator could not resolve a DeviceRef.
	ErrNotFound = errors.New("device not found")

	// ErrClaim means the interface could not be claimed, typically
	// because it is busy or held by a kernel driver.
	ErrClaim = errors.New("can't claim interface")

	// ErrConfig means a control transfer required to configure the
	// device was rejected.
	ErrConfig = errors.New("device configuration failed")

	// ErrTimeout means a deadline passed with no usable data.
	ErrTimeout = errors.New("transfer timed out")

	// ErrProtocol means a malformed frame was seen on the wire.
	ErrProtocol = errors.New("malformed frame")

	// ErrFirmware means a firmware image could not be located,
	// decoded or validated.
	ErrFirmware = errors.New("bad firmware image")

	// ErrUnsupported means the operation is not wired on this
	// backend.
	ErrUnsupported = errors.New("unsupported operation")

	// ErrSuspended means an I/O operation was attempted while the
	// transport's USB claim was released.
	ErrSuspended = errors.New("device is suspended")
)

// IsTimeout reports whether err is a timeout-class completion, the
// one failure the retry loops absorb.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
