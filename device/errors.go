package device

import "errors"

// Error kinds surfaced by the device layer (§7). Metadata I/O failures
// are returned to the caller as ordinary errors; there is no fatal-assertion
// helper.
var (
	ErrCorruptSuperblock  = errors.New("device: corrupt superblock")
	ErrVersionMismatch    = errors.New("device: superblock version mismatch")
	ErrSystemUUIDMismatch = errors.New("device: system uuid mismatch across pdevs")
	ErrNumDevicesMismatch = errors.New("device: number of devices does not match formatted system")
	ErrOutOfRoom          = errors.New("device: no free id slot")
	ErrNoSpace            = errors.New("device: insufficient contiguous free chunk space on pdev")
	ErrIO                 = errors.New("device: io error")
)
