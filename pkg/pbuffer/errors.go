package pbuffer

import "errors"

var (
	// ErrInvalidMode is returned by ParseMode for an unrecognized string.
	ErrInvalidMode = errors.New("pbuffer: invalid mode")
	// ErrDisabled is returned by memory-facing calls once Disable has been
	// called; the buffer still accepts Add/Get/SetLastID against the
	// database, it just refuses to report memory state.
	ErrDisabled = errors.New("pbuffer: disabled")
)
