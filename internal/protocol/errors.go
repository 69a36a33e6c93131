package protocol

import "errors"

var (
	ErrMalformedDocument = errors.New("protocol: malformed json document")
	ErrBufferOverflow    = errors.New("protocol: incoming buffer overflow")
	ErrSessionEnded      = errors.New("protocol: session ended")
)
