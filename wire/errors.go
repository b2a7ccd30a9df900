package wire

import "errors"

// ErrProtocol wraps any malformed-input condition detected while decoding a
// frame: a bad tag, a truncated varint, a missing required field. The
// dispatcher never crashes on this — it answers with StatusProtocolError
// and keeps serving the connection.
var ErrProtocol = errors.New("wire: protocol error")
