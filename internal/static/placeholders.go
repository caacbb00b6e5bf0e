// Package static embeds the placeholder pages the HTTP proxy serves while a
// session is not proxyable.
package static

import _ "embed"

// WaitingHTML is shown while the session still waits for its target host.
//
//go:embed waiting.html
var WaitingHTML []byte

// ClosedHTML is shown once a session has ended.
//
//go:embed closed.html
var ClosedHTML []byte
