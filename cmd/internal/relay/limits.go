package relay

import "time"

const (
	// Max bytes per websocket frame read.
	maxFrameBytes = 64 << 10

	// Max message text length (runes) accepted from a viewer.
	maxMessageChars = 4000
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
