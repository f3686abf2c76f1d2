package constants

import "time"

const (
	DefaultMQTTPort      = 1883
	DefaultMQTTKeepAlive = 60 * time.Second
	DefaultRootTopic     = "msh/MY_919/2/e"
	DefaultChannel       = "LongFast"
)

const (
	DefaultMaxRetries = 5
	DefaultRetryDelay = 5 * time.Second
	DefaultAPITimeout = 30 * time.Second
	ForwardMaxBackoff = 5 * time.Minute
)

const (
	// Bus reconnect attempts are unbounded; only the backoff ceiling caps
	// the sleep between attempts for a long-running service.
	ReconnectInitialInterval = 1 * time.Second
	ReconnectMaxInterval     = 60 * time.Second
	ConnectTimeout           = 30 * time.Second
	DisconnectQuiesceMillis  = 500
)

const (
	DefaultDatabaseFile = "meshbridge.db"
	StoreBusyTimeout    = 30 * time.Second
	StoreBusyAttempts   = 3
	StoreBusyDelay      = 50 * time.Millisecond
	StoreBusyMaxDelay   = 500 * time.Millisecond
)

const (
	// Text payloads beyond this many bytes are truncated before forwarding;
	// POCSAG frames are short and oversized blobs are usually mis-decrypts.
	DefaultMaxTextLen = 512
)

const (
	PacketBufferSize = 64
	ShutdownTimeout  = 5 * time.Second
)
