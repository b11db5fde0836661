package spooled

import "github.com/spooled/spooled-go/core"

// Version information for the Spooled Go SDK
const (
	// Version is the current SDK version, also reported in the
	// User-Agent header and worker registrations.
	Version = core.Version

	// APIVersion is the wire API version the SDK speaks.
	APIVersion = "v1"
)
