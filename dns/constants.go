package dns

// DNS packet constants
const (
	// DNS header offsets
	headerIDOffset      = 0
	headerQDCountOffset = 4
	headerSize          = 12

	// DNS flags
	flagQR = 0x8000 // Query Response flag - set on every answer we send
	flagRD = 0x0100 // Recursion Desired
	flagRA = 0x0080 // Recursion Available

	// responseFlags is "standard query response, no error" (0x8180).
	responseFlags = flagQR | flagRD | flagRA

	// DNS record types and classes
	typeA   = 1 // IPv4 address record
	classIN = 1 // Internet class

	// namePointer is a compression pointer to the first question name,
	// which always starts right after the header.
	namePointer = 0xC000 | headerSize

	// rootName is the encoded root domain, the answer name when no question
	// is echoed.
	rootName = 0x00

	// MaxMessageSize is the classic UDP payload limit; queries are read into
	// a buffer of this size.
	MaxMessageSize = 512

	// DefaultTTL is the answer TTL in seconds when none is configured.
	DefaultTTL = 60
)
