package portal

// MaxRequestSize bounds how much of a fresh connection is read to find the
// request line.
const MaxRequestSize = 1024

// Request line patterns, checked in this order. The first match wins.
const (
	patternOpen  = "GET /open"
	patternClose = "GET /close"
	patternExit  = "GET /exit"
)

// Paths operating systems fetch to detect a captive portal. They are served
// the control page like any other unmatched path; the lists only label logs
// and metrics.
var (
	// URLs that Android and ChromeOS expect to answer 204 No Content
	NoContentURLs = []string{
		"/generate_204",
		"/gen_204",
	}

	// URLs that Apple devices expect to answer "Success"
	AppleSuccessURLs = []string{
		"/hotspot-detect.html",
		"/library/test/success.html",
	}

	// Path fragments used by other platforms
	CaptivePortalDetectionPatterns = []string{
		"/ncsi.txt",
		"/connecttest.txt",
		"/success.txt",
		"/canonical.html",
	}
)
