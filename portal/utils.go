package portal

import (
	"bytes"
	"errors"
	"io"
	"strings"
)

// readRequestLine reads from r until a newline, EOF or limit bytes and
// returns the first line without its line terminator.
func readRequestLine(r io.Reader, limit int) ([]byte, error) {
	buf := make([]byte, limit)
	n := 0
	for n < limit {
		m, err := r.Read(buf[n:])
		n += m
		if i := bytes.IndexByte(buf[:n], '\n'); i >= 0 {
			return bytes.TrimRight(buf[:i], "\r"), nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) && n > 0 {
				return buf[:n], nil
			}
			return nil, err
		}
	}
	return buf[:n], nil
}

// requestPath extracts the target of a request line, or "" if the line is
// not "METHOD TARGET ...".
func requestPath(line []byte) string {
	fields := strings.Fields(string(line))
	if len(fields) < 2 {
		return ""
	}
	path := fields[1]
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	return path
}

// isConnectivityCheckPath reports whether path is a known connectivity check URL.
func isConnectivityCheckPath(path string) bool {
	return contains(NoContentURLs, path) ||
		contains(AppleSuccessURLs, path) ||
		containsSubstring(path, CaptivePortalDetectionPatterns...)
}

// contains checks if a string slice contains a specific value
func contains(slice []string, value string) bool {
	for _, item := range slice {
		if item == value {
			return true
		}
	}
	return false
}

// containsSubstring checks if a string contains any of the substrings
func containsSubstring(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
