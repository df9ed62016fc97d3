package dns

import "strings"

// connectivityCheckDomains are the hosts operating systems query to decide whether a
// network has a captive portal. They get the same answer as everything else;
// the list only tags log lines and metrics.
var connectivityCheckDomains = []string{
	"captive.apple.com", "www.apple.com",
	"connectivitycheck.gstatic.com", "connectivitycheck.android.com",
	"clients3.google.com",
	"www.msftconnecttest.com", "www.msftncsi.com",
	"detectportal.firefox.com", "success.ubuntu.com",
	"nmcheck.gnome.org", "network-test.debian.org",
}

// IsConnectivityCheckDomain reports whether name is a connectivity check host or one of
// its subdomains. The trailing root dot and letter case are ignored.
func IsConnectivityCheckDomain(name string) bool {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	for _, d := range connectivityCheckDomains {
		if name == d || strings.HasSuffix(name, "."+d) {
			return true
		}
	}
	return false
}
