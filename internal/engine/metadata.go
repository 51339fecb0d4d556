package engine

import (
	"net/netip"
	"strings"

	"github.com/merit-monitoring/chatpulse/internal/model"
)

// clean trims v and maps empty or placeholder values to "".
func clean(v string) string {
	v = strings.TrimSpace(v)
	switch strings.ToLower(v) {
	case "", Unknown, "null", "none", "-":
		return ""
	}
	return v
}

// geoKey prefers the resolved country and falls back to the client address.
func geoKey(md model.Metadata) string {
	if c := clean(md.Country); c != "" {
		return c
	}
	if ip := clean(md.IPAddress); ip != "" {
		if addr, err := netip.ParseAddr(ip); err == nil {
			return addr.Unmap().String()
		}
	}
	return Unknown
}

func browserKey(md model.Metadata) string {
	if b := clean(md.Browser); b != "" {
		return b
	}
	if b := sniff(md.UserAgent, browserSignatures); b != "" {
		return b
	}
	return Unknown
}

func osKey(md model.Metadata) string {
	if o := clean(md.OS); o != "" {
		return o
	}
	if o := sniff(md.UserAgent, osSignatures); o != "" {
		return o
	}
	return Unknown
}

type signature struct {
	token string
	name  string
}

// Order matters: Edge and Opera carry "Chrome/", Chrome carries "Safari/",
// Android carries "Linux".
var browserSignatures = []signature{
	{"Edg/", "Edge"},
	{"OPR/", "Opera"},
	{"Opera", "Opera"},
	{"Firefox/", "Firefox"},
	{"FxiOS/", "Firefox"},
	{"CriOS/", "Chrome"},
	{"Chrome/", "Chrome"},
	{"Safari/", "Safari"},
	{"curl/", "curl"},
}

var osSignatures = []signature{
	{"Windows", "Windows"},
	{"Android", "Android"},
	{"iPhone", "iOS"},
	{"iPad", "iOS"},
	{"CrOS", "ChromeOS"},
	{"Mac OS X", "macOS"},
	{"Macintosh", "macOS"},
	{"Linux", "Linux"},
}

func sniff(ua string, sigs []signature) string {
	if ua == "" {
		return ""
	}
	for _, s := range sigs {
		if strings.Contains(ua, s.token) {
			return s.name
		}
	}
	return ""
}
