package session

import (
	"strings"

	"github.com/mileusna/useragent"
)

// DescribeDevice summarizes a User-Agent string as "Browser Version on OS
// (type)". Unparseable input yields "Unknown device".
func DescribeDevice(userAgent string) string {
	if strings.TrimSpace(userAgent) == "" {
		return "Unknown device"
	}

	ua := useragent.Parse(userAgent)

	browser := ua.Name
	if browser == "" {
		browser = "Unknown browser"
	} else if ua.Version != "" {
		browser += " " + majorVersion(ua.Version)
	}

	os := ua.OS
	if os == "" {
		os = "unknown OS"
	} else if ua.OSVersion != "" {
		os += " " + ua.OSVersion
	}

	kind := "desktop"
	switch {
	case ua.Bot:
		kind = "bot"
	case ua.Tablet:
		kind = "tablet"
	case ua.Mobile:
		kind = "mobile"
	}

	return browser + " on " + os + " (" + kind + ")"
}

func majorVersion(v string) string {
	if i := strings.IndexByte(v, '.'); i > 0 {
		return v[:i]
	}
	return v
}
