package session

import (
	"strings"

	"classhive/auth-sessions/internal/model"
)

// DeviceType classifies a client User-Agent as mobile, tablet or desktop.
// Best-effort only; the string is client-supplied and falls back to unknown.
func DeviceType(userAgent string) string {
	ua := strings.ToLower(userAgent)
	if ua == "" {
		return model.DeviceUnknown
	}
	switch {
	case strings.Contains(ua, "ipad") || strings.Contains(ua, "tablet"):
		return model.DeviceTablet
	case strings.Contains(ua, "android") && !strings.Contains(ua, "mobile"):
		return model.DeviceTablet
	case strings.Contains(ua, "mobi") || strings.Contains(ua, "iphone") || strings.Contains(ua, "android"):
		return model.DeviceMobile
	case strings.Contains(ua, "windows") || strings.Contains(ua, "macintosh") || strings.Contains(ua, "linux") || strings.Contains(ua, "x11"):
		return model.DeviceDesktop
	default:
		return model.DeviceUnknown
	}
}
