package server

import (
	"strings"

	"github.com/FeexSystems/BrowserSyncBot/internal/protocol"
)

const unknownBrowser = "Unknown"

// Edge carries both the Chrome and Safari tokens, and Chrome carries Safari's,
// so the checks run from most to least specific.
var browserTokens = []struct {
	token string
	name  string
}{
	{token: "Edg", name: "Edge"},
	{token: "Firefox", name: "Firefox"},
	{token: "Chrome", name: "Chrome"},
	{token: "Safari", name: "Safari"},
}

func extractBrowser(userAgent string) string {
	for _, candidate := range browserTokens {
		if strings.Contains(userAgent, candidate.token) {
			return candidate.name
		}
	}
	return unknownBrowser
}

func inferDeviceType(declared, userAgent string) protocol.DeviceType {
	if parsed, err := protocol.ParseDeviceType(declared); err == nil {
		return parsed
	}
	switch {
	case strings.Contains(userAgent, "iPad"), strings.Contains(userAgent, "Tablet"):
		return protocol.DeviceTypeTablet
	case strings.Contains(userAgent, "Mobile"), strings.Contains(userAgent, "Android"), strings.Contains(userAgent, "iPhone"):
		return protocol.DeviceTypeMobile
	default:
		return protocol.DeviceTypeDesktop
	}
}
