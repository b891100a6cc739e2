package transport

import (
	"bytes"
	"net/http"
	"strings"

	"hvcollector/models"
)

// Signal is a throttling verdict for one response.
type Signal int

const (
	SignalNone Signal = iota
	SignalRateLimit
	SignalBan
)

func (s Signal) String() string {
	switch s {
	case SignalRateLimit:
		return "rate limit"
	case SignalBan:
		return "ip ban"
	}
	return "none"
}

// Detector classifies a response as throttled or not. Providers word their
// throttle responses differently, and some return them with status 200.
type Detector func(status int, body []byte) Signal

// DetectorFor returns the detector matching a provider's conventions.
func DetectorFor(p models.Provider) Detector {
	switch p {
	case models.ProviderBinance:
		return detectBinance
	case models.ProviderKraken:
		return detectKraken
	default:
		return detectStatus
	}
}

func detectStatus(status int, _ []byte) Signal {
	switch status {
	case http.StatusTooManyRequests:
		return SignalRateLimit
	case http.StatusTeapot:
		return SignalBan
	}
	return SignalNone
}

// binance answers 429 for weight overuse and 418 once the IP is banned;
// -1003 is the error code carried by both.
func detectBinance(status int, body []byte) Signal {
	if s := detectStatus(status, body); s != SignalNone {
		return s
	}
	if status < 400 {
		return SignalNone
	}
	msg := strings.ToLower(string(body))
	if strings.Contains(msg, `"code":-1003`) || strings.Contains(msg, "too many requests") {
		if strings.Contains(msg, "ip") && strings.Contains(msg, "ban") {
			return SignalBan
		}
		return SignalRateLimit
	}
	return SignalNone
}

var krakenThrottleErrors = [][]byte{
	[]byte("EAPI:Rate limit exceeded"),
	[]byte("EGeneral:Too many requests"),
	[]byte("EService:Throttled"),
}

func detectKraken(status int, body []byte) Signal {
	if s := detectStatus(status, body); s != SignalNone {
		return s
	}
	for _, e := range krakenThrottleErrors {
		if bytes.Contains(body, e) {
			return SignalRateLimit
		}
	}
	return SignalNone
}
