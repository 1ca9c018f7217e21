package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

const deflateExtension = "permessage-deflate"

// CompressionMode is the negotiated compression state for one session.
// The zero value means no compression.
type CompressionMode struct {
	// Deflate is true when the permessage-deflate extension was negotiated.
	Deflate bool

	// Level is the deflate level (1-9) applied to outgoing messages.
	// Zero when Deflate is false.
	Level int

	// ClientNoContextTakeover and ClientMaxWindowBits echo the parameters
	// from the client's accepted extension offer, when present. The server
	// always responds without context takeover, which is a valid answer to
	// any offer, so these are informational.
	ClientNoContextTakeover bool
	ClientMaxWindowBits     int
}

func (m CompressionMode) String() string {
	if !m.Deflate {
		return "none"
	}
	return fmt.Sprintf("permessage-deflate(level=%d)", m.Level)
}

// extensionOffer is one parsed offer from a Sec-WebSocket-Extensions header.
type extensionOffer struct {
	name   string
	params map[string]string
}

// Negotiate decides the compression mode for a new session from the server's
// configured level and the client's handshake headers.
//
// Rules:
//   - level 0 disables compression regardless of client support
//   - level 1-9 with a client permessage-deflate offer negotiates deflate at
//     that level, recording the client's window/context-takeover parameters
//   - a client without permessage-deflate support gets no compression
//
// Negotiation never fails the handshake; a mismatch only means the session
// runs uncompressed.
func Negotiate(level int, header http.Header) CompressionMode {
	if level <= 0 || level > 9 {
		return CompressionMode{}
	}

	for _, offer := range parseExtensionOffers(header) {
		if offer.name != deflateExtension {
			continue
		}

		mode := CompressionMode{
			Deflate: true,
			Level:   level,
		}
		if _, ok := offer.params["client_no_context_takeover"]; ok {
			mode.ClientNoContextTakeover = true
		}
		if raw, ok := offer.params["client_max_window_bits"]; ok && raw != "" {
			if bits, err := strconv.Atoi(raw); err == nil && bits >= 8 && bits <= 15 {
				mode.ClientMaxWindowBits = bits
			}
		}
		return mode
	}

	return CompressionMode{}
}

// parseExtensionOffers parses every Sec-WebSocket-Extensions header line into
// individual extension offers. Offers are comma-separated; parameters within
// an offer are semicolon-separated and may carry quoted values.
func parseExtensionOffers(header http.Header) []extensionOffer {
	var offers []extensionOffer

	for _, line := range header.Values("Sec-Websocket-Extensions") {
		for _, item := range strings.Split(line, ",") {
			parts := strings.Split(item, ";")
			name := strings.ToLower(strings.TrimSpace(parts[0]))
			if name == "" {
				continue
			}

			offer := extensionOffer{
				name:   name,
				params: make(map[string]string),
			}
			for _, part := range parts[1:] {
				key, value, _ := strings.Cut(strings.TrimSpace(part), "=")
				key = strings.ToLower(strings.TrimSpace(key))
				if key == "" {
					continue
				}
				offer.params[key] = strings.Trim(strings.TrimSpace(value), `"`)
			}
			offers = append(offers, offer)
		}
	}

	return offers
}
