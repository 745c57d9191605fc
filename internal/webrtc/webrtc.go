// Package webrtc builds the ICE server list browsers use for their peer
// connections. The relay itself never opens a peer connection.
package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

var ErrInvalidICEServer = errors.New("invalid ice server")

// DefaultICEServers returns the public STUN servers used when nothing is
// configured.
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{URLs: []string{"stun:stun.stunprotocol.org:3478"}},
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}
}

// Source holds the raw ICE settings. JSON wins over the URL lists.
type Source struct {
	JSON           string
	STUNURLs       string
	TURNURLs       string
	TURNUsername   string
	TURNCredential string
}

// ParseICEServers resolves src into a validated server list, falling back to
// DefaultICEServers when src is empty.
func ParseICEServers(src Source) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(src.JSON); raw != "" {
		servers, err := parseJSON(raw)
		if err != nil {
			return nil, err
		}
		if len(servers) > 0 {
			return servers, nil
		}
		return DefaultICEServers(), nil
	}

	var servers []webrtc.ICEServer
	if stun := splitList(src.STUNURLs); len(stun) > 0 {
		server := webrtc.ICEServer{URLs: stun}
		if err := validate(server); err != nil {
			return nil, fmt.Errorf("stun urls: %w", err)
		}
		servers = append(servers, server)
	}
	if turn := splitList(src.TURNURLs); len(turn) > 0 {
		server := webrtc.ICEServer{
			URLs:       turn,
			Username:   strings.TrimSpace(src.TURNUsername),
			Credential: strings.TrimSpace(src.TURNCredential),
		}
		if err := validate(server); err != nil {
			return nil, fmt.Errorf("turn urls: %w", err)
		}
		servers = append(servers, server)
	}

	if len(servers) == 0 {
		return DefaultICEServers(), nil
	}
	return servers, nil
}

// iceServerJSON accepts "urls" as a string or a list, like RTCIceServer.
type iceServerJSON struct {
	URLs       json.RawMessage `json:"urls"`
	Username   string          `json:"username"`
	Credential string          `json:"credential"`
}

func parseJSON(raw string) ([]webrtc.ICEServer, error) {
	var entries []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("ice servers json: %w", err)
	}

	servers := make([]webrtc.ICEServer, 0, len(entries))
	for i, entry := range entries {
		urls, err := decodeURLs(entry.URLs)
		if err != nil {
			return nil, fmt.Errorf("ice server %d: %w", i, err)
		}
		server := webrtc.ICEServer{
			URLs:     urls,
			Username: strings.TrimSpace(entry.Username),
		}
		if entry.Credential != "" {
			server.Credential = entry.Credential
		}
		if err := validate(server); err != nil {
			return nil, fmt.Errorf("ice server %d: %w", i, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

func decodeURLs(raw json.RawMessage) ([]string, error) {
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return splitList(one), nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, fmt.Errorf("%w: urls must be a string or a list", ErrInvalidICEServer)
	}
	urls := make([]string, 0, len(many))
	for _, u := range many {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	return urls, nil
}

func validate(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return fmt.Errorf("%w: no urls", ErrInvalidICEServer)
	}
	for _, u := range server.URLs {
		scheme, _, _ := strings.Cut(u, ":")
		switch scheme {
		case "stun", "stuns":
		case "turn", "turns":
			cred, _ := server.Credential.(string)
			if server.Username == "" || cred == "" {
				return fmt.Errorf("%w: %s needs a username and credential", ErrInvalidICEServer, u)
			}
		default:
			return fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidICEServer, u)
		}
	}
	return nil
}

func splitList(value string) []string {
	var out []string
	for part := range strings.SplitSeq(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// BrowserICEServer is the RTCIceServer shape served to the browser.
type BrowserICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ForBrowser converts servers to their RTCIceServer form.
func ForBrowser(servers []webrtc.ICEServer) []BrowserICEServer {
	out := make([]BrowserICEServer, 0, len(servers))
	for _, s := range servers {
		cred, _ := s.Credential.(string)
		out = append(out, BrowserICEServer{
			URLs:       append([]string(nil), s.URLs...),
			Username:   s.Username,
			Credential: cred,
		})
	}
	return out
}
