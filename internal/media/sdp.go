package media

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
)

// RTP payload types used on the line.
const (
	PayloadPCMU           = 0
	PayloadPCMA           = 8
	PayloadTelephoneEvent = 101
)

// codecNames maps the static payload types the phone supports to their
// rtpmap encoding names.
var codecNames = map[int]string{
	PayloadPCMU:           "PCMU/8000",
	PayloadPCMA:           "PCMA/8000",
	PayloadTelephoneEvent: "telephone-event/8000",
}

// ErrNoCommonCodec is returned when an offer carries no G.711 codec.
var ErrNoCommonCodec = errors.New("no common audio codec")

// AudioOffer is the audio part of a remote SDP offer or answer.
type AudioOffer struct {
	Address  string // effective connection address (media level wins)
	Port     int
	Payloads []int // in the remote's order of preference
}

// ParseAudioOffer extracts the first audio stream from an SDP body.
func ParseAudioOffer(body []byte) (*AudioOffer, error) {
	text := strings.ReplaceAll(string(body), "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("empty sdp body")
	}

	var (
		sessionAddr string
		offer       *AudioOffer
		inMedia     bool // past the first m= line
		inAudio     bool // inside the chosen audio stream
		mediaAddr   string
	)

	for _, line := range strings.Split(text, "\n") {
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		value := line[2:]

		switch line[0] {
		case 'c':
			addr, err := parseConnectionAddress(value)
			if err != nil {
				return nil, err
			}
			switch {
			case !inMedia:
				sessionAddr = addr
			case inAudio:
				mediaAddr = addr
			}

		case 'm':
			inMedia = true
			if offer != nil {
				// Only the first audio stream is used.
				inAudio = false
				continue
			}
			fields := strings.Fields(value)
			if len(fields) < 4 || fields[0] != "audio" {
				inAudio = false
				continue
			}
			port, err := strconv.Atoi(strings.SplitN(fields[1], "/", 2)[0])
			if err != nil || port < 0 || port > 65535 {
				return nil, fmt.Errorf("invalid media port %q", fields[1])
			}
			offer = &AudioOffer{Port: port}
			for _, f := range fields[3:] {
				pt, err := strconv.Atoi(f)
				if err != nil {
					return nil, fmt.Errorf("invalid payload type %q", f)
				}
				offer.Payloads = append(offer.Payloads, pt)
			}
			inAudio = true
		}
	}

	if offer == nil {
		return nil, errors.New("sdp has no audio stream")
	}
	offer.Address = sessionAddr
	if mediaAddr != "" {
		offer.Address = mediaAddr
	}
	return offer, nil
}

// ChooseCodec picks the first G.711 payload type the remote offered.
func (o *AudioOffer) ChooseCodec() (int, error) {
	for _, pt := range o.Payloads {
		if pt == PayloadPCMU || pt == PayloadPCMA {
			return pt, nil
		}
	}
	return 0, ErrNoCommonCodec
}

// SupportsDTMF reports whether RFC 4733 telephone events were offered.
func (o *AudioOffer) SupportsDTMF() bool {
	return slices.Contains(o.Payloads, PayloadTelephoneEvent)
}

// BuildSDP produces a session description for one sendrecv audio stream
// at ip:port carrying the given payload types.
func BuildSDP(sessionID uint64, ip string, port int, payloads []int) []byte {
	addrType := "IP4"
	if parsed := net.ParseIP(ip); parsed != nil && parsed.To4() == nil {
		addrType = "IP6"
	}

	fmts := make([]string, len(payloads))
	for i, pt := range payloads {
		fmts[i] = strconv.Itoa(pt)
	}

	var b strings.Builder
	b.WriteString("v=0\r\n")
	fmt.Fprintf(&b, "o=carephone %d %d IN %s %s\r\n", sessionID, sessionID, addrType, ip)
	b.WriteString("s=carephone\r\n")
	fmt.Fprintf(&b, "c=IN %s %s\r\n", addrType, ip)
	b.WriteString("t=0 0\r\n")
	fmt.Fprintf(&b, "m=audio %d RTP/AVP %s\r\n", port, strings.Join(fmts, " "))
	for _, pt := range payloads {
		if name, ok := codecNames[pt]; ok {
			fmt.Fprintf(&b, "a=rtpmap:%d %s\r\n", pt, name)
		}
		if pt == PayloadTelephoneEvent {
			fmt.Fprintf(&b, "a=fmtp:%d 0-16\r\n", pt)
		}
	}
	b.WriteString("a=ptime:20\r\n")
	b.WriteString("a=sendrecv\r\n")
	return []byte(b.String())
}

// BuildAnswer answers offer with the chosen codec, keeping telephone
// events when the remote offered them.
func BuildAnswer(offer *AudioOffer, sessionID uint64, ip string, port int) ([]byte, int, error) {
	pt, err := offer.ChooseCodec()
	if err != nil {
		return nil, 0, err
	}
	payloads := []int{pt}
	if offer.SupportsDTMF() {
		payloads = append(payloads, PayloadTelephoneEvent)
	}
	return BuildSDP(sessionID, ip, port, payloads), pt, nil
}

// parseConnectionAddress returns the address of a c= value
// "<nettype> <addrtype> <address>", dropping any multicast TTL suffix.
func parseConnectionAddress(value string) (string, error) {
	parts := strings.Fields(value)
	if len(parts) != 3 {
		return "", fmt.Errorf("invalid connection line %q", value)
	}
	return strings.SplitN(parts[2], "/", 2)[0], nil
}
