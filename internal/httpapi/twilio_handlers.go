package httpapi

import (
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// ErrInvalidHost is returned when a request host cannot be used to build
// the stream URL.
var ErrInvalidHost = errors.New("invalid host")

// streamPath is the route Twilio opens the Media Stream on.
const streamPath = "/stream"

// maxHostLen bounds host[:port]; DNS names are at most 253 octets.
const maxHostLen = 261

// Minimal TwiML (enough to start Media Streams).
type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

// buildStreamInstruction returns TwiML telling Twilio to open a
// bidirectional Media Stream to wss://{host}/stream.
func buildStreamInstruction(host string) (twimlResponse, error) {
	if err := validateHost(host); err != nil {
		return twimlResponse{}, err
	}
	return twimlResponse{
		Connect: &twimlConnect{
			Stream: twimlStream{URL: "wss://" + host + streamPath},
		},
	}, nil
}

func (t twimlResponse) marshal() ([]byte, error) {
	out, err := xml.MarshalIndent(t, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}

// validateHost accepts a scheme-less host[:port], including bracketed IPv6.
func validateHost(host string) error {
	if host == "" {
		return fmt.Errorf("%w: empty", ErrInvalidHost)
	}
	if len(host) > maxHostLen {
		return fmt.Errorf("%w: too long", ErrInvalidHost)
	}
	for _, c := range host {
		if !isHostChar(c) {
			return fmt.Errorf("%w: illegal character %q", ErrInvalidHost, c)
		}
	}

	if !strings.HasPrefix(host, "[") && strings.Count(host, ":") > 1 {
		return fmt.Errorf("%w: IPv6 address must be bracketed", ErrInvalidHost)
	}

	u, err := url.Parse("wss://" + host)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHost, err)
	}
	if u.Host != host || u.Hostname() == "" {
		return fmt.Errorf("%w: %q", ErrInvalidHost, host)
	}
	if strings.HasSuffix(host, ":") {
		return fmt.Errorf("%w: empty port", ErrInvalidHost)
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return fmt.Errorf("%w: port %q out of range", ErrInvalidHost, p)
		}
	}
	return nil
}

func isHostChar(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == ':', c == '[', c == ']':
		return true
	}
	return false
}

func (r *Router) handleVoice(w http.ResponseWriter, req *http.Request) {
	// Twilio sends application/x-www-form-urlencoded; the fields are only logged.
	_ = req.ParseForm()
	callSid := req.FormValue("CallSid")

	resp, err := buildStreamInstruction(req.Host)
	if err != nil {
		r.logger.Warn().Err(err).Str("host", req.Host).Str("call_sid", callSid).Msg("voice: cannot build stream URL")
		http.Error(w, "invalid host", http.StatusBadRequest)
		return
	}

	out, err := resp.marshal()
	if err != nil {
		r.logger.Error().Err(err).Msg("voice: marshal TwiML")
		captureError(req, err, "voice: marshal TwiML", nil)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	r.logger.Info().
		Str("call_sid", callSid).
		Str("from", req.FormValue("From")).
		Str("stream_url", resp.Connect.Stream.URL).
		Msg("voice: connecting call to media stream")

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}
