package httpapi

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/twilio/twilio-go/twiml"

	"github.com/ent0n29/callscreen/internal/policy"
)

// twilioSignature rejects webhook requests whose X-Twilio-Signature does not
// match. Without an auth token every request passes.
func (s *Server) twilioSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.validator == nil {
			next.ServeHTTP(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_form", "failed to parse form data")
			return
		}
		params := make(map[string]string, len(r.PostForm))
		for key, values := range r.PostForm {
			if len(values) > 0 {
				params[key] = values[0]
			}
		}
		signature := r.Header.Get("X-Twilio-Signature")
		if !s.validator.Validate(s.webhookURL(r), params, signature) {
			s.metrics.CallEvent("webhook_rejected")
			respondError(w, http.StatusForbidden, "invalid_signature", "invalid Twilio signature")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// webhookURL is the URL Twilio signed: the public base URL when configured,
// the request host otherwise.
func (s *Server) webhookURL(r *http.Request) string {
	base := s.cfg.PublicBaseURL
	if base == "" {
		base = "https://" + r.Host
	}
	u := base + r.URL.Path
	if r.URL.RawQuery != "" {
		u += "?" + r.URL.RawQuery
	}
	return u
}

// streamURL is the websocket URL Twilio connects the call audio to.
func (s *Server) streamURL(r *http.Request) string {
	base := s.cfg.PublicBaseURL
	if base == "" {
		base = "https://" + r.Host
	}
	u, err := url.Parse(base)
	if err != nil {
		return "wss://" + r.Host + "/v1/media-stream"
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	default:
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/media-stream"
	return u.String()
}

// handleTwilioVoice answers an incoming call by connecting its audio to the
// media-stream endpoint. The caller id travels as a stream parameter.
func (s *Server) handleTwilioVoice(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_form", "failed to parse form data")
		return
	}
	callSID := r.PostForm.Get("CallSid")
	from := r.PostForm.Get("From")

	stream := &twiml.VoiceStream{Url: s.streamURL(r)}
	if from != "" {
		stream.InnerElements = []twiml.Element{&twiml.VoiceParameter{Name: "caller", Value: from}}
	}
	doc, err := twiml.Voice([]twiml.Element{
		&twiml.VoiceConnect{InnerElements: []twiml.Element{stream}},
	})
	if err != nil {
		log.Error().Err(err).Str("call_id", callSID).Msg("build twiml failed")
		respondError(w, http.StatusInternalServerError, "twiml_error", "failed to build response")
		return
	}

	log.Info().Str("call_id", callSID).Str("from", policy.MaskCallerID(from)).Msg("incoming call")
	s.metrics.CallEvent("incoming")

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(doc))
}
