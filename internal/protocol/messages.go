package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType identifies media-stream websocket payload variants.
type EventType string

const (
	EventConnected EventType = "connected"
	EventStart     EventType = "start"
	EventMedia     EventType = "media"
	EventStop      EventType = "stop"
	EventMark      EventType = "mark"
	EventClear     EventType = "clear"
	EventDTMF      EventType = "dtmf"
)

var (
	ErrUnsupportedEvent = errors.New("unsupported event type")
	ErrInvalidEvent     = errors.New("invalid event")
)

type Envelope struct {
	Event EventType `json:"event"`
}

type Connected struct {
	Event    EventType `json:"event"`
	Protocol string    `json:"protocol"`
	Version  string    `json:"version"`
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type StartDetails struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

type Start struct {
	Event          EventType    `json:"event"`
	SequenceNumber string       `json:"sequenceNumber"`
	StreamSID      string       `json:"streamSid"`
	Start          StartDetails `json:"start"`
}

// CallerNumber returns the caller id forwarded as a stream parameter, if any.
func (s Start) CallerNumber() string {
	return s.Start.CustomParameters["caller"]
}

type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type Media struct {
	Event          EventType    `json:"event"`
	SequenceNumber string       `json:"sequenceNumber,omitempty"`
	StreamSID      string       `json:"streamSid"`
	Media          MediaPayload `json:"media"`
}

type StopDetails struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type Stop struct {
	Event          EventType   `json:"event"`
	SequenceNumber string      `json:"sequenceNumber"`
	StreamSID      string      `json:"streamSid"`
	Stop           StopDetails `json:"stop"`
}

type MarkDetails struct {
	Name string `json:"name"`
}

type Mark struct {
	Event          EventType   `json:"event"`
	SequenceNumber string      `json:"sequenceNumber,omitempty"`
	StreamSID      string      `json:"streamSid"`
	Mark           MarkDetails `json:"mark"`
}

type Clear struct {
	Event     EventType `json:"event"`
	StreamSID string    `json:"streamSid"`
}

type DTMFDetails struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

type DTMF struct {
	Event     EventType   `json:"event"`
	StreamSID string      `json:"streamSid"`
	DTMF      DTMFDetails `json:"dtmf"`
}

// ParseStreamMessage decodes one inbound media-stream frame into its typed event.
func ParseStreamMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Event {
	case EventConnected:
		var msg Connected
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case EventStart:
		var msg Start
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.StreamSID == "" {
			msg.StreamSID = msg.Start.StreamSID
		}
		if msg.StreamSID == "" || msg.Start.CallSID == "" {
			return nil, fmt.Errorf("%w: start requires streamSid and callSid", ErrInvalidEvent)
		}
		return msg, nil
	case EventMedia:
		var msg Media
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Media.Payload == "" {
			return nil, fmt.Errorf("%w: media without payload", ErrInvalidEvent)
		}
		return msg, nil
	case EventStop:
		var msg Stop
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case EventMark:
		var msg Mark
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Mark.Name == "" {
			return nil, fmt.Errorf("%w: mark without name", ErrInvalidEvent)
		}
		return msg, nil
	case EventDTMF:
		var msg DTMF
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedEvent
	}
}

func NewMedia(streamSID, payload string) Media {
	return Media{Event: EventMedia, StreamSID: streamSID, Media: MediaPayload{Payload: payload}}
}

func NewMark(streamSID, name string) Mark {
	return Mark{Event: EventMark, StreamSID: streamSID, Mark: MarkDetails{Name: name}}
}

func NewClear(streamSID string) Clear {
	return Clear{Event: EventClear, StreamSID: streamSID}
}
