package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Wire event names.
const (
	EventTextChunk    = "text_chunk"
	EventChartPayload = "chart_payload"
	EventEndStream    = "end_stream"
)

// Event is one of TextChunk, StructuredPayload or EndOfStream.
type Event interface {
	Name() string
	isEvent()
}

type TextChunk struct {
	Content string
}

type ChartData struct {
	Title  string    `json:"title"`
	Labels []string  `json:"labels"`
	Values []float64 `json:"values"`
}

type StructuredPayload struct {
	Kind string // chart_type on the wire, e.g. "bar"
	Data ChartData
}

type EndOfStream struct{}

func (TextChunk) Name() string         { return EventTextChunk }
func (StructuredPayload) Name() string { return EventChartPayload }
func (EndOfStream) Name() string       { return EventEndStream }

func (TextChunk) isEvent()         {}
func (StructuredPayload) isEvent() {}
func (EndOfStream) isEvent()       {}

type textBody struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type chartBody struct {
	Type      string    `json:"type"`
	ChartType string    `json:"chart_type"`
	Data      ChartData `json:"data"`
}

type endBody struct{}

var ErrUnknownEvent = errors.New("unknown stream event")

// Body returns the JSON body of e without the SSE framing. The structured
// payload's body is also what gets persisted as the assistant message.
func Body(e Event) ([]byte, error) {
	switch ev := e.(type) {
	case TextChunk:
		return json.Marshal(textBody{Type: EventTextChunk, Content: ev.Content})
	case StructuredPayload:
		data := ev.Data
		if data.Labels == nil {
			data.Labels = []string{}
		}
		if data.Values == nil {
			data.Values = []float64{}
		}
		return json.Marshal(chartBody{Type: "chart", ChartType: ev.Kind, Data: data})
	case EndOfStream:
		return json.Marshal(endBody{})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, e)
	}
}

// Encode renders e as one SSE frame: "event: <name>\ndata: <json>\n\n".
func Encode(e Event) ([]byte, error) {
	body, err := Body(e)
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	b.Grow(len(body) + 32)
	b.WriteString("event: ")
	b.WriteString(e.Name())
	b.WriteString("\ndata: ")
	b.Write(body)
	b.WriteString("\n\n")
	return b.Bytes(), nil
}

// Decode parses a single frame produced by Encode.
func Decode(frame []byte) (Event, error) {
	frame = bytes.TrimSuffix(frame, []byte("\n\n"))
	name, data, ok := bytes.Cut(frame, []byte("\n"))
	if !ok {
		return nil, errors.New("malformed frame")
	}
	eventName, ok := bytes.CutPrefix(name, []byte("event: "))
	if !ok {
		return nil, errors.New("missing event line")
	}
	body, ok := bytes.CutPrefix(data, []byte("data: "))
	if !ok {
		return nil, errors.New("missing data line")
	}
	return DecodeBody(string(eventName), body)
}

// DecodeBody maps an event name and its JSON body back to an Event.
func DecodeBody(name string, body []byte) (Event, error) {
	switch name {
	case EventTextChunk:
		var tb textBody
		if err := json.Unmarshal(body, &tb); err != nil {
			return nil, err
		}
		return TextChunk{Content: tb.Content}, nil
	case EventChartPayload:
		var cb chartBody
		if err := json.Unmarshal(body, &cb); err != nil {
			return nil, err
		}
		return StructuredPayload{Kind: cb.ChartType, Data: cb.Data}, nil
	case EventEndStream:
		return EndOfStream{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
}
