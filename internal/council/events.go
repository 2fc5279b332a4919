package council

import (
	"encoding/json"
	"fmt"
)

// EventKind is a closed enum over the gateway's event discriminators. Types
// this core does not recognize map to EventUnknown and are ignored, so new
// gateway event types do not break older deployments.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventStage1
	EventStage2
	EventStage3
	EventTitle
	EventVision
	EventError
)

func kindOf(t string) EventKind {
	switch t {
	case "stage1_complete":
		return EventStage1
	case "stage2_complete":
		return EventStage2
	case "stage3_complete":
		return EventStage3
	case "title_complete":
		return EventTitle
	case "vision_complete":
		return EventVision
	case "error":
		return EventError
	default:
		return EventUnknown
	}
}

// Event is one parsed gateway stream frame. Only the fields for its Kind are
// populated.
type Event struct {
	Kind EventKind
	Type string // raw wire discriminator

	Stage1          []StageOneEntry
	Stage2          []StageTwoEntry
	Stage2Aggregate json.RawMessage
	Stage3          StageThree
	Title           string
	VisionModel     string
	VisionAnalysis  string
	Message         string // error events
}

type wireEvent struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	Message  string          `json:"message"`
	Metadata json.RawMessage `json:"metadata"`
}

type wireTitle struct {
	Title string `json:"title"`
}

type wireVision struct {
	Model    string `json:"model"`
	Analysis string `json:"analysis"`
}

// parseEvent decodes one complete "data: "-stripped line. A line that is not
// valid JSON is reported via skip=true so the caller can log and keep
// streaming; a recognized event whose payload does not decode is a hard
// error and aborts the stream.
func parseEvent(line []byte) (ev Event, skip bool, err error) {
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return Event{}, true, err
	}

	ev = Event{Kind: kindOf(w.Type), Type: w.Type, Message: w.Message}

	switch ev.Kind {
	case EventStage1:
		if err := json.Unmarshal(w.Data, &ev.Stage1); err != nil {
			return Event{}, false, fmt.Errorf("council: stage1 payload: %w", err)
		}
	case EventStage2:
		if err := json.Unmarshal(w.Data, &ev.Stage2); err != nil {
			return Event{}, false, fmt.Errorf("council: stage2 payload: %w", err)
		}
		ev.Stage2Aggregate = w.Metadata
	case EventStage3:
		if err := json.Unmarshal(w.Data, &ev.Stage3); err != nil {
			return Event{}, false, fmt.Errorf("council: stage3 payload: %w", err)
		}
	case EventTitle:
		var t wireTitle
		if err := json.Unmarshal(w.Data, &t); err != nil {
			return Event{}, false, fmt.Errorf("council: title payload: %w", err)
		}
		ev.Title = t.Title
	case EventVision:
		var v wireVision
		if err := json.Unmarshal(w.Data, &v); err != nil {
			return Event{}, false, fmt.Errorf("council: vision payload: %w", err)
		}
		ev.VisionModel = v.Model
		ev.VisionAnalysis = v.Analysis
	case EventError, EventUnknown:
		// nothing else to decode
	}

	return ev, false, nil
}
