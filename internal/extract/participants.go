package extract

import (
	"bytes"
	"encoding/json"
	"fmt"

	"dmharvest/internal/types"
)

// participantShape tags the known encodings of a conversation's participants.
type participantShape int

const (
	shapeUnknown participantShape = iota
	// shapeRangeMap: {"<range>": {"<index>": {participant}, ...}, ...}, nested to any depth.
	shapeRangeMap
	// shapeList: [{participant}, ...]
	shapeList
)

func (s participantShape) String() string {
	switch s {
	case shapeRangeMap:
		return "range_map"
	case shapeList:
		return "list"
	default:
		return "unknown"
	}
}

// participantParsers holds one parser per shape. New encodings get a new shape and parser.
var participantParsers = map[participantShape]func(json.RawMessage) ([]types.Participant, error){
	shapeRangeMap: parseRangeMap,
	shapeList:     parseList,
}

func classifyParticipants(raw json.RawMessage) participantShape {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return shapeUnknown
	}
	switch raw[0] {
	case '{':
		return shapeRangeMap
	case '[':
		return shapeList
	default:
		return shapeUnknown
	}
}

// parseParticipants normalizes any known shape. Missing or null participants yield an
// empty list; an unknown shape is an error.
func parseParticipants(raw json.RawMessage) ([]types.Participant, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []types.Participant{}, nil
	}
	shape := classifyParticipants(trimmed)
	parse, ok := participantParsers[shape]
	if !ok {
		return []types.Participant{}, fmt.Errorf("unsupported participants shape starting with %q", trimmed[0])
	}
	return parse(trimmed)
}

// parseRangeMap flattens a range map in document order. An object carrying user_id is a
// participant; any other object is descended into.
func parseRangeMap(raw json.RawMessage) ([]types.Participant, error) {
	out := []types.Participant{}
	var walk func(json.RawMessage) error
	walk = func(node json.RawMessage) error {
		m, err := decodeObject(node)
		if err != nil {
			return err
		}
		if has(m, "user_id") {
			var w participantWire
			if err := json.Unmarshal(node, &w); err != nil {
				return err
			}
			out = append(out, w.record())
			return nil
		}
		for pair := m.Oldest(); pair != nil; pair = pair.Next() {
			if !isObject(pair.Value) {
				continue
			}
			if err := walk(pair.Value); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(raw); err != nil {
		return []types.Participant{}, err
	}
	return out, nil
}

// parseList reads a flat list. Entries without user_id, or that are not objects, are skipped.
func parseList(raw json.RawMessage) ([]types.Participant, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return []types.Participant{}, err
	}
	out := make([]types.Participant, 0, len(items))
	for _, item := range items {
		m, err := decodeObject(item)
		if err != nil || !has(m, "user_id") {
			continue
		}
		var w participantWire
		if err := json.Unmarshal(item, &w); err != nil {
			continue
		}
		out = append(out, w.record())
	}
	return out, nil
}
