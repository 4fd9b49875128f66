package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Format selects the export encoding.
type Format string

const (
	// FormatJSON writes a single flat JSON array
	FormatJSON Format = "json"

	// FormatJSONL writes one JSON object per line
	FormatJSONL Format = "jsonl"
)

// Validate checks the format is known.
func (f Format) Validate() error {
	switch f {
	case FormatJSON, FormatJSONL:
		return nil
	default:
		return fmt.Errorf("invalid export format: %s (must be json or jsonl)", f)
	}
}

// Export writes the events matching filter to w in timestamp order.
func (l *Log) Export(w io.Writer, format Format, filter Filter) error {
	return Encode(w, format, l.Query(filter))
}

// Encode writes events to w in the given format. A nil slice encodes as an
// empty array.
func Encode(w io.Writer, format Format, events []Event) error {
	if err := format.Validate(); err != nil {
		return err
	}
	if events == nil {
		events = []Event{}
	}

	switch format {
	case FormatJSONL:
		enc := json.NewEncoder(w)
		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				return fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
			}
		}
		return nil
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(events); err != nil {
			return fmt.Errorf("failed to encode events: %w", err)
		}
		return nil
	}
}

// Decode reads events written by Encode. The format is detected from the
// first non-space byte: '[' for a JSON array, anything else for JSONL.
func Decode(r io.Reader) ([]Event, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return []Event{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read audit export: %w", err)
	}

	if first == '[' {
		var events []Event
		if err := json.NewDecoder(br).Decode(&events); err != nil {
			return nil, fmt.Errorf("failed to decode audit export: %w", err)
		}
		if events == nil {
			events = []Event{}
		}
		return events, nil
	}

	events := []Event{}
	scanner := bufio.NewScanner(br)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode audit event on line %d: %w", line, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit export: %w", err)
	}
	return events, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		if err := br.UnreadByte(); err != nil {
			return 0, err
		}
		return b, nil
	}
}
