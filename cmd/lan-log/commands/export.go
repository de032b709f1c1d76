package commands

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/lanmode/lanmode-go/pkg/log"
)

// RunExport exports the capture at path as jsonl or csv to output, or to
// stdout when output is empty.
func RunExport(path, format, output string) error {
	var export func(*log.Reader, io.Writer) error
	switch format {
	case "jsonl":
		export = exportJSONL
	case "csv":
		export = exportCSV
	default:
		return fmt.Errorf("unknown format: %s (supported: jsonl, csv)", format)
	}

	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open capture: %w", err)
	}
	defer reader.Close()

	var w io.Writer = os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	return export(reader, w)
}

// jsonEvent is the JSONL shape of an event. Payloads are embedded as JSON
// rather than base64.
type jsonEvent struct {
	log.Event
	Message *jsonMessage `json:"Message,omitempty"`
}

type jsonMessage struct {
	log.MessageEvent
	Payload json.RawMessage `json:"Payload,omitempty"`
}

func toJSONEvent(e log.Event) jsonEvent {
	out := jsonEvent{Event: e}
	if e.Message != nil {
		m := &jsonMessage{MessageEvent: *e.Message}
		if json.Valid(e.Message.Payload) {
			m.Payload = e.Message.Payload
		} else if len(e.Message.Payload) > 0 {
			m.Payload, _ = json.Marshal(string(e.Message.Payload))
		}
		out.Message = m
	}
	return out
}

func exportJSONL(reader *log.Reader, w io.Writer) error {
	encoder := json.NewEncoder(w)
	for {
		event, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if err := encoder.Encode(toJSONEvent(event)); err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
	}
}

func exportCSV(reader *log.Reader, w io.Writer) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := []string{"timestamp", "request_id", "direction", "layer", "category", "dsn", "lan_ip", "type", "cmd_id", "status"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for {
		event, err := reader.Next()
		if err == io.EOF {
			return cw.Error()
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}

		var cmdID, status string
		switch {
		case event.Message != nil:
			if event.Message.CmdID != 0 {
				cmdID = strconv.FormatUint(uint64(event.Message.CmdID), 10)
			}
			if event.Message.Status != 0 {
				status = strconv.Itoa(event.Message.Status)
			}
		case event.HTTP != nil && event.HTTP.StatusCode != 0:
			status = strconv.Itoa(event.HTTP.StatusCode)
		}

		row := []string{
			event.Timestamp.UTC().Format(timestampLayout),
			event.RequestID,
			event.Direction.String(),
			event.Layer.String(),
			event.Category.String(),
			event.DSN,
			event.LanIP,
			eventType(event),
			cmdID,
			status,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
}
