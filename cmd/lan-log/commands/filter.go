package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/lanmode/lanmode-go/pkg/log"
)

// FilterOptions specifies filtering criteria for the filter command.
type FilterOptions struct {
	Output    string
	RequestID string
	DSN       string
	LanIP     string
	TimeStart string
	TimeEnd   string
	Layer     string
	Direction string
	Category  string

	// MessageType keeps only messages of this type, e.g. DATAPOINT_UPDATE.
	MessageType string
}

func (o FilterOptions) filter() (log.Filter, error) {
	filter := log.Filter{
		RequestID: o.RequestID,
		DSN:       o.DSN,
		LanIP:     o.LanIP,

		MessageType: strings.ToUpper(o.MessageType),
	}

	if o.TimeStart != "" {
		t, err := time.Parse(time.RFC3339, o.TimeStart)
		if err != nil {
			return filter, fmt.Errorf("invalid time-start format: %w", err)
		}
		filter.TimeStart = &t
	}
	if o.TimeEnd != "" {
		t, err := time.Parse(time.RFC3339, o.TimeEnd)
		if err != nil {
			return filter, fmt.Errorf("invalid time-end format: %w", err)
		}
		filter.TimeEnd = &t
	}
	if o.Layer != "" {
		l, err := parseLayer(o.Layer)
		if err != nil {
			return filter, err
		}
		filter.Layer = &l
	}
	if o.Direction != "" {
		d, err := parseDirection(o.Direction)
		if err != nil {
			return filter, err
		}
		filter.Direction = &d
	}
	if o.Category != "" {
		c, err := parseCategory(o.Category)
		if err != nil {
			return filter, err
		}
		filter.Category = &c
	}
	return filter, nil
}

// RunFilter copies the events of the capture at path that match opts to
// opts.Output and returns how many were written.
func RunFilter(path string, opts FilterOptions) (int, error) {
	filter, err := opts.filter()
	if err != nil {
		return 0, err
	}

	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to open capture: %w", err)
	}
	defer reader.Close()

	logger, err := log.NewFileLogger(opts.Output)
	if err != nil {
		return 0, fmt.Errorf("failed to create output capture: %w", err)
	}
	defer logger.Close()

	count := 0
	err = reader.Each(func(event log.Event) error {
		logger.Log(event)
		count++
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("failed to read event: %w", err)
	}
	return count, nil
}
