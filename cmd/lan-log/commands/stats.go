package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/lanmode/lanmode-go/pkg/log"
)

// Stats holds aggregate statistics about a capture.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	Devices           map[string]*DeviceStats
	Errors            int
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}
}

// DeviceStats holds statistics for a single device, keyed by DSN or, when
// the DSN is unknown, by LAN IP.
type DeviceStats struct {
	FirstSeen     time.Time
	LastSeen      time.Time
	Events        int
	LanIP         string
	KeyExchanges  int
	Registrations int
	TasksOK       int
	TasksFailed   int
	LastState     string
}

func newStats() *Stats {
	return &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		Devices:           make(map[string]*DeviceStats),
	}
}

func (s *Stats) add(event log.Event) {
	s.TotalEvents++
	s.EventsByLayer[event.Layer]++
	s.EventsByCategory[event.Category]++
	s.EventsByDirection[event.Direction]++

	if s.TimeRange.Start.IsZero() || event.Timestamp.Before(s.TimeRange.Start) {
		s.TimeRange.Start = event.Timestamp
	}
	if event.Timestamp.After(s.TimeRange.End) {
		s.TimeRange.End = event.Timestamp
	}
	if event.Error != nil {
		s.Errors++
	}

	key := event.DSN
	if key == "" {
		key = event.LanIP
	}
	if key == "" {
		return
	}
	dev, ok := s.Devices[key]
	if !ok {
		dev = &DeviceStats{FirstSeen: event.Timestamp, LastSeen: event.Timestamp}
		s.Devices[key] = dev
	}
	dev.Events++
	if event.Timestamp.After(dev.LastSeen) {
		dev.LastSeen = event.Timestamp
	}
	if event.LanIP != "" {
		dev.LanIP = event.LanIP
	}

	if c := event.ControlMsg; c != nil {
		switch c.Type {
		case log.ControlMsgKeyExchange:
			dev.KeyExchanges++
		case log.ControlMsgRegistration:
			dev.Registrations++
		}
	}
	if sc := event.StateChange; sc != nil {
		switch {
		case sc.Entity == log.StateEntitySession:
			dev.LastState = sc.NewState
		case sc.Entity == log.StateEntityTask && sc.NewState == "SUCCEEDED":
			dev.TasksOK++
		case sc.Entity == log.StateEntityTask && sc.NewState == "FAILED":
			dev.TasksFailed++
		}
	}
}

// RunStats analyzes the capture at path and prints statistics.
func RunStats(path string, w io.Writer) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open capture: %w", err)
	}
	defer reader.Close()

	stats := newStats()
	err = reader.Each(func(event log.Event) error {
		stats.add(event)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read event: %w", err)
	}

	printStats(w, stats)
	if reader.Truncated() {
		fmt.Fprintln(w, "\nWarning: capture ends in a partial record")
	}
	return nil
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== LAN Protocol Capture Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerRouter, log.LayerWire, log.LayerSession} {
		if count := stats.EventsByLayer[layer]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", layer.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryMessage, log.CategoryControl, log.CategoryState, log.CategoryError} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if count := stats.EventsByDirection[dir]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", dir.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Devices: %d\n", len(stats.Devices))
	if len(stats.Devices) > 0 {
		keys := make([]string, 0, len(stats.Devices))
		for k := range stats.Devices {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			a, b := stats.Devices[keys[i]], stats.Devices[keys[j]]
			if a.FirstSeen.Equal(b.FirstSeen) {
				return keys[i] < keys[j]
			}
			return a.FirstSeen.Before(b.FirstSeen)
		})

		fmt.Fprintln(w)
		for _, k := range keys {
			d := stats.Devices[k]
			fmt.Fprintf(w, "  [%s] %d events, duration %s\n", k, d.Events, d.LastSeen.Sub(d.FirstSeen).Round(time.Millisecond))
			if d.LanIP != "" && d.LanIP != k {
				fmt.Fprintf(w, "           LAN IP: %s\n", d.LanIP)
			}
			if d.LastState != "" {
				fmt.Fprintf(w, "           Session: %s\n", d.LastState)
			}
			if d.KeyExchanges > 0 || d.Registrations > 0 {
				fmt.Fprintf(w, "           Key exchanges: %d, registrations: %d\n", d.KeyExchanges, d.Registrations)
			}
			if d.TasksOK > 0 || d.TasksFailed > 0 {
				fmt.Fprintf(w, "           Tasks: %d ok, %d failed\n", d.TasksOK, d.TasksFailed)
			}
		}
	}

	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	}
}
