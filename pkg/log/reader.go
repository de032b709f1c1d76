package log

import (
	"bufio"
	"errors"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Filter selects capture events. Zero fields match every event.
type Filter struct {
	RequestID string
	DSN       string
	LanIP     string

	// MessageType matches Message.Type, e.g. "COMMANDS". Events without a
	// message never match a non-empty MessageType.
	MessageType string

	Direction *Direction
	Layer     *Layer
	Category  *Category

	// TimeStart is inclusive, TimeEnd exclusive.
	TimeStart *time.Time
	TimeEnd   *time.Time
}

// Match reports whether event satisfies every set criterion.
func (f Filter) Match(event Event) bool {
	switch {
	case f.RequestID != "" && f.RequestID != event.RequestID,
		f.DSN != "" && f.DSN != event.DSN,
		f.LanIP != "" && f.LanIP != event.LanIP:
		return false
	case f.Direction != nil && *f.Direction != event.Direction,
		f.Layer != nil && *f.Layer != event.Layer,
		f.Category != nil && *f.Category != event.Category:
		return false
	case f.TimeStart != nil && event.Timestamp.Before(*f.TimeStart),
		f.TimeEnd != nil && !event.Timestamp.Before(*f.TimeEnd):
		return false
	}
	if f.MessageType != "" {
		return event.Message != nil && event.Message.Type == f.MessageType
	}
	return true
}

// Reader streams events from a capture file.
//
// A capture cut short by a crash ends in a partial record. The reader stops
// there with io.EOF and reports it through Truncated.
type Reader struct {
	file      *os.File
	dec       *cbor.Decoder
	filter    Filter
	read      int
	truncated bool
}

// NewReader opens a capture file for reading every event.
func NewReader(path string) (*Reader, error) {
	return NewFilteredReader(path, Filter{})
}

// NewFilteredReader opens a capture file, yielding only events that match
// filter.
func NewFilteredReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{
		file:   f,
		dec:    NewDecoder(bufio.NewReader(f)),
		filter: filter,
	}, nil
}

// Next returns the next matching event, or io.EOF at the end of the file.
func (r *Reader) Next() (Event, error) {
	for {
		var event Event
		err := r.dec.Decode(&event)
		switch {
		case errors.Is(err, io.EOF):
			return Event{}, io.EOF
		case errors.Is(err, io.ErrUnexpectedEOF):
			r.truncated = true
			return Event{}, io.EOF
		case err != nil:
			return Event{}, err
		}
		r.read++
		if r.filter.Match(event) {
			return event, nil
		}
	}
}

// Each calls fn for every remaining matching event. It stops at the first
// error returned by fn.
func (r *Reader) Each(fn func(Event) error) error {
	for {
		event, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(event); err != nil {
			return err
		}
	}
}

// Read returns the number of events decoded so far, matching or not.
func (r *Reader) Read() int {
	return r.read
}

// Truncated reports whether the file ended inside a record.
func (r *Reader) Truncated() bool {
	return r.truncated
}

// Close closes the file.
func (r *Reader) Close() error {
	return r.file.Close()
}
