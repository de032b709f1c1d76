package log

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Capture records are CBOR maps keyed by the small integers in the Event
// struct tags. Times are tagged RFC 3339 strings with nanoseconds so generic
// CBOR tools can render them.
var (
	captureEnc = mustEncMode(cbor.EncOptions{
		Sort:        cbor.SortCoreDeterministic,
		IndefLength: cbor.IndefLengthForbidden,
		Time:        cbor.TimeRFC3339Nano,
		TimeTag:     cbor.EncTagRequired,
	})

	// Captures written by newer builds may carry keys this one ignores.
	captureDec = mustDecMode(cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
		MaxNestedLevels:   16,
	})
)

func mustEncMode(opts cbor.EncOptions) cbor.EncMode {
	m, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("log: capture encoder: %v", err))
	}
	return m
}

func mustDecMode(opts cbor.DecOptions) cbor.DecMode {
	m, err := opts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("log: capture decoder: %v", err))
	}
	return m
}

// EncodeEvent returns the capture record of event.
func EncodeEvent(event Event) ([]byte, error) {
	return captureEnc.Marshal(event)
}

// DecodeEvent parses one capture record.
func DecodeEvent(data []byte) (Event, error) {
	var event Event
	err := captureDec.Unmarshal(data, &event)
	return event, err
}

// NewEncoder returns a stream encoder writing capture records to w.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return captureEnc.NewEncoder(w)
}

// NewDecoder returns a stream decoder reading capture records from r.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return captureDec.NewDecoder(r)
}
