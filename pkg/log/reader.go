package log

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Filter selects capture events. Zero fields match everything.
type Filter struct {
	ConnectionID string
	SessionID    string
	UserID       string
	Direction    *Direction
	Layer        *Layer
	Category     *Category

	// TimeStart and TimeEnd bound the timestamp to [TimeStart, TimeEnd).
	TimeStart *time.Time
	TimeEnd   *time.Time

	// MessageType keeps only message events of this msg type.
	MessageType string
}

// Match reports whether event passes every criterion.
func (f Filter) Match(event Event) bool {
	switch {
	case f.ConnectionID != "" && event.ConnectionID != f.ConnectionID,
		f.SessionID != "" && event.SessionID != f.SessionID,
		f.UserID != "" && event.UserID != f.UserID,
		f.Direction != nil && event.Direction != *f.Direction,
		f.Layer != nil && event.Layer != *f.Layer,
		f.Category != nil && event.Category != *f.Category,
		f.TimeStart != nil && event.Timestamp.Before(*f.TimeStart),
		f.TimeEnd != nil && !event.Timestamp.Before(*f.TimeEnd):
		return false
	}
	if f.MessageType != "" {
		return event.Message != nil && event.Message.Type == f.MessageType
	}
	return true
}

// Reader streams events from a capture file.
type Reader struct {
	file   *os.File
	dec    *cbor.Decoder
	filter Filter
	header *fileHeader
}

// NewReader opens a capture file and reads every event.
func NewReader(path string) (*Reader, error) {
	return NewFilteredReader(path, Filter{})
}

// NewFilteredReader opens a capture file and reads the events matching
// filter. Files written before headers existed are accepted.
func NewFilteredReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := &Reader{file: f, dec: captureDec.NewDecoder(bufio.NewReader(f)), filter: filter}
	if err := r.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// readHeader consumes the header if present and rewinds otherwise.
func (r *Reader) readHeader() error {
	var raw cbor.RawMessage
	if err := r.dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrBadCaptureFile, err)
	}

	var hdr fileHeader
	if err := captureDec.Unmarshal(raw, &hdr); err == nil && hdr.Magic == FileMagic {
		if hdr.Version > FileFormatVersion {
			return fmt.Errorf("%w: format version %d", ErrBadCaptureFile, hdr.Version)
		}
		r.header = &hdr
		return nil
	}

	if _, err := r.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r.dec = captureDec.NewDecoder(bufio.NewReader(r.file))
	return nil
}

// Created returns when the file was started, if it has a header.
func (r *Reader) Created() (time.Time, bool) {
	if r.header == nil {
		return time.Time{}, false
	}
	return r.header.Created, true
}

// Next returns the next matching event, or io.EOF at the end of the file.
func (r *Reader) Next() (Event, error) {
	for {
		var event Event
		if err := r.dec.Decode(&event); err != nil {
			return Event{}, err
		}
		if r.filter.Match(event) {
			return event, nil
		}
	}
}

// Events iterates over the remaining matching events. Iteration stops
// after the first error other than io.EOF is yielded.
func (r *Reader) Events() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			event, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(event, err) || err != nil {
				return
			}
		}
	}
}

// Close closes the file.
func (r *Reader) Close() error {
	return r.file.Close()
}
