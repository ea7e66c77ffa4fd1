package log

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Capture file format.
const (
	// FileMagic opens every capture file.
	FileMagic = "ddp-capture"

	// FileFormatVersion is bumped on incompatible Event changes.
	FileFormatVersion = 1

	// DefaultMaxFileSize triggers rotation when MaxSize is zero.
	DefaultMaxFileSize = 64 << 20
)

// ErrBadCaptureFile is returned when a file has an unknown header.
var ErrBadCaptureFile = errors.New("not a ddp capture file")

// fileHeader is the first CBOR item of a capture file.
type fileHeader struct {
	Magic   string    `cbor:"1,keyasint"`
	Version int       `cbor:"2,keyasint"`
	Created time.Time `cbor:"3,keyasint"`
}

var (
	captureEnc cbor.EncMode
	captureDec cbor.DecMode
)

func init() {
	var err error
	captureEnc, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("capture encoder: %v", err))
	}

	// Message payloads come back with string keys so ddp-log can print
	// them as JSON.
	captureDec, err = cbor.DecOptions{
		DupMapKey:      cbor.DupMapKeyQuiet,
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("capture decoder: %v", err))
	}
}

// FileLoggerConfig configures a FileLogger.
type FileLoggerConfig struct {
	// MaxSize rotates the file to "<path>.1" once it grows past this many
	// bytes. Negative disables rotation. Default: 64MB.
	MaxSize int64

	// Logger reports write failures once per failure streak.
	// Default: slog.Default().
	Logger *slog.Logger
}

// FileLogger appends events to a CBOR capture file (.dlog).
type FileLogger struct {
	mu      sync.Mutex
	path    string
	config  FileLoggerConfig
	file    *os.File
	enc     *cbor.Encoder
	size    int64
	count   uint64
	failing bool
	closed  bool
}

// NewFileLogger opens path for appending with the default configuration.
func NewFileLogger(path string) (*FileLogger, error) {
	return NewFileLoggerWithConfig(path, FileLoggerConfig{})
}

// NewFileLoggerWithConfig opens path for appending. A new or empty file
// gets a header first.
func NewFileLoggerWithConfig(path string, config FileLoggerConfig) (*FileLogger, error) {
	if config.MaxSize == 0 {
		config.MaxSize = DefaultMaxFileSize
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	l := &FileLogger{path: path, config: config}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLogger) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	l.file = f
	l.size = info.Size()
	l.enc = captureEnc.NewEncoder(&countingWriter{w: f, n: &l.size})
	if l.size == 0 {
		hdr := fileHeader{Magic: FileMagic, Version: FileFormatVersion, Created: time.Now().UTC()}
		if err := l.enc.Encode(hdr); err != nil {
			f.Close()
			return fmt.Errorf("write capture header: %w", err)
		}
	}
	return nil
}

// Log appends the event. Write errors are reported to the configured
// slog logger, never to the caller.
func (l *FileLogger) Log(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	if err := l.enc.Encode(event); err != nil {
		if !l.failing {
			l.config.Logger.Warn("protocol capture write failed", "path", l.path, "error", err)
		}
		l.failing = true
		return
	}
	l.failing = false
	l.count++

	if l.config.MaxSize > 0 && l.size >= l.config.MaxSize {
		l.rotate()
	}
}

// rotate moves the current file aside and starts a new one.
func (l *FileLogger) rotate() {
	l.file.Close()
	if err := os.Rename(l.path, l.path+".1"); err != nil {
		l.config.Logger.Warn("protocol capture rotation failed", "path", l.path, "error", err)
	}
	if err := l.open(); err != nil {
		l.config.Logger.Error("protocol capture stopped", "path", l.path, "error", err)
		l.closed = true
	}
}

// Count returns the number of events written.
func (l *FileLogger) Count() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Close closes the file. Later Log calls are ignored; closing twice is
// not an error.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

type countingWriter struct {
	w io.Writer
	n *int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	*c.n += int64(n)
	return n, err
}

// Compile-time interface satisfaction check.
var _ Logger = (*FileLogger)(nil)
