// Package wal is a length-prefixed, checksummed append-only record file.
//
// Record layout: len uint32 LE | crc32(IEEE) uint32 LE | payload.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

const (
	headerSize      = 8
	defaultFilePerm = 0o644
)

// DefaultMaxPayload bounds a single record so a corrupt length cannot exhaust memory.
const DefaultMaxPayload = 4 << 20

var (
	ErrCorruptHeader    = errors.New("wal: corrupt header")
	ErrCorruptPayload   = errors.New("wal: corrupt payload")
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")
	ErrPayloadTooLarge  = errors.New("wal: payload too large")
)

type Writer struct {
	f  *os.File
	bw *bufio.Writer
	// off counts buffered bytes too
	off int64
}

// OpenWrite opens path for appending, creating it if needed.
func OpenWrite(path string, buffSize int) (*Writer, error) {
	if buffSize <= 0 {
		buffSize = 64 << 10
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, defaultFilePerm)
	if err != nil {
		return nil, err
	}
	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return &Writer{
		f:   file,
		bw:  bufio.NewWriterSize(file, buffSize),
		off: stat.Size(),
	}, nil
}

// Append buffers one record. It reaches the file on Flush or when the buffer fills.
func (w *Writer) Append(payload []byte) error {
	if len(payload) > DefaultMaxPayload {
		return ErrPayloadTooLarge
	}
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:], crc32.ChecksumIEEE(payload))
	if _, err := w.bw.Write(hdr[:]); err != nil {
		return fmt.Errorf("wal: write header: %w", err)
	}
	if _, err := w.bw.Write(payload); err != nil {
		return fmt.Errorf("wal: write payload: %w", err)
	}
	w.off += int64(headerSize + len(payload))
	return nil
}

// Offset is the logical end of the file including buffered records.
func (w *Writer) Offset() int64 { return w.off }

// Flush writes the buffer out and fsyncs.
func (w *Writer) Flush() error {
	if err := w.bw.Flush(); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		_ = w.f.Close()
		return err
	}
	return w.f.Close()
}

type ReplayOptions struct {
	MaxPayload int // <= 0 means DefaultMaxPayload
	// AllowTruncatedTail treats a half-written last record (crash mid-append) as the end.
	AllowTruncatedTail bool
}

type ReplayStats struct {
	Records        int
	BytesRead      int64
	LastGoodOffset int64
	TruncatedTail  bool
}

// Replay calls onRecord for every record in order. A missing file is an empty log.
func Replay(path string, opts ReplayOptions, onRecord func(payload []byte) error) (ReplayStats, error) {
	var st ReplayStats
	maxPayload := opts.MaxPayload
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return st, nil
		}
		return st, err
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 256<<10)
	var hdr [headerSize]byte
	var off int64
	for {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return st, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				st.TruncatedTail = true
				if opts.AllowTruncatedTail {
					return st, nil
				}
				return st, ErrCorruptHeader
			}
			return st, err
		}

		ln := int(binary.LittleEndian.Uint32(hdr[0:4]))
		crc := binary.LittleEndian.Uint32(hdr[4:8])
		if ln > maxPayload {
			return st, ErrPayloadTooLarge
		}

		payload := make([]byte, ln)
		if _, err := io.ReadFull(br, payload); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				st.TruncatedTail = true
				if opts.AllowTruncatedTail {
					return st, nil
				}
				return st, ErrCorruptPayload
			}
			return st, err
		}
		if crc32.ChecksumIEEE(payload) != crc {
			return st, ErrChecksumMismatch
		}

		off += int64(headerSize + ln)
		st.BytesRead = off
		if err := onRecord(payload); err != nil {
			return st, err
		}
		st.Records++
		st.LastGoodOffset = off
	}
}

// TruncateTo cuts path back to offset, e.g. LastGoodOffset after a torn tail.
// A missing file or an offset past the end is a no-op.
func TruncateTo(path string, offset int64) error {
	if offset < 0 {
		return fmt.Errorf("wal: negative truncate offset %d", offset)
	}
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if offset >= st.Size() {
		return nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Truncate(offset); err != nil {
		return err
	}
	_ = f.Sync()
	return nil
}
