// Package timeslice records how long each bring-up phase of the decoder core
// takes into a compact binary log.
//
// Phases are registered once at package init with RegisterKind. While a
// recording is open every Record call appends a fixed-size entry; with no
// recording open Record is a single atomic load.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x56585053 // "VXPS"
	Version uint32 = 1

	// alignment of the first record in a log
	recordAlign = 512
)

var ErrAlreadyRecording = errors.New("timeslice: already recording")

type header struct {
	Magic     uint32
	Version   uint32
	KindsSize uint32
}

// ID names a registered phase.
type ID uint32

const InvalidID = ID(0)

// Flags classify where a phase spends its time.
type Flags uint32

const (
	// FlagDevice marks phases that wait on the core rather than the host.
	FlagDevice Flags = 1 << iota
	// FlagBoot marks phases that are part of firmware bring-up.
	FlagBoot
)

func (f Flags) String() string {
	var parts []string
	if f&FlagDevice != 0 {
		parts = append(parts, "device")
	}
	if f&FlagBoot != 0 {
		parts = append(parts, "boot")
	}
	return strings.Join(parts, ",")
}

// Kind describes a registered phase.
type Kind struct {
	Name  string
	Flags Flags
}

var (
	kindsMu sync.Mutex
	kinds   = map[ID]Kind{}
)

// RegisterKind adds a phase and returns its id.
func RegisterKind(name string, flags Flags) ID {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	id := ID(len(kinds) + 1)
	kinds[id] = Kind{Name: name, Flags: flags}
	return id
}

type record struct {
	ID       ID
	_        uint32
	Duration int64
}

var recordSize = binary.Size(record{})

type recording struct {
	out  *bufio.Writer
	ch   chan record
	done chan error
}

var current atomic.Pointer[recording]

func (r *recording) run() {
	var buf [16]byte
	var werr error
	for rec := range r.ch {
		if werr != nil {
			continue
		}
		binary.LittleEndian.PutUint32(buf[0:], uint32(rec.ID))
		binary.LittleEndian.PutUint32(buf[4:], 0)
		binary.LittleEndian.PutUint64(buf[8:], uint64(rec.Duration))
		_, werr = r.out.Write(buf[:recordSize])
	}
	if werr == nil {
		werr = r.out.Flush()
	}
	r.done <- werr
}

// Close stops the recording and flushes buffered records.
func (r *recording) Close() error {
	if !current.CompareAndSwap(r, nil) {
		return fmt.Errorf("timeslice: recording already closed")
	}
	close(r.ch)
	if err := <-r.done; err != nil {
		return fmt.Errorf("timeslice: write records: %w", err)
	}
	return nil
}

// StartRecording writes the header and kind table to w and routes every
// subsequent Record call to it until the returned closer is closed.
func StartRecording(w io.Writer) (io.Closer, error) {
	if current.Load() != nil {
		return nil, ErrAlreadyRecording
	}

	kindsMu.Lock()
	table, err := json.Marshal(kinds)
	kindsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("timeslice: encode kinds: %w", err)
	}

	out := bufio.NewWriter(w)
	if err := binary.Write(out, binary.LittleEndian, header{Magic: Magic, Version: Version, KindsSize: uint32(len(table))}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := out.Write(table); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}
	if pad := padding(binary.Size(header{}) + len(table)); pad > 0 {
		if _, err := out.Write(make([]byte, pad)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	r := &recording{out: out, ch: make(chan record, 1024), done: make(chan error, 1)}
	if !current.CompareAndSwap(nil, r) {
		return nil, ErrAlreadyRecording
	}
	go r.run()
	return r, nil
}

func padding(n int) int {
	if n%recordAlign == 0 {
		return 0
	}
	return recordAlign - n%recordAlign
}

// Record logs one occurrence of phase id.
func Record(id ID, d time.Duration) {
	if r := current.Load(); r != nil {
		r.ch <- record{ID: id, Duration: d.Nanoseconds()}
	}
}

// Since records the time elapsed from start. It is meant for
// defer timeslice.Since(id, time.Now()).
func Since(id ID, start time.Time) {
	Record(id, time.Since(start))
}

// ReadAllRecords calls fn for every record in a log written by StartRecording.
func ReadAllRecords(r io.Reader, fn func(name string, flags Flags, d time.Duration) error) error {
	in := bufio.NewReader(r)

	var hdr header
	if err := binary.Read(in, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("timeslice: bad magic 0x%08x", hdr.Magic)
	}
	if hdr.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", hdr.Version)
	}

	var table map[ID]Kind
	if err := json.NewDecoder(io.LimitReader(in, int64(hdr.KindsSize))).Decode(&table); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}
	if pad := padding(binary.Size(header{}) + int(hdr.KindsSize)); pad > 0 {
		if _, err := in.Discard(pad); err != nil {
			return fmt.Errorf("timeslice: skip padding: %w", err)
		}
	}

	for {
		var rec record
		if err := binary.Read(in, binary.LittleEndian, &rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		kind, ok := table[rec.ID]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", rec.ID)
		}
		if err := fn(kind.Name, kind.Flags, time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
}

// Stat aggregates every record of one phase.
type Stat struct {
	Name  string
	Flags Flags
	Count int
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
}

// Mean returns the average duration.
func (s Stat) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

func (s *Stat) add(d time.Duration) {
	s.Count++
	s.Total += d
	if s.Count == 1 || d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
}

// Summarize reads a log and returns per-phase totals, largest total first.
func Summarize(r io.Reader) ([]Stat, error) {
	byName := map[string]*Stat{}
	if err := ReadAllRecords(r, func(name string, flags Flags, d time.Duration) error {
		s, ok := byName[name]
		if !ok {
			s = &Stat{Name: name, Flags: flags}
			byName[name] = s
		}
		s.add(d)
		return nil
	}); err != nil {
		return nil, err
	}
	out := make([]Stat, 0, len(byName))
	for _, s := range byName {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}
