package logsource

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"blockperf/core"
	"blockperf/pkg/errs"
)

// FileTailSource follows a plain file, detecting rotation (the path being
// created or renamed) via fsnotify and reopening from the start of the new
// file. A file truncated in place is not detected.
type FileTailSource struct {
	path string
	log  *logrus.Entry

	skipped uint64
}

// NewFileTailSource builds a file-tail source over path.
func NewFileTailSource(path string, log *logrus.Entry) *FileTailSource {
	return &FileTailSource{path: path, log: log}
}

func (f *FileTailSource) Open(ctx context.Context) (func() error, error) {
	if _, err := os.Stat(f.path); err != nil {
		return nil, errs.Wrap(errs.KindLogReaderError, "stat log file", err)
	}
	return func() error { return nil }, nil
}

func (f *FileTailSource) SkippedLines() uint64 { return atomic.LoadUint64(&f.skipped) }

func (f *FileTailSource) Records(ctx context.Context) (<-chan core.Record, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, errs.Wrap(errs.KindLogReaderError, "open log file", err)
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, errs.Wrap(errs.KindLogReaderError, "seek to end of log file", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		file.Close()
		return nil, errs.Wrap(errs.KindLogReaderError, "start file watcher", err)
	}
	if err := watcher.Add(f.path); err != nil {
		watcher.Close()
		file.Close()
		return nil, errs.Wrap(errs.KindLogReaderError, "watch log file", err)
	}

	out := make(chan core.Record)
	go func() {
		defer close(out)
		defer watcher.Close()
		defer file.Close()
		f.followLoop(ctx, file, watcher, out)
	}()
	return out, nil
}

// followLoop reads whatever is currently available, then waits on fsnotify
// events (new data written, or the file replaced by log rotation) before
// reading again. Handles opened on rotation are closed here; the original
// handle belongs to the caller.
func (f *FileTailSource) followLoop(ctx context.Context, file *os.File, watcher *fsnotify.Watcher, out chan<- core.Record) {
	orig := file
	defer func() {
		if file != orig {
			_ = file.Close()
		}
	}()
	reader := bufio.NewReaderSize(file, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if rec, ok := decodeLine(trimNewline(line), &f.skipped); ok {
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
		if err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
				if reopened := f.reopen(file); reopened != nil {
					if file != orig {
						_ = file.Close()
					}
					file = reopened
					reader = bufio.NewReaderSize(file, 64*1024)
				}
			}
		case <-watcher.Errors:
			// transient watcher error; retry on the next loop iteration.
		case <-time.After(time.Second):
			// poll fallback in case the write event was missed.
		}
	}
}

// reopen opens the log path fresh, for the case where rotation replaced
// the inode out from under the existing handle. The old handle is left for
// the caller to close.
func (f *FileTailSource) reopen(old *os.File) *os.File {
	nf, err := os.Open(f.path)
	if err != nil {
		return nil
	}
	return nf
}

func trimNewline(b []byte) []byte {
	n := len(b)
	if n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
	}
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	return b
}

// Search scans the whole file for records within the time window whose raw
// line contains substring. Matching runs over the undecoded line so payload
// values (endpoints inside connectionId, hashes) are searchable, the same
// full-text semantics the journal backend gets from journalctl's grep flag.
func (f *FileTailSource) Search(ctx context.Context, substring string, sinceHours int) (<-chan core.Record, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, errs.Wrap(errs.KindLogReaderError, "open log file for search", err)
	}

	cutoff := time.Now().Add(-time.Duration(sinceHours) * time.Hour)
	needle := []byte(substring)
	out := make(chan core.Record)
	go func() {
		defer close(out)
		defer file.Close()
		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}
			line := scanner.Bytes()
			if len(needle) > 0 && !bytes.Contains(line, needle) {
				continue
			}
			rec, ok := decodeLine(line, &f.skipped)
			if !ok || rec.At.Before(cutoff) {
				continue
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ReplaySinceLastStart scans the file for the most recent NodeRestarted
// marker and returns everything after it.
func (f *FileTailSource) ReplaySinceLastStart(ctx context.Context) (<-chan core.Record, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, errs.Wrap(errs.KindLogReaderError, "open log file for replay", err)
	}

	var buffered []core.Record
	var lastRestart time.Time
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		rec, ok := decodeLine(scanner.Bytes(), &f.skipped)
		if !ok {
			continue
		}
		if variant, ok := core.Classify(rec.NS); ok && variant == core.VariantNodeRestarted {
			lastRestart = rec.At
			buffered = buffered[:0]
			continue
		}
		buffered = append(buffered, rec)
	}
	file.Close()

	out := make(chan core.Record, len(buffered))
	if !lastRestart.IsZero() {
		for _, rec := range buffered {
			out <- rec
		}
	}
	close(out)
	return out, nil
}
