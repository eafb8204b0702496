package logsource

import (
	"bufio"
	"context"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"blockperf/core"
	"blockperf/pkg/errs"
)

// JournalSource follows the systemd journal via a journalctl subprocess
// emitting one JSON object per line. The adapter owns
// the subprocess: Records starts it, and cancelling the context passed to
// Records sends SIGTERM and escalates to SIGKILL after a 1-second grace.
// Open and the close func it returns do nothing.
type JournalSource struct {
	unit string
	log  *logrus.Entry

	skipped uint64
}

// NewJournalSource builds a journal-follow source scoped to the given
// systemd unit name (e.g. "cardano-node.service").
func NewJournalSource(unit string, log *logrus.Entry) *JournalSource {
	return &JournalSource{unit: unit, log: log}
}

func (j *JournalSource) Open(ctx context.Context) (func() error, error) {
	return func() error { return nil }, nil
}

func (j *JournalSource) SkippedLines() uint64 { return atomic.LoadUint64(&j.skipped) }

func (j *JournalSource) Records(ctx context.Context) (<-chan core.Record, error) {
	args := []string{"-f", "-o", "json", "-n", "0"}
	if j.unit != "" {
		args = append(args, "-u", j.unit)
	}
	return j.followSubprocess(ctx, args)
}

func (j *JournalSource) followSubprocess(ctx context.Context, args []string) (<-chan core.Record, error) {
	cmd := exec.Command("journalctl", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.Wrap(errs.KindLogReaderError, "open journalctl stdout", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(errs.KindLogReaderError, "start journalctl", err)
	}

	out := make(chan core.Record)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(stdout)
		scanLines(ctx, scanner, out, &j.skipped)
	}()
	go func() {
		<-ctx.Done()
		_ = stopSubprocess(cmd)
	}()
	return out, nil
}

// stopSubprocess sends a polite termination signal, then escalates to Kill
// after a 1-second grace.
func stopSubprocess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(1 * time.Second):
		_ = cmd.Process.Kill()
		return <-done
	}
}

func (j *JournalSource) Search(ctx context.Context, substring string, sinceHours int) (<-chan core.Record, error) {
	since := time.Now().Add(-time.Duration(sinceHours) * time.Hour).Format("2006-01-02 15:04:05")
	args := []string{"-o", "json", "--since", since, "-g", substring}
	if j.unit != "" {
		args = append(args, "-u", j.unit)
	}
	cmd := exec.Command("journalctl", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.Wrap(errs.KindLogReaderError, "open journalctl stdout", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(errs.KindLogReaderError, "start journalctl search", err)
	}

	out := make(chan core.Record)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(stdout)
		scanLines(ctx, scanner, out, &j.skipped)
		if ctx.Err() != nil {
			_ = stopSubprocess(cmd)
			return
		}
		_ = cmd.Wait()
	}()
	return out, nil
}

// ReplaySinceLastStart searches the journal for the most recent
// Node.Restarted marker and returns everything logged after it.
func (j *JournalSource) ReplaySinceLastStart(ctx context.Context) (<-chan core.Record, error) {
	markerCh, err := j.Search(ctx, "Node.Restarted", 24*30)
	if err != nil {
		return nil, err
	}
	var last time.Time
	for rec := range markerCh {
		if rec.At.After(last) {
			last = rec.At
		}
	}
	if last.IsZero() {
		ch := make(chan core.Record)
		close(ch)
		return ch, nil
	}

	sinceHours := int(time.Since(last).Hours()) + 1
	return j.Search(ctx, "", sinceHours)
}
