package logsource

import (
	"context"
	"testing"
	"time"

	"blockperf/core"
	"blockperf/internal/testutil"
)

// logFixture writes a node-log fixture and returns its path plus a cleanup
// registered on t.
func logFixture(t *testing.T, lines []string) string {
	t.Helper()
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	t.Cleanup(func() { _ = sb.Cleanup() })
	if err := sb.WriteLogLines("node.log", lines); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return sb.Path("node.log")
}

func TestDecodeLineSkipsMalformed(t *testing.T) {
	var skipped uint64
	if _, ok := decodeLine([]byte("not json"), &skipped); ok {
		t.Fatalf("expected malformed line to be rejected")
	}
	if skipped != 1 {
		t.Fatalf("expected skipped counter to increment, got %d", skipped)
	}

	rec, ok := decodeLine([]byte(`{"at":"2026-01-01T00:00:00Z","ns":"Node.Restarted","data":{},"host":"h1"}`), &skipped)
	if !ok {
		t.Fatalf("expected valid line to decode")
	}
	if rec.NS != "Node.Restarted" || rec.Host != "h1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestFileTailSearchFiltersByTimeAndSubstring(t *testing.T) {
	old := time.Now().Add(-48 * time.Hour).Format(time.RFC3339)
	recent := time.Now().Format(time.RFC3339)
	path := logFixture(t, []string{
		`{"at":"` + old + `","ns":"BlockFetch.Client.SendFetchRequest","data":{},"host":"h1"}`,
		`{"at":"` + recent + `","ns":"Net.PeerSelection.Counters","data":{},"host":"h1"}`,
	})

	src := NewFileTailSource(path, testLogEntry())
	ch, err := src.Search(context.Background(), "PeerSelection", 24)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got []string
	for rec := range ch {
		got = append(got, rec.NS)
	}
	if len(got) != 1 || got[0] != "Net.PeerSelection.Counters" {
		t.Fatalf("expected only the recent matching record, got %+v", got)
	}
}

func TestFileTailSearchMatchesPayloadValues(t *testing.T) {
	now := time.Now().Format(time.RFC3339)
	path := logFixture(t, []string{
		`{"at":"` + now + `","ns":"Net.ConnectionManager.Remote.PromotedToHotRemote","data":{"connectionId":"127.0.0.1:3001 10.0.0.8:4004"},"host":"h1"}`,
		`{"at":"` + now + `","ns":"Net.ConnectionManager.Remote.PromotedToHotRemote","data":{"connectionId":"127.0.0.1:3001 10.0.0.9:4009"},"host":"h1"}`,
	})

	src := NewFileTailSource(path, testLogEntry())
	ch, err := src.Search(context.Background(), "10.0.0.8", 24)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got []core.Record
	for rec := range ch {
		got = append(got, rec)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly the payload-matching record, got %d", len(got))
	}
	if cid, _ := got[0].Data["connectionId"].(string); cid != "127.0.0.1:3001 10.0.0.8:4004" {
		t.Fatalf("matched the wrong record: %+v", got[0].Data)
	}
}

func TestFileTailReplaySinceLastStartReturnsOnlyAfterMarker(t *testing.T) {
	path := logFixture(t, []string{
		`{"at":"2026-01-01T00:00:00Z","ns":"Net.PeerSelection.Counters","data":{},"host":"h1"}`,
		`{"at":"2026-01-02T00:00:00Z","ns":"Node.Restarted","data":{},"host":"h1"}`,
		`{"at":"2026-01-02T00:00:01Z","ns":"BlockFetch.Decision.Peers.DownloadedHeader","data":{},"host":"h1"}`,
	})

	src := NewFileTailSource(path, testLogEntry())
	ch, err := src.ReplaySinceLastStart(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got []string
	for rec := range ch {
		got = append(got, rec.NS)
	}
	if len(got) != 1 || got[0] != "BlockFetch.Decision.Peers.DownloadedHeader" {
		t.Fatalf("expected only the post-restart record, got %+v", got)
	}
}

func TestFileTailReplayEmptyWithoutRestartMarker(t *testing.T) {
	path := logFixture(t, []string{
		`{"at":"2026-01-01T00:00:00Z","ns":"Net.PeerSelection.Counters","data":{},"host":"h1"}`,
	})

	src := NewFileTailSource(path, testLogEntry())
	ch, err := src.ReplaySinceLastStart(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	count := 0
	for range ch {
		count++
	}
	if count != 0 {
		t.Fatalf("expected no replay without a restart marker, got %d records", count)
	}
}
