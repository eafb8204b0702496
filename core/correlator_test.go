package core

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("component", "correlator_test")
}

type fakeSubmitter struct {
	results   map[string]error
	submitted []BlockSample
}

func (f *fakeSubmitter) SubmitBlockSample(_ context.Context, sample BlockSample) (string, error) {
	f.submitted = append(f.submitted, sample)
	if err, ok := f.results[sample.BlockHash]; ok && err != nil {
		return "", err
	}
	return "server-id-1", nil
}

func hexHash(n byte) string {
	b := make([]byte, 64)
	for i := range b {
		b[i] = 'a' + (n % 6)
	}
	return string(b)
}

func baseCfg() CorrelatorConfig {
	return CorrelatorConfig{
		GenesisStartUnix: 0,
		NetworkMagic:     764824073,
		LocalEndpoint:    "0.0.0.0:3001",
		ClientVersion:    "dev",
		MinAge:           0,
		MaxAge:           30 * time.Minute,
	}
}

func TestHappyPathScenario(t *testing.T) {
	h := hexHash(1)
	cfg := baseCfg()
	// slot_time = genesis + slot*1s, both integer-second, so genesis and
	// slot are picked first and the header event is placed 50ms after it,
	// so header_delta_ms comes out to exactly 50.
	cfg.GenesisStartUnix = 1_000_000
	slotTime := time.Unix(cfg.GenesisStartUnix+1, 0).UTC()
	t0 := slotTime.Add(50 * time.Millisecond)

	c := NewCorrelator(cfg, testLog())
	p1 := Endpoint{IP: "10.0.0.1", Port: 4001}

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	must(c.Insert(Event{Variant: VariantDownloadedHeader, At: t0, BlockHash: h, BlockNumber: 100, Slot: 1, PeerEndpoint: p1}))
	must(c.Insert(Event{Variant: VariantSendFetchRequest, At: t0.Add(100 * time.Millisecond), BlockHash: h, PeerEndpoint: p1}))
	must(c.Insert(Event{Variant: VariantCompletedBlockFetch, At: t0.Add(300 * time.Millisecond), BlockHash: h, BlockSize: 1999, PeerEndpoint: p1}))
	must(c.Insert(Event{Variant: VariantAddedToCurrentChain, At: t0.Add(350 * time.Millisecond), BlockHash: h}))

	sub := &fakeSubmitter{results: map[string]error{}}
	stats := c.Drain(context.Background(), sub)
	if stats.Submitted != 1 {
		t.Fatalf("expected 1 submitted sample, got %+v", stats)
	}
	got := sub.submitted[0]
	if got.BlockNumber != 100 {
		t.Fatalf("expected block_number 100, got %d", got.BlockNumber)
	}
	if got.BlockSize != 1999 {
		t.Fatalf("expected block_size 1999, got %d", got.BlockSize)
	}
	if got.BlockHash != h {
		t.Fatalf("expected hash %s, got %s", h, got.BlockHash)
	}
	if got.HeaderDeltaMS != 50 {
		t.Fatalf("expected header_delta_ms 50, got %d", got.HeaderDeltaMS)
	}
	if got.BlockRequestDeltaMS != 100 {
		t.Fatalf("expected block_request_delta_ms 100, got %d", got.BlockRequestDeltaMS)
	}
	if got.BlockResponseDeltaMS != 200 {
		t.Fatalf("expected block_response_delta_ms 200, got %d", got.BlockResponseDeltaMS)
	}
	if got.BlockAdoptDeltaMS != 50 {
		t.Fatalf("expected block_adopt_delta_ms 50, got %d", got.BlockAdoptDeltaMS)
	}
}

func TestFetchRequestPeerMismatchRaisesCorrelationError(t *testing.T) {
	h := hexHash(2)
	c := NewCorrelator(baseCfg(), testLog())
	t0 := time.Unix(2_000_000, 0).UTC()
	p1 := Endpoint{IP: "10.0.0.1", Port: 4001}
	p2 := Endpoint{IP: "10.0.0.2", Port: 4002}

	if err := c.Insert(Event{Variant: VariantDownloadedHeader, At: t0, BlockHash: h, BlockNumber: 1, Slot: 1, PeerEndpoint: p1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Insert(Event{Variant: VariantSendFetchRequest, At: t0.Add(100 * time.Millisecond), BlockHash: h, PeerEndpoint: p2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := c.Insert(Event{Variant: VariantCompletedBlockFetch, At: t0.Add(300 * time.Millisecond), BlockHash: h, BlockSize: 100, PeerEndpoint: p1})
	if err == nil {
		t.Fatalf("expected CorrelationError")
	}
	if c.GroupCount() != 0 {
		t.Fatalf("expected group evicted after correlation error")
	}
	if c.CorrelationErrors() != 1 {
		t.Fatalf("expected 1 recorded correlation error, got %d", c.CorrelationErrors())
	}
}

func TestInsaneDeltaEvictedWithoutSubmit(t *testing.T) {
	h := hexHash(3)
	c := NewCorrelator(baseCfg(), testLog())
	t0 := time.Unix(3_000_000, 0).UTC()
	p1 := Endpoint{IP: "10.0.0.1", Port: 4001}

	_ = c.Insert(Event{Variant: VariantDownloadedHeader, At: t0, BlockHash: h, BlockNumber: 1, Slot: 1, PeerEndpoint: p1})
	_ = c.Insert(Event{Variant: VariantSendFetchRequest, At: t0.Add(100 * time.Millisecond), BlockHash: h, PeerEndpoint: p1})
	_ = c.Insert(Event{Variant: VariantCompletedBlockFetch, At: t0.Add(700_000 * time.Millisecond), BlockHash: h, BlockSize: 100, PeerEndpoint: p1})
	_ = c.Insert(Event{Variant: VariantAddedToCurrentChain, At: t0.Add(700_100 * time.Millisecond), BlockHash: h})

	sub := &fakeSubmitter{results: map[string]error{}}
	stats := c.Drain(context.Background(), sub)
	if stats.EvictedInsane != 1 || stats.Submitted != 0 {
		t.Fatalf("expected insane eviction without submit, got %+v", stats)
	}
}

func TestIncompleteGroupNotDrained(t *testing.T) {
	h := hexHash(4)
	c := NewCorrelator(baseCfg(), testLog())
	t0 := time.Unix(4_000_000, 0).UTC()
	p1 := Endpoint{IP: "10.0.0.1", Port: 4001}

	_ = c.Insert(Event{Variant: VariantDownloadedHeader, At: t0, BlockHash: h, BlockNumber: 1, Slot: 1, PeerEndpoint: p1})
	_ = c.Insert(Event{Variant: VariantSendFetchRequest, At: t0.Add(100 * time.Millisecond), BlockHash: h, PeerEndpoint: p1})
	_ = c.Insert(Event{Variant: VariantCompletedBlockFetch, At: t0.Add(300 * time.Millisecond), BlockHash: h, BlockSize: 100, PeerEndpoint: p1})
	// no adopted event: three of four slots filled.

	sub := &fakeSubmitter{}
	stats := c.Drain(context.Background(), sub)
	if stats.Submitted != 0 {
		t.Fatalf("expected no submission for incomplete group")
	}
	if c.GroupCount() != 1 {
		t.Fatalf("expected group retained")
	}
}

func TestMinAgeGatesDrain(t *testing.T) {
	h := hexHash(5)
	cfg := baseCfg()
	cfg.MinAge = time.Hour
	c := NewCorrelator(cfg, testLog())
	t0 := time.Unix(5_000_000, 0).UTC()
	p1 := Endpoint{IP: "10.0.0.1", Port: 4001}

	_ = c.Insert(Event{Variant: VariantDownloadedHeader, At: t0, BlockHash: h, BlockNumber: 1, Slot: 1, PeerEndpoint: p1})
	_ = c.Insert(Event{Variant: VariantSendFetchRequest, At: t0.Add(100 * time.Millisecond), BlockHash: h, PeerEndpoint: p1})
	_ = c.Insert(Event{Variant: VariantCompletedBlockFetch, At: t0.Add(300 * time.Millisecond), BlockHash: h, BlockSize: 100, PeerEndpoint: p1})
	_ = c.Insert(Event{Variant: VariantAddedToCurrentChain, At: t0.Add(350 * time.Millisecond), BlockHash: h})

	sub := &fakeSubmitter{}
	stats := c.Drain(context.Background(), sub)
	if stats.Submitted != 0 {
		t.Fatalf("expected complete-but-young group to not be drained, got %+v", stats)
	}
}

func TestSubmitTransientFailureRetainsThenSucceeds(t *testing.T) {
	h := hexHash(6)
	c := NewCorrelator(baseCfg(), testLog())
	// slot 1 with genesis 0 puts slot_time at 1s; the header lands 50ms later
	// so the group passes the sanity bounds and reaches the submitter.
	t0 := time.Unix(1, 0).UTC().Add(50 * time.Millisecond)
	p1 := Endpoint{IP: "10.0.0.1", Port: 4001}

	_ = c.Insert(Event{Variant: VariantDownloadedHeader, At: t0, BlockHash: h, BlockNumber: 1, Slot: 1, PeerEndpoint: p1})
	_ = c.Insert(Event{Variant: VariantSendFetchRequest, At: t0.Add(100 * time.Millisecond), BlockHash: h, PeerEndpoint: p1})
	_ = c.Insert(Event{Variant: VariantCompletedBlockFetch, At: t0.Add(300 * time.Millisecond), BlockHash: h, BlockSize: 100, PeerEndpoint: p1})
	_ = c.Insert(Event{Variant: VariantAddedToCurrentChain, At: t0.Add(350 * time.Millisecond), BlockHash: h})

	sub := &fakeSubmitter{results: map[string]error{h: context.DeadlineExceeded}}
	stats := c.Drain(context.Background(), sub)
	// an untyped error (not *errs.Error) must be treated as retryable, not
	// assumed permanent.
	if stats.Submitted != 0 {
		t.Fatalf("expected no submission recorded on failure, got %+v", stats)
	}
	if c.GroupCount() != 1 {
		t.Fatalf("expected group retained after transient failure")
	}

	sub.results = map[string]error{}
	stats = c.Drain(context.Background(), sub)
	if stats.Submitted != 1 {
		t.Fatalf("expected submission to succeed on retry, got %+v", stats)
	}
	if c.GroupCount() != 0 {
		t.Fatalf("expected group evicted after successful submit")
	}
}

func TestBlockSizeBoundary(t *testing.T) {
	mk := func(size int) *blockSampleGroup {
		t0 := time.Unix(7_000_000, 0).UTC()
		g := &blockSampleGroup{
			hash:        hexHash(7),
			header:      &Event{At: t0},
			request:     &Event{At: t0},
			completed:   &Event{At: t0},
			adopted:     &Event{At: t0},
			blockNumber: 1,
			slot:        1,
			blockSize:   size,
			slotTime:    t0,
		}
		return g
	}
	if mk(0).sane() {
		t.Fatalf("0 must be insane")
	}
	if !mk(9_999_999).sane() {
		t.Fatalf("9999999 must be sane")
	}
	if mk(10_000_000).sane() {
		t.Fatalf("10000000 must be insane")
	}
}

func TestDeltaBoundary(t *testing.T) {
	mk := func(responseDelay time.Duration) *blockSampleGroup {
		t0 := time.Unix(8_000_000, 0).UTC()
		g := &blockSampleGroup{
			hash:        hexHash(8),
			header:      &Event{At: t0},
			request:     &Event{At: t0},
			completed:   &Event{At: t0.Add(responseDelay)},
			adopted:     &Event{At: t0.Add(responseDelay)},
			blockNumber: 1,
			slot:        1,
			blockSize:   100,
			slotTime:    t0,
		}
		return g
	}
	if mk(-6000 * time.Millisecond).sane() {
		t.Fatalf("-6000ms must be insane")
	}
	if !mk(-5999 * time.Millisecond).sane() {
		t.Fatalf("-5999ms must be sane")
	}
	if !mk(599_999 * time.Millisecond).sane() {
		t.Fatalf("599999ms must be sane")
	}
	if mk(600_000 * time.Millisecond).sane() {
		t.Fatalf("600000ms must be insane")
	}
}
