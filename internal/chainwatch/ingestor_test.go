package chainwatch

import (
	"context"
	"errors"
	"io"
	"log"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"reserve-bridge/internal/domain"
)

// fakeStream is a scripted LogStream.
type fakeStream struct {
	logs      chan types.Log
	subErr    error
	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

func newFakeStream() *fakeStream {
	return &fakeStream{logs: make(chan types.Log, 16)}
}

func (s *fakeStream) SubscribeLogs(_ context.Context, _ []common.Address, _ [][]common.Hash) (<-chan types.Log, error) {
	if s.subErr != nil {
		return nil, s.subErr
	}
	return s.logs, nil
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.logs)
	})
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeDialer hands out streams in order. With spawn set it creates
// fresh streams once the scripted ones run out.
type fakeDialer struct {
	mu      sync.Mutex
	streams []*fakeStream
	dials   int
	spawn   bool
}

func (d *fakeDialer) dial(_ context.Context) (LogStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dials >= len(d.streams) {
		if !d.spawn {
			return nil, errors.New("no more streams scripted")
		}
		d.streams = append(d.streams, newFakeStream())
	}
	s := d.streams[d.dials]
	d.dials++
	return s, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// fakeProber fails while failing is set.
type fakeProber struct {
	mu      sync.Mutex
	failing bool
}

func (p *fakeProber) BlockNumber(_ context.Context) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return 0, errors.New("probe failed")
	}
	return 100, nil
}

func (p *fakeProber) setFailing(v bool) {
	p.mu.Lock()
	p.failing = v
	p.mu.Unlock()
}

// fakeSettler counts settlements and can block to hold the worker.
type fakeSettler struct {
	mu      sync.Mutex
	settled []*domain.SettlementRequest
	entered chan struct{}
	release chan struct{}
}

func newFakeSettler() *fakeSettler {
	return &fakeSettler{}
}

func (s *fakeSettler) settle(req *domain.SettlementRequest) (*domain.SettlementResult, error) {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	s.settled = append(s.settled, req)
	s.mu.Unlock()
	return &domain.SettlementResult{Success: true}, nil
}

func (s *fakeSettler) SettleBuy(_ context.Context, req *domain.SettlementRequest) (*domain.SettlementResult, error) {
	return s.settle(req)
}

func (s *fakeSettler) SettleSell(_ context.Context, req *domain.SettlementRequest) (*domain.SettlementResult, error) {
	return s.settle(req)
}

func (s *fakeSettler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.settled)
}

func (s *fakeSettler) first() *domain.SettlementRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settled[0]
}

// buyLog builds a decodable buy event with a unique tx hash.
func buyLog(t *testing.T, seq byte) types.Log {
	t.Helper()
	lg := orderLog(t, BuyOrderTopic, "BuyOrderCreated", "GLD",
		big.NewInt(10000), big.NewInt(0), big.NewInt(15000))
	lg.TxHash = common.BytesToHash([]byte{seq})
	return lg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func testOptions(dialer *fakeDialer, prober *fakeProber, settler *fakeSettler) Options {
	return Options{
		Dial:          dialer.dial,
		Prober:        prober,
		Settler:       settler,
		OrderContract: testContract,
		ProbeInterval: 20 * time.Millisecond,
		ProbeTimeout:  time.Second,
		Logger:        log.New(io.Discard, "", 0),
	}
}

func runIngestor(t *testing.T, ing *Ingestor) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx) }()

	return func() {
		stop()
		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("Run returned %v, want context.Canceled", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	}
}

func TestIngestor_DeliversEventsToSettler(t *testing.T) {
	stream := newFakeStream()
	dialer := &fakeDialer{streams: []*fakeStream{stream}}
	settler := newFakeSettler()

	ing, err := New(testOptions(dialer, &fakeProber{}, settler))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := runIngestor(t, ing)
	defer stop()

	waitFor(t, "subscribed state", func() bool { return ing.State() == StateSubscribed })

	stream.logs <- buyLog(t, 1)
	waitFor(t, "settlement", func() bool { return settler.count() == 1 })

	if settler.first().Symbol != "GLD" {
		t.Errorf("settled symbol = %s, want GLD", settler.first().Symbol)
	}
}

func TestIngestor_InitialSubscriptionFailure(t *testing.T) {
	stream := newFakeStream()
	stream.subErr = errors.New("refused")
	dialer := &fakeDialer{streams: []*fakeStream{stream}}

	ing, err := New(testOptions(dialer, &fakeProber{}, newFakeSettler()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := ing.Run(context.Background()); err == nil {
		t.Error("expected initial subscription error")
	}
}

func TestIngestor_ReconnectsAfterStreamDeath(t *testing.T) {
	stream1 := newFakeStream()
	stream2 := newFakeStream()
	dialer := &fakeDialer{streams: []*fakeStream{stream1, stream2}}
	settler := newFakeSettler()

	ing, err := New(testOptions(dialer, &fakeProber{}, settler))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := runIngestor(t, ing)
	defer stop()

	waitFor(t, "subscribed state", func() bool { return ing.State() == StateSubscribed })

	// Transport death: the channel closes, the ingestor degrades, the
	// next probe tick resubscribes on a fresh stream.
	stream1.Close()
	waitFor(t, "resubscription", func() bool {
		return dialer.count() == 2 && ing.State() == StateSubscribed
	})

	stream2.logs <- buyLog(t, 2)
	waitFor(t, "settlement on new stream", func() bool { return settler.count() == 1 })
}

func TestIngestor_ReconnectsAfterProbeFailure(t *testing.T) {
	stream1 := newFakeStream()
	dialer := &fakeDialer{streams: []*fakeStream{stream1}, spawn: true}
	prober := &fakeProber{}
	settler := newFakeSettler()

	ing, err := New(testOptions(dialer, prober, settler))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := runIngestor(t, ing)
	defer stop()

	waitFor(t, "subscribed state", func() bool { return ing.State() == StateSubscribed })

	prober.setFailing(true)
	waitFor(t, "reconnect attempt", func() bool { return dialer.count() >= 2 })

	prober.setFailing(false)
	waitFor(t, "resubscription", func() bool { return ing.State() == StateSubscribed })

	// The replaced transport must have been torn down.
	if !stream1.isClosed() {
		t.Error("old stream was not closed on reconnect")
	}
}

func TestIngestor_SuppressesDuplicateEventsAfterResubscribe(t *testing.T) {
	stream1 := newFakeStream()
	stream2 := newFakeStream()
	dialer := &fakeDialer{streams: []*fakeStream{stream1, stream2}}
	settler := newFakeSettler()

	ing, err := New(testOptions(dialer, &fakeProber{}, settler))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := runIngestor(t, ing)
	defer stop()

	waitFor(t, "subscribed state", func() bool { return ing.State() == StateSubscribed })

	stream1.logs <- buyLog(t, 7)
	waitFor(t, "first settlement", func() bool { return settler.count() == 1 })

	stream1.Close()
	waitFor(t, "resubscription", func() bool {
		return dialer.count() == 2 && ing.State() == StateSubscribed
	})

	// The provider replays the already-settled event, then a new one.
	stream2.logs <- buyLog(t, 7)
	stream2.logs <- buyLog(t, 8)
	waitFor(t, "second settlement", func() bool { return settler.count() == 2 })

	time.Sleep(50 * time.Millisecond)
	if settler.count() != 2 {
		t.Errorf("replayed event was settled twice: %d settlements", settler.count())
	}
}

func TestIngestor_SkipsRemovedAndUndecodableLogs(t *testing.T) {
	stream := newFakeStream()
	dialer := &fakeDialer{streams: []*fakeStream{stream}}
	settler := newFakeSettler()

	ing, err := New(testOptions(dialer, &fakeProber{}, settler))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := runIngestor(t, ing)
	defer stop()

	waitFor(t, "subscribed state", func() bool { return ing.State() == StateSubscribed })

	removed := buyLog(t, 3)
	removed.Removed = true
	stream.logs <- removed

	stream.logs <- types.Log{
		Topics: []common.Hash{BuyOrderTopic, common.BytesToHash(testUser.Bytes())},
		Data:   []byte{0xff},
		TxHash: common.BytesToHash([]byte{4}),
	}

	stream.logs <- buyLog(t, 5)
	waitFor(t, "settlement of the valid event", func() bool { return settler.count() == 1 })

	if settler.count() != 1 {
		t.Errorf("expected exactly 1 settlement, got %d", settler.count())
	}
}

func TestIngestor_DropsEventsWhenQueueFull(t *testing.T) {
	stream := newFakeStream()
	dialer := &fakeDialer{streams: []*fakeStream{stream}}
	settler := newFakeSettler()
	settler.entered = make(chan struct{}, 8)
	settler.release = make(chan struct{})

	opts := testOptions(dialer, &fakeProber{}, settler)
	opts.QueueSize = 1

	ing, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := runIngestor(t, ing)
	defer stop()

	waitFor(t, "subscribed state", func() bool { return ing.State() == StateSubscribed })

	// First event occupies the worker.
	stream.logs <- buyLog(t, 10)
	<-settler.entered

	// Second fills the queue, third must be dropped.
	stream.logs <- buyLog(t, 11)
	waitFor(t, "queued event", func() bool { return ing.QueueDepth() == 1 })
	stream.logs <- buyLog(t, 12)

	close(settler.release)
	waitFor(t, "drained queue", func() bool { return settler.count() == 2 })

	time.Sleep(50 * time.Millisecond)
	if settler.count() != 2 {
		t.Errorf("expected 2 settlements after drop, got %d", settler.count())
	}
}

func TestIngestor_CloseIsIdempotent(t *testing.T) {
	stream := newFakeStream()
	dialer := &fakeDialer{streams: []*fakeStream{stream}}

	ing, err := New(testOptions(dialer, &fakeProber{}, newFakeSettler()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := runIngestor(t, ing)
	stop()

	// Run already closed the ingestor; further closes are no-ops.
	ing.Close()
	ing.Close()

	if !stream.isClosed() {
		t.Error("stream was not closed")
	}
}

func TestIngestor_RequiredOptions(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("expected error for missing dial, prober, and settler")
	}
}
