// Package chainwatch maintains a live subscription to order contract
// events, monitors connection health, and feeds decoded settlement
// requests to the settlement coordinator through a bounded queue.
package chainwatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"reserve-bridge/internal/domain"
	"reserve-bridge/internal/observability"
)

// Default timing and sizing.
const (
	DefaultProbeInterval = 2 * time.Minute
	DefaultProbeTimeout  = 10 * time.Second
	DefaultQueueSize     = 1024

	// seenCapacity bounds the replay guard that suppresses duplicate
	// settlement of the same on-chain event after a resubscribe.
	seenCapacity = 4096
)

// LogStream is one live log subscription. Implemented by ethrpc.WSClient.
// The channel returned by SubscribeLogs closes when the transport dies;
// Close must be idempotent.
type LogStream interface {
	SubscribeLogs(ctx context.Context, addresses []common.Address, topics [][]common.Hash) (<-chan types.Log, error)
	Close() error
}

// DialFunc opens a fresh transport. Called once at startup and again on
// every reconnect.
type DialFunc func(ctx context.Context) (LogStream, error)

// Prober answers liveness probes. Implemented by ethclient.Client.
type Prober interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Settler consumes decoded settlement requests. Implemented by
// settlement.Coordinator.
type Settler interface {
	SettleBuy(ctx context.Context, req *domain.SettlementRequest) (*domain.SettlementResult, error)
	SettleSell(ctx context.Context, req *domain.SettlementRequest) (*domain.SettlementResult, error)
}

// Options for creating an Ingestor.
type Options struct {
	Dial          DialFunc
	Prober        Prober
	Settler       Settler
	Decoder       *Decoder
	OrderContract common.Address

	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	QueueSize     int
	Logger        *log.Logger
}

// queuedRequest pairs a decoded request with its side and origin.
type queuedRequest struct {
	side domain.Side
	req  *domain.SettlementRequest
	tx   common.Hash
}

// Ingestor owns the subscription transport and its state machine. The
// transport handle is swapped atomically on reconnect behind a
// single-flight guard; reconnect attempts are paced by the probe tick.
type Ingestor struct {
	dial     DialFunc
	prober   Prober
	settler  Settler
	decoder  *Decoder
	contract common.Address

	probeInterval time.Duration
	probeTimeout  time.Duration
	logger        *log.Logger

	state        atomic.Int32
	reconnecting atomic.Bool

	streamMu sync.Mutex
	stream   LogStream

	// swapped delivers the fresh log channel after a reconnect
	swapped chan (<-chan types.Log)

	queue chan queuedRequest

	// replay guard: event keys already settled
	seenMu   sync.Mutex
	seen     map[string]struct{}
	seenFIFO []string

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a new Ingestor.
func New(opts Options) (*Ingestor, error) {
	if opts.Dial == nil || opts.Prober == nil || opts.Settler == nil {
		return nil, errors.New("chainwatch: dial, prober, and settler are required")
	}
	if opts.Decoder == nil {
		opts.Decoder = NewDecoder(DefaultDecoderConfig())
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultProbeInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	return &Ingestor{
		dial:          opts.Dial,
		prober:        opts.Prober,
		settler:       opts.Settler,
		decoder:       opts.Decoder,
		contract:      opts.OrderContract,
		probeInterval: opts.ProbeInterval,
		probeTimeout:  opts.ProbeTimeout,
		logger:        opts.Logger,
		swapped:       make(chan (<-chan types.Log), 1),
		queue:         make(chan queuedRequest, opts.QueueSize),
		seen:          make(map[string]struct{}),
		done:          make(chan struct{}),
	}, nil
}

// State returns the current connection state.
func (i *Ingestor) State() ConnectionState {
	return ConnectionState(i.state.Load())
}

// QueueDepth returns the number of requests waiting to be settled.
func (i *Ingestor) QueueDepth() int {
	return len(i.queue)
}

// Run subscribes and processes events until the context is cancelled.
// The initial subscription failure is returned; later connection
// failures are handled by the internal reconnect loop and never surface.
func (i *Ingestor) Run(ctx context.Context) error {
	i.setState(StateConnecting)

	logs, err := i.connect(ctx)
	if err != nil {
		return fmt.Errorf("initial subscription: %w", err)
	}
	i.setState(StateSubscribed)
	i.logger.Printf("subscribed to order events at %s", i.contract.Hex())

	i.wg.Add(3)
	go i.consumeLoop(ctx, logs)
	go i.probeLoop(ctx)
	go i.workerLoop(ctx)

	<-ctx.Done()
	i.Close()
	return ctx.Err()
}

// connect dials a fresh transport, subscribes, and installs it as the
// current stream, tearing down any previous one.
func (i *Ingestor) connect(ctx context.Context) (<-chan types.Log, error) {
	stream, err := i.dial(ctx)
	if err != nil {
		return nil, err
	}

	logs, err := stream.SubscribeLogs(ctx,
		[]common.Address{i.contract},
		[][]common.Hash{{BuyOrderTopic, SellOrderTopic}},
	)
	if err != nil {
		stream.Close()
		return nil, err
	}

	i.streamMu.Lock()
	old := i.stream
	i.stream = stream
	i.streamMu.Unlock()
	if old != nil {
		// Removes the old listeners and tears down the old transport.
		old.Close()
	}

	return logs, nil
}

// consumeLoop drains the current log channel. A closed channel means the
// transport died: the loop marks the connection degraded and waits for
// the reconnect loop to hand over a fresh channel.
func (i *Ingestor) consumeLoop(ctx context.Context, logs <-chan types.Log) {
	defer i.wg.Done()

	for {
		select {
		case <-i.done:
			return
		case lg, ok := <-logs:
			if !ok {
				i.setState(StateDegraded)
				i.logger.Printf("log stream closed, waiting for reconnect")
				select {
				case logs = <-i.swapped:
				case <-i.done:
					return
				}
				continue
			}
			i.handleLog(ctx, lg)
		}
	}
}

// handleLog decodes one log and enqueues the settlement request.
// Decode failures are logged and isolated per event; they never tear
// down the subscription.
func (i *Ingestor) handleLog(_ context.Context, lg types.Log) {
	if lg.Removed {
		return
	}
	if i.alreadySeen(lg) {
		return
	}

	req, side, err := i.decoder.Decode(lg)
	if err != nil {
		observability.RecordDecodeError()
		i.logger.Printf("decode event failed: tx=%s index=%d err=%v", lg.TxHash.Hex(), lg.Index, err)
		return
	}
	observability.RecordEventDecoded(string(side))
	observability.DefaultMetrics.LastEventSeen.Set(float64(time.Now().Unix()))

	select {
	case i.queue <- queuedRequest{side: side, req: req, tx: lg.TxHash}:
		observability.UpdateQueueDepth(len(i.queue))
	default:
		observability.RecordEventDropped()
		i.logger.Printf("queue full, dropping event: tx=%s side=%s symbol=%s user=%s",
			lg.TxHash.Hex(), side, req.Symbol, req.User.Hex())
	}
}

// alreadySeen records the event key and reports whether it was settled
// before. Guards against replays delivered after a resubscribe.
func (i *Ingestor) alreadySeen(lg types.Log) bool {
	key := fmt.Sprintf("%s|%d", lg.TxHash.Hex(), lg.Index)

	i.seenMu.Lock()
	defer i.seenMu.Unlock()

	if _, ok := i.seen[key]; ok {
		return true
	}
	i.seen[key] = struct{}{}
	i.seenFIFO = append(i.seenFIFO, key)
	if len(i.seenFIFO) > seenCapacity {
		delete(i.seen, i.seenFIFO[0])
		i.seenFIFO = i.seenFIFO[1:]
	}
	return false
}

// workerLoop pulls queued requests and invokes the coordinator. A
// settlement failure is logged with full context and does not stop the
// loop.
func (i *Ingestor) workerLoop(ctx context.Context) {
	defer i.wg.Done()

	for {
		select {
		case <-i.done:
			return
		case item := <-i.queue:
			observability.UpdateQueueDepth(len(i.queue))
			i.settleOne(ctx, item)
		}
	}
}

// settleOne invokes the coordinator for one decoded event.
func (i *Ingestor) settleOne(ctx context.Context, item queuedRequest) {
	var err error
	if item.side == domain.SideBuy {
		_, err = i.settler.SettleBuy(ctx, item.req)
	} else {
		_, err = i.settler.SettleSell(ctx, item.req)
	}
	if err != nil {
		i.logger.Printf("event settlement failed: side=%s tx=%s user=%s symbol=%s fiat=%s asset=%s err=%v",
			item.side, item.tx.Hex(), item.req.User.Hex(), item.req.Symbol,
			item.req.FiatAmount, item.req.AssetAmount, err)
	}
}

// probeLoop queries the latest block number on a fixed interval under a
// bounded timeout. A failed probe, or a connection already marked
// degraded, triggers a reconnect; attempts are paced by the tick so a
// flapping endpoint is not hammered.
func (i *Ingestor) probeLoop(ctx context.Context) {
	defer i.wg.Done()

	ticker := time.NewTicker(i.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.done:
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, i.probeTimeout)
			_, err := i.prober.BlockNumber(probeCtx)
			cancel()

			if err != nil {
				observability.RecordProbeFailure()
				i.logger.Printf("liveness probe failed: %v", err)
				i.setState(StateDegraded)
			}

			if i.State() != StateSubscribed {
				i.reconnect(ctx)
			}
		}
	}
}

// reconnect tears down the transport and resubscribes. Single-flight: a
// reconnect already in progress is never started twice concurrently.
func (i *Ingestor) reconnect(ctx context.Context) {
	if i.reconnecting.Swap(true) {
		return
	}
	defer i.reconnecting.Store(false)

	i.setState(StateReconnecting)
	observability.RecordReconnect()
	i.logger.Printf("reconnecting")

	logs, err := i.connect(ctx)
	if err != nil {
		// Stay in Reconnecting; the next probe tick retries.
		i.logger.Printf("reconnect failed: %v", err)
		return
	}

	select {
	case i.swapped <- logs:
	default:
		// Consume loop has not drained the previous handover; replace it.
		select {
		case <-i.swapped:
		default:
		}
		i.swapped <- logs
	}

	i.setState(StateSubscribed)
	i.logger.Printf("resubscribed")
}

// Close tears down the subscription and stops all loops. Idempotent and
// safe to call even if no subscription was ever established.
func (i *Ingestor) Close() {
	i.closeOnce.Do(func() {
		close(i.done)

		i.streamMu.Lock()
		stream := i.stream
		i.stream = nil
		i.streamMu.Unlock()
		if stream != nil {
			stream.Close()
		}

		i.wg.Wait()
	})
}

// setState stores the state and mirrors it to the metrics gauge.
func (i *Ingestor) setState(s ConnectionState) {
	i.state.Store(int32(s))
	observability.UpdateConnectionState(int(s))
}
