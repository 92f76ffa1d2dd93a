// Package pipeline consumes live ticks and turns them into trade decisions.
// Ticks shard by symbol onto bounded per-worker queues, so one worker owns
// a symbol and its ticks process serially in arrival order; each worker
// merges the tick into the symbol's bar history, computes indicators, runs
// the strategy aggregation, and emits any non-HOLD decision to a collector
// that batches work for the order sequencer.
package pipeline

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"autotrader/internal/barcache"
	"autotrader/internal/config"
	"autotrader/internal/errors"
	"autotrader/internal/indicators"
	"autotrader/internal/journal"
	"autotrader/internal/models"
	"autotrader/internal/sequencer"
	"autotrader/internal/snapshot"
	"autotrader/internal/strategy"
	"autotrader/pkg/utils"
)

// Pipeline runs the tick-to-decision flow.
type Pipeline struct {
	queues    []chan models.Tick // one per worker, sharded by symbol hash
	decisions chan models.Decision
	workers   int
	batchWait time.Duration

	snap    *snapshot.Snapshot
	store   *barcache.Store
	engine  *indicators.Engine
	agg     *strategy.Aggregator
	seq     *sequencer.Sequencer
	journal *journal.Journal
	logger  zerolog.Logger

	historyMu sync.RWMutex
	history   map[string][]models.Bar

	wg          sync.WaitGroup
	collectorWg sync.WaitGroup
	dropped     int64
	droppedMu   sync.Mutex
}

// batchWindow is how long the collector waits to coalesce decisions so a
// sell and a buy arriving together execute as one sequenced batch.
const batchWindow = time.Second

// New builds a pipeline. The queue and worker sizes come from cfg.
func New(
	snap *snapshot.Snapshot,
	store *barcache.Store,
	agg *strategy.Aggregator,
	seq *sequencer.Sequencer,
	j *journal.Journal,
	cfg config.PipelineConfig,
	logger zerolog.Logger,
) *Pipeline {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	queues := make([]chan models.Tick, workers)
	for i := range queues {
		queues[i] = make(chan models.Tick, cfg.QueueSize)
	}
	return &Pipeline{
		queues:    queues,
		decisions: make(chan models.Decision, cfg.QueueSize),
		workers:   workers,
		batchWait: batchWindow,
		snap:      snap,
		store:     store,
		engine:    indicators.NewEngine(),
		agg:       agg,
		seq:       seq,
		journal:   j,
		logger:    logger.With().Str("component", "pipeline").Logger(),
		history:   make(map[string][]models.Bar),
	}
}

// Start launches the worker pool and the decision collector.
func (p *Pipeline) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.collectorWg.Add(1)
	go p.collector(ctx)
	p.logger.Info().Int("workers", p.workers).Int("queue", cap(p.queues[0])).Msg("Pipeline started")
}

// shard maps a symbol to its owning worker. All ticks for one symbol land
// on the same queue, which keeps their processing in arrival order.
func (p *Pipeline) shard(symbol string) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(len(p.queues)))
}

// Enqueue offers a tick to its symbol's queue. A full queue drops the tick;
// the next tick for the symbol supersedes it anyway.
func (p *Pipeline) Enqueue(tick models.Tick) {
	q := p.queues[p.shard(tick.Symbol)]
	select {
	case q <- tick:
		if depth := len(q); depth > cap(q)*8/10 {
			p.logger.Warn().Int("depth", depth).Int("cap", cap(q)).Msg("Tick queue filling up")
		}
	default:
		p.droppedMu.Lock()
		p.dropped++
		n := p.dropped
		p.droppedMu.Unlock()
		if n%100 == 1 {
			p.logger.Warn().Int64("dropped", n).Msg("Tick queue full, dropping ticks")
		}
	}
}

// Stop drains the pool: one sentinel per worker, then waits for workers and
// the collector to finish their remaining work.
func (p *Pipeline) Stop() {
	for _, q := range p.queues {
		q <- models.Tick{}
	}
	p.wg.Wait()
	close(p.decisions)
	p.collectorWg.Wait()
	p.logger.Info().Msg("Pipeline stopped")
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-p.queues[id]:
			if tick.Symbol == "" {
				// Sentinel: exactly one per worker.
				return
			}
			p.process(ctx, tick)
		}
	}
}

// process runs one tick end to end. Errors are per-symbol and logged; a bad
// tick never takes a worker down.
func (p *Pipeline) process(ctx context.Context, tick models.Tick) {
	if err := validateTick(tick); err != nil {
		p.logger.Debug().Err(err).Str("symbol", tick.Symbol).Msg("Dropping invalid tick")
		return
	}
	if _, ok := p.snap.Instrument(tick.Symbol); !ok {
		return
	}

	bars, err := p.bars(tick.Symbol)
	if err != nil {
		p.logger.Warn().Err(err).Str("symbol", tick.Symbol).Msg("No bar history for tick")
		return
	}
	bars = mergeTickBar(bars, tick)

	features, err := p.engine.Compute(tick.Symbol, bars)
	if err != nil {
		if !errors.Is(err, errors.ErrInsufficientData) {
			p.logger.Warn().Err(err).Str("symbol", tick.Symbol).Msg("Indicator computation failed")
		}
		return
	}

	tc := &strategy.Context{
		Features: features,
		Tick:     tick,
		Holding:  p.snap.Holding(tick.Symbol),
	}
	decision := p.agg.Decide(ctx, tc)
	if decision == nil {
		return
	}

	if p.journal != nil {
		p.journal.RecordDecision(ctx, *decision)
	}
	select {
	case p.decisions <- *decision:
	case <-ctx.Done():
	}
}

// collector batches decisions over a short window and hands each batch to
// the sequencer. Later decisions for a symbol replace earlier ones within
// the window.
func (p *Pipeline) collector(ctx context.Context) {
	defer p.collectorWg.Done()

	for {
		first, ok := <-p.decisions
		if !ok {
			return
		}

		batch := map[string]models.Decision{first.Symbol: first}
		timer := time.NewTimer(p.batchWait)
	gather:
		for {
			select {
			case d, ok := <-p.decisions:
				if !ok {
					break gather
				}
				batch[d.Symbol] = d
			case <-timer.C:
				break gather
			}
		}
		timer.Stop()

		decisions := make([]models.Decision, 0, len(batch))
		for _, d := range batch {
			decisions = append(decisions, d)
		}
		res := p.seq.Execute(ctx, decisions)
		p.logger.Info().
			Int("decisions", len(decisions)).
			Int("sells", res.SellsPlaced).
			Int("buys", res.BuysPlaced).
			Int("skipped", res.Skipped).
			Int("failed", res.Failed).
			Msg("Decision batch executed")
	}
}

// bars returns the symbol's cached daily history, loading it once from disk.
func (p *Pipeline) bars(symbol string) ([]models.Bar, error) {
	p.historyMu.RLock()
	bars, ok := p.history[symbol]
	p.historyMu.RUnlock()
	if ok {
		return bars, nil
	}

	loaded, err := p.store.Load(symbol)
	if err != nil {
		return nil, err
	}
	p.historyMu.Lock()
	p.history[symbol] = loaded
	p.historyMu.Unlock()
	return loaded, nil
}

// mergeTickBar appends a synthetic bar for today built from the tick, so
// indicators see the live session. History on disk is never touched.
func mergeTickBar(bars []models.Bar, tick models.Tick) []models.Bar {
	today := utils.Today()
	synthetic := models.Bar{
		Date:   today,
		Open:   tick.LastPrice,
		High:   tick.DayHigh,
		Low:    tick.DayLow,
		Close:  tick.LastPrice,
		Volume: tick.VolumeTraded,
	}
	if synthetic.High < tick.LastPrice {
		synthetic.High = tick.LastPrice
	}
	if synthetic.Low == 0 || synthetic.Low > tick.LastPrice {
		synthetic.Low = tick.LastPrice
	}

	if n := len(bars); n > 0 && bars[n-1].Day().Equal(today) {
		merged := make([]models.Bar, n)
		copy(merged, bars)
		merged[n-1] = synthetic
		return merged
	}
	return append(append([]models.Bar(nil), bars...), synthetic)
}

// validateTick rejects ticks that cannot produce a sane decision.
func validateTick(tick models.Tick) error {
	if tick.Symbol == "" {
		return errors.NewValidationError("symbol", tick.Symbol, "empty symbol")
	}
	if tick.LastPrice <= 0 {
		return errors.NewValidationError("last_price", tick.LastPrice, "non-positive price")
	}
	// Zero volume is legitimate right after session open, before the first
	// trade prints; only a negative count marks a mangled packet.
	if tick.VolumeTraded < 0 {
		return errors.NewValidationError("volume_traded", tick.VolumeTraded, "negative volume")
	}
	if tick.DayLow < 0 || tick.DayHigh < 0 {
		return errors.NewValidationError("day_range", tick.DayHigh, "negative day range")
	}
	if tick.DayHigh > 0 && tick.DayLow > tick.DayHigh {
		return errors.NewValidationError("day_range", tick.DayLow, "day low above day high")
	}
	return nil
}
