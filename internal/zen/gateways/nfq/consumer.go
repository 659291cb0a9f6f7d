package nfq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anassk/zenflowd/internal/zen/common/log"
	"github.com/anassk/zenflowd/internal/zen/domain"
	"github.com/anassk/zenflowd/internal/zen/services/classifier"
)

const defaultBudget = 25 * time.Millisecond

// PacketClassifier turns one raw packet into a verdict. The consumer calls
// it from a single goroutine in arrival order.
type PacketClassifier interface {
	Classify(raw []byte) classifier.Result
}

// Stats is a point-in-time view of the consumer's counters.
type Stats struct {
	Received    uint64 `json:"received"`
	Accepted    uint64 `json:"accepted"`
	Dropped     uint64 `json:"dropped"`
	Unknown     uint64 `json:"unknown"`
	Timeouts    uint64 `json:"timeouts"`
	ParseErrors uint64 `json:"parse_errors"`
}

// Options carries the consumer's dependencies and tunables.
type Options struct {
	Queue      Queue
	Classifier PacketClassifier
	Budget     time.Duration // hard per-packet classification budget
	Mark       bool          // accept verdicts also set the configured mark
}

// Consumer drains the queue one packet at a time, so per-flow verdict order
// is arrival order. Classification runs on a dedicated goroutine that owns
// the classifier; the consumer hands packets over and waits at most Budget.
// A late result is abandoned and its packet accepted: the filter degrades
// open, never adds latency past the budget.
type Consumer struct {
	queue  Queue
	cls    PacketClassifier
	budget time.Duration
	mark   bool

	reqCh chan classifyReq

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	received    atomic.Uint64
	accepted    atomic.Uint64
	dropped     atomic.Uint64
	unknown     atomic.Uint64
	timeouts    atomic.Uint64
	parseErrors atomic.Uint64
}

type classifyReq struct {
	raw   []byte
	reply chan classifier.Result // buffered, the worker never blocks on it
}

// NewConsumer constructs a Consumer. Queue and Classifier are required.
func NewConsumer(opts Options) (*Consumer, error) {
	if opts.Queue == nil {
		return nil, fmt.Errorf("nfq: queue is required")
	}
	if opts.Classifier == nil {
		return nil, fmt.Errorf("nfq: classifier is required")
	}
	if opts.Budget <= 0 {
		opts.Budget = defaultBudget
	}
	return &Consumer{
		queue:  opts.Queue,
		cls:    opts.Classifier,
		budget: opts.Budget,
		mark:   opts.Mark,
		reqCh:  make(chan classifyReq),
		stopCh: make(chan struct{}),
	}, nil
}

// Start opens the queue and begins verdicting packets.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("nfq: consumer already running")
	}
	if err := c.queue.Open(ctx); err != nil {
		return err
	}
	c.running = true

	c.wg.Add(2)
	go c.classifyLoop()
	go c.consumeLoop(ctx)

	log.Info(map[string]any{"budget": c.budget.String(), "mark": c.mark}, "packet consumer started")
	return nil
}

// Stop halts verdicting, then releases the queue. After Stop returns no
// further verdict is attempted.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	c.running = false
	close(c.stopCh)
	c.wg.Wait()
	err := c.queue.Close()

	log.Info(map[string]any{"stats": c.Stats()}, "packet consumer stopped")
	return err
}

// Stats returns the counters as of now.
func (c *Consumer) Stats() Stats {
	return Stats{
		Received:    c.received.Load(),
		Accepted:    c.accepted.Load(),
		Dropped:     c.dropped.Load(),
		Unknown:     c.unknown.Load(),
		Timeouts:    c.timeouts.Load(),
		ParseErrors: c.parseErrors.Load(),
	}
}

// consumeLoop is the single verdicting goroutine.
func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()
	packets := c.queue.Packets()
	for {
		select {
		case <-ctx.Done():
			log.Debug(nil, "consumer stopping on context cancellation")
			return
		case <-c.stopCh:
			log.Debug(nil, "consumer stopping on stop signal")
			return
		case pkt := <-packets:
			c.handle(pkt)
		}
	}
}

// classifyLoop owns the classifier. Running every Classify call here keeps
// the flow table single-goroutine even when the consumer abandons a late
// result: the stale call finishes before the next one starts.
func (c *Consumer) classifyLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case req := <-c.reqCh:
			req.reply <- c.safeClassify(req.raw)
		}
	}
}

// safeClassify contains classification panics: log, then accept the packet.
func (c *Consumer) safeClassify(raw []byte) (res classifier.Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(map[string]any{"panic": fmt.Sprint(r)}, "classifier panicked on packet")
			res = classifier.Result{Verdict: domain.VerdictAccept}
		}
	}()
	return c.cls.Classify(raw)
}

func (c *Consumer) handle(pkt Packet) {
	c.received.Add(1)

	res, err := c.classify(pkt.Payload)
	if err != nil {
		c.timeouts.Add(1)
		log.Warn(map[string]any{"packet": pkt.ID, "error": err.Error()}, "classification overran, accepting")
		c.apply(pkt.ID, domain.VerdictAccept)
		return
	}

	if !res.Decided {
		c.unknown.Add(1)
		if res.Source == classifier.SourceNone {
			c.parseErrors.Add(1)
		}
	}
	c.apply(pkt.ID, res.Verdict)

	if res.Decided && res.Verdict == domain.VerdictDrop {
		log.Info(map[string]any{
			"host": res.Host,
			"rule": res.Decision.MatchedRule,
			"set":  res.Decision.RuleSet,
		}, "blocked")
	}
}

// classify hands the packet to the worker and waits out the budget.
func (c *Consumer) classify(raw []byte) (classifier.Result, error) {
	deadline := time.NewTimer(c.budget)
	defer deadline.Stop()

	req := classifyReq{raw: raw, reply: make(chan classifier.Result, 1)}
	select {
	case c.reqCh <- req:
	case <-deadline.C:
		return classifier.Result{}, domain.ErrClassificationTimeout
	case <-c.stopCh:
		return classifier.Result{}, domain.ErrClassificationTimeout
	}
	select {
	case res := <-req.reply:
		return res, nil
	case <-deadline.C:
		return classifier.Result{}, domain.ErrClassificationTimeout
	case <-c.stopCh:
		return classifier.Result{}, domain.ErrClassificationTimeout
	}
}

func (c *Consumer) apply(id uint32, v domain.Verdict) {
	switch v {
	case domain.VerdictDrop:
		c.dropped.Add(1)
	default:
		if c.mark {
			v = domain.VerdictAcceptMark
		}
		c.accepted.Add(1)
	}
	if err := c.queue.SetVerdict(id, v); err != nil {
		log.Error(map[string]any{"packet": id, "error": err.Error()}, "setting verdict")
	}
}
