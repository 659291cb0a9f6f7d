package nfq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/florianl/go-nfqueue"

	"github.com/anassk/zenflowd/internal/zen/common/log"
	"github.com/anassk/zenflowd/internal/zen/domain"
)

const (
	defaultMaxPacketLen = 0xFFFF
	defaultMaxQueueLen  = 0xFF
	defaultWriteTimeout = 15 * time.Millisecond
)

// Packet is one queued packet awaiting a verdict.
type Packet struct {
	ID      uint32
	Payload []byte
}

// Queue is the slice of the kernel packet queue the consumer drives. The
// real implementation sits on netlink; tests substitute a fake.
type Queue interface {
	// Open binds the queue and starts delivering packets. Fatal on
	// insufficient privileges.
	Open(ctx context.Context) error
	// Packets is the delivery channel. It is valid before Open and is
	// never closed; consumers select against their own stop signal.
	Packets() <-chan Packet
	// SetVerdict returns one packet to the kernel with its disposition.
	SetVerdict(id uint32, v domain.Verdict) error
	// Close detaches from the queue. Pending packets without a verdict
	// fall back to the kernel's queue-bypass behavior.
	Close() error
}

// Config tunes the kernel queue binding.
type Config struct {
	QueueNum     uint16
	AcceptMark   uint32        // mark applied by accept-with-mark verdicts
	MaxPacketLen uint32        // bytes of each packet copied to userspace
	MaxQueueLen  uint32        // kernel-side pending packet cap
	WriteTimeout time.Duration // netlink verdict write budget
}

// NetlinkQueue implements Queue over the nfnetlink_queue subsystem.
type NetlinkQueue struct {
	cfg     Config
	packets chan Packet

	mu      sync.Mutex
	nf      *nfqueue.Nfqueue
	done    chan struct{}
	running bool
}

// NewNetlinkQueue creates an unbound queue adapter. Zero config fields take
// defaults; the queue number is taken as-is (0 is a valid queue).
func NewNetlinkQueue(cfg Config) *NetlinkQueue {
	if cfg.MaxPacketLen == 0 {
		cfg.MaxPacketLen = defaultMaxPacketLen
	}
	if cfg.MaxQueueLen == 0 {
		cfg.MaxQueueLen = defaultMaxQueueLen
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &NetlinkQueue{
		cfg:     cfg,
		packets: make(chan Packet, cfg.MaxQueueLen),
		done:    make(chan struct{}),
	}
}

// Open binds the netlink socket and registers the packet hook. Binding
// needs CAP_NET_ADMIN; failure wraps as a PrivilegeError and is fatal to
// the caller.
func (q *NetlinkQueue) Open(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return fmt.Errorf("nfq: queue %d already open", q.cfg.QueueNum)
	}

	nf, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      q.cfg.QueueNum,
		MaxPacketLen: q.cfg.MaxPacketLen,
		MaxQueueLen:  q.cfg.MaxQueueLen,
		Copymode:     nfqueue.NfQnlCopyPacket,
		WriteTimeout: q.cfg.WriteTimeout,
	})
	if err != nil {
		return domain.NewPrivilegeError(fmt.Sprintf("bind nfqueue %d", q.cfg.QueueNum), err)
	}

	hook := func(a nfqueue.Attribute) int {
		pkt := Packet{}
		if a.PacketID != nil {
			pkt.ID = *a.PacketID
		}
		if a.Payload != nil {
			pkt.Payload = append([]byte(nil), (*a.Payload)...)
		}
		select {
		case q.packets <- pkt:
		case <-q.done:
		}
		return 0
	}
	errHook := func(err error) int {
		log.Warn(map[string]any{"queue": q.cfg.QueueNum, "error": err.Error()}, "nfqueue socket error")
		return 0
	}
	if err := nf.RegisterWithErrorFunc(ctx, hook, errHook); err != nil {
		_ = nf.Close()
		return domain.NewPrivilegeError(fmt.Sprintf("register nfqueue %d hook", q.cfg.QueueNum), err)
	}

	q.nf = nf
	q.running = true
	log.Info(map[string]any{
		"queue":       q.cfg.QueueNum,
		"max_pkt_len": q.cfg.MaxPacketLen,
	}, "kernel queue bound")
	return nil
}

// Packets returns the delivery channel.
func (q *NetlinkQueue) Packets() <-chan Packet { return q.packets }

// SetVerdict maps a domain verdict onto the kernel's dispositions.
func (q *NetlinkQueue) SetVerdict(id uint32, v domain.Verdict) error {
	q.mu.Lock()
	nf := q.nf
	q.mu.Unlock()
	if nf == nil {
		return fmt.Errorf("nfq: queue not open")
	}

	switch v {
	case domain.VerdictDrop:
		return nf.SetVerdict(id, nfqueue.NfDrop)
	case domain.VerdictAcceptMark:
		return nf.SetVerdictWithMark(id, nfqueue.NfAccept, int(q.cfg.AcceptMark))
	default:
		return nf.SetVerdict(id, nfqueue.NfAccept)
	}
}

// Close detaches from the kernel queue. Idempotent.
func (q *NetlinkQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return nil
	}
	q.running = false
	close(q.done)
	err := q.nf.Close()
	q.nf = nil
	log.Info(map[string]any{"queue": q.cfg.QueueNum}, "kernel queue released")
	return err
}
