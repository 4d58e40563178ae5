package pacer

import (
	"time"

	"github.com/gammazero/deque"

	"github.com/thesyncim/gcc/pkg/gcc"
)

// Priority orders packets in the queue; lower values drain first.
type Priority int

const (
	// PriorityAudio drains before everything else.
	PriorityAudio Priority = 0
	// PriorityRetransmission drains before new media.
	PriorityRetransmission Priority = 1
	// PriorityNormal is regular media.
	PriorityNormal Priority = 2
	// PriorityLow is best-effort (e.g. padding streams).
	PriorityLow Priority = 3
)

const numPriorities = 4

// Packet is one queued entry. The pacer only moves metadata; the payload
// stays with the sender and is resolved by (SSRC, SeqNum) at send time.
type Packet struct {
	Priority     Priority
	SSRC         uint32
	SeqNum       uint16
	CaptureTime  time.Time
	EnqueueTime  time.Time
	Size         gcc.DataSize
	IsRetransmit bool
	IsAudio      bool

	insertOrder uint64
}

// ssrcBucket is the per-(priority, ssrc) FIFO lane.
type ssrcBucket struct {
	ssrc    uint32
	packets deque.Deque[*Packet]
}

// priorityLevel tracks the buckets of one priority and the round-robin
// cursor across them.
type priorityLevel struct {
	buckets []*ssrcBucket
	rrPos   int
}

// RoundRobinPacketQueue buckets packets by (priority, SSRC): strict
// priority across levels, round-robin across SSRCs within a level, FIFO
// within a bucket. It also tracks cumulative queue time for the pacer's
// drain-time boost.
//
// Dequeue follows a begin/finalize/cancel discipline: BeginPop peeks the
// next packet and must be matched by exactly one FinalizePop or CancelPop.
// Between the two, the packet still counts toward size and time queries.
type RoundRobinPacketQueue struct {
	levels [numPriorities]priorityLevel

	sizePackets int
	sizeBytes   gcc.DataSize

	nextInsertOrder uint64
	oldestEnqueue   time.Time

	queueTimeSum   time.Duration
	lastUpdateTime time.Time
	paused         bool

	popInProgress bool
	popped        *Packet
}

// NewRoundRobinPacketQueue creates an empty queue; now seeds the queue-time
// accounting.
func NewRoundRobinPacketQueue(now time.Time) *RoundRobinPacketQueue {
	return &RoundRobinPacketQueue{lastUpdateTime: now}
}

// Push enqueues a packet. The queue never rejects.
func (q *RoundRobinPacketQueue) Push(pkt *Packet) {
	pkt.insertOrder = q.nextInsertOrder
	q.nextInsertOrder++

	level := &q.levels[q.priorityIndex(pkt.Priority)]
	bucket := level.bucket(pkt.SSRC)
	bucket.packets.PushBack(pkt)

	if q.sizePackets == 0 || pkt.EnqueueTime.Before(q.oldestEnqueue) {
		q.oldestEnqueue = pkt.EnqueueTime
	}
	q.sizePackets++
	q.sizeBytes += pkt.Size
}

// BeginPop returns the next packet without removing it from the size
// accounting. Panics when a pop is already in progress.
// Returns nil when the queue is empty.
func (q *RoundRobinPacketQueue) BeginPop() *Packet {
	if q.popInProgress {
		panic("pacer: BeginPop while a pop is in progress")
	}
	for pi := range q.levels {
		level := &q.levels[pi]
		if pkt := level.peekRoundRobin(); pkt != nil {
			q.popInProgress = true
			q.popped = pkt
			return pkt
		}
	}
	return nil
}

// CancelPop returns the in-progress packet to the front of its lane.
func (q *RoundRobinPacketQueue) CancelPop(pkt *Packet) {
	if !q.popInProgress || q.popped != pkt {
		panic("pacer: CancelPop without matching BeginPop")
	}
	q.popInProgress = false
	q.popped = nil
}

// FinalizePop removes the in-progress packet from the queue.
func (q *RoundRobinPacketQueue) FinalizePop(pkt *Packet) {
	if !q.popInProgress || q.popped != pkt {
		panic("pacer: FinalizePop without matching BeginPop")
	}
	q.popInProgress = false
	q.popped = nil

	level := &q.levels[q.priorityIndex(pkt.Priority)]
	level.removeFront(pkt.SSRC)

	q.sizePackets--
	q.sizeBytes -= pkt.Size

	// Retire this packet's share of accumulated queue time.
	inQueue := q.lastUpdateTime.Sub(pkt.EnqueueTime)
	if inQueue > 0 {
		q.queueTimeSum -= inQueue
		if q.queueTimeSum < 0 {
			q.queueTimeSum = 0
		}
	}
	if q.sizePackets == 0 {
		q.oldestEnqueue = time.Time{}
	} else if !pkt.EnqueueTime.After(q.oldestEnqueue) {
		// The oldest packet left: the new oldest is the earliest lane front.
		q.oldestEnqueue = time.Time{}
		for pi := range q.levels {
			for _, b := range q.levels[pi].buckets {
				if b.packets.Len() == 0 {
					continue
				}
				if t := b.packets.Front().EnqueueTime; q.oldestEnqueue.IsZero() || t.Before(q.oldestEnqueue) {
					q.oldestEnqueue = t
				}
			}
		}
	}
}

// SizePackets returns the number of queued packets (including one under an
// in-progress pop).
func (q *RoundRobinPacketQueue) SizePackets() int {
	return q.sizePackets
}

// SizeBytes returns the queued byte total.
func (q *RoundRobinPacketQueue) SizeBytes() gcc.DataSize {
	return q.sizeBytes
}

// Empty reports whether no packets are queued.
func (q *RoundRobinPacketQueue) Empty() bool {
	return q.sizePackets == 0
}

// OldestEnqueueTime returns the enqueue time of the oldest queued packet,
// or the zero time when empty.
func (q *RoundRobinPacketQueue) OldestEnqueueTime() time.Time {
	return q.oldestEnqueue
}

// UpdateQueueTime advances the queue-time accounting to now. Paused
// intervals do not accumulate.
func (q *RoundRobinPacketQueue) UpdateQueueTime(now time.Time) {
	delta := now.Sub(q.lastUpdateTime)
	q.lastUpdateTime = now
	if q.paused || delta <= 0 {
		return
	}
	q.queueTimeSum += delta * time.Duration(q.sizePackets)
}

// AverageQueueTime returns the mean time queued packets have waited.
func (q *RoundRobinPacketQueue) AverageQueueTime() time.Duration {
	if q.sizePackets == 0 {
		return 0
	}
	return q.queueTimeSum / time.Duration(q.sizePackets)
}

// SetPauseState switches pause on or off, folding the elapsed interval into
// the accounting first so the paused span is excluded.
func (q *RoundRobinPacketQueue) SetPauseState(paused bool, now time.Time) {
	if q.paused == paused {
		return
	}
	q.UpdateQueueTime(now)
	q.paused = paused
}

func (q *RoundRobinPacketQueue) priorityIndex(p Priority) int {
	if p < 0 || int(p) >= numPriorities {
		return numPriorities - 1
	}
	return int(p)
}

// bucket finds or creates the lane for ssrc.
func (l *priorityLevel) bucket(ssrc uint32) *ssrcBucket {
	for _, b := range l.buckets {
		if b.ssrc == ssrc {
			return b
		}
	}
	b := &ssrcBucket{ssrc: ssrc}
	l.buckets = append(l.buckets, b)
	return b
}

// peekRoundRobin returns the front packet of the next non-empty lane at
// this level, starting from the round-robin cursor.
func (l *priorityLevel) peekRoundRobin() *Packet {
	n := len(l.buckets)
	for i := 0; i < n; i++ {
		b := l.buckets[(l.rrPos+i)%n]
		if b.packets.Len() > 0 {
			return b.packets.Front()
		}
	}
	return nil
}

// removeFront removes the front packet of the ssrc's lane and advances the
// round-robin cursor past it.
func (l *priorityLevel) removeFront(ssrc uint32) {
	for i, b := range l.buckets {
		if b.ssrc != ssrc {
			continue
		}
		b.packets.PopFront()
		l.rrPos = (i + 1) % len(l.buckets)
		return
	}
}
