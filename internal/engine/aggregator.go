package engine

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// TurnFunc receives one combined turn after the quiet period elapses.
// It runs outside the aggregator's lock and may block on network I/O.
// A returned error means the turn was lost; the aggregator logs it and
// does not re-queue the lines (at-most-once delivery per turn).
type TurnFunc func(peer, combined string) error

// Aggregator coalesces bursts of lines from the same peer into a single
// combined turn. The messaging gateway delivers each line a user sends as
// a separate callback; downstream backends treat a turn as one semantic
// unit, so lines arriving within the quiet period of each other are joined
// with newlines and delivered together.
//
// One mutex guards the pending-turn map and every turn's lines+timer; it
// is never held across the turn callback, so a slow backend send cannot
// block new message intake. Each reschedule stamps the turn with a fresh
// value of an aggregator-wide monotonic counter — a timer that fires after
// being superseded sees a stale generation and becomes a no-op, even when
// the peer's turn was flushed and recreated in the meantime, so a flush
// can never double-fire.
type Aggregator struct {
	mu     sync.Mutex
	turns  map[string]*pendingTurn
	gen    uint64 // monotonic generation counter, never reused
	quiet  time.Duration
	onTurn TurnFunc
}

type pendingTurn struct {
	lines []string
	timer *time.Timer
	gen   uint64
}

// NewAggregator creates an aggregator with the given quiet period.
func NewAggregator(quiet time.Duration, onTurn TurnFunc) *Aggregator {
	if quiet <= 0 {
		quiet = 5 * time.Second
	}
	return &Aggregator{
		turns:  make(map[string]*pendingTurn),
		quiet:  quiet,
		onTurn: onTurn,
	}
}

// SetQuietPeriod updates the quiet period for turns created after the call.
func (a *Aggregator) SetQuietPeriod(quiet time.Duration) {
	if quiet <= 0 {
		return
	}
	a.mu.Lock()
	a.quiet = quiet
	a.mu.Unlock()
}

// Enqueue appends line to the peer's pending turn, creating one if absent,
// and reschedules the peer's single-shot timer. The previous timer is
// cancelled under the lock before the new one is armed.
//
// If a flush has already taken ownership of the previous turn, the line
// starts a fresh turn — turns in flight are immutable snapshots.
func (a *Aggregator) Enqueue(peer, line string) {
	a.mu.Lock()
	t, ok := a.turns[peer]
	if !ok {
		t = &pendingTurn{}
		a.turns[peer] = t
	}
	t.lines = append(t.lines, line)
	if t.timer != nil {
		t.timer.Stop()
	}
	a.gen++
	t.gen = a.gen
	gen := t.gen
	t.timer = time.AfterFunc(a.quiet, func() {
		a.flush(peer, gen)
	})
	a.mu.Unlock()
}

// flush takes ownership of the peer's pending turn and delivers it.
// A stale generation means the timer was superseded by a later Enqueue
// (or the turn was already taken) — no-op.
func (a *Aggregator) flush(peer string, gen uint64) {
	a.mu.Lock()
	t, ok := a.turns[peer]
	if !ok || t.gen != gen {
		a.mu.Unlock()
		return
	}
	delete(a.turns, peer)
	lines := t.lines
	a.mu.Unlock()

	if len(lines) == 0 {
		return
	}
	a.deliver(peer, lines)
}

// FlushAll delivers every pending turn immediately. Called on graceful
// shutdown so buffered lines are not lost.
func (a *Aggregator) FlushAll() {
	a.mu.Lock()
	pending := make(map[string][]string, len(a.turns))
	for peer, t := range a.turns {
		if t.timer != nil {
			t.timer.Stop()
		}
		if len(t.lines) > 0 {
			pending[peer] = t.lines
		}
	}
	a.turns = make(map[string]*pendingTurn)
	a.mu.Unlock()

	for peer, lines := range pending {
		a.deliver(peer, lines)
	}
}

// PendingPeers returns the peers with an undelivered turn. Test hook and
// shutdown diagnostics.
func (a *Aggregator) PendingPeers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.turns)
}

func (a *Aggregator) deliver(peer string, lines []string) {
	combined := strings.Join(lines, "\n")
	if err := a.onTurn(peer, combined); err != nil {
		slog.Error("turn delivery failed, lines not re-queued",
			"peer", peer, "lines", len(lines), "error", err)
	}
}
