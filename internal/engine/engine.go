package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/wxbridge/internal/backends"
	"github.com/nextlevelbuilder/wxbridge/internal/bus"
	"github.com/nextlevelbuilder/wxbridge/internal/reply"
)

// callbackAck is the acknowledgement the messaging gateway expects on
// every callback, regardless of internal processing outcome. Anything else
// makes the gateway retry and duplicate events.
const callbackAck = "success"

// ErrUnknownCommand signals that an operator command was not recognized;
// the engine forwards the text to the AI backend instead.
var ErrUnknownCommand = errors.New("unknown command")

// AdapterSource yields the active backend adapter. *backends.Selector
// satisfies it.
type AdapterSource interface {
	Current() backends.Adapter
}

// CommandRunner executes operator commands that bypass the AI backend.
type CommandRunner interface {
	Execute(ctx context.Context, peer, text string) error
}

// Options are the engine's tunables, all derived from configuration and
// passed in explicitly — the engine holds no global state.
type Options struct {
	SelfID        string        // own account id for self-echo detection
	QuietPeriod   time.Duration // debounce quiet period
	StaleAfter    time.Duration // inbound events older than this are dropped
	SendTimeout   time.Duration // per-turn backend call budget
	CommandPrefix string        // operator command prefix, default "#"
}

// Engine is the orchestration root: callback → filter → aggregator →
// backend send → reply decode → outbound bus.
type Engine struct {
	agg      *Aggregator
	adapters AdapterSource
	commands CommandRunner
	outbound *bus.MessageBus
	opts     atomic.Pointer[Options]
}

// New wires the engine. commands may be nil when no operator command
// surface is configured.
func New(opts Options, adapters AdapterSource, outbound *bus.MessageBus, commands CommandRunner) *Engine {
	if opts.QuietPeriod <= 0 {
		opts.QuietPeriod = 5 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 120 * time.Second
	}
	if opts.CommandPrefix == "" {
		opts.CommandPrefix = "#"
	}

	e := &Engine{
		adapters: adapters,
		commands: commands,
		outbound: outbound,
	}
	e.opts.Store(&opts)
	e.agg = NewAggregator(opts.QuietPeriod, e.onTurnReady)
	return e
}

// UpdateOptions applies reloaded settings. Turns already pending keep the
// quiet period they were scheduled with.
func (e *Engine) UpdateOptions(opts Options) {
	current := *e.opts.Load()
	if opts.SelfID != "" {
		current.SelfID = opts.SelfID
	}
	if opts.QuietPeriod > 0 {
		current.QuietPeriod = opts.QuietPeriod
		e.agg.SetQuietPeriod(opts.QuietPeriod)
	}
	if opts.StaleAfter > 0 {
		current.StaleAfter = opts.StaleAfter
	}
	if opts.SendTimeout > 0 {
		current.SendTimeout = opts.SendTimeout
	}
	if opts.CommandPrefix != "" {
		current.CommandPrefix = opts.CommandPrefix
	}
	e.opts.Store(&current)
}

// HandleInboundCallback processes one raw gateway callback and returns the
// acknowledgement. Always acknowledges — classification and enqueueing
// never surface errors to the gateway.
func (e *Engine) HandleInboundCallback(raw []byte) string {
	opts := e.opts.Load()
	ev := Classify(raw, opts.SelfID, opts.StaleAfter, time.Now())

	switch ev.Category {
	case UserText:
		if strings.HasPrefix(ev.Text, opts.CommandPrefix) {
			e.runCommand(ev.Peer, ev.Text)
			return callbackAck
		}
		e.agg.Enqueue(ev.Peer, ev.Text)
	default:
		slog.Debug("inbound event dropped", "category", ev.Category.String(), "peer", ev.Peer)
	}
	return callbackAck
}

// HandleCommand executes an operator command for a peer, bypassing the AI
// backend entirely. Unknown commands fall through to the backend as a
// normal turn.
func (e *Engine) HandleCommand(peer, commandText string) {
	e.runCommand(peer, commandText)
}

func (e *Engine) runCommand(peer, text string) {
	if e.commands == nil {
		e.agg.Enqueue(peer, text)
		return
	}
	// Commands send through the gateway; keep the callback handler fast.
	go func() {
		opts := e.opts.Load()
		ctx, cancel := context.WithTimeout(context.Background(), opts.SendTimeout)
		defer cancel()

		err := e.commands.Execute(ctx, peer, text)
		if errors.Is(err, ErrUnknownCommand) {
			e.agg.Enqueue(peer, text)
			return
		}
		if err != nil {
			slog.Error("command failed", "peer", peer, "error", err)
		}
	}()
}

// Shutdown flushes all pending turns and closes the outbound bus.
func (e *Engine) Shutdown() {
	e.agg.FlushAll()
	e.outbound.Close()
}

// onTurnReady delivers one combined turn: backend send, reply decode,
// publish for dispatch. A backend failure aborts the whole turn — nothing
// partial is sent — and is reported to the aggregator for its single log.
func (e *Engine) onTurnReady(peer, combined string) error {
	opts := e.opts.Load()
	adapter := e.adapters.Current()

	ctx, cancel := context.WithTimeout(context.Background(), opts.SendTimeout)
	defer cancel()

	start := time.Now()
	answer, err := adapter.Send(ctx, peer, combined)
	if err != nil {
		var be *backends.BackendError
		if errors.As(err, &be) {
			slog.Error("backend send failed", "backend", be.Backend, "peer", peer, "error", be.Err)
		}
		return err
	}

	segments := reply.Decode(answer)
	slog.Debug("turn completed",
		"backend", adapter.ID(),
		"peer", peer,
		"segments", len(segments),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	if len(segments) == 0 {
		return nil
	}

	if !e.outbound.PublishOutbound(bus.OutboundMessage{Peer: peer, Segments: segments}) {
		slog.Warn("outbound bus full or closed, reply dropped", "peer", peer)
	}
	return nil
}
