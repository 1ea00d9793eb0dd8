package dispatch

import (
	"context"
	"log/slog"
)

// DiscardSender logs and drops every send. Stands in when no messaging
// gateway is configured so the rest of the pipeline still runs.
type DiscardSender struct{}

func (DiscardSender) PostText(ctx context.Context, peer, content string) error {
	slog.Info("no gateway configured, text reply discarded", "peer", peer, "chars", len(content))
	return nil
}

func (DiscardSender) PostVoice(ctx context.Context, peer, voiceURL string, durationMs int) error {
	slog.Info("no gateway configured, voice reply discarded", "peer", peer)
	return nil
}

func (DiscardSender) PostImage(ctx context.Context, peer, imageURL string) error {
	slog.Info("no gateway configured, image reply discarded", "peer", peer)
	return nil
}
