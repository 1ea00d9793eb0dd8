// Package dispatch delivers decoded reply segments to the messaging
// gateway in order: plain text directly, voice through the
// download→transcode→publish pipeline, stickers from the local sticker
// library.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/wxbridge/internal/audio"
	"github.com/nextlevelbuilder/wxbridge/internal/bus"
	"github.com/nextlevelbuilder/wxbridge/internal/reply"
)

// Sender posts messages to the gateway. *wechat.Client satisfies it.
type Sender interface {
	PostText(ctx context.Context, peer, content string) error
	PostVoice(ctx context.Context, peer, voiceURL string, durationMs int) error
	PostImage(ctx context.Context, peer, imageURL string) error
}

// Transcoder converts a downloaded clip to the gateway's voice format.
type Transcoder interface {
	ToChannelCodec(ctx context.Context, src string) (audio.Result, error)
}

// AssetPublisher exposes local files at gateway-fetchable URLs.
type AssetPublisher interface {
	Publish(localPath string) (url, name string, err error)
	Remove(name string) error
}

// maxDownloadBytes caps voice clip downloads; backends should never
// produce clips anywhere near this.
const maxDownloadBytes = 32 << 20

const downloadAttempts = 3

// Dispatcher consumes outbound messages from the bus and sends each
// segment. A failed segment is logged and skipped; the rest of the batch
// still goes out.
type Dispatcher struct {
	sender     Sender
	transcoder Transcoder
	assets     AssetPublisher
	http       *http.Client
	stickerDir string

	// refBase absolutizes relative voice references some backends emit,
	// e.g. Dify's "/files/..." paths. Re-evaluated per segment so a
	// backend hot-swap takes effect immediately.
	refBase func() string
}

// New builds a dispatcher. refBase may be nil when every backend emits
// absolute URLs.
func New(sender Sender, transcoder Transcoder, assets AssetPublisher, stickerDir string, refBase func() string) *Dispatcher {
	return &Dispatcher{
		sender:     sender,
		transcoder: transcoder,
		assets:     assets,
		http:       &http.Client{Timeout: 60 * time.Second},
		stickerDir: stickerDir,
		refBase:    refBase,
	}
}

// Run consumes the outbound bus until ctx is cancelled or the bus closes.
func (d *Dispatcher) Run(ctx context.Context, b *bus.MessageBus) {
	for {
		msg, ok := b.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		d.Dispatch(ctx, msg.Peer, msg.Segments)
	}
}

// Dispatch sends segments to peer in order. Per-segment failures are
// logged and do not stop later segments.
func (d *Dispatcher) Dispatch(ctx context.Context, peer string, segments []reply.Segment) {
	for i, seg := range segments {
		var err error
		switch seg.Kind {
		case reply.Text:
			err = d.sender.PostText(ctx, peer, seg.Payload)
		case reply.Voice:
			err = d.sendVoice(ctx, peer, seg.Payload)
		case reply.Sticker:
			err = d.sendSticker(ctx, peer, seg.Payload)
		default:
			err = fmt.Errorf("unknown segment kind %d", seg.Kind)
		}
		if err != nil {
			slog.Warn("segment delivery failed",
				"peer", peer, "kind", seg.Kind.String(), "index", i, "error", err)
		}
	}
}

// sendVoice runs one voice segment through download→transcode→publish→post.
// Every intermediate file belongs to this invocation alone and is removed
// on every exit path; nothing here touches files other invocations made.
func (d *Dispatcher) sendVoice(ctx context.Context, peer, ref string) error {
	src, err := d.download(ctx, d.absolutize(ref))
	if err != nil {
		return err
	}
	defer os.Remove(src)

	clip, err := d.transcoder.ToChannelCodec(ctx, src)
	if err != nil {
		return err
	}
	defer os.Remove(clip.Path)

	url, name, err := d.assets.Publish(clip.Path)
	if err != nil {
		return err
	}
	// The gateway fetches the asset during the post call, so removal right
	// after is safe.
	defer func() {
		if err := d.assets.Remove(name); err != nil {
			slog.Warn("published voice asset not removed", "name", name, "error", err)
		}
	}()

	return d.sender.PostVoice(ctx, peer, url, clip.DurationMs)
}

func (d *Dispatcher) sendSticker(ctx context.Context, peer, id string) error {
	local, err := d.resolveSticker(id)
	if err != nil {
		return err
	}
	url, name, err := d.assets.Publish(local)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.assets.Remove(name); err != nil {
			slog.Warn("published sticker asset not removed", "name", name, "error", err)
		}
	}()

	return d.sender.PostImage(ctx, peer, url)
}

var stickerExts = []string{".png", ".gif", ".jpg", ".jpeg", ".webp"}

func (d *Dispatcher) resolveSticker(id string) (string, error) {
	if d.stickerDir == "" {
		return "", fmt.Errorf("no sticker directory configured")
	}
	if strings.ContainsAny(id, "/\\") {
		return "", fmt.Errorf("invalid sticker id %q", id)
	}
	for _, ext := range stickerExts {
		path := filepath.Join(d.stickerDir, id+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("sticker %q not found", id)
}

func (d *Dispatcher) absolutize(ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	if d.refBase == nil {
		return ref
	}
	base := strings.TrimRight(d.refBase(), "/")
	if base == "" {
		return ref
	}
	if !strings.HasPrefix(ref, "/") {
		ref = "/" + ref
	}
	return base + ref
}

// download fetches url into a uniquely named temp file, retrying transient
// failures. The caller owns the returned path.
func (d *Dispatcher) download(ctx context.Context, url string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= downloadAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(time.Duration(attempt-1) * time.Second):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		path, err := d.downloadOnce(ctx, url)
		if err == nil {
			return path, nil
		}
		lastErr = err
		slog.Debug("voice download attempt failed", "url", url, "attempt", attempt, "error", err)
	}
	return "", fmt.Errorf("download voice after %d attempts: %w", downloadAttempts, lastErr)
}

func (d *Dispatcher) downloadOnce(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	out := filepath.Join(os.TempDir(), "wxbridge_dl_"+uuid.NewString()+downloadExt(url, resp.Header.Get("Content-Type")))
	f, err := os.Create(out)
	if err != nil {
		return "", err
	}
	_, err = io.Copy(f, io.LimitReader(resp.Body, maxDownloadBytes))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(out)
		return "", err
	}
	return out, nil
}

func downloadExt(url, contentType string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	if ext := filepath.Ext(filepath.Base(url)); ext != "" && len(ext) <= 5 {
		return ext
	}
	switch contentType {
	case "audio/mpeg":
		return ".mp3"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/ogg":
		return ".ogg"
	}
	return ".bin"
}
