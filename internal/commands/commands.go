// Package commands implements the operator command surface: short
// prefix-tagged messages that control the bridge instead of reaching the
// AI backend.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/wxbridge/internal/engine"
	"github.com/nextlevelbuilder/wxbridge/internal/sessions"
)

// TextSender posts a plain text reply to a peer.
type TextSender interface {
	PostText(ctx context.Context, peer, content string) error
}

// NameResolver maps a contact display name to a wxid.
type NameResolver interface {
	ResolveName(ctx context.Context, name string) (string, error)
}

// Handler executes operator commands. The command prefix is stripped by
// the caller before Execute sees the text.
type Handler struct {
	sender     TextSender
	resolver   NameResolver
	sessions   *sessions.Store
	masterName string
	adminURL   string
	prefix     string
}

// NewHandler wires the command surface. masterName may be empty; settings
// links then go to whoever asked.
func NewHandler(sender TextSender, resolver NameResolver, store *sessions.Store, masterName, adminURL, prefix string) *Handler {
	if prefix == "" {
		prefix = "#"
	}
	return &Handler{
		sender:     sender,
		resolver:   resolver,
		sessions:   store,
		masterName: masterName,
		adminURL:   adminURL,
		prefix:     prefix,
	}
}

// Execute runs one command. Unrecognized commands return
// engine.ErrUnknownCommand so the text falls through to the backend as a
// normal message.
func (h *Handler) Execute(ctx context.Context, peer, text string) error {
	cmd := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), h.prefix))
	switch strings.ToLower(cmd) {
	case "设置", "setting", "settings", "config":
		return h.sendSettingsLink(ctx, peer)
	case "reset", "重置":
		return h.resetConversation(ctx, peer)
	default:
		return engine.ErrUnknownCommand
	}
}

// sendSettingsLink delivers the admin console URL to the operator account,
// falling back to the requesting peer when no operator is configured or
// resolvable.
func (h *Handler) sendSettingsLink(ctx context.Context, peer string) error {
	if h.adminURL == "" {
		return h.sender.PostText(ctx, peer, "管理地址未配置 (admin console not configured)")
	}

	target := peer
	if h.masterName != "" {
		wxid, err := h.resolver.ResolveName(ctx, h.masterName)
		if err != nil {
			slog.Warn("operator contact not resolved, replying to requester",
				"name", h.masterName, "error", err)
		} else {
			target = wxid
		}
	}
	return h.sender.PostText(ctx, target, "设置入口 / settings: "+h.adminURL)
}

// resetConversation drops the peer's conversation records across all
// backends so the next turn starts a fresh thread.
func (h *Handler) resetConversation(ctx context.Context, peer string) error {
	if err := h.sessions.ClearPeer(peer); err != nil {
		return fmt.Errorf("clear conversations for %s: %w", peer, err)
	}
	return h.sender.PostText(ctx, peer, "会话已重置 (conversation reset)")
}
