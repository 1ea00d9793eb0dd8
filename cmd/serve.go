package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/wxbridge/internal/assets"
	"github.com/nextlevelbuilder/wxbridge/internal/audio"
	"github.com/nextlevelbuilder/wxbridge/internal/backends"
	"github.com/nextlevelbuilder/wxbridge/internal/bus"
	"github.com/nextlevelbuilder/wxbridge/internal/commands"
	"github.com/nextlevelbuilder/wxbridge/internal/config"
	"github.com/nextlevelbuilder/wxbridge/internal/dispatch"
	"github.com/nextlevelbuilder/wxbridge/internal/engine"
	"github.com/nextlevelbuilder/wxbridge/internal/gateway"
	"github.com/nextlevelbuilder/wxbridge/internal/sessions"
	"github.com/nextlevelbuilder/wxbridge/internal/wechat"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge (callback server, aggregation engine, dispatcher)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	// Setup structured logging
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	store, err := sessions.NewStore(config.ExpandHome(cfg.Sessions.Storage))
	if err != nil {
		slog.Error("failed to open conversation store", "error", err)
		os.Exit(1)
	}

	selector, err := backends.NewSelector(cfg, store)
	if err != nil {
		slog.Error("no usable AI backend", "error", err)
		slog.Info("configure one via config file or WXBRIDGE_DIFY_API_KEY / WXBRIDGE_COZE_API_TOKEN")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Messaging gateway client. The bridge can run without one for admin
	// API-only operation, but normally this is the whole point.
	var wx *wechat.Client
	if cfg.Wechat.BaseURL != "" {
		wx = wechat.NewClient(cfg.Wechat.BaseURL, cfg.Wechat.Token, cfg.Wechat.AppID)
		tokenCtx, tokenCancel := context.WithTimeout(ctx, 15*time.Second)
		if err := wx.EnsureToken(tokenCtx); err != nil {
			slog.Warn("gateway token unavailable, outbound sends will fail until it comes up", "error", err)
		}
		if cfg.Gateway.CallbackURL != "" {
			if err := wx.SetCallback(tokenCtx, cfg.Gateway.CallbackURL); err != nil {
				// Registration usually fails because the account session
				// dropped; reconnect and try once more.
				slog.Warn("callback registration failed, reconnecting account", "error", err)
				if rlErr := wx.Relogin(tokenCtx); rlErr != nil {
					slog.Warn("gateway reconnect failed", "error", rlErr)
				} else if err := wx.SetCallback(tokenCtx, cfg.Gateway.CallbackURL); err != nil {
					slog.Warn("callback registration failed after reconnect", "error", err)
				}
			}
		}
		tokenCancel()
	} else {
		slog.Warn("no messaging gateway configured, replies cannot be delivered")
	}

	publicBase := assetPublicBase(cfg)
	publisher, err := assets.NewPublisher(config.ExpandHome(cfg.Assets.Dir), publicBase)
	if err != nil {
		slog.Error("failed to prepare assets dir", "error", err)
		os.Exit(1)
	}

	transcoder := &audio.Transcoder{
		FFmpegPath: cfg.Audio.FFmpegPath,
		Format:     cfg.Audio.Format,
		SampleRate: cfg.Audio.SampleRate,
	}

	msgBus := bus.New()

	var cmdHandler engine.CommandRunner
	if wx != nil {
		cmdHandler = commands.NewHandler(wx, wx, store,
			cfg.Wechat.MasterName, publicBase, cfg.Engine.CommandPrefix)
	}

	eng := engine.New(engineOptions(cfg), selector, msgBus, cmdHandler)

	var sender dispatch.Sender
	if wx != nil {
		sender = wx
	} else {
		sender = dispatch.DiscardSender{}
	}
	dispatcher := dispatch.New(sender, transcoder, publisher, config.ExpandHome(cfg.Assets.StickerDir),
		func() string { return cfg.BackendSnapshot().Dify.BaseURL })

	var online gateway.OnlineChecker
	if wx != nil {
		online = wx
	}
	server := gateway.NewServer(cfg, cfgPath, eng, selector, online, publisher.Handler(),
		func(updated *config.Config) { eng.UpdateOptions(engineOptions(updated)) })

	// Config file watcher: external edits hot-apply engine settings and the
	// backend selection without a restart.
	watcher, err := config.NewWatcher(cfgPath, func(updated *config.Config) {
		cfg.ReplaceFrom(updated)
		eng.UpdateOptions(engineOptions(cfg))
		if err := selector.Reload(cfg); err != nil {
			slog.Warn("backend reload after config change failed, keeping previous", "error", err)
		}
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	} else {
		watcher.Start(ctx)
		defer watcher.Close()
	}

	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)

		// Flush pending turns so buffered messages are not lost, then give
		// the dispatcher a moment to drain before stopping the server.
		eng.Shutdown()
		time.Sleep(2 * time.Second)
		cancel()
	}()

	slog.Info("wxbridge starting",
		"version", Version,
		"backend", selector.Current().ID(),
		"config", cfg.Hash(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		dispatcher.Run(gctx, msgBus)
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("bridge stopped with error", "error", err)
		os.Exit(1)
	}
}

func engineOptions(cfg *config.Config) engine.Options {
	// Snapshot accessors: this runs from the config watcher and admin-save
	// callbacks, concurrent with reloads writing the same sections.
	wechat := cfg.WechatSnapshot()
	eng := cfg.EngineSnapshot()
	return engine.Options{
		SelfID:        wechat.SelfWxid,
		QuietPeriod:   cfg.QuietPeriod(),
		StaleAfter:    cfg.StaleAfter(),
		SendTimeout:   cfg.SendTimeout(),
		CommandPrefix: eng.CommandPrefix,
	}
}

// assetPublicBase picks the URL prefix the messaging gateway fetches
// published assets from: explicit config, else derived from the callback
// URL, else the bind address.
func assetPublicBase(cfg *config.Config) string {
	if cfg.Assets.PublicBase != "" {
		return cfg.Assets.PublicBase
	}
	if cb := cfg.Gateway.CallbackURL; cb != "" {
		return strings.TrimSuffix(strings.TrimRight(cb, "/"), "/callback")
	}
	host := cfg.Gateway.Host
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Gateway.Port)
}
