package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/palemoky/xiaomi-speaker/internal/janitor"
	"github.com/palemoky/xiaomi-speaker/internal/speaker"
	"github.com/palemoky/xiaomi-speaker/internal/speech"
	"github.com/palemoky/xiaomi-speaker/internal/static"
	"github.com/palemoky/xiaomi-speaker/internal/webhook"
)

// startupResolveTimeout bounds the initial device lookup in serve.
const startupResolveTimeout = 30 * time.Second

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook and audio servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := root.setup()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info("starting xiaomi speaker notification service %s", version)

			files := static.New(cfg.AudioCacheDir, net.JoinHostPort(cfg.StaticServerHost, strconv.Itoa(cfg.StaticServerPort)), log.With("static"))
			if err := files.Start(); err != nil {
				return err
			}

			sweeper := janitor.New(a.cache, cfg.AudioCacheMaxAge, log.With("janitor"))
			sweeper.Start(ctx)

			// The consumer outlives the signal; Shutdown stops it after draining.
			a.dispatcher.Start(context.Background())

			if a.resolver != nil {
				rctx, cancel := context.WithTimeout(ctx, startupResolveTimeout)
				if s, err := a.resolver.Resolve(rctx); err != nil {
					log.Warn("speaker not resolved at startup, will retry on first notification: %v", err)
				} else {
					log.Info("connected to speaker %s", s.Device)
				}
				cancel()
			}

			hooks := webhook.New(a.dispatcher, log.With("webhook"),
				webhook.WithGitHubSecret(cfg.GitHubWebhookSecret),
				webhook.WithAPISecret(cfg.APISecret),
				webhook.WithRateLimit(cfg.WebhookRateLimit),
				webhook.WithVersion(version),
			)
			srv := &http.Server{
				Addr:              net.JoinHostPort(cfg.ServerHost, strconv.Itoa(cfg.ServerPort)),
				Handler:           hooks,
				ReadHeaderTimeout: 10 * time.Second,
			}

			serveErr := make(chan error, 1)
			go func() {
				log.Info("webhook server listening on %s", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			var runErr error
			select {
			case <-ctx.Done():
				log.Info("shutting down...")
			case runErr = <-serveErr:
				log.Error("webhook server: %v", runErr)
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn("webhook server shutdown: %v", err)
			}
			if err := a.dispatcher.Shutdown(shutdownCtx); err != nil {
				log.Warn("%v", err)
			}
			// The speaker fetches the last clip after the play command returns.
			a.linger(context.Background())
			sweeper.Stop()
			if err := files.Stop(shutdownCtx); err != nil {
				log.Warn("static server shutdown: %v", err)
			}
			log.Info("shutdown complete")
			return runErr
		},
	}
}

func newVoicesCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "voices",
		Short: "Manage Piper voice models",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "download [name...]",
		Short: "Download voices (default: " + strings.Join(speech.DefaultVoices, ", ") + ")",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := root.setup()
			if err != nil {
				return err
			}
			names := args
			if len(names) == 0 {
				names = speech.DefaultVoices
			}

			store := newVoiceStore(cfg, log)
			var errs []error
			for _, name := range names {
				model, err := store.Download(cmd.Context(), name)
				if err != nil {
					log.Error("downloading %s: %v", name, err)
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, model.ModelPath)
			}
			return errors.Join(errs...)
		},
	})
	return cmd
}

func newCacheCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the synthesized audio cache",
	}
	var maxAge time.Duration
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete cached audio files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := root.setup()
			if err != nil {
				return err
			}
			cache, err := newCache(cfg, log)
			if err != nil {
				return err
			}
			n := cache.Clear(maxAge)
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d files from %s\n", n, cache.Dir())
			return nil
		},
	}
	clearCmd.Flags().DurationVar(&maxAge, "max-age", 0, "only delete files older than this (0 deletes everything)")
	cmd.AddCommand(clearCmd)
	return cmd
}

func newDevicesCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "Log in and list the speakers on the account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := root.setup()
			if err != nil {
				return err
			}
			mina, _, err := newVendor(cfg, log)
			if err != nil {
				return err
			}
			if err := mina.Login(cmd.Context()); err != nil {
				return err
			}
			devices, err := mina.DeviceList(cmd.Context())
			if err != nil {
				return err
			}

			selected, found := speaker.Match(devices, cfg.MiDID, cfg.MiDIDKind)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "\tNAME\tMIOT DID\tDEVICE ID\tHARDWARE")
			for _, d := range devices {
				mark := ""
				if found && d.ID == selected.ID {
					mark = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", mark, d.Name, d.NumericID, d.ID, d.Hardware)
			}
			return w.Flush()
		},
	}
}

// withPipeline runs fn against a wired pipeline, then tears it down. With
// audio set the static server is up for the duration and stays up for the
// playback grace period after fn returns.
func withPipeline(cmd *cobra.Command, root *rootOptions, audio bool, fn func(ctx context.Context, a *app) error) error {
	cfg, log, err := root.setup()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}

	var files *static.Server
	if audio {
		files = static.New(cfg.AudioCacheDir, net.JoinHostPort(cfg.StaticServerHost, strconv.Itoa(cfg.StaticServerPort)), log.With("static"))
		if err := files.Start(); err != nil {
			return err
		}
	}

	runErr := fn(cmd.Context(), a)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := a.dispatcher.Shutdown(ctx); err != nil {
		log.Warn("%v", err)
	}
	if files != nil {
		a.linger(cmd.Context())
		if err := files.Stop(ctx); err != nil {
			log.Warn("static server shutdown: %v", err)
		}
	}
	return runErr
}

func newSayCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "say <text>",
		Short: "Speak a message on the speaker and wait for it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			return withPipeline(cmd, root, true, func(ctx context.Context, a *app) error {
				if !a.dispatcher.Deliver(ctx, text) {
					return errors.New("message was not delivered")
				}
				return nil
			})
		},
	}
}

func newVolumeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "volume <0-100>",
		Short: "Set the speaker volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("volume must be a number: %w", err)
			}
			return withPipeline(cmd, root, false, func(ctx context.Context, a *app) error {
				if !a.player.SetVolume(ctx, level) {
					return fmt.Errorf("setting volume to %d failed", level)
				}
				return nil
			})
		},
	}
}
