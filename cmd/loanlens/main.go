package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/loanlens/loanlens/internal/advisor"
	"github.com/loanlens/loanlens/internal/avatar"
	"github.com/loanlens/loanlens/internal/config"
	"github.com/loanlens/loanlens/internal/docs"
	"github.com/loanlens/loanlens/internal/httpapi"
	"github.com/loanlens/loanlens/internal/observability"
	"github.com/loanlens/loanlens/internal/relay"
	"github.com/loanlens/loanlens/internal/slot"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("dotenv load: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	avatarClient := avatar.NewClient(avatar.ClientConfig{
		APIKey:  cfg.AvatarAPIKey,
		BaseURL: cfg.AvatarBaseURL,
	})

	var slots slot.Coordinator
	if cfg.DatabaseURL != "" {
		pg, err := slot.NewPostgresCoordinator(context.Background(), cfg.DatabaseURL, avatarClient, cfg.VoiceAgentID, cfg.SlotTTL)
		if err != nil {
			log.Fatalf("slot store init failed: %v", err)
		}
		defer pg.Close()
		slots = pg
		log.Printf("slot coordinator: postgres")
	} else {
		slots = slot.NewMemoryCoordinator(avatarClient, cfg.VoiceAgentID, cfg.SlotTTL)
		log.Printf("slot coordinator: in-memory")
	}

	var dialer relay.Dialer
	if cfg.MockVoiceAgent {
		dialer = mockAgentDialer()
		log.Printf("voice agent: mock")
	} else {
		log.Printf("voice agent: elevenlabs realtime")
	}

	preloader := docs.NewPreloader(cfg.DocsBackendURL)
	avatarController := avatar.NewController(avatarClient)

	newRunner := func(sessionID string, outbound chan<- any) httpapi.SessionRunner {
		transport := relay.NewTransport(relay.Config{
			APIKey:    cfg.VoiceAgentAPIKey,
			WSBaseURL: cfg.VoiceAgentWSBaseURL,
			Dialer:    dialer,
		})
		var preload advisor.ContextPreloader
		if preloader != nil {
			preload = preloader
		}
		return advisor.NewController(advisor.Config{
			SessionID:         sessionID,
			DurationBudget:    cfg.SessionDuration,
			AutoStart:         cfg.AutoStart,
			AutoStartDelay:    cfg.AutoStartDelay,
			NoticeAutoDismiss: cfg.NoticeAutoDismiss,
		}, slots, avatarController, transport, preload, metrics, outbound)
	}

	api := httpapi.New(cfg, slots, newRunner, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}

// mockAgentDialer runs sessions against an in-process scripted agent so the
// full flow works without provider credentials.
func mockAgentDialer() relay.Dialer {
	return func(ctx context.Context, rawURL string, header http.Header) (relay.Conn, error) {
		conn := relay.NewMockAgentConn()
		go func() {
			conn.SendInitiationMetadata("mock-conversation")
			time.Sleep(500 * time.Millisecond)
			conn.SendAgentResponse("Hi, I'm your loan advisor. What would you like to review today?")
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			var eventID int64
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					eventID++
					conn.SendPing(eventID)
				}
			}
		}()
		return conn, nil
	}
}
