package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sshbox/sshbox/internal/audit"
	"github.com/sshbox/sshbox/internal/broker"
	"github.com/sshbox/sshbox/internal/config"
	"github.com/sshbox/sshbox/internal/database"
	"github.com/sshbox/sshbox/internal/handlers"
	"github.com/sshbox/sshbox/internal/metrics"
	"github.com/sshbox/sshbox/internal/profile"
	"github.com/sshbox/sshbox/internal/provisioner"
	"github.com/sshbox/sshbox/internal/token"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--create-invite":
			runCreateInvite()
			return
		}
	}

	config.Load()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	profiles, err := loadProfiles()
	if err != nil {
		log.Fatalf("Profiles: %v", err)
	}
	log.Printf("Profiles loaded: %v", profiles.Names())

	ctx := context.Background()
	if err := provisioner.Init(ctx); err != nil {
		log.Fatalf("Provisioner init: %v", err)
	}

	idleTimeout := parseDurationOr(config.Cfg.IdleTimeout, 0)
	terminateGrace := parseDurationOr(config.Cfg.TerminateGrace, 30*time.Second)

	collector := metrics.NewCollector()
	auditor := audit.NewAuditor(database.DB, config.Cfg.AuditRetentionDays)

	brk := broker.New(broker.Options{
		Store:            broker.DBStore{},
		Profiles:         profiles,
		Secret:           config.Cfg.GatewaySecret,
		SingleUseInvites: config.Cfg.SingleUseInvites,
		IdleTimeout:      idleTimeout,
		TerminateGrace:   terminateGrace,
		RecordingEnabled: config.Cfg.RecordingEnabled,
		Auditor:          auditor,
		Metrics:          collector,
	})

	handlers.Broker = brk
	handlers.Metrics = collector
	handlers.Auditor = auditor

	// Replay the store before accepting traffic so sessions that outlived a
	// restart get their expiry triggers back.
	if err := brk.Reconcile(ctx); err != nil {
		log.Fatalf("Startup reconcile: %v", err)
	}

	sched := cron.New()
	if _, err := sched.AddFunc(config.Cfg.ReconcileSchedule, func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := brk.Reconcile(rctx); err != nil {
			log.Printf("Reconcile: %v", err)
		}
	}); err != nil {
		log.Fatalf("Reconcile schedule %q: %v", config.Cfg.ReconcileSchedule, err)
	}
	if _, err := sched.AddFunc("@daily", func() {
		if _, err := auditor.Purge(); err != nil {
			log.Printf("Audit purge: %v", err)
		}
	}); err != nil {
		log.Fatalf("Audit purge schedule: %v", err)
	}
	sched.Start()

	r := newRouter()

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}

	// Sessions keep running; the next start reconciles them from the store.
	sched.Stop()
	brk.Stop()
	log.Println("Server stopped")
}

func loadProfiles() (*profile.Registry, error) {
	if config.Cfg.ProfilesPath != "" {
		return profile.LoadFile(config.Cfg.ProfilesPath, config.Cfg.DefaultImage)
	}
	return profile.Defaults(config.Cfg.DefaultImage), nil
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		log.Printf("Invalid duration %q, using %s", s, fallback)
		return fallback
	}
	return d
}

func runCreateInvite() {
	fs := flag.NewFlagSet("create-invite", flag.ExitOnError)
	prof := fs.String("profile", "", "Box profile the invite grants")
	ttl := fs.Int("ttl", 600, "Invite validity in seconds")
	recipient := fs.String("recipient", "", "Who the invite is for (hashed into the token)")
	notes := fs.String("notes", "", "Free-form note (hashed into the token)")
	fs.Parse(os.Args[2:])

	if *prof == "" {
		fmt.Fprintln(os.Stderr, "Usage: sshbox --create-invite --profile <name> [--ttl <seconds>] [--recipient <who>] [--notes <text>]")
		os.Exit(1)
	}

	config.Load()

	profiles, err := loadProfiles()
	if err != nil {
		log.Fatalf("Profiles: %v", err)
	}
	if _, _, err := profiles.Resolve(*prof, 0); err != nil {
		log.Fatalf("Unknown profile %q (have %v)", *prof, profiles.Names())
	}

	raw, err := token.Issue(config.Cfg.GatewaySecret, *prof, *ttl, *recipient, *notes)
	if err != nil {
		log.Fatalf("Issue invite: %v", err)
	}
	fmt.Println(raw)
}
