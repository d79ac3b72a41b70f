// Command infrasafe runs the property-management platform. One binary
// hosts every service; -services picks the subset a process is
// responsible for, so a deployment can run everything in one process or
// split services across replicas.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"goa.design/pulse/rmap"
	"golang.org/x/sync/errgroup"

	"github.com/a-afanasyev/Infrasafe-bot-sub006/features/mail/smtp"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/features/messenger/telegram"
	notifyqueue "github.com/a-afanasyev/Infrasafe-bot-sub006/features/queue/pulse"
	clientspulse "github.com/a-afanasyev/Infrasafe-bot-sub006/features/queue/pulse/clients/pulse"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/features/sms/httpgw"
	mongostore "github.com/a-afanasyev/Infrasafe-bot-sub006/features/store/mongo"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/httpapi"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/background"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/breaker"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/config"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/events"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/health"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/kv"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/metrics"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/ratelimit"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/reqnum"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/telemetry"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/runtime/trust"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/auth"
	authinmem "github.com/a-afanasyev/Infrasafe-bot-sub006/services/auth/inmem"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/gateway"
	gatewayinmem "github.com/a-afanasyev/Infrasafe-bot-sub006/services/gateway/inmem"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/integration"
	integrationinmem "github.com/a-afanasyev/Infrasafe-bot-sub006/services/integration/inmem"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/media"
	mediainmem "github.com/a-afanasyev/Infrasafe-bot-sub006/services/media/inmem"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/notify"
	notifyinmem "github.com/a-afanasyev/Infrasafe-bot-sub006/services/notify/inmem"
	"github.com/a-afanasyev/Infrasafe-bot-sub006/services/request"
	requestinmem "github.com/a-afanasyev/Infrasafe-bot-sub006/services/request/inmem"
)

// componentNames is the closed set accepted by -services.
var componentNames = []string{"auth", "request", "integration", "media", "notify", "bot"}

func main() {
	var (
		configF   = flag.String("config", "", "path to a YAML config overlay (environment still wins)")
		servicesF = flag.String("services", "all", "comma-separated subset to run: "+strings.Join(componentNames, ","))
		httpF     = flag.String("http", "", "HTTP listen address (overrides HTTP_ADDR)")
		mediaF    = flag.String("media-dir", "data/media", "directory keeping accepted uploads")
		dbgF      = flag.Bool("debug", false, "enable debug logs and endpoints")
	)
	flag.Parse()

	cfg, err := config.LoadWith(os.LookupEnv, *configF)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *dbgF {
		cfg.Debug = true
	}
	if *httpF != "" {
		cfg.HTTPAddr = *httpF
	}

	enabled, err := parseServices(*servicesF)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx := telemetry.NewLogContext(cfg.ServiceName, cfg.Version, cfg.Debug)
	if err := run(ctx, cfg, enabled, *mediaF); err != nil {
		log.Fatal(ctx, err)
	}
}

func parseServices(csv string) (map[string]bool, error) {
	enabled := make(map[string]bool)
	for _, name := range strings.Split(csv, ",") {
		name = strings.TrimSpace(name)
		switch {
		case name == "":
		case name == "all":
			for _, n := range componentNames {
				enabled[n] = true
			}
		case slices.Contains(componentNames, name):
			enabled[name] = true
		default:
			return nil, fmt.Errorf("unknown service %q", name)
		}
	}
	if len(enabled) == 0 {
		return nil, errors.New("no services selected")
	}
	return enabled, nil
}

func run(ctx context.Context, cfg *config.Config, enabled map[string]bool, mediaDir string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ropts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(ropts)

	kvc, err := kv.New(kv.Options{Redis: rdb})
	if err != nil {
		return err
	}
	defer func() { _ = kvc.Close() }()

	mtr := metrics.New(cfg.ServiceName, cfg.Version, string(cfg.Environment))
	checks := health.New(cfg.ServiceName, cfg.Version)
	checks.RegisterCritical(kvc)

	// Domain stores: Mongo when DATABASE_URL is set, in-memory otherwise.
	// The in-memory set serves dev runs; it survives nothing.
	var store *mongostore.Client
	switch {
	case cfg.MongoURL != "":
		store, err = mongostore.Connect(ctx, mongostore.Options{URI: cfg.MongoURL, Database: cfg.MongoDatabase})
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		defer func() { _ = store.Close(context.Background()) }()
		checks.RegisterCritical(store)
	case cfg.IsProduction():
		return errors.New("DATABASE_URL is required in production")
	default:
		log.Printf(ctx, "no database configured, using in-memory stores")
	}

	var (
		credentials auth.CredentialStore
		sessions    auth.SessionStore
		orders      request.OrderStore
		assignments request.AssignmentStore
		intakes     integration.IntakeStore
		deliveries  notify.LogStore
		botSessions gateway.SessionStore
		mediaMeta   media.MetaStore
	)
	if store != nil {
		credentials = store.Credentials()
		sessions = store.Sessions()
		orders = store.Orders()
		assignments = store.Assignments()
		intakes = store.Intakes()
		deliveries = store.NotifyLogs()
		botSessions = store.BotSessions()
		mediaMeta = store.MediaMeta()
	} else {
		credentials = authinmem.NewCredentialStore()
		sessions = authinmem.NewSessionStore()
		orders = requestinmem.NewOrderStore()
		assignments = requestinmem.NewAssignmentStore()
		intakes = integrationinmem.NewIntakeStore()
		deliveries = notifyinmem.NewLogStore()
		botSessions = gatewayinmem.NewSessionStore()
		mediaMeta = mediainmem.NewMetaStore()
	}

	limits, err := rmap.Join(ctx, "infrasafe:limits", rdb)
	if err != nil {
		return fmt.Errorf("join limit override map: %w", err)
	}
	limiter, err := ratelimit.New(ctx, ratelimit.Options{
		KV:        kvc,
		Rules:     ratelimit.StandardRules(cfg.RateLimit),
		Overrides: ratelimit.Overrides(limits),
		OnFailOpen: func(scope string, err error) {
			log.Error(ctx, err, log.KV{K: "op", V: "ratelimit.failopen"}, log.KV{K: "scope", V: scope})
		},
	})
	if err != nil {
		return err
	}

	publisher, err := events.NewPublisher(events.PublisherOptions{
		KV:       kvc,
		Registry: events.StandardRegistry(),
		Source:   cfg.ServiceName,
	})
	if err != nil {
		return err
	}

	breakers := breaker.NewRegistry(breaker.Options{
		OnStateChange: func(name string, from, to breaker.State) {
			mtr.ObserveBreakerChange(name, from, to)
			log.Printf(ctx, "breaker %s: %s -> %s", name, from, to)
		},
	})
	checks.WatchBreakers(breakers)

	peers, err := trust.NewAuthenticator(trust.Options{
		Trust: cfg.Trust,
		OnAudit: func(ev trust.AuditEvent) {
			if ev.Allowed {
				return
			}
			if _, err := publisher.Publish(ctx, events.KindAuthServiceDenied, map[string]any{
				"service": ev.Service,
				"method":  ev.Method,
				"reason":  ev.Reason,
			}, ""); err != nil {
				log.Error(ctx, err, log.KV{K: "op", V: "trust.audit"})
			}
		},
	})
	if err != nil {
		return err
	}

	var fallback reqnum.Fallback
	if store != nil {
		fallback = store.Sequences()
	}
	allocator, err := reqnum.New(reqnum.Options{Counter: kvc, Fallback: fallback, Location: cfg.Location()})
	if err != nil {
		return err
	}

	// The user directory is owned by the User service. The binary seeds a
	// static admin entry; deployments point DIRECTORY-backed services at
	// the real one.
	directory := authinmem.NewDirectory(auth.User{ID: "admin", Role: "admin", Active: true})
	executors := requestinmem.NewDirectory()

	passphrase := cfg.InviteSecret
	if passphrase == "" {
		passphrase = "dev-invite-secret"
	}
	authSvc, err := auth.New(auth.Options{
		Credentials:          credentials,
		Sessions:             sessions,
		Directory:            directory,
		Events:               publisher,
		EncryptionPassphrase: passphrase,
		Policy:               cfg.Auth,
	})
	if err != nil {
		return err
	}
	if cfg.AdminPassword != "" {
		if err := authSvc.SetPassword(ctx, "admin", cfg.AdminPassword); err != nil {
			return fmt.Errorf("bootstrap admin credential: %w", err)
		}
	}

	requestSvc, err := request.New(request.Options{
		Orders:      orders,
		Assignments: assignments,
		Directory:   executors,
		Allocator:   allocator,
		Engine:      request.NewEngine(request.DefaultWeights, request.DefaultFloor),
		Events:      publisher,
	})
	if err != nil {
		return err
	}

	intSvc, err := integration.New(integration.Options{
		Store:    intakes,
		Sources:  webhookSources(cfg.Webhook),
		Events:   publisher,
		Breakers: breakers,
	})
	if err != nil {
		return err
	}

	templates := notify.NewTemplateRegistry("en")
	templates.MustAdd(defaultTemplates()...)

	var adapters []notify.Adapter
	var bot *tgbotapi.BotAPI
	if cfg.BotToken != "" {
		bot, err = tgbotapi.NewBotAPI(cfg.BotToken)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		adapters = append(adapters, telegram.NewAdapter(bot, cfg.Notify.MirrorChannelID))
	}
	if cfg.Notify.EmailEnabled {
		mailer, err := smtp.NewAdapter(smtp.Options{
			Host:     cfg.Notify.SMTPHost,
			Port:     cfg.Notify.SMTPPort,
			Username: cfg.Notify.SMTPUser,
			Password: cfg.Notify.SMTPPassword,
			From:     cfg.Notify.EmailFrom,
			StartTLS: true,
		})
		if err != nil {
			return fmt.Errorf("smtp: %w", err)
		}
		adapters = append(adapters, mailer)
	}
	if cfg.Notify.SMSEnabled {
		sms, err := httpgw.NewAdapter(httpgw.Options{Endpoint: cfg.Notify.SMSGatewayURL, APIKey: cfg.Notify.SMSAPIKey})
		if err != nil {
			return fmt.Errorf("sms gateway: %w", err)
		}
		adapters = append(adapters, sms)
	}

	notifySvc, err := notify.New(notify.Options{
		Logs:      deliveries,
		Templates: templates,
		Adapters:  adapters,
		Breakers:  breakers,
		Events:    publisher,
		Metrics:   mtr,
	})
	if err != nil {
		return err
	}

	gwSvc, err := gateway.New(gateway.Options{
		Sessions: botSessions,
		Auth:     authBridge{svc: authSvc},
		FSM:      botFlows(requestSvc),
	})
	if err != nil {
		return err
	}

	tempDir := cfg.Media.TempDir
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "infrasafe-uploads")
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		return err
	}
	mediaSvc, err := media.New(media.Options{
		Meta:         mediaMeta,
		TempDir:      tempDir,
		StoreDir:     mediaDir,
		MaxBytes:     int64(cfg.Media.MaxUploadMB) << 20,
		AllowedTypes: cfg.Media.AllowedTypes,
		Events:       publisher,
	})
	if err != nil {
		return err
	}

	srv := httpapi.NewServer(httpapi.ServerOptions{
		Addr:       cfg.HTTPAddr,
		Metrics:    mtr,
		Health:     checks,
		Limiter:    limiter,
		LogContext: ctx,
		Debug:      cfg.Debug,
	})
	if enabled["auth"] {
		h := auth.NewHTTPHandler(auth.HTTPOptions{Service: authSvc, Services: peers, Limiter: limiter, Metrics: mtr})
		srv.Mount("/auth", h.Mount)
	}
	if enabled["request"] {
		h := request.NewHTTPHandler(request.HTTPOptions{Service: requestSvc, Services: peers, Users: authSvc})
		srv.Mount("/requests", h.Mount)
	}
	if enabled["integration"] {
		h := integration.NewHTTPHandler(integration.HTTPOptions{
			Service:         intSvc,
			MaxPayloadBytes: int64(cfg.Webhook.MaxPayloadMB) << 20,
			RequireHTTPS:    cfg.Webhook.RequireHTTPS,
		})
		srv.Mount("/webhooks", h.Mount)
	}
	if enabled["media"] {
		h := media.NewHTTPHandler(media.HTTPOptions{Service: mediaSvc, Users: authSvc, Limiter: limiter, Metrics: mtr})
		srv.Mount("/media", h.Mount)
	}

	workers := background.NewRunner()
	if enabled["auth"] {
		workers.Add(background.Worker{Name: "auth-session-sweeper", Interval: 5 * time.Minute, Task: func(ctx context.Context) error {
			n, err := authSvc.SweepExpiredSessions(ctx)
			if n > 0 {
				log.Printf(ctx, "deactivated %d expired sessions", n)
			}
			return err
		}})
		workers.Add(background.Worker{Name: "session-gauge", Interval: 30 * time.Second, Immediate: true, Task: func(ctx context.Context) error {
			n, err := authSvc.ActiveSessionCount(ctx)
			if err != nil {
				return err
			}
			mtr.SetActiveSessions(n)
			return nil
		}})
	}
	if enabled["bot"] {
		workers.Add(background.Worker{Name: "bot-session-sweeper", Interval: 10 * time.Minute, Task: func(ctx context.Context) error {
			n, err := gwSvc.SweepExpiredSessions(ctx)
			if n > 0 {
				log.Printf(ctx, "deactivated %d expired bot sessions", n)
			}
			return err
		}})
	}
	if enabled["integration"] {
		workers.Add(background.Worker{Name: "webhook-retry", Interval: time.Minute, Task: func(ctx context.Context) error {
			_, err := intSvc.RetryDue(ctx)
			return err
		}})
	}
	if enabled["notify"] {
		workers.Add(background.Worker{Name: "notify-retry", Interval: 30 * time.Second, Task: func(ctx context.Context) error {
			_, err := notifySvc.RetryDue(ctx)
			return err
		}})
	}
	workers.Add(background.Worker{Name: "substrate-pool-gauge", Interval: 15 * time.Second, Immediate: true, Task: func(context.Context) error {
		stats := kvc.PoolStats()
		mtr.SetPoolSize("redis", "total", int(stats.TotalConns))
		mtr.SetPoolSize("redis", "idle", int(stats.IdleConns))
		return nil
	}})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })

	if enabled["notify"] {
		queueClient, err := clientspulse.New(clientspulse.Options{Redis: rdb, StreamMaxLen: 10000})
		if err != nil {
			return err
		}
		queue, err := notifyqueue.NewQueue(queueClient)
		if err != nil {
			return err
		}
		worker, err := notifyqueue.NewWorker(notifyqueue.WorkerOptions{Client: queueClient, Deliverer: notifySvc})
		if err != nil {
			return err
		}
		routes := notificationRoutes()
		sub, err := events.NewSubscriber(events.SubscriberOptions{KV: kvc, Kinds: slices.Sorted(maps.Keys(routes))})
		if err != nil {
			return err
		}
		dispatcher, err := notify.NewDispatcher(notify.DispatcherOptions{Subscription: sub, Sink: queue, Routes: routes})
		if err != nil {
			return err
		}
		g.Go(func() error { return worker.Run(gctx) })
		g.Go(func() error { return dispatcher.Run(gctx) })
	}

	if enabled["bot"] {
		if bot == nil {
			return errors.New("BOT_TOKEN is required to run the bot gateway")
		}
		listener, err := telegram.NewListener(telegram.ListenerOptions{Bot: bot, Gateway: gwSvc})
		if err != nil {
			return err
		}
		g.Go(func() error { return listener.Run(gctx) })
	}

	workers.Start(gctx)
	log.Printf(ctx, "infrasafe %s up, services: %s", cfg.Version, strings.Join(slices.Sorted(maps.Keys(enabled)), ","))

	err = g.Wait()
	workers.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// authBridge adapts the auth service to the gateway's client seam. The
// gateway is the only caller allowed to prove external identity.
type authBridge struct {
	svc *auth.Service
}

func (b authBridge) LoginExternal(ctx context.Context, externalID string) (gateway.Token, error) {
	res, err := b.svc.LoginWithExternalID(ctx, externalID, auth.SessionMeta{UserAgent: "bot-gateway"})
	if err != nil {
		return gateway.Token{}, err
	}
	s := res.Session
	id, err := b.svc.ValidateToken(ctx, s.AccessToken)
	if err != nil {
		return gateway.Token{}, err
	}
	return gateway.Token{Access: s.AccessToken, ExpiresAt: s.ExpiresAt, UserID: s.UserID, Role: id.Role, Tenant: id.Tenant}, nil
}

// webhookSources builds the configured webhook origins. Processing acks
// the intake; domain consumers react to the webhook.received event.
func webhookSources(cfg config.Webhook) []integration.Source {
	var policy integration.SigningPolicy
	if cfg.Secret != "" {
		switch cfg.SignatureAlgorithm {
		case "stripe":
			policy = integration.StripePolicy{Secret: []byte(cfg.Secret)}
		default:
			policy = integration.HexHMACPolicy{Header: "X-Webhook-Signature", Secret: []byte(cfg.Secret)}
		}
	}
	accept := func(context.Context, integration.Intake, []byte) (json.RawMessage, error) {
		return json.RawMessage(`{"status":"accepted"}`), nil
	}
	return []integration.Source{
		{Name: "payments", Policy: policy, Handler: accept},
		{Name: "crm", Policy: policy, Handler: accept},
	}
}
