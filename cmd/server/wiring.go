package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/twmb/franz-go/pkg/kgo"

	"confconnect/internal/badges"
	"confconnect/internal/bus"
	"confconnect/internal/changecapture"
	"confconnect/internal/changecapture/relay"
	connhandler "confconnect/internal/connections/handler"
	connmetrics "confconnect/internal/connections/metrics"
	connservice "confconnect/internal/connections/service"
	"confconnect/internal/events"
	"confconnect/internal/graph/counts"
	graphstore "confconnect/internal/graph/store"
	"confconnect/internal/idempotency"
	"confconnect/internal/platform/config"
	"confconnect/internal/platform/kafka"
	"confconnect/internal/platform/kafka/consumer"
	"confconnect/internal/platform/kafka/producer"
	"confconnect/internal/platform/metrics"
	"confconnect/internal/platform/postgres"
	platformredis "confconnect/internal/platform/redis"
	"confconnect/internal/reconcile"
	"confconnect/internal/record"
	"confconnect/internal/record/dynamo"
	"confconnect/internal/record/memory"
	recpg "confconnect/internal/record/postgres"
	httptransport "confconnect/internal/transport/http"
)

// Consumer group names.
const (
	groupChangeCapture = "change-capture"
	groupReconciler    = "connection-reconciler"
	groupBadges        = "badge-evaluators"
	groupCounts        = "count-observer"
)

const janitorInterval = time.Hour

type worker struct {
	name string
	run  func(ctx context.Context) error
}

type app struct {
	router     http.Handler
	workers    []worker
	evaluators []string
	closers    []func()
	ready      httptransport.Readiness
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// build assembles the store, the bus and every consumer for cfg.
func build(ctx context.Context, cfg config.Server, log *slog.Logger) (*app, error) {
	a := &app{ready: httptransport.Readiness{}}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var db *sql.DB
	if cfg.Store.DatabaseURL != "" {
		var err error
		db, err = postgres.Open(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		a.ready["postgres"] = db.PingContext
		if err := recpg.Migrate(ctx, db); err != nil {
			a.close()
			return nil, err
		}
	}

	records, err := buildRecordStore(ctx, cfg, db)
	if err != nil {
		a.close()
		return nil, err
	}
	graph := graphstore.New(records)

	dedup, err := buildDedup(ctx, cfg, db, a)
	if err != nil {
		a.close()
		return nil, err
	}

	reconciler := reconcile.New(graph, dedup,
		reconcile.WithLogger(log),
		reconcile.WithMetrics(reconcile.NewMetrics(reg)),
	)
	dispatcher := badges.NewDispatcher(badges.NewEvaluators(cfg.Badges, graph), graph,
		badges.WithLogger(log),
		badges.WithMetrics(badges.NewMetrics(reg)),
	)
	for _, id := range dispatcher.Evaluators() {
		a.evaluators = append(a.evaluators, string(id))
	}
	observer := counts.New(cfg.Badges.VIPThreshold, counts.WithLogger(log), counts.WithRegisterer(reg))
	ccMetrics := changecapture.NewMetrics(reg)

	var publisher bus.Publisher
	if cfg.Kafka.Client().Enabled() {
		publisher, err = wireKafka(ctx, cfg, log, reg, a, records, reconciler, dispatcher, observer, ccMetrics)
		if err != nil {
			a.close()
			return nil, err
		}
	} else {
		memBus := bus.NewMemory(bus.WithMemoryLogger(log), bus.WithInvocationTimeout(cfg.InvocationTimeout))
		memBus.Subscribe(groupReconciler, bus.NewRouter(log).Register(events.DetailConnectionRemoved, reconciler))
		memBus.Subscribe(groupBadges, bus.NewRouter(log).Register(events.DetailConnectionCreated, dispatcher))
		memBus.Subscribe(groupCounts, bus.NewRouter(log).Register(events.DetailUserConnectionCountUpdated, observer))
		publisher = memBus
		if mem, ok := records.(*memory.InMemoryStore); ok {
			cc := changecapture.New(memBus, changecapture.WithLogger(log), changecapture.WithMetrics(ccMetrics))
			mem.Subscribe(cc.Sink)
		}
	}

	svc := connservice.New(graph, publisher,
		connservice.WithLogger(log),
		connservice.WithMetrics(connmetrics.New(reg)),
	)
	a.router = httptransport.NewRouter(log, reg,
		connhandler.New(svc, log, metrics.New(reg)),
		a.ready,
	)

	if purger, ok := dedup.(interface {
		PurgeExpired(ctx context.Context) (int64, error)
	}); ok {
		a.workers = append(a.workers, worker{name: "dedup-janitor", run: func(ctx context.Context) error {
			return every(ctx, janitorInterval, func(ctx context.Context) {
				if n, err := purger.PurgeExpired(ctx); err != nil {
					log.WarnContext(ctx, "purging expired deliveries failed", "error", err)
				} else if n > 0 {
					log.InfoContext(ctx, "purged expired deliveries", "count", n)
				}
			})
		}})
	}
	return a, nil
}

func buildRecordStore(ctx context.Context, cfg config.Server, db *sql.DB) (record.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		return recpg.New(db), nil
	case config.BackendDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return dynamo.New(dynamodb.NewFromConfig(awsCfg), cfg.Store.DynamoTable), nil
	default:
		return memory.New(), nil
	}
}

func buildDedup(ctx context.Context, cfg config.Server, db *sql.DB, a *app) (idempotency.Store, error) {
	switch cfg.DedupBackend() {
	case config.DedupRedis:
		client, err := platformredis.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		a.ready["redis"] = func(ctx context.Context) error { return platformredis.Ping(ctx, client) }
		return idempotency.NewRedis(client, cfg.Dedup.TTL)
	case config.DedupPostgres:
		return idempotency.NewPostgres(db, cfg.Dedup.TTL)
	default:
		return idempotency.NewInMemory(cfg.Dedup.TTL), nil
	}
}

// wireKafka provisions topics, returns the domain-event publisher and
// registers one worker per consumer group, plus the outbox relay for the
// postgres backend.
func wireKafka(
	ctx context.Context,
	cfg config.Server,
	log *slog.Logger,
	reg prometheus.Registerer,
	a *app,
	records record.Store,
	reconciler *reconcile.Reconciler,
	dispatcher *badges.Dispatcher,
	observer *counts.Observer,
	ccMetrics *changecapture.Metrics,
) (bus.Publisher, error) {
	kcfg := cfg.Kafka.Client()
	client, err := kafka.NewClient(kcfg, kgo.RequiredAcks(kgo.AllISRAcks()))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	a.ready["kafka"] = client.Ping
	if err := kafka.EnsureTopics(ctx, client, kcfg,
		kafka.TopicRecordChanges, kafka.TopicDomainEvents, kafka.TopicDeadLetter); err != nil {
		return nil, err
	}

	prod := producer.New(client)
	domainEvents := bus.NewKafkaPublisher(prod, kafka.TopicDomainEvents)
	deadLetter := bus.NewDeadLetterPublisher(prod, kafka.TopicDeadLetter)
	consumerMetrics := consumer.NewMetrics(reg)
	cc := changecapture.New(domainEvents, changecapture.WithLogger(log), changecapture.WithMetrics(ccMetrics))

	groups := []struct {
		name    string
		topic   string
		handler consumer.Handler
	}{
		{groupChangeCapture, kafka.TopicRecordChanges, consumer.HandlerFunc(cc.Consume)},
		{groupReconciler, kafka.TopicDomainEvents, bus.ConsumerHandler(
			bus.NewRouter(log).Register(events.DetailConnectionRemoved, reconciler), log)},
		{groupBadges, kafka.TopicDomainEvents, bus.ConsumerHandler(
			bus.NewRouter(log).Register(events.DetailConnectionCreated, dispatcher), log)},
		{groupCounts, kafka.TopicDomainEvents, bus.ConsumerHandler(
			bus.NewRouter(log).Register(events.DetailUserConnectionCountUpdated, observer), log)},
	}
	for _, g := range groups {
		group := cfg.Kafka.GroupPrefix + "." + g.name
		gc, err := consumer.NewGroupClient(kcfg.Brokers, group, g.topic)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, gc.Close)
		c := consumer.New(group, gc, g.handler,
			consumer.WithLogger(log),
			consumer.WithMetrics(consumerMetrics),
			consumer.WithDeadLetter(deadLetter),
			consumer.WithMaxAttempts(cfg.Kafka.MaxAttempts),
			consumer.WithInvocationTimeout(cfg.InvocationTimeout),
		)
		a.workers = append(a.workers, worker{name: group, run: c.Run})
	}

	switch store := records.(type) {
	case *memory.InMemoryStore:
		store.Subscribe(cc.Sink)
	case *recpg.Store:
		w := relay.New(store, prod, kafka.TopicRecordChanges,
			relay.WithLogger(log),
			relay.WithBatchSize(cfg.Store.RelayBatch),
			relay.WithInterval(cfg.Store.RelayInterval),
			relay.WithRegisterer(reg),
		)
		a.workers = append(a.workers, worker{name: "outbox-relay", run: w.Run})
		a.workers = append(a.workers, worker{name: "outbox-janitor", run: func(ctx context.Context) error {
			return every(ctx, janitorInterval, func(ctx context.Context) {
				if _, err := store.PurgePublished(ctx, time.Now().Add(-cfg.Dedup.TTL)); err != nil {
					log.WarnContext(ctx, "purging published changes failed", "error", err)
				}
			})
		}})
	default:
		log.InfoContext(ctx, "record changes are expected on the record-changes topic from an external stream bridge",
			"topic", kafka.TopicRecordChanges,
		)
	}
	return domainEvents, nil
}

// every runs fn on each tick until ctx is done.
func every(ctx context.Context, d time.Duration, fn func(ctx context.Context)) error {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			fn(ctx)
		}
	}
}
