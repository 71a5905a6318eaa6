package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"lookout/internal/breaker"
	"lookout/internal/commands"
	"lookout/internal/delivery"
	"lookout/internal/events"
	"lookout/internal/fetch"
	"lookout/internal/keypool"
	"lookout/internal/pipeline"
	"lookout/internal/ratelimit"
	"lookout/internal/sink/telegram"
	"lookout/internal/store"
	"lookout/internal/upstream"
	"lookout/pkg/config"
	"lookout/pkg/database"
	"lookout/pkg/logging"
	"lookout/pkg/monitoring"
	"lookout/pkg/server"
	"lookout/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("lookout")

	// Load environment variables
	config.LoadEnv(logger)

	logger.WithField("version", version.Version).Info("Starting Lookout (feed-to-chat relay)")

	// Database
	db := database.MustConnect(database.Config{
		URL:             config.RequireEnv("DATABASE_URL"),
		MaxOpenConns:    config.GetEnvInt("DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    config.GetEnvInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: config.GetEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}, logger)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewStore(db)
	if err := st.EnsureSchema(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to ensure database schema")
	}

	// Only one instance may relay at a time; a second one exits instead
	// of double-delivering.
	lock, err := database.AcquireInstanceLock(ctx, db, "lookout-relay")
	if err != nil {
		logger.WithError(err).Fatal("Another relay instance holds the lock")
	}
	defer lock.Release(context.Background())

	// Upstream access: credential pool, adaptive limiter, serialized task
	// queue, circuit breaker.
	upstreamClient := upstream.NewClient(config.GetEnv("UPSTREAM_BASE_URL", "https://api.upstream.example"))

	pool := keypool.New(config.GetEnvList("UPSTREAM_API_KEYS"), keypool.Config{
		BaseCooldown: config.GetEnvDuration("KEY_BASE_COOLDOWN", time.Minute),
		MaxCooldown:  config.GetEnvDuration("KEY_MAX_COOLDOWN", time.Hour),
	}, upstreamClient, logger)
	if pool.Size() == 0 {
		logger.Fatal("UPSTREAM_API_KEYS must list at least one credential")
	}
	if states, err := st.LoadCredentialStates(ctx); err != nil {
		logger.WithError(err).Warn("Could not restore credential cooldowns")
	} else {
		pool.Restore(states)
	}

	limiter := ratelimit.NewAdaptiveLimiter(ratelimit.Config{
		CeilingRPS:    config.GetEnvFloat("UPSTREAM_CEILING_RPS", 1.0),
		FloorRPS:      config.GetEnvFloat("UPSTREAM_FLOOR_RPS", 0.1),
		SafetyFactor:  config.GetEnvFloat("UPSTREAM_SAFETY_FACTOR", ratelimit.SafetyFactor),
		RecoveryDelay: config.GetEnvDuration("UPSTREAM_RECOVERY_DELAY", 2*time.Minute),
	})
	taskQueue := ratelimit.NewTaskQueue(limiter, config.GetEnvDuration("UPSTREAM_TASK_TIMEOUT", 120*time.Second), logger)
	go taskQueue.Run(ctx)

	brk := breaker.New(breaker.Config{
		Name:             "upstream",
		FailureThreshold: uint(config.GetEnvInt("BREAKER_FAILURE_THRESHOLD", 5)),
		ResetTimeout:     config.GetEnvDuration("BREAKER_RESET_TIMEOUT", 30*time.Second),
		Logger:           logger,
	})

	// Outcome events (optional, best effort)
	publisher, err := events.NewPublisher(config.GetEnvList("KAFKA_BROKERS"), "lookout", logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create event publisher")
	}
	defer publisher.Close()

	// Monitoring
	metricsCollector := monitoring.NewMetricsCollector("lookout", version.Version, version.GetShortCommit())
	itemsTotal, stageGauge, pipelineDuration := metricsCollector.CreatePipelineMetrics()
	queueDepth, sendsTotal, droppedTotal := metricsCollector.CreateDeliveryMetrics()
	_, breakerGauge, rateGauge := metricsCollector.CreateUpstreamMetrics()

	// Pipeline
	pipe := pipeline.New(st, pipeline.Config{
		MaxPostAge:       config.GetEnvDuration("MAX_POST_AGE", 24*time.Hour),
		MaxRulesPerTopic: config.GetEnvInt("MAX_RULES_PER_TOPIC", 50),
		MaxKeywordLength: config.GetEnvInt("MAX_KEYWORD_LENGTH", 100),
	}, logger)
	pipe.OnOutcome(func(topicID string, outcome pipeline.Outcome) {
		itemsTotal.WithLabelValues(topicID, string(outcome)).Inc()
	})

	// Delivery
	sink := telegram.New(
		config.RequireEnv("TELEGRAM_BOT_TOKEN"),
		config.RequireEnv("TELEGRAM_CHAT_ID"),
		logger,
	)
	queue := delivery.NewQueue(sink, delivery.Config{
		MinSendInterval: config.GetEnvDuration("SINK_MIN_SEND_INTERVAL", time.Second),
		MaxRetries:      config.GetEnvInt("SINK_MAX_RETRIES", 5),
		BaseBackoff:     config.GetEnvDuration("SINK_BASE_BACKOFF", time.Second),
		MaxBackoff:      config.GetEnvDuration("SINK_MAX_BACKOFF", 2*time.Minute),
		DefaultTarget:   config.GetEnv("SINK_DEFAULT_TARGET", ""),
		Capacity:        config.GetEnvInt("SINK_QUEUE_CAPACITY", 1000),
	}, logger)
	queue.OnSent(func(msg *delivery.Message) {
		sendsTotal.WithLabelValues(sink.Name(), "sent").Inc()
		mctx, mcancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer mcancel()
		if err := st.MarkDelivered(mctx, msg.PostID, msg.TopicID); err != nil {
			logger.WithError(err).WithField("post_id", msg.PostID).Warn("Could not mark post delivered")
		}
	})
	queue.OnDrop(func(msg *delivery.Message, reason string) {
		droppedTotal.WithLabelValues(sink.Name(), reason).Inc()
	})
	queue.OnFatal(func(err error) {
		// Revoked sink credentials cannot self-heal; running on without
		// deliveries would silently eat every item.
		publisher.SinkFatal(sink.Name(), err)
		persistCredentials(st, pool, logger)
		logger.WithError(err).Fatal("Sink credentials revoked, shutting down")
	})
	go queue.Run(ctx)

	// Fetch loop
	topics, err := parseTopics(config.GetEnv("RELAY_TOPICS", ""))
	if err != nil {
		logger.WithError(err).Fatal("Invalid RELAY_TOPICS")
	}
	if len(topics) == 0 {
		logger.Fatal("RELAY_TOPICS must configure at least one topic")
	}

	// Posts committed before a crash but never delivered resume here.
	resumeUndelivered(ctx, st, pipe, queue, topics, logger)

	processor := &relayProcessor{
		pipe:      pipe,
		queue:     queue,
		publisher: publisher,
		duration:  pipelineDuration,
	}
	orchestrator := fetch.NewOrchestrator(upstreamClient, pool, taskQueue, limiter, brk, processor, fetch.Config{
		WindowSize:          config.GetEnvDuration("SEARCH_WINDOW", 5*time.Minute),
		WindowOverlap:       config.GetEnvDuration("SEARCH_WINDOW_OVERLAP", 30*time.Second),
		MaxPages:            config.GetEnvInt("SEARCH_MAX_PAGES", 50),
		PageSize:            config.GetEnvInt("SEARCH_PAGE_SIZE", 100),
		MaxTransientRetries: config.GetEnvInt("SEARCH_MAX_RETRIES", 3),
	}, logger)
	orchestrator.OnRotate(func(from, to, reason string) {
		publisher.CredentialRotated(from, to, reason)
	})

	poller := fetch.NewPoller(
		orchestrator,
		topics,
		config.GetEnvDuration("POLL_INTERVAL", time.Minute),
		config.GetEnvDuration("TOPIC_STAGGER", 5*time.Second),
		logger,
	)
	poller.OnCycle(func(topic fetch.Topic, stats fetch.CycleStats, err error) {
		if err == nil && !stats.Skipped {
			publisher.CycleComplete(topic.ID, stats.Fetched, stats.Accepted, stats.Took)
		}
	})
	go poller.Start(ctx)

	// Background maintenance: persist credential cooldowns, prune old
	// posts, export slow-moving gauges.
	go maintenanceLoop(ctx, st, pool, pipe, queue, brk, limiter, maintenanceGauges{
		stageGauge:   stageGauge,
		queueDepth:   queueDepth,
		breakerGauge: breakerGauge,
		rateGauge:    rateGauge,
		sinkName:     sink.Name(),
	}, config.GetEnvDuration("POST_RETENTION", 30*24*time.Hour), logger)

	// Operator command surface
	registry := commands.NewRegistry(logger)
	commands.RegisterStandard(registry, commands.Sources{
		CredentialHealth: pool.HealthReport,
		RequestRate:      limiter.Rate,
		BreakerState:     func() string { return brk.State().String() },
		LastPoll:         poller.LastPoll,
		StageCalls:       pipe.StageCalls,
		QueueStats: func() map[string]delivery.Stats {
			return map[string]delivery.Stats{sink.Name(): queue.Stats()}
		},
		Undelivered: st.CountUndelivered,
	})

	// HTTP surface: health, metrics, operator commands
	healthChecker := monitoring.NewHealthChecker("lookout", version.Version)
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("poll_loop", monitoring.StalenessHealthCheck("poll_loop", poller.LastPoll,
		3*config.GetEnvDuration("POLL_INTERVAL", time.Minute)))
	if publisher.Enabled() {
		healthChecker.AddCheck("kafka", monitoring.PingHealthCheck("kafka", publisher))
	}

	router := server.SetupServiceRouter(logger, "lookout", healthChecker, metricsCollector)
	router.POST("/admin/command", commandHandler(registry))
	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"breaker":      brk.State().String(),
			"request_rate": limiter.Rate(),
			"last_poll":    poller.LastPoll(),
			"credentials":  pool.HealthReport(),
		})
	})
	router.GET("/queues", func(c *gin.Context) {
		undelivered, _ := st.CountUndelivered(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"queues":      gin.H{sink.Name(): queue.Stats()},
			"undelivered": undelivered,
		})
	})

	srvConfig := server.DefaultConfig("lookout", "18110")
	if err := server.Start(srvConfig, router, logger, func() {
		cancel()
		persistCredentials(st, pool, logger)
	}); err != nil {
		logger.WithError(err).Fatal("Server error")
	}
}

// relayProcessor feeds fetched items through the pipeline and hands
// accepted ones to the delivery queue.
type relayProcessor struct {
	pipe      *pipeline.Pipeline
	queue     *delivery.Queue
	publisher *events.Publisher
	duration  *prometheus.HistogramVec
}

func (p *relayProcessor) Process(ctx context.Context, topic fetch.Topic, post upstream.Post) bool {
	started := time.Now()
	res := p.pipe.Run(ctx, topic.ID, post)
	p.duration.WithLabelValues(topic.ID).Observe(time.Since(started).Seconds())
	p.publisher.ItemOutcome(res.Context.TopicID, post.ID, string(res.Outcome))
	if !res.OK {
		return false
	}

	target := topic.Target
	if _, redirected := res.Context.Meta["redirected_from"]; redirected {
		target = res.Context.TopicID
	}
	// TopicID stays the topic the row was committed under; a redirect
	// only changes the sink target. Delivery confirmation keys on the
	// stored (post_id, topic_id) pair.
	p.queue.Enqueue(&delivery.Message{
		PostID:    post.ID,
		TopicID:   topic.ID,
		Target:    target,
		Text:      res.Context.Rendered.Text,
		MediaURLs: res.Context.Rendered.MediaURLs,
		NoPreview: res.Context.Rendered.DisablePreview,
	})
	return true
}

// resumeUndelivered re-enqueues posts that were committed but never
// confirmed delivered. The filter and format stages run again so rules
// added since the commit still apply; posts they turn away are marked
// terminal and never reach the queue.
func resumeUndelivered(
	ctx context.Context,
	st *store.Store,
	pipe *pipeline.Pipeline,
	queue *delivery.Queue,
	topics []fetch.Topic,
	logger logging.Logger,
) {
	targets := make(map[string]string, len(topics))
	for _, t := range topics {
		targets[t.ID] = t.Target
	}

	pending, err := st.ListUndelivered(ctx, 500)
	if err != nil {
		logger.WithError(err).Warn("Could not list undelivered posts")
		return
	}
	resumed := 0
	for _, p := range pending {
		res := pipe.Resume(ctx, p.TopicID, p.Payload)
		if !res.OK {
			logger.WithError(res.Err).WithFields(logging.Fields{
				"post_id": p.PostID,
				"outcome": string(res.Outcome),
			}).Warn("Stored post did not survive resume")
			continue
		}
		target := targets[p.TopicID]
		if _, redirected := res.Context.Meta["redirected_from"]; redirected {
			target = res.Context.TopicID
		}
		queue.Enqueue(&delivery.Message{
			PostID:    p.PostID,
			TopicID:   p.TopicID,
			Target:    target,
			Text:      res.Context.Rendered.Text,
			MediaURLs: res.Context.Rendered.MediaURLs,
			NoPreview: res.Context.Rendered.DisablePreview,
		})
		resumed++
	}
	if resumed > 0 {
		logger.WithField("resumed", resumed).Info("Re-enqueued undelivered posts from previous run")
	}
}

// parseTopics reads "id|query|target" entries separated by semicolons.
// The target may be omitted to post to the sink's default destination.
func parseTopics(raw string) ([]fetch.Topic, error) {
	var topics []fetch.Topic
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "|", 3)
		if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
			return nil, fmt.Errorf("topic entry %q: want id|query[|target]", entry)
		}
		topic := fetch.Topic{
			ID:    strings.TrimSpace(parts[0]),
			Query: strings.TrimSpace(parts[1]),
		}
		if len(parts) == 3 {
			topic.Target = strings.TrimSpace(parts[2])
		}
		topics = append(topics, topic)
	}
	return topics, nil
}

type maintenanceGauges struct {
	stageGauge   *prometheus.GaugeVec
	queueDepth   *prometheus.GaugeVec
	breakerGauge *prometheus.GaugeVec
	rateGauge    *prometheus.GaugeVec
	sinkName     string
}

func maintenanceLoop(
	ctx context.Context,
	st *store.Store,
	pool *keypool.Pool,
	pipe *pipeline.Pipeline,
	queue *delivery.Queue,
	brk *breaker.Breaker,
	limiter *ratelimit.AdaptiveLimiter,
	gauges maintenanceGauges,
	retention time.Duration,
	logger logging.Logger,
) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	pruneTicker := time.NewTicker(6 * time.Hour)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			persistCredentials(st, pool, logger)

			for stage, count := range pipe.StageCalls() {
				gauges.stageGauge.WithLabelValues(stage).Set(float64(count))
			}
			gauges.queueDepth.WithLabelValues(gauges.sinkName).Set(float64(queue.Stats().Depth))
			gauges.breakerGauge.WithLabelValues(brk.Name()).Set(float64(brk.State()))
			gauges.rateGauge.WithLabelValues("upstream").Set(limiter.Rate())
		case <-pruneTicker.C:
			pctx, pcancel := context.WithTimeout(ctx, time.Minute)
			if n, err := st.DeletePostsOlderThan(pctx, time.Now().Add(-retention)); err != nil {
				logger.WithError(err).Warn("Post retention prune failed")
			} else if n > 0 {
				logger.WithField("pruned", n).Info("Pruned old posts")
			}
			pcancel()
		}
	}
}

func persistCredentials(st *store.Store, pool *keypool.Pool, logger logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := st.SaveCredentialStates(ctx, pool.Snapshot()); err != nil {
		logger.WithError(err).Warn("Could not persist credential cooldowns")
	}
}

func commandHandler(registry *commands.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Command string `json:"command"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"command\": \"...\"}"})
			return
		}
		out, err := registry.Execute(c.Request.Context(), req.Command)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "output": out})
			return
		}
		c.JSON(http.StatusOK, gin.H{"output": out})
	}
}
