package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/graphloom/loom/backend/internal/queue"
	"github.com/graphloom/loom/backend/internal/storage"
	"github.com/graphloom/loom/backend/internal/util"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/graphloom/loom/backend/pkg/ai"
	oai "github.com/graphloom/loom/backend/pkg/ai/ollama"
	gai "github.com/graphloom/loom/backend/pkg/ai/openai"
	"github.com/graphloom/loom/backend/pkg/batch"
	"github.com/graphloom/loom/backend/pkg/embed"
	"github.com/graphloom/loom/backend/pkg/extract"
	"github.com/graphloom/loom/backend/pkg/extract/llm"
	"github.com/graphloom/loom/backend/pkg/logger"
	"github.com/graphloom/loom/backend/pkg/logger/console"
	"github.com/graphloom/loom/backend/pkg/resolve"
	respgx "github.com/graphloom/loom/backend/pkg/resolve/pgx"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// logger
	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	// GraphAiClient
	adapter := util.GetEnv("AI_ADAPTER")
	var aiClient ai.GraphAIClient

	switch adapter {
	case "ollama":
		client, err := oai.NewGraphOllamaClient(oai.NewGraphOllamaClientParams{
			EmbeddingModel:  util.GetEnv("AI_EMBED_MODEL"),
			ExtractionModel: util.GetEnv("AI_CHAT_EXTRACT_MODEL"),

			BaseURL: util.GetEnv("AI_CHAT_URL"),
			ApiKey:  util.GetEnv("AI_CHAT_KEY"),
		})
		if err != nil {
			logger.Fatal("Could not create Ollama client", "err", err)
		}
		aiClient = client
	default:
		aiClient = gai.NewGraphOpenAIClient(gai.NewGraphOpenAIClientParams{
			EmbeddingModel:  util.GetEnv("AI_EMBED_MODEL"),
			ExtractionModel: util.GetEnv("AI_CHAT_EXTRACT_MODEL"),

			EmbeddingURL: util.GetEnv("AI_EMBED_URL"),
			EmbeddingKey: util.GetEnv("AI_EMBED_KEY"),
			ChatURL:      util.GetEnv("AI_CHAT_URL"),
			ChatKey:      util.GetEnv("AI_CHAT_KEY"),
		})
	}

	// Init pgx client and the canonical registry, when a database is
	// configured. Without one the worker still runs per-batch resolution
	// but skips cross-batch matching and triple persistence.
	var registry resolve.Registry
	var sink batch.Sink
	if dbURL := util.GetEnv("DATABASE_URL"); dbURL != "" {
		runMigrations(dbURL)

		pgConn, err := respgx.NewPool(ctx, dbURL)
		if err != nil {
			logger.Fatal("Unable to connect to database", "err", err)
		}
		defer pgConn.Close()

		registry = respgx.NewRegistry(pgConn)
		sink = respgx.NewTripleSink(pgConn)
	} else {
		logger.Warn("DATABASE_URL not set, running without canonical registry")
	}

	// Extraction cache store, shared with the API server
	var store storage.ObjectStore
	if bucket := util.GetEnv("EXTRACTION_BUCKET"); bucket != "" {
		s3Client, err := storage.NewS3Client(ctx)
		if err != nil {
			logger.Fatal("Failed to create S3 client", "err", err)
		}
		store = storage.NewS3Store(s3Client, bucket)
	} else {
		logger.Warn("EXTRACTION_BUCKET not set, caching results in memory")
		store = storage.NewMemoryStore()
	}

	embedCache := embed.NewCache(embed.NewCacheParams{
		Provider:          aiClient,
		RequestsPerMinute: int(util.GetEnvNumeric("AI_EMBED_RPM", 600)),
		MaxConcurrency:    int(util.GetEnvNumeric("AI_PARALLEL_REQ", 4)),
	})

	engine := resolve.NewEngine(resolve.NewEngineParams{
		Embeddings: embedCache,
	})

	workflow := llm.NewWorkflow(llm.NewWorkflowParams{
		Client:      aiClient,
		MaxParallel: int(util.GetEnvNumeric("AI_PARALLEL_REQ", 4)),
	})

	router := extract.NewRouter(extract.NewRouterParams{
		Workflow: workflow,
		Cache:    extract.NewCache(store),
		Shards:   int(util.GetEnvNumeric("ROUTER_SHARDS", 4)),
	})
	defer router.Close()

	// Init rabbitmq
	conn := queue.Init()
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	queues := []string{queue.BatchQueue}
	if err := queue.SetupQueues(ch, queues); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}

	handler := queue.NewBatchHandler(queue.BatchHandlerParams{
		Router:   router,
		Engine:   engine,
		Registry: registry,
		Sink:     sink,
		Channel:  ch,
	})

	logger.Info("Listening for messages")

	// Single consumer channel with prefetch=1 so one batch runs at a time
	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	err = consumerCh.Qos(1, 0, true)
	if err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	type queuedMessage struct {
		msg       amqp.Delivery
		queueName string
	}

	messageChan := make(chan queuedMessage)

	for _, queueName := range queues {
		go func(qName string) {
			consumerTag := fmt.Sprintf("%s_consumer", qName)
			msgs, err := consumerCh.Consume(
				qName,
				consumerTag,
				false, // autoAck
				false, // exclusive
				false, // noLocal
				false, // noWait
				nil,   // args
			)
			if err != nil {
				logger.Fatal("Failed to start consuming", "queue", qName, "err", err)
			}

			for {
				select {
				case <-ctx.Done():
					logger.Info("Stopping consumer", "queue", qName)
					return
				case msg, ok := <-msgs:
					if !ok {
						logger.Info("Message channel closed", "queue", qName)
						return
					}
					messageChan <- queuedMessage{msg: msg, queueName: qName}
				}
			}
		}(queueName)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				logger.Info("Stopping message processor")
				return
			case qm := <-messageChan:
				startTime := time.Now()
				logger.Info("Received message", "queue", qm.queueName)

				var processingErr error
				switch qm.queueName {
				case queue.BatchQueue:
					processingErr = handler.HandleManifest(ctx, qm.msg.Body)
				}

				if processingErr != nil {
					logger.Error("Error processing message", "queue", qm.queueName, "err", processingErr)
					queue.HandleProcessingError(consumerCh, qm.msg, qm.queueName)
				} else {
					err = qm.msg.Ack(false)
					if err != nil {
						logger.Error("Failed to ack message", "err", err)
					}
					logger.Info("Message processed successfully", "queue", qm.queueName)
				}

				metrics := aiClient.GetMetrics()
				aiDuration := time.Duration(metrics.DurationMs) * time.Millisecond
				aiHours := int(aiDuration.Hours())
				aiMinutes := int(aiDuration.Minutes()) % 60
				aiSeconds := int(aiDuration.Seconds()) % 60
				logger.Info(
					"AI Metrics",
					"input_tokens", metrics.InputTokens,
					"output_tokens", metrics.OutputTokens,
					"total_tokens", metrics.TotalTokens,
					"duration", fmt.Sprintf("%02d:%02d:%02d", aiHours, aiMinutes, aiSeconds),
				)

				processingDuration := time.Since(startTime)
				hours := int(processingDuration.Hours())
				minutes := int(processingDuration.Minutes()) % 60
				seconds := int(processingDuration.Seconds()) % 60
				logger.Info(
					"Processing time",
					"duration", fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds),
				)
				logger.Info("Waiting for next message")
				aiClient.ResetMetrics()
			}
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received, exiting...")
}

func runMigrations(dbURL string) {
	migrationsPath := util.GetEnvString("MIGRATIONS_PATH", "file://migrations")

	m, err := migrate.New(migrationsPath, dbURL)
	if err != nil {
		logger.Fatal("Failed to init migrations", "err", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		logger.Fatal("Failed to run migrations", "err", err)
	}

	logger.Info("Database migrations applied")
}
