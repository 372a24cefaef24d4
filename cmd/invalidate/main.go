// Command invalidate publishes a metrics-landed event so running engines
// drop cached aggregates and forecasts for an organization and domain.
package main

import (
	"context"
	"flag"
	"time"

	"github.com/smukkama/footprint-engine/internal/domain"
	"github.com/smukkama/footprint-engine/internal/events"
	"github.com/smukkama/footprint-engine/internal/logging"
	"github.com/smukkama/footprint-engine/internal/queue"
	"github.com/smukkama/footprint-engine/pkg/config"
)

func main() {
	org := flag.String("org", "", "organization id")
	dom := flag.String("domain", "emissions", "emissions, energy, water or waste")
	records := flag.Int("records", 0, "number of records that landed")
	start := flag.String("start", "", "first day covered by the records (YYYY-MM-DD)")
	end := flag.String("end", "", "last day covered by the records (YYYY-MM-DD)")
	createTopic := flag.Bool("create-topic", false, "create the invalidation topic first")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.New("info").Fatalf("Failed to load configuration: %v", err)
	}
	logger := logging.New(cfg.Log.Level)

	d, err := domain.ParseDomain(*dom)
	if err != nil {
		logger.Fatal(err)
	}

	msg := events.NewMetricsLanded(*org, d, *records)
	msg.PeriodStart = *start
	msg.PeriodEnd = *end
	if err := msg.Validate(); err != nil {
		logger.Fatal(err)
	}

	payload, err := events.EncodeMetricsLanded(msg)
	if err != nil {
		logger.Fatalf("Failed to encode event: %v", err)
	}

	if *createTopic {
		if err := queue.CreateTopic(cfg.Kafka.Brokers, cfg.Kafka.TopicInvalidation, 1, 1, logger); err != nil {
			logger.WithError(err).Info("Topic creation failed (may already exist)")
		}
	}

	producer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicInvalidation)
	defer producer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := producer.Publish(ctx, msg.Key(), payload); err != nil {
		logger.Fatalf("Failed to publish event: %v", err)
	}

	logger.WithField("eventId", msg.EventID).
		WithField("organizationId", msg.OrganizationID).
		WithField("domain", msg.Domain).
		Info("Published metrics-landed event")
}
