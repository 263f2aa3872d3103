// Command consumer-demo runs one ConsumerController over NATS, registering
// with the configured producer id and logging every delivered message before
// confirming it.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/jrepp/reliable-delivery/internal/consumer"
	"github.com/jrepp/reliable-delivery/internal/transport"
	"github.com/jrepp/reliable-delivery/pkg/delivery"
	"github.com/jrepp/reliable-delivery/pkg/wire"
)

var (
	natsURL     = flag.String("nats-url", "nats://localhost:4222", "NATS server URL")
	subjPrefix  = flag.String("subject-prefix", "reliable-delivery.demo", "Subject prefix shared with the producer side")
	producerRef = flag.String("producer-id", "producer-demo", "Producer identity to register against")
	consumerRef = flag.String("consumer-ref", "consumer-demo", "This consumer's identity")
	resendLost  = flag.Bool("resend-lost", true, "Request retransmission of detected gaps")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	instanceID := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	natsCfg := transport.DefaultConfig()
	natsCfg.URL = *natsURL

	conn, err := transport.Connect[string](natsCfg, *subjPrefix, wire.NewJSONPayloadCodec[string]())
	if err != nil {
		log.Fatalf("connect to nats: %v", err)
	}
	defer conn.Close()

	ctrl, err := consumer.New[string](consumer.Config{
		Name:        "consumer-demo",
		ConsumerRef: *consumerRef,
		ResendLost:  *resendLost,
	})
	if err != nil {
		log.Fatalf("build consumer controller: %v", err)
	}

	if err := conn.SubscribeMessages(ctx, func(ctx context.Context, msg delivery.SequencedMessage[string]) {
		if err := ctrl.HandleSequencedMessage(ctx, msg); err != nil {
			slog.Error("handle sequenced message", "error", err)
		}
	}); err != nil {
		log.Fatalf("subscribe messages subject: %v", err)
	}

	if err := ctrl.Start(ctx, *consumerRef); err != nil {
		log.Fatalf("start consumer controller: %v", err)
	}
	if err := ctrl.RegisterToProducerController(ctx, *producerRef, conn); err != nil {
		log.Fatalf("register to producer: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go deliveryLoop(ctx, ctrl)

	<-sigCh
	slog.Info("shutting down consumer-demo")
	metrics, err := ctrl.Metrics(context.Background())
	if err == nil {
		slog.Info("consumer-demo final metrics",
			"instance_id", instanceID,
			"delivered", metrics.Delivered,
			"confirmed", metrics.Confirmed,
			"duplicates", metrics.Duplicates,
			"gaps_detected", metrics.GapsDetected)
	}

	if err := ctrl.Stop(context.Background()); err != nil {
		slog.Error("stop consumer controller", "error", err)
	}
}

func deliveryLoop(ctx context.Context, ctrl *consumer.Controller[string]) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-ctrl.Deliveries():
			if !ok {
				return
			}
			slog.Info("delivered", "producer_id", d.ProducerID, "seq_nr", d.SeqNr, "msg", d.Msg)
			d.ConfirmTo(d.SeqNr)
		}
	}
}
