// Command producer-demo runs one ProducerController over NATS, publishing a
// line of stdin (or a generated counter message, with -generate) as each
// application message and reporting final metrics on shutdown.
package main

import (
	"bufio"
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	natstest "github.com/nats-io/nats-server/v2/test"
	"gopkg.in/yaml.v3"

	"github.com/jrepp/reliable-delivery/internal/producer"
	"github.com/jrepp/reliable-delivery/internal/transport"
	"github.com/jrepp/reliable-delivery/pkg/delivery"
	"github.com/jrepp/reliable-delivery/pkg/wire"
)

var (
	natsURL      = flag.String("nats-url", "nats://localhost:4222", "NATS server URL")
	subjPrefix   = flag.String("subject-prefix", "reliable-delivery.demo", "Subject prefix shared with the consumer side")
	producerID   = flag.String("producer-id", "producer-demo", "Producer identity carried on every SequencedMessage")
	generate     = flag.Bool("generate", false, "Generate a counter message once per second instead of reading stdin")
	logLevel     = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	configFile   = flag.String("config", "", "Optional YAML file overriding producer.Config")
	embeddedNATS = flag.Bool("embedded-nats", false, "Run an in-process NATS server instead of dialing -nats-url")
)

// loadConfigOverrides reads a YAML producer.Config from path, the way
// producer-runner's loadConfig reads JSON, and layers it over base.
func loadConfigOverrides(path string, base producer.Config) (producer.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, err
	}
	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, err
	}
	return cfg, nil
}

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

	if *embeddedNATS {
		opts := natstest.DefaultTestOptions
		opts.Port = 4222
		srv := natstest.RunServer(&opts)
		defer srv.Shutdown()
		slog.Info("embedded nats server started", "url", srv.ClientURL(), "instance_id", instanceID)
		*natsURL = srv.ClientURL()
	}

	natsCfg := transport.DefaultConfig()
	natsCfg.URL = *natsURL

	conn, err := transport.Connect[string](natsCfg, *subjPrefix, wire.NewJSONPayloadCodec[string]())
	if err != nil {
		log.Fatalf("connect to nats: %v", err)
	}
	defer conn.Close()

	prodCfg := producer.Config{
		Name:       "producer-demo",
		ProducerID: *producerID,
	}
	if *configFile != "" {
		prodCfg, err = loadConfigOverrides(*configFile, prodCfg)
		if err != nil {
			log.Fatalf("load config overrides: %v", err)
		}
	}

	ctrl, err := producer.New[string](prodCfg, producer.WithConsumerSink[string](conn))
	if err != nil {
		log.Fatalf("build producer controller: %v", err)
	}

	if err := conn.SubscribeControl(ctx,
		func(ctx context.Context, req delivery.Request) {
			if err := ctrl.HandleRequest(ctx, req); err != nil {
				slog.Error("handle request", "error", err)
			}
		},
		func(ctx context.Context, r delivery.Resend) {
			if err := ctrl.HandleResend(ctx, r); err != nil {
				slog.Error("handle resend", "error", err)
			}
		},
		func(ctx context.Context, a delivery.Ack) {
			if err := ctrl.HandleAck(ctx, a); err != nil {
				slog.Error("handle ack", "error", err)
			}
		},
		func(ctx context.Context, r delivery.RegisterConsumer) {
			// WithConsumerSink already bound conn as the send target, so no
			// separate RegisterConsumer call is needed (§4.1).
			slog.Info("consumer registered", "consumer_ref", r.ConsumerRef)
		},
	); err != nil {
		log.Fatalf("subscribe control subjects: %v", err)
	}

	if err := ctrl.Start(ctx, *producerID); err != nil {
		log.Fatalf("start producer controller: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go produceLoop(ctx, ctrl)

	<-sigCh
	slog.Info("shutting down producer-demo")
	metrics, err := ctrl.Metrics(context.Background())
	if err == nil {
		slog.Info("producer-demo final metrics",
			"instance_id", instanceID,
			"sent", metrics.MessagesSent,
			"confirmed", metrics.MessagesConfirmed,
			"resends", metrics.Resends)
	}

	if err := ctrl.Stop(context.Background()); err != nil {
		slog.Error("stop producer controller", "error", err)
	}
}

func produceLoop(ctx context.Context, ctrl *producer.Controller[string]) {
	if *generate {
		for i := 0; ; i++ {
			select {
			case <-ctx.Done():
				return
			case rn, ok := <-ctrl.Requests():
				if !ok {
					return
				}
				msg := "counter-" + strconv.Itoa(i)
				rn.SendNext(msg)
				slog.Debug("published", "msg", msg, "current_seq_nr", rn.CurrentSeqNr)
			}
			time.Sleep(time.Second)
		}
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return
		case rn, ok := <-ctrl.Requests():
			if !ok {
				return
			}
			if !scanner.Scan() {
				return
			}
			line := scanner.Text()
			rn.SendNext(line)
			slog.Debug("published", "msg", line, "current_seq_nr", rn.CurrentSeqNr)
		}
	}
}
