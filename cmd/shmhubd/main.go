// Command shmhubd is a reference hub process: for every channel in its
// config it either owns (creates) or attaches to (consumes) a segment,
// wiring the directory and notify collaborators together the way a real
// deployment would. Config load honours an env-var override, shutdown
// runs off a cancellable signal context, and each channel gets its own
// goroutine joined on a WaitGroup.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/shmhub/shmhub/config"
	"github.com/shmhub/shmhub/consumer"
	"github.com/shmhub/shmhub/directory"
	"github.com/shmhub/shmhub/notify"
	"github.com/shmhub/shmhub/producer"
	"github.com/shmhub/shmhub/schema"
	"github.com/shmhub/shmhub/shm"
	"github.com/shmhub/shmhub/txn"
)

// Tick is the demo payload type: a fixed-point price update. Real
// deployments supply their own P type to txn.RunProducer/RunConsumer;
// this one exists so shmhubd is runnable end to end without a second
// binary's worth of schema.
type Tick struct {
	SequenceNum uint64
	PriceTicks  int64
	Qty         int64
}

func main() {
	_ = godotenv.Load() // optional .env beside the binary; absence is not an error

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	cfgPath := "shmhub.toml"
	if p := os.Getenv("SHMHUB_CONFIG_PATH"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalw("config load failed", "path", cfgPath, "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	dir := newDirectory(cfg)
	bus := newNotifyBus(cfg, logger)

	var wg sync.WaitGroup
	for channel, ch := range cfg.Channels {
		channel, ch := channel, ch
		wg.Add(1)
		go func() {
			defer wg.Done()
			runChannel(ctx, log, dir, bus, channel, ch)
		}()
	}

	log.Infow("shmhubd: running", "channels", len(cfg.Channels))
	wg.Wait()
	log.Infow("shmhubd: stopped")
}

func newDirectory(cfg *config.Config) *directory.FileDirectory {
	path := cfg.Directory.Path
	if path == "" {
		path = "/tmp/shmhub-directory.json"
	}
	return directory.NewFileDirectory(path)
}

func newNotifyBus(cfg *config.Config, logger *zap.Logger) notify.Bus {
	if cfg.Notify.Kind == "unix" && cfg.Notify.SocketPath != "" {
		return notify.NewUnixSocketBus(cfg.Notify.SocketPath, logger)
	}
	return notify.NewLocalBus()
}

// runChannel owns a segment if its config names one not already
// discoverable in the directory, and attaches as a consumer otherwise,
// so exactly one process ever calls producer.Create for a given
// channel.
func runChannel(ctx context.Context, log *zap.SugaredLogger, dir *directory.FileDirectory, bus notify.Bus, channel string, ch config.ChannelConfig) {
	if _, _, _, err := dir.Discover(channel); err != nil {
		runProducerSide(ctx, log, dir, bus, channel, ch)
		return
	}
	runConsumerSide(ctx, log, dir, bus, channel, ch)
}

func runProducerSide(ctx context.Context, log *zap.SugaredLogger, dir *directory.FileDirectory, bus notify.Bus, channel string, ch config.ChannelConfig) {
	shmCfg, err := ch.ToShmConfig()
	if err != nil {
		log.Errorw("channel: invalid config", "channel", channel, "error", err)
		return
	}
	shmCfg.DataBlockHash = schema.Hash[Tick]()
	shmCfg.FlexZoneHash = schema.Hash[schema.Empty]()

	h, err := producer.Create(channel, ch.SegmentName, shmCfg, producer.WithLogger(zapFromSugar(log)), producer.WithDirectory(dir))
	if err != nil {
		log.Errorw("producer: create failed", "channel", channel, "error", err)
		return
	}
	defer h.Close()

	var seq uint64
	err = txn.RunProducer[schema.Empty, Tick](h, func(scope *txn.ProducerScope[schema.Empty, Tick]) error {
		slots := scope.Slots(2 * time.Second)
		for ctx.Err() == nil {
			item, err := slots.Next()
			if err != nil {
				return err
			}
			p := item.PayloadMut()
			p.SequenceNum = seq
			p.PriceTicks = int64(seq) * 100
			p.Qty = 1
			if err := item.Commit(); err != nil {
				return err
			}
			bus.NotifyOne(channel)
			seq++
			time.Sleep(50 * time.Millisecond)
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		log.Errorw("producer: scope exited", "channel", channel, "error", err)
	}
}

func runConsumerSide(ctx context.Context, log *zap.SugaredLogger, dir *directory.FileDirectory, bus notify.Bus, channel string, ch config.ChannelConfig) {
	expected := shm.ExpectedSchemas{
		FlexZoneHash:  schema.Hash[schema.Empty](),
		DataBlockHash: schema.Hash[Tick](),
	}
	h, err := consumer.Attach(dir, channel, [64]byte{}, expected, consumer.WithLogger(zapFromSugar(log)))
	if err != nil {
		log.Errorw("consumer: attach failed", "channel", channel, "error", err)
		return
	}
	defer h.Detach()

	bus.Subscribe(channel, func() {
		log.Debugw("consumer: notified", "channel", channel)
	})

	err = txn.RunConsumer[schema.Empty, Tick](h, func(scope *txn.ConsumerScope[schema.Empty, Tick]) error {
		slots := scope.Slots(2 * time.Second)
		for ctx.Err() == nil {
			item, err := slots.Next()
			if err != nil {
				continue
			}
			p := item.Payload()
			log.Debugw("consumer: tick", "channel", channel, "sequence", p.SequenceNum, "price_ticks", p.PriceTicks)
			if err := item.Validate(); err != nil {
				log.Warnw("consumer: validate failed", "channel", channel, "error", err)
			}
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		log.Errorw("consumer: scope exited", "channel", channel, "error", err)
	}
}

// zapFromSugar recovers the non-sugared logger for the Option helpers,
// which take *zap.Logger; shmhubd only ever carries the sugared form
// internally for call-site brevity.
func zapFromSugar(log *zap.SugaredLogger) *zap.Logger {
	return log.Desugar()
}
