package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/moldsim/internal/machine"
	"github.com/KevinKickass/moldsim/internal/modbus"
	"go.uber.org/zap"
)

const (
	logPrefix   = "log"
	trainPrefix = "train"
)

// CaptureSwitch turns the full-rate training capture on and off.
type CaptureSwitch interface {
	Enabled() bool
	Set(enabled bool) error
}

type Options struct {
	HiRateHz  int
	LoRateHz  int
	MaxFileKB int
	LogDir    string
	TrainDir  string
}

func (o Options) Validate() error {
	if o.HiRateHz <= 0 || o.LoRateHz <= 0 {
		return fmt.Errorf("sample rates must be positive (hi=%d, lo=%d)", o.HiRateHz, o.LoRateHz)
	}
	if o.LoRateHz > o.HiRateHz {
		return fmt.Errorf("lo rate %d exceeds hi rate %d", o.LoRateHz, o.HiRateHz)
	}
	if o.LogDir == "" || o.TrainDir == "" {
		return errors.New("log and train directories are required")
	}
	return nil
}

// Decimation is the number of high rate samples per log row.
func (o Options) Decimation() uint64 {
	return uint64(o.HiRateHz / o.LoRateHz)
}

func (o Options) maxBytes() int64 {
	return int64(o.MaxFileKB) * 1024
}

type Stats struct {
	Samples    uint64 `json:"samples"`
	LogRows    uint64 `json:"log_rows"`
	TrainRows  uint64 `json:"train_rows"`
	Rotations  uint64 `json:"rotations"`
	WriteFails uint64 `json:"write_failures"`
	Capturing  bool   `json:"capturing"`
}

// Collector writes every Decimation-th sample to the rotating log and, while
// the capture switch is on, every sample to the training file.
type Collector struct {
	opts    Options
	capture CaptureSwitch
	logger  *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	log   *RotatingWriter
	train *RotatingWriter
	stats Stats
}

func New(opts Options, capture CaptureSwitch, logger *zap.Logger) (*Collector, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid collector options: %w", err)
	}

	c := &Collector{
		opts:    opts,
		capture: capture,
		logger:  logger,
		now:     time.Now,
	}

	log, err := NewRotatingWriter(opts.LogDir, logPrefix, opts.maxBytes(), c.now)
	if err != nil {
		return nil, err
	}
	c.log = log

	logger.Info("Collector initialized",
		zap.String("log_file", log.Path()),
		zap.Uint64("decimation", opts.Decimation()),
		zap.Int("max_file_kb", opts.MaxFileKB))

	return c, nil
}

// Handle consumes one high rate sample. It matches modbus.ReadingHandler.
func (c *Collector) Handle(r machine.Reading) {
	row := Row{Reading: r}
	if r.Stage == machine.StagePartReplacement {
		row.FailureLabel = 1
	}

	capturing := c.capture != nil && c.capture.Enabled()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.Samples++

	if c.stats.Samples%c.opts.Decimation() == 0 {
		rotated, err := c.log.Write(row)
		c.record(err, rotated, &c.stats.LogRows)
	}

	c.setCapturing(capturing)
	if c.train != nil {
		rotated, err := c.train.Write(row)
		c.record(err, rotated, &c.stats.TrainRows)
	}
}

func (c *Collector) record(err error, rotated bool, counter *uint64) {
	if err != nil {
		c.stats.WriteFails++
		c.logger.Error("Failed to write row", zap.Error(err))
		return
	}
	*counter++
	if rotated {
		c.stats.Rotations++
	}
}

func (c *Collector) setCapturing(on bool) {
	switch {
	case on && c.train == nil:
		train, err := NewRotatingWriter(c.opts.TrainDir, trainPrefix, c.opts.maxBytes(), c.now)
		if err != nil {
			c.logger.Error("Failed to start capture", zap.Error(err))
			return
		}
		c.train = train
		c.stats.Capturing = true
		c.logger.Info("Training capture started", zap.String("file", train.Path()))

	case !on && c.train != nil:
		if err := c.train.Close(); err != nil {
			c.logger.Warn("Failed to close training file", zap.Error(err))
		}
		c.logger.Info("Training capture stopped", zap.String("file", c.train.Path()))
		c.train = nil
		c.stats.Capturing = false
	}
}

func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Run polls device at the high rate until ctx is done, then closes the
// collector.
func (c *Collector) Run(ctx context.Context, device *modbus.Device) error {
	interval := time.Second / time.Duration(c.opts.HiRateHz)
	poller := modbus.NewPoller(device, interval, c.Handle, c.logger)
	if err := poller.Start(); err != nil {
		return fmt.Errorf("failed to start poller: %w", err)
	}

	<-ctx.Done()
	poller.Stop()

	stats := c.Stats()
	c.logger.Info("Collector stopped",
		zap.Uint64("samples", stats.Samples),
		zap.Uint64("log_rows", stats.LogRows),
		zap.Uint64("train_rows", stats.TrainRows))

	return c.Close()
}

func (c *Collector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.train != nil {
		errs = append(errs, c.train.Close())
		c.train = nil
	}
	errs = append(errs, c.log.Close())
	return errors.Join(errs...)
}
