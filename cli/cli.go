package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/nhirsama/picolog/src/acquisition"
	"github.com/nhirsama/picolog/src/clock"
	"github.com/nhirsama/picolog/src/config"
	"github.com/nhirsama/picolog/src/datastore"
	"github.com/nhirsama/picolog/src/device"
	"github.com/nhirsama/picolog/src/identity"
	"github.com/nhirsama/picolog/src/inter"
	"github.com/nhirsama/picolog/src/publisher"
	"github.com/nhirsama/picolog/src/status"
	"github.com/nhirsama/picolog/src/transport"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const usage = `usage: picolog [command] [flags]

commands:
  acquire   poll the device and append samples to the log (default)
  status    print the device status report
  simulate  run a simulated device

`

// errUsage marks command-line mistakes, reported with exit code 2.
var errUsage = errors.New("usage error")

// Run 进程入口，返回退出码。SIGINT / SIGTERM 触发正常关闭。
func Run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return Execute(ctx, args, os.Stdout, os.Stderr)
}

// Execute 运行一个子命令
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	command := "acquire"
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		command, args = args[0], args[1:]
	}

	var err error
	switch command {
	case "acquire":
		err = runAcquire(ctx, args, stderr)
	case "status":
		err = runStatus(ctx, args, stdout, stderr)
	case "simulate":
		err = runSimulate(ctx, args, stderr)
	case "help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		err = fmt.Errorf("%w: unknown command %q", errUsage, command)
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, pflag.ErrHelp):
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintf(stderr, "error: %v\n%s", err, usage)
		return 2
	default:
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
}

func loadConfig(name string, args []string, stderr io.Writer, extra func(*pflag.FlagSet)) (*config.Config, error) {
	fs := pflag.NewFlagSet("picolog "+name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	config.AddFlags(fs)
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", errUsage, err)
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("%w: unexpected argument %q", errUsage, fs.Arg(0))
	}
	return config.Load(fs)
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level, err := cfg.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func newDialer(cfg *config.Config, logger *slog.Logger) (inter.Dialer, error) {
	secret, err := cfg.Secret()
	if err != nil {
		return nil, err
	}
	id, err := identity.NewIdentity(cfg.Device.BoardID, secret)
	if err != nil {
		return nil, err
	}
	return transport.NewDialer(transport.Options{
		Address:  cfg.Device.Address,
		Identity: id,
		Timeout:  cfg.Device.Timeout,
		Logger:   logger,
	}), nil
}

func runAcquire(ctx context.Context, args []string, stderr io.Writer) error {
	cfg, err := loadConfig("acquire", args, stderr, nil)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg, stderr)

	dial, err := newDialer(cfg, logger)
	if err != nil {
		return err
	}

	mirrors, store := openMirrors(ctx, cfg, logger)
	defer func() {
		for _, m := range mirrors {
			m.Close()
		}
	}()

	prevEnd := acquisition.Epoch
	if cfg.Acquisition.Resume {
		var fallback acquisition.TimestampSource
		if store != nil {
			fallback = store
		}
		prevEnd, err = acquisition.ResumePoint(ctx, cfg.Log.Path, cfg.Acquisition.CapturePeriod, fallback)
		if err != nil {
			return err
		}
		if !prevEnd.Equal(acquisition.Epoch) {
			logger.Info("resuming timeline", "previous_end", datastore.FormatTimestamp(prevEnd))
		}
	}

	sampleLog, err := datastore.OpenTextLog(cfg.Log.Path)
	if err != nil {
		return err
	}
	defer sampleLog.Close()

	loop := acquisition.New(acquisition.Config{
		HandlerID:        cfg.Acquisition.HandlerID,
		DrainParameter:   cfg.Acquisition.DrainParameter,
		CapturePeriod:    cfg.Acquisition.CapturePeriod,
		DownloadPeriod:   cfg.Acquisition.DownloadPeriod,
		GapWarnThreshold: cfg.Acquisition.GapWarnThreshold,
		RingCapacity:     cfg.Acquisition.RingCapacity,
	}, dial, sampleLog, clock.Real(), logger, mirrors...)

	logger.Info("acquisition started",
		"device", cfg.Device.Address,
		"log", cfg.Log.Path,
		"download_period", cfg.Acquisition.DownloadPeriod,
	)
	return loop.Run(ctx, prevEnd)
}

// openMirrors 打开配置中启用的镜像。镜像是尽力而为的，打开失败只记录警告。
// 成功打开的 SQL 镜像同时返回，作为文本日志缺失时的恢复来源。
func openMirrors(ctx context.Context, cfg *config.Config, logger *slog.Logger) (mirrors []inter.SampleSink, store *datastore.SQLStore) {
	deviceName := cfg.Device.BoardID
	if deviceName == "" {
		deviceName = cfg.Device.Address
	}

	if cfg.Store.Driver != "" {
		s, err := datastore.OpenSQLStore(cfg.Store.Driver, cfg.Store.DSN, deviceName)
		if err != nil {
			logger.Warn("SQL mirror disabled", "driver", cfg.Store.Driver, "error", err)
		} else {
			store = s
			mirrors = append(mirrors, s)
		}
	}

	if cfg.MQTT.Broker != "" {
		sink, err := publisher.Dial(ctx, publisher.Options{
			Broker:         cfg.MQTT.Broker,
			Topic:          cfg.MQTT.Topic,
			ClientID:       cfg.MQTT.ClientID,
			QoS:            cfg.MQTT.QoS,
			BoardID:        deviceName,
			ConnectTimeout: cfg.Device.Timeout,
			Logger:         logger,
		})
		if err != nil {
			logger.Warn("MQTT mirror disabled", "broker", cfg.MQTT.Broker, "error", err)
		} else {
			mirrors = append(mirrors, sink)
		}
	}
	return mirrors, store
}

func runStatus(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var format string
	cfg, err := loadConfig("status", args, stderr, func(fs *pflag.FlagSet) {
		fs.StringVar(&format, "format", "text", "output format: text, json or yaml")
	})
	if err != nil {
		return err
	}
	if format != "text" && format != "json" && format != "yaml" {
		return fmt.Errorf("%w: unknown format %q", errUsage, format)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg, stderr)

	dial, err := newDialer(cfg, logger)
	if err != nil {
		return err
	}
	text, err := status.Query(ctx, dial, cfg.Acquisition.HandlerID)
	if err != nil {
		// 用户中断不是错误
		if ctx.Err() != nil {
			logger.Info("status query cancelled")
			return nil
		}
		return err
	}

	if format == "text" {
		_, err = io.WriteString(stdout, text)
		return err
	}
	report, err := status.ParseReport(text)
	if err != nil {
		return err
	}
	if format == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	enc := yaml.NewEncoder(stdout)
	defer enc.Close()
	return enc.Encode(report)
}

func runSimulate(ctx context.Context, args []string, stderr io.Writer) error {
	cfg, err := loadConfig("simulate", args, stderr, nil)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, stderr)

	secret, err := cfg.Secret()
	if err != nil {
		return err
	}
	simCfg := device.DefaultConfig()
	simCfg.BoardID = cfg.Device.BoardID
	simCfg.Secret = secret
	simCfg.HandlerID = cfg.Acquisition.HandlerID
	simCfg.CapturePeriod = cfg.Acquisition.CapturePeriod
	if cfg.Acquisition.RingCapacity > 0 {
		simCfg.RingCapacity = cfg.Acquisition.RingCapacity
	}
	if simCfg.CapturePeriod <= 0 {
		return errors.New("acquisition.capture_period must be positive")
	}

	sim, err := device.NewSimulator(simCfg, clock.Real(), logger)
	if err != nil {
		return err
	}
	l, err := net.Listen("tcp", cfg.Simulate.Listen)
	if err != nil {
		return err
	}
	logger.Info("simulated device listening", "address", l.Addr().String(), "board_id", simCfg.BoardID)
	return sim.Run(ctx, l)
}
