package device

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nhirsama/picolog/src/clock"
	"github.com/nhirsama/picolog/src/identity"
	"github.com/nhirsama/picolog/src/inter"
)

// Config 模拟设备的参数
type Config struct {
	BoardID       string
	Secret        string
	HandlerID     uint16
	CapturePeriod time.Duration
	RingCapacity  int
	// MeanCelsius / AmplitudeCelsius 模拟室外温度曲线
	MeanCelsius      float64
	AmplitudeCelsius float64
}

// DefaultConfig 与固件一致的默认参数
func DefaultConfig() Config {
	return Config{
		HandlerID:        inter.FirstUserHandler,
		CapturePeriod:    time.Second,
		RingCapacity:     2000,
		MeanCelsius:      12,
		AmplitudeCelsius: 6,
	}
}

// Simulator 组合环形缓冲区、采样器、状态 handler 与远程调用服务，
// 行为上等价于一块运行记录固件的开发板
type Simulator struct {
	Buffer     *RingBuffer
	Sampler    *Sampler
	Controller *Controller
	Server     *Server
}

// NewSimulator 根据配置组装模拟设备
func NewSimulator(cfg Config, clk clock.Clock, logger *slog.Logger) (*Simulator, error) {
	if cfg.RingCapacity <= 0 || cfg.CapturePeriod <= 0 {
		return nil, fmt.Errorf("simulator: invalid ring capacity %d or capture period %v", cfg.RingCapacity, cfg.CapturePeriod)
	}
	id, err := identity.NewIdentity(cfg.BoardID, cfg.Secret)
	if err != nil {
		return nil, err
	}

	buffer := NewRingBuffer(cfg.RingCapacity)
	sampler := NewSampler(buffer, cfg.CapturePeriod, DailyWave(cfg.MeanCelsius, cfg.AmplitudeCelsius), clk)
	controller := NewController(buffer, clk)
	server := NewServer(id, logger)
	server.Handle(cfg.HandlerID, controller.StatusHandler(func() float64 {
		return ThermistorCelsius(sampler.Latest())
	}))

	return &Simulator{
		Buffer:     buffer,
		Sampler:    sampler,
		Controller: controller,
		Server:     server,
	}, nil
}

// Run 启动采样与服务，直到 ctx 结束
func (s *Simulator) Run(ctx context.Context, l net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Sampler.Run(ctx)
	}()
	err := s.Server.Serve(ctx, l)
	cancel()
	wg.Wait()
	return err
}
