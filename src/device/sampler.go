package device

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/nhirsama/picolog/src/clock"
)

// Source 产生一个原始 ADC 读数
type Source func(now time.Time) uint16

// Sampler 以固定周期采样并写入环形缓冲区
type Sampler struct {
	buffer *RingBuffer
	period time.Duration
	source Source
	clock  clock.Clock
	latest atomic.Uint32
}

// NewSampler 创建采样器，period 必须为正
func NewSampler(buffer *RingBuffer, period time.Duration, source Source, clk clock.Clock) *Sampler {
	return &Sampler{
		buffer: buffer,
		period: period,
		source: source,
		clock:  clk,
	}
}

// Run 持续采样直到 ctx 结束。下一次采样的时间点由上一次的计划时间推算，不会累积调度误差。
func (s *Sampler) Run(ctx context.Context) {
	next := s.clock.Now()
	s.latest.Store(uint32(s.source(next)))
	for {
		next = next.Add(s.period)
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(next.Sub(s.clock.Now())):
			v := s.source(next)
			s.latest.Store(uint32(v))
			s.buffer.Push(v)
		}
	}
}

// Latest 最近一次的 ADC 读数
func (s *Sampler) Latest() uint16 {
	return uint16(s.latest.Load())
}

// DailyWave 模拟室外温度：以 mean 为中心、振幅 amplitude 的 24 小时正弦波
func DailyWave(mean, amplitude float64) Source {
	return func(now time.Time) uint16 {
		phase := 2 * math.Pi * float64(now.Unix()%86400) / 86400
		return ThermistorADC(mean + amplitude*math.Sin(phase))
	}
}
