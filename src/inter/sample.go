package inter

import (
	"context"
	"time"
)

// Sample 一次 ADC 采样及其重建后的绝对时间
type Sample struct {
	Timestamp time.Time `json:"ts"`    // 重建时间戳
	Value     uint16    `json:"value"` // 原始 ADC 读数
}

// Batch 一次轮询返回的全部采样，共享同一个起始时间与采样周期
type Batch struct {
	Start   time.Time     `json:"start"`
	Period  time.Duration `json:"period"`
	Samples []Sample      `json:"samples"`
}

// End 返回该批次覆盖区间的结束时间 (Start + len(Samples) * Period)
func (b Batch) End() time.Time {
	return b.Start.Add(time.Duration(len(b.Samples)) * b.Period)
}

// Len 返回批次内的采样数
func (b Batch) Len() int {
	return len(b.Samples)
}

// SampleSink 定义了批次持久化的标准接口。
// 主日志 (追加写文本文件) 与可选的镜像 (SQL、MQTT) 都实现该接口。
type SampleSink interface {
	// WriteBatch 写入一个批次，返回前数据必须已经落盘或交付
	WriteBatch(ctx context.Context, batch Batch) error

	// Close 释放底层资源
	Close() error
}

// Channel 定义了与单个远程设备之间的鉴权请求/响应通道。
// 通道由创建者独占，不支持并发调用。
type Channel interface {
	// Invoke 调用设备端 handler，返回 payload 与 handler 的返回码。
	// 通道失效时返回包装了 ErrTransport 的错误；ctx 结束时返回 ctx.Err()。
	Invoke(ctx context.Context, handlerID uint16, parameter int32) (payload []byte, status int32, err error)

	// Close 关闭通道，可重复调用
	Close() error
}

// Dialer 建立一个新的 Channel，失败时返回包装了 ErrConnection 的错误
type Dialer func(ctx context.Context) (Channel, error)
