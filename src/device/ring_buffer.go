package device

import (
	"encoding/binary"
	"sync/atomic"
)

// SampleWidth 每个采样在 payload 中占用的字节数
const SampleWidth = 2

// RingBuffer 设备端的有界采样缓冲区。
// 满时丢弃最早的一条未读采样并写入新采样，被覆盖的次数记录在 Overruns 中。
type RingBuffer struct {
	queue    chan uint16
	overruns atomic.Uint64
}

// NewRingBuffer 创建容量为 capacity 个采样的缓冲区
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{
		queue: make(chan uint16, capacity),
	}
}

// Push 写入一个采样
func (r *RingBuffer) Push(value uint16) {
	for {
		select {
		case r.queue <- value:
			return
		default:
			// 队列满策略：丢弃最早的一条并压入新采样
			select {
			case <-r.queue:
				r.overruns.Add(1)
			default:
			}
		}
	}
}

// Drain 按写入顺序取出最多 maxBytes/SampleWidth 个采样，编码为小端字节序
func (r *RingBuffer) Drain(maxBytes int) []byte {
	limit := maxBytes / SampleWidth
	out := make([]byte, 0, min(limit, len(r.queue))*SampleWidth)
	for i := 0; i < limit; i++ {
		select {
		case v := <-r.queue:
			out = binary.LittleEndian.AppendUint16(out, v)
		default:
			return out
		}
	}
	return out
}

// Len 当前未读采样数
func (r *RingBuffer) Len() int {
	return len(r.queue)
}

// Cap 缓冲区容量
func (r *RingBuffer) Cap() int {
	return cap(r.queue)
}

// Overruns 因缓冲区满而被覆盖的采样总数
func (r *RingBuffer) Overruns() uint64 {
	return r.overruns.Load()
}
