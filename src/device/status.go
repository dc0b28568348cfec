package device

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/nhirsama/picolog/src/clock"
	"github.com/nhirsama/picolog/src/inter"
)

// MaxOutputSize 单次调用返回数据的上限 (2000 个采样)
const MaxOutputSize = 4000

// HandlerFunc 设备端 handler。返回 handler 的返回码与输出数据。
type HandlerFunc func(parameter int32, input []byte) (int32, []byte)

// Controller 模拟通风控制器的可观察状态，用于生成文本状态报告
type Controller struct {
	mu       sync.Mutex
	buffer   *RingBuffer
	clock    clock.Clock
	bootTime time.Time

	Internal float64
	Control  string
	Auto     bool
	Band     string
}

// NewController 创建控制器状态，外部温度由环形缓冲区中最近的读数推算
func NewController(buffer *RingBuffer, clk clock.Clock) *Controller {
	return &Controller{
		buffer:   buffer,
		clock:    clk,
		bootTime: clk.Now(),
		Internal: 30.0,
		Control:  "ON",
		Auto:     true,
		Band:     "MILD",
	}
}

// Report 生成一行文本状态报告
func (c *Controller) Report(external float64) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	auto := 0
	if c.Auto {
		auto = 1
	}
	uptime := int64(c.clock.Now().Sub(c.bootTime) / time.Second)
	return fmt.Sprintf("ext %1.1f int %1.1f control %s auto %d temp %s up %d\n",
		external, c.Internal, c.Control, auto, c.Band, uptime)
}

// StateDump 参数 1 返回的内部状态，按字段顺序小端编码，共 StateDumpSize 字节
type StateDump struct {
	External float32
	Internal float32
	Control  [4]byte // ASCII，不足补 0
	Band     [4]byte // ASCII，不足补 0
	Auto     uint8
	_        [3]byte
	Uptime   uint32 // 秒
	Overruns uint32 // 环形缓冲区被覆盖的采样数
	Buffered uint16 // 尚未取出的采样数
	_        [2]byte
}

// StateDumpSize StateDump 的编码长度
const StateDumpSize = 32

// Dump 生成当前内部状态
func (c *Controller) Dump(external float64) StateDump {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := StateDump{
		External: float32(external),
		Internal: float32(c.Internal),
		Uptime:   uint32(c.clock.Now().Sub(c.bootTime) / time.Second),
		Overruns: uint32(c.buffer.Overruns()),
		Buffered: uint16(c.buffer.Len()),
	}
	copy(d.Control[:], c.Control)
	copy(d.Band[:], c.Band)
	if c.Auto {
		d.Auto = 1
	}
	return d
}

// MarshalBinary 按小端编码
func (d StateDump) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(StateDumpSize)
	if err := binary.Write(&buf, binary.LittleEndian, d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// StatusHandler 实现状态查询 handler：
// 参数 0 返回文本报告，参数 1 返回内部状态的二进制编码，
// 参数 2 取出环形缓冲区中的采样，其余参数返回空数据。
func (c *Controller) StatusHandler(external func() float64) HandlerFunc {
	return func(parameter int32, _ []byte) (int32, []byte) {
		switch parameter {
		case inter.ParamTextReport:
			return 0, []byte(c.Report(external()))
		case inter.ParamStateDump:
			data, err := c.Dump(external()).MarshalBinary()
			if err != nil {
				return -1, nil
			}
			return 0, data
		case inter.ParamSampleDrain:
			return 0, c.buffer.Drain(MaxOutputSize)
		default:
			return 0, nil
		}
	}
}
