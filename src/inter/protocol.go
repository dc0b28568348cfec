package inter

import "io"

// =============================================================================
// picolog 远程调用协议常量与类型定义
// =============================================================================

const (
	// MagicNumber 协议魔数 (0x5052 = "RP", remote picotool)
	MagicNumber uint16 = 0x5052
	// ProtocolVersion 当前协议版本号
	ProtocolVersion uint8 = 0x01
	// HeaderSize 固定头部大小 (32 Bytes)
	HeaderSize uint32 = 32
	// FooterSize 固定尾部大小 (16 Bytes)，明文为 CRC32 + 填充，密文为 AEAD Tag
	FooterSize uint32 = 16
	// MaxPayloadSize 单帧 Payload 上限 (1MB)
	MaxPayloadSize uint32 = 1 * 1024 * 1024
	// DefaultPort 设备端监听的默认 TCP 端口
	DefaultPort = 1404
)

// 头部标志位
const (
	// FlagResponse Bit 0: 设备端发出的响应帧
	FlagResponse uint8 = 0x01
	// FlagEncrypted Bit 1: Payload 已加密
	FlagEncrypted uint8 = 0x02
)

// MsgType 消息类型
type MsgType uint16

// 握手与鉴权 (System)
const (
	// MsgHello 客户端第一帧，携带 X25519 公钥与 board id
	MsgHello MsgType = 0x0001 + iota
	// MsgChallenge 设备回应，携带设备公钥与 16 字节挑战值
	MsgChallenge
	// MsgAuth 客户端提交鉴权证明 (加密)
	MsgAuth
	// MsgAuthAck 设备返回鉴权结果与设备端证明 (加密)，Value 为 0 表示通过
	MsgAuthAck
	// MsgError 错误上报，Payload 为可读的原因文本
	MsgError MsgType = 0x00FF
)

// 远程过程调用 (RPC)
const (
	// MsgRun 调用设备端 handler，Value 为调用参数
	MsgRun MsgType = 0x0101 + iota
	// MsgResult handler 返回结果，Value 为 handler 的返回码
	MsgResult
)

// FirstUserHandler 用户 handler 的起始编号，更小的编号保留给设备固件自身
const FirstUserHandler uint16 = 128

// Frame 表示一个解码后的协议帧
type Frame struct {
	// Type 消息类型
	Type MsgType
	// HandlerID 被调用的 handler 编号 (仅 MsgRun / MsgResult 有意义)
	HandlerID uint16
	// Value 请求时为参数，响应时为返回码
	Value int32
	// Seq 发送方的序列号，同一方向上严格递增
	Seq uint64
	// IsResponse 是否为设备端响应
	IsResponse bool
	// IsEncrypted 数据部分是否已加密
	IsEncrypted bool

	// Payload 解密后的原始业务数据
	Payload []byte
}

// Codec 定义了协议封包与解包的核心接口
type Codec interface {
	// Pack 将帧封装为传输用的字节流
	// key 为 nil 时以明文 + CRC32 发送，否则使用 AEAD 加密
	Pack(frame *Frame, key []byte) ([]byte, error)

	// Unpack 从输入流中解析出一帧完整的协议包
	// key: 用于解密的对称密钥 (若未加密可传 nil)
	Unpack(reader io.Reader, key []byte) (*Frame, error)
}

// 状态 handler 的调用参数
const (
	// ParamTextReport 返回一行文本状态报告
	ParamTextReport int32 = 0
	// ParamStateDump 返回设备内部状态结构的原始字节 (小端，32 字节，见 device.StateDump)
	ParamStateDump int32 = 1
	// ParamSampleDrain 取出环形缓冲区中尚未读取的采样 (uint16 小端)
	ParamSampleDrain int32 = 2
)
