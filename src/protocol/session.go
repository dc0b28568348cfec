package protocol

import (
	"fmt"
	"io"

	"github.com/nhirsama/picolog/src/inter"
)

// PeerError 对端发来的 MsgError 帧
type PeerError struct {
	Reason string
}

func (e *PeerError) Error() string {
	return "peer error: " + e.Reason
}

// Session 在一条连接上按顺序收发帧。
// 发送时自动分配递增序列号；接收时拒绝重放 (序列号不递增) 以及握手完成后的明文帧。
// Session 不是并发安全的，一条连接只有一个读者和一个写者。
type Session struct {
	rw      io.ReadWriter
	codec   inter.Codec
	sendKey []byte
	recvKey []byte
	sendSeq uint64
	recvSeq uint64
}

// NewSession 在 rw 上创建明文会话，握手完成后调用 SetKeys 切换为加密
func NewSession(rw io.ReadWriter) *Session {
	return &Session{
		rw:    rw,
		codec: NewPicoCodec(),
	}
}

// SetKeys 设置发送与接收方向的会话密钥
func (s *Session) SetKeys(send, recv []byte) {
	s.sendKey = send
	s.recvKey = recv
}

// Encrypted 会话是否已经切换为加密
func (s *Session) Encrypted() bool {
	return s.recvKey != nil
}

// Send 使用当前发送密钥封包并写出
func (s *Session) Send(frame *inter.Frame) error {
	return s.send(frame, s.sendKey)
}

// SendPlain 以明文发送一帧，仅用于在鉴权失败时告知对端原因
func (s *Session) SendPlain(frame *inter.Frame) error {
	return s.send(frame, nil)
}

func (s *Session) send(frame *inter.Frame, key []byte) error {
	s.sendSeq++
	frame.Seq = s.sendSeq
	buf, err := s.codec.Pack(frame, key)
	if err != nil {
		return err
	}
	_, err = s.rw.Write(buf)
	return err
}

// Receive 读取下一帧。对端的 MsgError 帧以 *PeerError 返回。
func (s *Session) Receive() (*inter.Frame, error) {
	frame, err := s.codec.Unpack(s.rw, s.recvKey)
	if err != nil {
		return nil, err
	}
	if frame.Seq <= s.recvSeq {
		return nil, fmt.Errorf("replayed frame: sequence %d after %d", frame.Seq, s.recvSeq)
	}
	s.recvSeq = frame.Seq

	if frame.Type == inter.MsgError {
		return nil, &PeerError{Reason: string(frame.Payload)}
	}
	if s.recvKey != nil && !frame.IsEncrypted {
		return nil, fmt.Errorf("plaintext frame 0x%X after handshake", uint16(frame.Type))
	}
	return frame, nil
}
