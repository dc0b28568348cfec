package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/nhirsama/picolog/src/inter"
	"github.com/sigurn/crc16"
	"golang.org/x/crypto/chacha20poly1305"
)

// PicoCodec 实现 inter.Codec 接口
type PicoCodec struct{}

// NewPicoCodec 创建一个新的编解码器实例
func NewPicoCodec() inter.Codec {
	return &PicoCodec{}
}

// 初始化 Modbus CRC16 表
var modbusTable = crc16.MakeTable(crc16.CRC16_MODBUS)

func crc16Modbus(data []byte) uint16 {
	return crc16.Checksum(data, modbusTable)
}

func (c *PicoCodec) Pack(frame *inter.Frame, key []byte) ([]byte, error) {
	payloadLen := len(frame.Payload)
	if payloadLen > int(inter.MaxPayloadSize) {
		return nil, fmt.Errorf("payload too large: %d", payloadLen)
	}

	totalSize := int(inter.HeaderSize) + payloadLen + int(inter.FooterSize)

	// 初始长度为HeaderSize用于填充头部，容量为totalSize用于追加Payload/Footer
	buf := make([]byte, inter.HeaderSize, totalSize)

	var flags uint8 = 0
	if frame.IsResponse {
		flags |= inter.FlagResponse
	}
	isEncrypted := key != nil
	if isEncrypted {
		flags |= inter.FlagEncrypted
	}

	// 填充头部 (Offset 0-31)
	binary.LittleEndian.PutUint16(buf[0:], inter.MagicNumber)
	buf[2] = inter.ProtocolVersion
	buf[3] = flags
	binary.LittleEndian.PutUint16(buf[4:], uint16(frame.Type))
	binary.LittleEndian.PutUint16(buf[6:], frame.HandlerID)
	binary.LittleEndian.PutUint32(buf[8:], uint32(frame.Value))
	binary.LittleEndian.PutUint32(buf[12:], uint32(payloadLen))

	// Nonce: Salt(4B) + Seq(8B) 在 Offset 16
	if _, err := io.ReadFull(rand.Reader, buf[16:20]); err != nil {
		return nil, fmt.Errorf("generating nonce salt: %w", err)
	}
	binary.LittleEndian.PutUint64(buf[20:], frame.Seq)

	// Header CRC16 覆盖前 28 字节，buf[30:32] 是填充位
	binary.LittleEndian.PutUint16(buf[28:], crc16Modbus(buf[:28]))

	if isEncrypted {
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("initialising cipher: %w", err)
		}

		// Nonce 为 buf[16:28]，AAD 为不含 CRC/Padding 的头部
		nonce := buf[16:28]
		aad := buf[:28]

		// Seal 追加 (ciphertext + tag)，tag 恰好占据 Footer 的 16 字节
		buf = aead.Seal(buf, nonce, frame.Payload, aad)

		if len(buf) != totalSize {
			return nil, fmt.Errorf("sealed frame size mismatch: want %d, got %d", totalSize, len(buf))
		}
	} else {
		buf = append(buf, frame.Payload...)

		// Footer: CRC32(Header + Payload) + 12 字节填充
		sum := crc32.ChecksumIEEE(buf)
		currentLen := len(buf)
		buf = append(buf, make([]byte, inter.FooterSize)...)
		binary.LittleEndian.PutUint32(buf[currentLen:], sum)
	}

	return buf, nil
}

func (c *PicoCodec) Unpack(r io.Reader, key []byte) (*inter.Frame, error) {
	headerBuf := make([]byte, inter.HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, err
	}

	magic := binary.LittleEndian.Uint16(headerBuf[0:])
	if magic != inter.MagicNumber {
		return nil, fmt.Errorf("invalid magic: 0x%X", magic)
	}
	if headerBuf[2] != inter.ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", headerBuf[2])
	}

	expectedCRC := binary.LittleEndian.Uint16(headerBuf[28:])
	actualCRC := crc16Modbus(headerBuf[:28])
	if expectedCRC != actualCRC {
		return nil, fmt.Errorf("header CRC mismatch: want 0x%X, got 0x%X", expectedCRC, actualCRC)
	}

	flags := headerBuf[3]
	length := binary.LittleEndian.Uint32(headerBuf[12:])
	nonce := headerBuf[16:28]
	if length > inter.MaxPayloadSize {
		return nil, fmt.Errorf("payload too large: %d", length)
	}

	frame := &inter.Frame{
		Type:        inter.MsgType(binary.LittleEndian.Uint16(headerBuf[4:])),
		HandlerID:   binary.LittleEndian.Uint16(headerBuf[6:]),
		Value:       int32(binary.LittleEndian.Uint32(headerBuf[8:])),
		Seq:         binary.LittleEndian.Uint64(headerBuf[20:]),
		IsResponse:  flags&inter.FlagResponse != 0,
		IsEncrypted: flags&inter.FlagEncrypted != 0,
	}

	// Body = Payload (length) + Footer (16)，一次性读取
	bodyBuf := make([]byte, length+inter.FooterSize)
	if _, err := io.ReadFull(r, bodyBuf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	if frame.IsEncrypted {
		if key == nil {
			return nil, errors.New("received encrypted frame without a session key")
		}
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("initialising cipher: %w", err)
		}
		// bodyBuf 结构: [EncryptedPayload... | Tag(16)]，正好符合 Open 的要求
		plaintext, err := aead.Open(nil, nonce, bodyBuf, headerBuf[:28])
		if err != nil {
			return nil, fmt.Errorf("decrypting frame: %w", err)
		}
		frame.Payload = plaintext
		return frame, nil
	}

	rawPayload := bodyBuf[:length]
	footer := bodyBuf[length:]

	chk := crc32.NewIEEE()
	chk.Write(headerBuf)
	chk.Write(rawPayload)
	actualSum := chk.Sum32()
	expectedSum := binary.LittleEndian.Uint32(footer[0:])
	if actualSum != expectedSum {
		return nil, fmt.Errorf("payload CRC32 mismatch: want 0x%X, got 0x%X", expectedSum, actualSum)
	}
	frame.Payload = rawPayload
	return frame, nil
}
