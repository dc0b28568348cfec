package decoder

import (
	"encoding/binary"
	"fmt"

	"github.com/nhirsama/picolog/src/inter"
)

// SampleWidth 每个采样的字节数，小端序
const SampleWidth = 2

// Decode 将一次下载调用的结果解码为原始采样。
// status 非零时返回 *inter.RemoteError，payload 不会被解析；
// payload 长度不是 SampleWidth 的整数倍时返回 inter.ErrMalformedPayload。
// 空 payload 是合法的，表示设备上没有新的采样。
func Decode(payload []byte, status int32) ([]uint16, error) {
	if status != 0 {
		return nil, &inter.RemoteError{Status: status}
	}
	if len(payload)%SampleWidth != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", inter.ErrMalformedPayload, len(payload), SampleWidth)
	}

	values := make([]uint16, len(payload)/SampleWidth)
	for i := range values {
		values[i] = binary.LittleEndian.Uint16(payload[i*SampleWidth:])
	}
	return values, nil
}
