package inter

import (
	"errors"
	"fmt"
)

// 定义采集过程中的标准错误
var (
	// ErrConnection 无法建立到设备的通道 (启动阶段致命)
	ErrConnection = errors.New("connection error")

	// ErrTransport 通道在运行中失效 (网络中断、设备重启)
	ErrTransport = errors.New("transport error")

	// ErrMalformedPayload payload 长度与采样宽度不符
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrAuthRejected 设备拒绝了鉴权证明，或设备端证明校验失败
	ErrAuthRejected = errors.New("authentication rejected")
)

// RemoteError 设备对一次调用返回了非零返回码
type RemoteError struct {
	Status int32
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error: device returned status %d", e.Status)
}
