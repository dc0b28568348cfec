package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nhirsama/picolog/src/clock"
	"github.com/nhirsama/picolog/src/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "correct horse battery staple"

// syncBuffer 供并发写入的日志输出
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// startSimulator 在随机端口上运行模拟设备
func startSimulator(t *testing.T) string {
	t.Helper()
	cfg := device.DefaultConfig()
	cfg.BoardID = "E6614103E7"
	cfg.Secret = testSecret
	cfg.CapturePeriod = 10 * time.Millisecond
	sim, err := device.NewSimulator(cfg, clock.Real(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sim.Run(ctx, l)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l.Addr().String()
}

// writeConfig 写入测试用配置文件，并隔离工作目录
func writeConfig(t *testing.T) (dir, path string) {
	dir = t.TempDir()
	t.Chdir(dir)
	path = filepath.Join(dir, "picolog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
device:
  board_id: E6614103E7
  secret: "`+testSecret+`"
  timeout: 5s
acquisition:
  capture_period: 10ms
  download_period: 50ms
`), 0o644))
	return dir, path
}

func TestStatusCommand(t *testing.T) {
	addr := startSimulator(t)
	_, cfgPath := writeConfig(t)

	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), []string{"status", "--config", cfgPath, "--address", addr}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Regexp(t, `^ext -?\d+\.\d int 30\.0 control ON auto 1 temp MILD up \d+\n$`, stdout.String())

	stdout.Reset()
	code = Execute(context.Background(), []string{"status", "--config", cfgPath, "--address", addr, "--format", "json"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	var report map[string]any
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
	assert.Equal(t, "ON", report["control"])

	stdout.Reset()
	code = Execute(context.Background(), []string{"status", "--config", cfgPath, "--address", addr, "--format", "yaml"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "band: MILD")
}

func TestStatusCommandCancelled(t *testing.T) {
	addr := startSimulator(t)
	_, cfgPath := writeConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var stdout, stderr bytes.Buffer
	code := Execute(ctx, []string{"status", "--config", cfgPath, "--address", addr}, &stdout, &stderr)
	assert.Equal(t, 0, code, stderr.String())
	assert.Empty(t, stdout.String())
	assert.NotContains(t, stderr.String(), "error:")
}

func TestStatusCommandCancelledWhilePolling(t *testing.T) {
	// 设备接受连接但从不应答
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()
	_, cfgPath := writeConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	var stderr bytes.Buffer
	code := Execute(ctx, []string{"status", "--config", cfgPath, "--address", l.Addr().String()}, io.Discard, &stderr)
	assert.Equal(t, 0, code, stderr.String())
	assert.NotContains(t, stderr.String(), "error:")
}

func TestAcquireCommandAppendsUntilCancelled(t *testing.T) {
	addr := startSimulator(t)
	dir, cfgPath := writeConfig(t)
	logPath := filepath.Join(dir, "samples.txt")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stderr := &syncBuffer{}
	done := make(chan int, 1)
	go func() {
		done <- Execute(ctx, []string{"--config", cfgPath, "--address", addr, "--log-path", logPath}, io.Discard, stderr)
	}()

	require.Eventually(t, func() bool {
		data, _ := os.ReadFile(logPath)
		return strings.Count(string(data), "\n") >= 10
	}, 10*time.Second, 20*time.Millisecond, stderr.String())
	cancel()

	select {
	case code := <-done:
		assert.Equal(t, 0, code, stderr.String())
	case <-time.After(10 * time.Second):
		t.Fatal("acquire did not stop")
	}

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	var prev float64
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var ts float64
		var value uint16
		_, err := fmt.Sscan(line, &ts, &value)
		require.NoError(t, err, line)
		assert.GreaterOrEqual(t, ts, prev, line)
		prev = ts
	}
}

func TestAcquireConnectionError(t *testing.T) {
	_, cfgPath := writeConfig(t)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	var stderr bytes.Buffer
	code := Execute(context.Background(), []string{"acquire", "--config", cfgPath, "--address", addr}, io.Discard, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "error: connection error")
}

func TestAcquireWrongSecret(t *testing.T) {
	addr := startSimulator(t)
	_, cfgPath := writeConfig(t)
	t.Setenv("PICOLOG_DEVICE_SECRET", "wrong")

	var stderr bytes.Buffer
	code := Execute(context.Background(), []string{"--config", cfgPath, "--address", addr}, io.Discard, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "authentication rejected")
}

func TestInvalidConfiguration(t *testing.T) {
	_, cfgPath := writeConfig(t)

	var stderr bytes.Buffer
	code := Execute(context.Background(), []string{"--config", cfgPath}, io.Discard, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "device.address is required")
}

func TestUsageErrors(t *testing.T) {
	var stderr bytes.Buffer
	assert.Equal(t, 2, Execute(context.Background(), []string{"frobnicate"}, io.Discard, &stderr))
	assert.Contains(t, stderr.String(), `unknown command "frobnicate"`)

	stderr.Reset()
	assert.Equal(t, 2, Execute(context.Background(), []string{"--no-such-flag"}, io.Discard, &stderr))

	var stdout bytes.Buffer
	assert.Equal(t, 0, Execute(context.Background(), []string{"help"}, &stdout, io.Discard))
	assert.Contains(t, stdout.String(), "simulate")
}
