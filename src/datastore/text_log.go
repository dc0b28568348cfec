package datastore

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nhirsama/picolog/src/inter"
)

// TextLog 追加写的文本采样日志，每个采样一行 "<秒, 两位小数> <ADC 值>"。
// 日志只有一个写者，重启后从文件末尾继续写入，不会覆盖历史数据。
type TextLog struct {
	file *os.File
}

var _ inter.SampleSink = (*TextLog)(nil)

// OpenTextLog 以追加模式打开 (必要时创建) 日志文件。
// 上次写入中途崩溃留下的不完整末行会被截掉，新的记录总是从行首开始。
func OpenTextLog(path string) (*TextLog, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening sample log: %w", err)
	}
	if err := repairTail(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("repairing sample log: %w", err)
	}
	return &TextLog{file: f}, nil
}

// repairTail 截掉文件末尾没有换行符的部分
func repairTail(f *os.File) error {
	tail, offset, err := readTail(f)
	if err != nil || len(tail) == 0 || tail[len(tail)-1] == '\n' {
		return err
	}
	if i := bytes.LastIndexByte(tail, '\n'); i >= 0 || offset == 0 {
		if err := f.Truncate(offset + int64(i+1)); err != nil {
			return err
		}
		return f.Sync()
	}
	// 末行比读取窗口还长，无法定位行首，另起一行
	_, err = f.Write([]byte{'\n'})
	return err
}

// readTail 读取文件末尾最多 tailWindow 字节，返回数据及其在文件中的偏移
func readTail(f *os.File) ([]byte, int64, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	offset := max(info.Size()-tailWindow, 0)
	tail := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(tail, offset); err != nil && !errors.Is(err, io.EOF) {
		return nil, 0, err
	}
	return tail, offset, nil
}

// FormatBatch 将批次格式化为日志行。相同的输入总是得到相同的输出。
func FormatBatch(batch inter.Batch) []byte {
	var buf bytes.Buffer
	for _, s := range batch.Samples {
		buf.WriteString(FormatTimestamp(s.Timestamp))
		buf.WriteByte(' ')
		buf.WriteString(strconv.FormatUint(uint64(s.Value), 10))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// FormatTimestamp 以 Unix 秒 (两位小数) 表示时间
func FormatTimestamp(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 2, 64)
}

// WriteBatch 写入整个批次并立即落盘
func (l *TextLog) WriteBatch(_ context.Context, batch inter.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	if _, err := l.file.Write(FormatBatch(batch)); err != nil {
		return fmt.Errorf("writing sample log: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("syncing sample log: %w", err)
	}
	return nil
}

func (l *TextLog) Close() error {
	return l.file.Close()
}

// tailWindow 读取文件末尾的字节数，远大于一行日志的长度
const tailWindow = 4096

// LastTimestamp 读取日志最后一个完整行 (以换行结尾) 的时间戳。
// 崩溃留下的不完整末行被忽略。文件不存在或没有完整行时 ok 为 false；
// 最后一个完整行无法解析时返回错误。
func LastTimestamp(path string) (ts time.Time, ok bool, err error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	defer f.Close()

	tail, _, err := readTail(f)
	if err != nil {
		return time.Time{}, false, err
	}
	if i := bytes.LastIndexByte(tail, '\n'); i >= 0 {
		tail = tail[:i+1]
	} else {
		tail = nil
	}

	var last string
	scanner := bufio.NewScanner(bytes.NewReader(tail))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			last = line
		}
	}
	if last == "" {
		return time.Time{}, false, nil
	}

	ts, err = ParseLine(last)
	if err != nil {
		return time.Time{}, false, err
	}
	return ts, true, nil
}

// ParseLine 解析一行日志的时间戳部分
func ParseLine(line string) (time.Time, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return time.Time{}, fmt.Errorf("malformed log line %q", line)
	}
	if _, err := strconv.ParseUint(fields[1], 10, 16); err != nil {
		return time.Time{}, fmt.Errorf("malformed log line %q: %w", line, err)
	}
	secs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed log line %q: %w", line, err)
	}
	// 日志只保留两位小数，按 10ms 取整避免浮点误差
	return time.UnixMilli(int64(math.Round(secs*100)) * 10), nil
}
