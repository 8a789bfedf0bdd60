package StreamDecoder

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/pkg/errors"
)

/*
设备 (BCI2000 App Connector) 输出的文本协议，每行一条记录:

	SourceTime 12345
	Signal(0,17) 0.2531

SourceTime 是设备上的毫秒时钟，16 位回绕 (0 - 65535)，大约每 0.5s 出现一次。
Signal(通道,下标) 后面跟一个浮点数，下标即频率 bin。
匹配一律从行首开始。
*/

const (
	// ClockRange 设备时钟的回绕周期 (ms)
	ClockRange = 65536

	// DefaultHeaderExpr 头记录，第 1 组为时间戳
	DefaultHeaderExpr = `SourceTime\s+(\d+)`
	// signalExpr 信号记录: 通道、下标、数值
	signalExpr = `Signal\((\d+),(\d+)\)\s([-+]?\d*\.?\d+([eE][-+]?\d+)?)`
	// signalPrefixExpr 只匹配信号记录的 (通道,下标) 部分，用于校准
	signalPrefixExpr = `Signal\((\d+),(\d+)\)`
)

var (
	signalRe       = regexp.MustCompile("^" + signalExpr)
	signalPrefixRe = regexp.MustCompile("^" + signalPrefixExpr)
)

// Signal 一条信号记录
type Signal struct {
	Channel int
	Index   int
	Value   float64
}

// Pattern 从行首开始匹配的正则
type Pattern struct {
	expr string
	re   *regexp.Regexp
}

// CompilePattern 编译一个行首匹配的模式
func CompilePattern(expr string) (*Pattern, error) {
	re, err := regexp.Compile("^(?:" + expr + ")")
	if err != nil {
		return nil, errors.Wrapf(err, "bad pattern %q", expr)
	}
	return &Pattern{expr: expr, re: re}, nil
}

// MustCompilePattern 同 CompilePattern，出错直接 panic
func MustCompilePattern(expr string) *Pattern {
	p, err := CompilePattern(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// HeaderPattern 默认的头记录模式
func HeaderPattern() *Pattern {
	return MustCompilePattern(DefaultHeaderExpr)
}

// SentinelPattern 每批数据最后一条信号记录的模式
func SentinelPattern(channel, index int) *Pattern {
	return MustCompilePattern(fmt.Sprintf(`Signal\(%d,%d\)`, channel, index))
}

// Match 是否匹配
func (p *Pattern) Match(line string) bool {
	return p.re.MatchString(line)
}

// Stamp 取第 1 组并解析为整数，用于头记录
func (p *Pattern) Stamp(line string) (int, bool) {
	m := p.re.FindStringSubmatch(line)
	if len(m) < 2 {
		return 0, false
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return v, true
}

func (p *Pattern) String() string {
	return p.expr
}

// ParseSignal 解析信号记录，不符合语法返回 false
func ParseSignal(line string) (Signal, bool) {
	m := signalRe.FindStringSubmatch(line)
	if m == nil {
		return Signal{}, false
	}
	ch, err1 := strconv.Atoi(m[1])
	idx, err2 := strconv.Atoi(m[2])
	v, err3 := strconv.ParseFloat(m[3], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return Signal{}, false
	}
	return Signal{Channel: ch, Index: idx, Value: v}, true
}

// parseSignalID 只解析 (通道,下标)
func parseSignalID(line string) (int, int, bool) {
	m := signalPrefixRe.FindStringSubmatch(line)
	if m == nil {
		return 0, 0, false
	}
	ch, err1 := strconv.Atoi(m[1])
	idx, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return ch, idx, true
}

// Elapsed 计算两个设备时间戳之间经过的毫秒数，处理 65536ms 回绕
func Elapsed(first, second int) int {
	diff := (second - first) % ClockRange
	if diff < 0 {
		diff += ClockRange
	}
	return diff
}

// FormatHeader 生成头记录 (模拟设备用)
func FormatHeader(stamp int) string {
	return fmt.Sprintf("SourceTime %d", stamp%ClockRange)
}

// FormatSignal 生成信号记录 (模拟设备用)
func FormatSignal(s Signal) string {
	return fmt.Sprintf("Signal(%d,%d) %s", s.Channel, s.Index, strconv.FormatFloat(s.Value, 'g', -1, 64))
}
