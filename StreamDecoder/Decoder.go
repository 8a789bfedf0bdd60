package StreamDecoder

import (
	"context"
	"time"
)

// DefaultHeaderPeriod 设备两个头记录之间的间隔
const DefaultHeaderPeriod = 500 * time.Millisecond

// Window 一次 Collect 收集到的数据
type Window struct {
	Records   []string      // 完整记录，总是以哨兵记录结尾
	LastStamp int           // 最后一个头记录的时间戳
	Headers   int           // 本次看到的头记录数量
	Elapsed   time.Duration // 按设备时钟计算的经过时间
}

// Decoder 有状态的流解码器
// 同一个 Decoder 只能由一个 goroutine 使用: Feed / Collect / DiscardUntilSentinel 不能并发调用
type Decoder struct {
	src      Source
	splitter Splitter
	pending  []string // 已经完整但还没被消费的记录

	lastStamp int
	hasStamp  bool
	sentinel  *Pattern

	// HeaderPeriod 用来把时长换算成头记录个数
	HeaderPeriod time.Duration
	// Kinds 信号通道号 -> 信号类型名，见 ToPeriodBuffer
	Kinds map[int]string
}

// NewDecoder 创建解码器，src 可以为 nil (只用 Feed 推数据)
func NewDecoder(src Source) *Decoder {
	return &Decoder{
		src:          src,
		HeaderPeriod: DefaultHeaderPeriod,
		Kinds:        DefaultKinds(),
	}
}

// Feed 输入一块原始数据，返回切分出的片段
// 其中的完整记录同时进入内部队列，供后续阻塞操作消费
func (d *Decoder) Feed(chunk []byte) []Fragment {
	frags := d.splitter.Feed(chunk)
	d.pending = append(d.pending, Complete(frags)...)
	return frags
}

// next 取下一条完整记录，队列为空时阻塞读取数据源
func (d *Decoder) next(ctx context.Context) (string, error) {
	for len(d.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if d.src == nil {
			return "", ErrSourceClosed
		}
		chunk, err := d.src.Recv(ctx)
		if err != nil {
			return "", err
		}
		d.Feed(chunk)
	}
	rec := d.pending[0]
	d.pending = d.pending[1:]
	return rec, nil
}

// DetectSentinel 校准: 找出每批数据的最后一条信号记录
// 设备每批发多少条信号没有文档，只能观察: 从第一次看到 Signal(0,0) 开始，
// 记录遇到的最大通道号和最大下标，直到 Signal(0,0) 再次出现
func (d *Decoder) DetectSentinel(ctx context.Context) (*Pattern, error) {
	seenFirst := false
	maxChan, maxSig := -1, -1

	for {
		rec, err := d.next(ctx)
		if err != nil {
			return nil, err
		}
		ch, sig, ok := parseSignalID(rec)
		if !ok {
			continue
		}

		if ch == 0 && sig == 0 {
			if seenFirst {
				d.sentinel = SentinelPattern(maxChan, maxSig)
				return d.sentinel, nil
			}
			seenFirst = true
		}
		if !seenFirst {
			continue
		}
		if ch > maxChan {
			maxChan = ch
		}
		if sig > maxSig {
			maxSig = sig
		}
	}
}

// Sentinel 最近一次校准得到的哨兵模式
func (d *Decoder) Sentinel() *Pattern {
	return d.sentinel
}

// DiscardUntilSentinel 丢弃数据直到批次边界，返回最近的头记录时间戳
// 需要同时见过头记录和哨兵才返回，之后的 Collect 从新批次的开头开始
func (d *Decoder) DiscardUntilSentinel(ctx context.Context, sentinel, header *Pattern) (int, error) {
	stamp, hasStamp := 0, false
	for {
		rec, err := d.next(ctx)
		if err != nil {
			return 0, err
		}
		if s, ok := header.Stamp(rec); ok {
			stamp, hasStamp = s, true
		}
		if hasStamp && sentinel.Match(rec) {
			d.lastStamp, d.hasStamp = stamp, true
			return stamp, nil
		}
	}
}

// Collect 收集至少 duration 对应数量的头记录，并且在哨兵处结束
// last < 0 表示还没有上一个时间戳
// 哨兵之后已经收到的记录留在队列里，下次 Collect 继续使用，不会丢
func (d *Decoder) Collect(ctx context.Context, duration time.Duration, header, sentinel *Pattern, last int) (*Window, error) {
	period := d.HeaderPeriod
	if period <= 0 {
		period = DefaultHeaderPeriod
	}
	numPackets := int(duration / period)

	w := &Window{LastStamp: last}
	elapsedMs := 0
	fullPacket := false

	for w.Headers < numPackets || !fullPacket {
		rec, err := d.next(ctx)
		if err != nil {
			return nil, err
		}
		w.Records = append(w.Records, rec)
		fullPacket = sentinel.Match(rec)

		if stamp, ok := header.Stamp(rec); ok {
			w.Headers++
			if w.LastStamp >= 0 {
				elapsedMs += Elapsed(w.LastStamp, stamp)
			}
			w.LastStamp = stamp
		}
	}

	w.Elapsed = time.Duration(elapsedMs) * time.Millisecond
	if w.LastStamp >= 0 {
		d.lastStamp, d.hasStamp = w.LastStamp, true
	}
	return w, nil
}

// Reset 丢弃残片和队列中未消费的记录，哨兵保留
// 数据源中断过 (例如暂停接收) 之后调用，避免前后两段数据拼成一行
func (d *Decoder) Reset() {
	d.splitter.Reset()
	d.pending = nil
	d.hasStamp = false
}

// Pending 队列中还没消费的完整记录数
func (d *Decoder) Pending() int {
	return len(d.pending)
}

// LastStamp 解码器看到的最后一个时间戳
func (d *Decoder) LastStamp() (int, bool) {
	return d.lastStamp, d.hasStamp
}

// ToPeriodBuffer 按本解码器的信号类型表解析记录
func (d *Decoder) ToPeriodBuffer(records []string) PeriodBuffer {
	return ToPeriodBuffer(records, d.Kinds)
}
