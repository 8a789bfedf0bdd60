package ssvep

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"ssvep/DecisionEngine"
	"ssvep/Features"
	"ssvep/NaiveBayes"
	"ssvep/StreamDecoder"
)

// period 解码线程交给推理线程的一个观测周期
type period struct {
	seq    int
	stamp  int
	buffer StreamDecoder.PeriodBuffer
}

// System 管理一次在线识别会话的生命周期
//
//	接收线程: ByteSource -> 有界队列
//	解码线程: 队列 -> Decoder (校准、对齐、逐周期收集) -> periods
//	推理线程: periods -> 特征 -> Classifier.Predict -> Engine -> 回调
type System struct {
	cfg        *Config
	ID         string
	classifier *NaiveBayes.Classifier
	selector   *Features.Selector
	engine     DecisionEngine.Engine
	source     ByteSource

	Capture   *CaptureFile
	Posterior PosteriorLogger
	Publisher Publisher

	// 回调
	OnDecision    func(d Decision)      // 每个决策周期结束时回调一次
	OnStatus      func(d Decision)      // 冷却等状态变化
	OnObservation func(o Observation)   // 每个周期的分类结果
	OnCalibrated  func(sentinel string) // 找到批次哨兵

	stream *Stream
	cancel context.CancelFunc
	wg     sync.WaitGroup
	armCh  chan struct{}
	done   chan struct{}

	errMu sync.Mutex
	err   error
}

// NewSystem 创建系统实例
func NewSystem(cfg *Config, classifier *NaiveBayes.Classifier, source ByteSource) (*System, error) {
	if classifier == nil {
		return nil, errors.New("classifier is required")
	}
	selector := NewSelector(cfg, nil)
	if selector.Dim() != classifier.Dim() {
		// 训练时的频率可能和配置不同，以模型维度为准报错
		return nil, errors.Wrapf(NaiveBayes.ErrDimension,
			"selector yields %d features, model expects %d", selector.Dim(), classifier.Dim())
	}

	engine := cfg.NewEngine(classifier.Priors())
	if err := engine.Validate(); err != nil {
		slog.Warn("decision threshold can never trigger, only the period cap ends a cycle", ErrAttr(err))
	}

	return &System{
		cfg:        cfg,
		ID:         uuid.New().String(),
		classifier: classifier,
		selector:   selector,
		engine:     engine,
		source:     source,
		Posterior:  NoOpLogger{},
		armCh:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}, nil
}

// NewSelector 按配置创建特征选择器
// freqs 为空时使用训练通道的频率
func NewSelector(cfg *Config, freqs []int) *Features.Selector {
	if len(freqs) == 0 {
		freqs, _ = cfg.Frequencies()
	}
	sel := Features.NewSelector(freqs)
	sel.NumHarmonics = cfg.Features.NumHarmonics
	sel.Epsilon = cfg.Features.Epsilon
	sel.Samples = cfg.Features.Samples
	return sel
}

// UseSelector 替换特征选择器 (例如使用训练数据里记录的频率)
func (s *System) UseSelector(sel *Features.Selector) error {
	if sel.Dim() != s.classifier.Dim() {
		return errors.Wrapf(NaiveBayes.ErrDimension, "selector yields %d features, model expects %d", sel.Dim(), s.classifier.Dim())
	}
	s.selector = sel
	return nil
}

// PosteriorFileName 把 "{session}" 替换成会话 ID
func (s *System) PosteriorFileName() string {
	return strings.ReplaceAll(s.cfg.Log.PosteriorFile, "{session}", s.ID)
}

// Start 启动三个线程，立即返回
func (s *System) Start(ctx context.Context) error {
	if s.cancel != nil {
		return errors.New("system already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)

	if s.Posterior == nil {
		s.Posterior = NoOpLogger{}
	}
	if name := s.PosteriorFileName(); name != "" {
		if _, isNoOp := s.Posterior.(NoOpLogger); isNoOp {
			l, err := NewCsvPosteriorLog(name, s.classifier.Labels())
			if err != nil {
				s.cancel()
				s.cancel = nil
				return err
			}
			s.Posterior = l
			slog.Info("logging posteriors", "file", name)
		}
	}

	slog.Info("session started", "session", s.ID, "mode", s.cfg.Decision.Mode,
		"labels", s.classifier.Labels(), "features", s.selector.Dim())

	var capture io.Writer
	if s.Capture != nil {
		capture = s.Capture
	}
	s.stream = OpenStream(ctx, s.cfg, s.source, capture)

	periods := make(chan period, max(s.cfg.Source.QueueSize, 1))

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		<-s.stream.Done()
		if err := s.stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
			s.fail(errors.Wrap(err, "receive"))
		}
	}()
	go func() {
		defer s.wg.Done()
		defer close(periods)
		if err := s.decodeLoop(ctx, periods); err != nil {
			s.fail(err)
		}
	}()
	go func() {
		defer s.wg.Done()
		s.inferLoop(ctx, periods)
	}()

	go func() {
		s.wg.Wait()
		close(s.done)
	}()
	return nil
}

// Arm 开始一个新的决策周期 (RequireArm 时使用)
func (s *System) Arm() {
	select {
	case s.armCh <- struct{}{}:
	default:
	}
}

// Done 所有线程结束时关闭 (数据源结束、出错或 Stop)
func (s *System) Done() <-chan struct{} {
	return s.done
}

// Err 第一个导致会话结束的错误
func (s *System) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Stop 停止系统并释放资源
func (s *System) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.source != nil {
		s.source.Close()
	}
	s.wg.Wait()

	var firstErr error
	if err := s.Posterior.Close(); err != nil {
		firstErr = err
	}
	if s.Publisher != nil {
		if err := s.Publisher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.Capture != nil {
		if err := s.Capture.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	slog.Info("session stopped", "session", s.ID)
	return firstErr
}

func (s *System) fail(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// decodeLoop 解码线程: 校准、对齐，然后每个周期收集一次
func (s *System) decodeLoop(ctx context.Context, out chan<- period) error {
	if err := s.stream.Calibrate(ctx); err != nil {
		return s.endOfStream(ctx, err)
	}
	if s.OnCalibrated != nil {
		s.OnCalibrated(s.stream.Sentinel.String())
	}
	if err := s.stream.Align(ctx); err != nil {
		return s.endOfStream(ctx, err)
	}

	for seq := 1; ; seq++ {
		w, buf, err := s.stream.Collect(ctx, s.cfg.Decision.Period)
		if err != nil {
			return s.endOfStream(ctx, err)
		}
		select {
		case out <- period{seq: seq, stamp: w.LastStamp, buffer: buf}:
		case <-ctx.Done():
			return nil
		}
	}
}

// endOfStream 数据源正常结束或被取消不算错误
func (s *System) endOfStream(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, StreamDecoder.ErrSourceClosed) {
		slog.Info("stream ended", ErrAttr(err))
		return nil
	}
	return err
}

// inferLoop 推理线程，独占 engine
func (s *System) inferLoop(ctx context.Context, in <-chan period) {
	for {
		select {
		case <-s.armCh:
			if a, ok := s.engine.(interface{ Arm() }); ok {
				a.Arm()
				slog.Debug("engine armed")
			}
		case p, ok := <-in:
			if !ok {
				return
			}
			s.step(p)
		}
	}
}

func (s *System) step(p period) {
	kind := s.cfg.Features.Kind
	vec, err := s.selector.Vector(p.buffer[kind])
	if err != nil {
		// 不完整的周期不分类，但仍然占用决策周期的时间
		slog.Warn("skipping period", "seq", p.seq, ErrAttr(err))
		s.skip(p)
		return
	}
	label, posterior, err := s.classifier.Predict(vec)
	if err != nil {
		slog.Warn("prediction failed", "seq", p.seq, ErrAttr(err))
		s.skip(p)
		return
	}

	obs := Observation{Seq: p.seq, Stamp: p.stamp, Prediction: label, Posterior: posterior}
	if err := s.Posterior.Record(obs); err != nil {
		slog.Warn("posterior log failed", ErrAttr(err))
	}
	if s.OnObservation != nil {
		s.OnObservation(obs)
	}
	s.advance(p, posterior)
}

// skip 用空后验推进引擎，日志里留一行空记录，重放时周期数不变
func (s *System) skip(p period) {
	if err := s.Posterior.Record(Observation{Seq: p.seq, Stamp: p.stamp}); err != nil {
		slog.Warn("posterior log failed", ErrAttr(err))
	}
	s.advance(p, DecisionEngine.Posterior{})
}

func (s *System) advance(p period, posterior DecisionEngine.Posterior) {
	em := DecisionEngine.Emitter{
		OnDecision: func(ev DecisionEngine.Event) {
			d := s.publish(ev, p.stamp)
			slog.Info("decision", "kind", d.Kind, "label", d.Label, "step", d.Step)
			if s.OnDecision != nil {
				s.OnDecision(d)
			}
		},
		OnStatus: func(ev DecisionEngine.Event) {
			d := s.publish(ev, p.stamp)
			if s.OnStatus != nil {
				s.OnStatus(d)
			}
		},
	}
	em.Emit(s.engine.Step(posterior))
}

func (s *System) publish(ev DecisionEngine.Event, stamp int) Decision {
	d := NewDecision(s.ID, ev, stamp)
	if s.Publisher != nil {
		if err := s.Publisher.Publish(d); err != nil {
			slog.Warn("publish failed", ErrAttr(err))
		}
	}
	return d
}

// String 会话摘要
func (s *System) String() string {
	return fmt.Sprintf("session %s (%s, %d labels)", s.ID, s.cfg.Decision.Mode, len(s.classifier.Labels()))
}
