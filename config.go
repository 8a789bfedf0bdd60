package ssvep

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"ssvep/DecisionEngine"
	"ssvep/StreamDecoder"
)

// 决策引擎类型
const (
	ModeLatched = "latched"
	ModeBayes   = "bayes"
)

// 数据源类型
const (
	SourceTCP    = "tcp"
	SourceSerial = "serial"
	SourceFile   = "file"
)

// Config 结构体用于集中管理所有可调参数
// 可以由 YAML 文件覆盖，未出现在文件里的字段保持默认值
type Config struct {
	// --- 数据源 ---
	Source struct {
		Kind        string        `yaml:"kind"`         // tcp / serial / file
		Address     string        `yaml:"address"`      // TCP 监听地址，设备 (App Connector) 主动连进来
		Preflight   bool          `yaml:"preflight"`    // 设备启动时会先连上再断开一次，第一个连接直接丢弃
		SerialPort  string        `yaml:"serial_port"`  // 串口设备
		BaudRate    int           `yaml:"baud_rate"`    // 串口波特率
		ReplayFile  string        `yaml:"replay_file"`  // 回放用的原始字节文件
		ReplayPace  time.Duration `yaml:"replay_pace"`  // 回放时两块数据之间的间隔，0 表示不限速
		CaptureFile string        `yaml:"capture_file"` // 把收到的原始字节另存一份，供之后回放
		ChunkSize   int           `yaml:"chunk_size"`   // 每次读取的最大字节数
		QueueSize   int           `yaml:"queue_size"`   // 接收线程和解码线程之间的队列长度
	} `yaml:"source"`

	// --- 流解码 ---
	Stream struct {
		HeaderPeriod time.Duration  `yaml:"header_period"` // 设备头记录间隔 (0.5s)
		StallTimeout time.Duration  `yaml:"stall_timeout"` // 一次收集等不到哨兵的最长时间，0 表示一直等
		Kinds        map[int]string `yaml:"kinds"`         // 信号通道号 -> 信号类型名
	} `yaml:"stream"`

	// --- 特征 ---
	Features struct {
		Kind         string `yaml:"kind"`          // 使用哪种信号类型
		NumHarmonics int    `yaml:"num_harmonics"` // 额外谐波个数
		Epsilon      int    `yaml:"epsilon"`       // 频带半宽 (Hz)
		Samples      int    `yaml:"samples"`       // 每个频率取几个值
	} `yaml:"features"`

	// --- 训练采集 ---
	Training struct {
		Channels    []string      `yaml:"channels"`     // 刺激通道，如 "17 Hz"，同时作为分类标签
		Trials      int           `yaml:"trials"`       // 试验轮数
		TrialLength time.Duration `yaml:"trial_length"` // 每个通道注视的时长
		Rest        time.Duration `yaml:"rest"`         // 两个通道之间的休息时间，期间不接收数据
		Folds       int           `yaml:"folds"`        // 交叉验证折数
		Seed        int64         `yaml:"seed"`         // 通道顺序的随机种子，0 表示按时间
	} `yaml:"training"`

	// --- 决策 ---
	Decision struct {
		Mode       string        `yaml:"mode"`        // latched / bayes
		Period     time.Duration `yaml:"period"`      // 每次预测使用的数据时长
		Timeout    time.Duration `yaml:"timeout"`     // latched: 收集窗口
		Threshold  float64       `yaml:"threshold"`   // latched: 平均置信度; bayes: 信念阈值
		Grace      time.Duration `yaml:"grace"`       // bayes: 开头忽略的时长
		Limit      time.Duration `yaml:"limit"`       // bayes: 一个决策周期的最长时间
		RequireArm bool          `yaml:"require_arm"` // bayes: 需要外部触发才开始累积
	} `yaml:"decision"`

	// --- MQTT 输出 ---
	MQTT struct {
		Enabled  bool   `yaml:"enabled"`
		Broker   string `yaml:"broker"`
		ClientID string `yaml:"client_id"` // 为空时使用会话 ID
		Topic    string `yaml:"topic"`     // 决策发布到 {topic}/{kind}
		QoS      byte   `yaml:"qos"`
	} `yaml:"mqtt"`

	// --- 日志 ---
	Log struct {
		Level         string `yaml:"level"`          // debug / info / warn / error
		PosteriorFile string `yaml:"posterior_file"` // 每周期后验的 CSV，"{session}" 替换为会话 ID，为空不记录
	} `yaml:"log"`

	// --- 设备模拟器 ---
	Emulator struct {
		Source     string        `yaml:"source"`      // synth / audio / wav
		Method     string        `yaml:"method"`      // fft / goertzel
		SampleRate int           `yaml:"sample_rate"` // 采样率
		FFTSize    int           `yaml:"fft_size"`    // 分析窗长度，决定频率分辨率
		Window     string        `yaml:"window"`      // hann / blackman
		MaxIndex   int           `yaml:"max_index"`   // 每批输出 0..MaxIndex Hz
		Channels   int           `yaml:"channels"`    // 每批输出几个信号通道
		StartStamp int           `yaml:"start_stamp"` // 时钟初值
		Realtime   bool          `yaml:"realtime"`    // 按真实时间节奏输出
		Frequency  float64       `yaml:"frequency"`   // synth: 注视的刺激频率，0 表示只有噪声
		Amplitude  float64       `yaml:"amplitude"`   // synth: 刺激响应幅度
		Noise      float64       `yaml:"noise"`       // synth: 噪声幅度
		NoiseBand  float64       `yaml:"noise_band"`  // synth: 噪声低通截止频率
		AudioName  string        `yaml:"audio_name"`  // audio: 设备名 (子串匹配)
		WavFile    string        `yaml:"wav_file"`    // wav: 输入文件
		RecordFile string        `yaml:"record_file"` // 把生成/采集到的样本写成 WAV
		Retry      time.Duration `yaml:"retry"`       // 连接失败后重试间隔
	} `yaml:"emulator"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	cfg := &Config{}

	// --- 数据源 ---
	cfg.Source.Kind = SourceTCP
	cfg.Source.Address = "127.0.0.1:7337"
	cfg.Source.Preflight = true
	cfg.Source.SerialPort = "/dev/ttyUSB0"
	cfg.Source.BaudRate = 115200
	cfg.Source.ChunkSize = 65535
	cfg.Source.QueueSize = 64

	// --- 流解码 ---
	cfg.Stream.HeaderPeriod = StreamDecoder.DefaultHeaderPeriod
	cfg.Stream.StallTimeout = 10 * time.Second
	cfg.Stream.Kinds = StreamDecoder.DefaultKinds()

	// --- 特征 ---
	cfg.Features.Kind = StreamDecoder.RawFFT
	cfg.Features.NumHarmonics = 0
	cfg.Features.Epsilon = 2
	cfg.Features.Samples = 1

	// --- 训练采集 ---
	cfg.Training.Channels = []string{"12 Hz", "15 Hz", "17 Hz", "20 Hz"}
	cfg.Training.Trials = 10
	cfg.Training.TrialLength = 10 * time.Second
	cfg.Training.Rest = 3 * time.Second
	cfg.Training.Folds = 5

	// --- 决策 ---
	cfg.Decision.Mode = ModeLatched
	cfg.Decision.Period = 500 * time.Millisecond
	cfg.Decision.Timeout = 3 * time.Second
	cfg.Decision.Threshold = 0.95
	cfg.Decision.Grace = time.Second
	cfg.Decision.Limit = 6 * time.Second

	// --- MQTT ---
	cfg.MQTT.Broker = "localhost:1883"
	cfg.MQTT.Topic = "ssvep/decisions"
	cfg.MQTT.QoS = 1

	// --- 日志 ---
	cfg.Log.Level = "info"

	// --- 设备模拟器 ---
	cfg.Emulator.Source = "synth"
	cfg.Emulator.Method = "fft"
	cfg.Emulator.SampleRate = 256
	cfg.Emulator.FFTSize = 256 // 1Hz 分辨率
	cfg.Emulator.Window = "hann"
	cfg.Emulator.MaxIndex = 63
	cfg.Emulator.Channels = 1
	cfg.Emulator.Realtime = true
	cfg.Emulator.Frequency = 17
	cfg.Emulator.Amplitude = 1.0
	cfg.Emulator.Noise = 1.0
	cfg.Emulator.NoiseBand = 40
	cfg.Emulator.Retry = time.Second

	return cfg
}

// LoadConfig 读取 YAML 配置文件，覆盖在默认值之上
// path 为空时直接返回默认配置
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// Validate 检查配置
// 决策阈值超出 (0,1] 不算错误 (只能靠时间上限结束)，由调用方决定是否警告，
// 见 ThresholdWarning
func (c *Config) Validate() error {
	switch c.Source.Kind {
	case SourceTCP:
		if c.Source.Address == "" {
			return errors.New("source.address is required for tcp source")
		}
	case SourceSerial:
		if c.Source.SerialPort == "" || c.Source.BaudRate <= 0 {
			return errors.New("source.serial_port and source.baud_rate are required for serial source")
		}
	case SourceFile:
		if c.Source.ReplayFile == "" {
			return errors.New("source.replay_file is required for file source")
		}
	default:
		return errors.Errorf("unknown source kind %q", c.Source.Kind)
	}

	if c.Stream.HeaderPeriod <= 0 {
		return errors.New("stream.header_period must be positive")
	}
	if c.Features.Epsilon < 0 || c.Features.NumHarmonics < 0 {
		return errors.New("features.epsilon and features.num_harmonics must not be negative")
	}
	if _, err := c.Frequencies(); err != nil {
		return err
	}
	if c.Training.Folds < 2 {
		return errors.Errorf("training.folds must be at least 2, got %d", c.Training.Folds)
	}
	if c.Decision.Period <= 0 {
		return errors.New("decision.period must be positive")
	}
	switch c.Decision.Mode {
	case ModeLatched, ModeBayes:
	default:
		return errors.Errorf("unknown decision mode %q", c.Decision.Mode)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return errors.New("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

// ThresholdWarning 阈值无法触发时返回非 nil
func (c *Config) ThresholdWarning() error {
	if !(c.Decision.Threshold > 0 && c.Decision.Threshold <= 1) {
		return errors.Wrapf(DecisionEngine.ErrThresholdUnreachable, "decision.threshold %v", c.Decision.Threshold)
	}
	return nil
}

// Frequencies 从训练通道名 ("17 Hz") 解析出基频，升序
func (c *Config) Frequencies() ([]int, error) {
	return ParseChannels(c.Training.Channels)
}

// ParseChannels 解析 "17 Hz" 形式的通道名
func ParseChannels(channels []string) ([]int, error) {
	freqs := make([]int, 0, len(channels))
	for _, ch := range channels {
		field := strings.Fields(ch)
		if len(field) == 0 {
			return nil, errors.Errorf("empty channel name")
		}
		f, err := strconv.Atoi(field[0])
		if err != nil {
			return nil, errors.Wrapf(err, "channel %q", ch)
		}
		freqs = append(freqs, f)
	}
	sort.Ints(freqs)
	return freqs, nil
}

// NewEngine 按配置创建决策引擎
func (c *Config) NewEngine(priors map[string]float64) DecisionEngine.Engine {
	d := c.Decision
	if d.Mode == ModeBayes {
		bb := DecisionEngine.NewBayesBelief(priors, d.Threshold)
		bb.SetTiming(d.Grace, d.Limit, d.Period)
		bb.RequireArm = d.RequireArm
		return bb
	}
	return DecisionEngine.NewLatchedVote(d.Timeout, d.Period, d.Threshold)
}
