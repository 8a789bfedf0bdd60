package ssvep

import (
	"context"
	"log/slog"
	"strings"
	"unsafe"

	"github.com/gen2brain/malgo"
	"github.com/pkg/errors"
)

// AudioSource 从声卡采集信号 (例如接在 line-in 上的放大器输出)
// 回调里收到的采样放进有界队列，队列满时丢弃最旧的数据
type AudioSource struct {
	SampleRate int

	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	frames  chan []float64
	pending []float64
}

// NewAudioSource 初始化采集设备，deviceName 为空时使用默认设备
func NewAudioSource(sampleRate int, deviceName string) (*AudioSource, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "init audio context")
	}

	a := &AudioSource{
		SampleRate: sampleRate,
		ctx:        ctx,
		frames:     make(chan []float64, 64),
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.Alsa.NoMMap = 1

	if deviceName != "" {
		infos, err := ctx.Devices(malgo.Capture)
		if err == nil {
			for _, info := range infos {
				if strings.Contains(strings.ToLower(info.Name()), strings.ToLower(deviceName)) {
					deviceConfig.Capture.DeviceID = info.ID.Pointer()
					slog.Info("audio device selected", "name", info.Name())
					break
				}
			}
		}
	}

	onRecv := func(_, input []byte, frameCount uint32) {
		if len(input) == 0 {
			return
		}
		raw := unsafe.Slice((*float32)(unsafe.Pointer(&input[0])), int(frameCount))
		buf := make([]float64, len(raw))
		for i, v := range raw {
			buf[i] = float64(v)
		}
		a.push(buf)
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onRecv})
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return nil, errors.Wrap(err, "init audio device")
	}
	a.device = device
	slog.Info("audio device initialized", "rate", device.SampleRate())

	if err := device.Start(); err != nil {
		a.Close()
		return nil, errors.Wrap(err, "start audio device")
	}
	return a, nil
}

// push 在音频线程里调用，不能阻塞
func (a *AudioSource) push(buf []float64) {
	for {
		select {
		case a.frames <- buf:
			return
		default:
		}
		select {
		case <-a.frames:
			slog.Debug("audio queue full, dropping oldest block")
		default:
		}
	}
}

// ReadSamples 实现 SampleSource，凑满 n 个采样才返回
func (a *AudioSource) ReadSamples(ctx context.Context, n int) ([]float64, error) {
	for len(a.pending) < n {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case buf := <-a.frames:
			a.pending = append(a.pending, buf...)
		}
	}
	out := make([]float64, n)
	copy(out, a.pending)
	a.pending = append(a.pending[:0], a.pending[n:]...)
	return out, nil
}

// Close 停止采集并释放资源
func (a *AudioSource) Close() error {
	if a.device != nil {
		a.device.Uninit()
		a.device = nil
	}
	if a.ctx != nil {
		_ = a.ctx.Uninit()
		a.ctx.Free()
		a.ctx = nil
	}
	return nil
}
