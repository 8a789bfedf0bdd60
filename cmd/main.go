package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"ssvep"
	"ssvep/DecisionEngine"
	"ssvep/Features"
	"ssvep/NaiveBayes"
)

var version = "dev"

var (
	configPath string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:   "ssvep",
		Short: "SSVEP stimulus classifier",
		Long: `ssvep reads frequency-domain EEG batches from an acquisition device,
classifies which flickering stimulus the subject is looking at, and
publishes debounced decisions.

Workflow:
  record     collect labelled training trials from the device
  train      fit the Gaussian naive Bayes model and cross validate it
  run        classify a live (or replayed) stream
  emulate    act as a device, streaming synthetic or recorded signals
  replay     rerun the decision engine over a posterior log`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ssvep.SetupLogging(logLevel, os.Stderr)
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (defaults are used when empty)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug / info / warn / error")

	root.AddCommand(
		recordCmd(),
		trainCmd(),
		runCmd(),
		emulateCmd(),
		replayCmd(),
	)

	if err := fang.Execute(context.Background(), root); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*ssvep.Config, error) {
	cfg, err := ssvep.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	// 命令行显式给出的日志级别优先
	if !cmd.Flags().Changed("log-level") && cfg.Log.Level != "" {
		ssvep.SetupLogging(cfg.Log.Level, os.Stderr)
	}
	if err := cfg.ThresholdWarning(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	return cfg, nil
}

func recordCmd() *cobra.Command {
	var output, capture string

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Collect labelled training trials",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			src, err := ssvep.NewSource(cfg)
			if err != nil {
				return err
			}

			var raw io.Writer
			var captureFile *ssvep.CaptureFile
			if capture != "" {
				if captureFile, err = ssvep.NewCaptureFile(capture); err != nil {
					src.Close()
					return err
				}
				raw = captureFile
			}

			// 1. 打开数据流，等待设备
			streamCtx, stopStream := context.WithCancel(ctx)
			w := ssvep.OpenStream(streamCtx, cfg, src, raw)
			// 接收线程退出后才能关闭抓包文件
			defer func() {
				stopStream()
				src.Close()
				<-w.Done()
				if captureFile != nil {
					if err := captureFile.Close(); err != nil {
						fmt.Fprintf(os.Stderr, "capture: %v\n", err)
					} else {
						fmt.Printf("Captured %d bytes to %s\n", captureFile.Size(), capture)
					}
				}
			}()
			fmt.Println("Waiting for the device...")

			// 2. 按提示逐个通道采集
			rec := ssvep.NewRecorder(cfg, w)
			rec.OnCue = func(c ssvep.Cue) {
				switch c.Phase {
				case ssvep.PhaseRest:
					fmt.Printf("[%d/%d] rest %v, next: %s\n", c.Trial, c.Trials, c.Duration, c.Channel)
				case ssvep.PhaseFocus:
					fmt.Printf("[%d/%d] >>> look at %s for %v\n", c.Trial, c.Trials, c.Channel, c.Duration)
				}
			}
			rec.OnTrial = func(trial int, channel string, periods int) {
				fmt.Printf("[%d] %s: %d batches\n", trial, channel, periods)
			}

			data, err := rec.Record(ctx)
			if err != nil {
				return err
			}

			// 3. 保存
			if err := data.Save(output); err != nil {
				return err
			}
			fmt.Printf("Saved %d trials to %s\n", len(data.Data), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "training.json", "training data output file")
	cmd.Flags().StringVar(&capture, "capture", "", "also save the raw device bytes for replay")
	return cmd
}

func trainCmd() *cobra.Command {
	var output string
	var withData bool

	cmd := &cobra.Command{
		Use:   "train <training.json>",
		Short: "Train the classifier and cross validate it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			data, err := Features.LoadTrainingData(args[0])
			if err != nil {
				return err
			}

			start := time.Now()
			res, err := ssvep.TrainModel(cfg, data)
			if err != nil {
				return err
			}
			fmt.Printf("Trained on %d examples, %d features, labels %v (%v)\n",
				res.Examples, res.Classifier.Dim(), res.Classifier.Labels(), time.Since(start).Round(time.Millisecond))

			if res.Report != nil {
				printReport(res.Report)
			}
			if err := printConfusion(res.Classifier); err != nil {
				return err
			}

			if err := res.Classifier.Save(output, withData); err != nil {
				return err
			}
			fmt.Printf("Model saved to %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "model.msgpack", "model output file")
	cmd.Flags().BoolVar(&withData, "with-data", false, "keep the training examples in the model (needed for later cross validation)")
	return cmd
}

func printReport(r *NaiveBayes.CrossValidationReport) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Fold\tTrained\tValidated\tCorrect")
	for _, f := range r.Folds {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\n", f.Fold, f.Trained, len(f.Validated), f.Correct)
	}
	tw.Flush()
	fmt.Printf("%d-fold accuracy: %.1f%% (%d/%d)\n", r.K, r.Accuracy, r.Correct, r.Total)
}

func printConfusion(c *NaiveBayes.Classifier) error {
	labels, counts, err := c.Confusion()
	if err != nil {
		return err
	}
	fmt.Println("Confusion matrix (rows: actual, columns: predicted)")
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(tw, "\t%s\t\n", strings.Join(labels, "\t"))
	for i, l := range labels {
		fmt.Fprintf(tw, "%s\t", l)
		for _, n := range counts[i] {
			fmt.Fprintf(tw, "%d\t", n)
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

func runCmd() *cobra.Command {
	var modelPath, dataPath, replay, capture string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Classify a live or replayed stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if replay != "" {
				cfg.Source.Kind = ssvep.SourceFile
				cfg.Source.ReplayFile = replay
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			// 1. 加载模型
			clf, err := NaiveBayes.Load(modelPath)
			if err != nil {
				return err
			}
			src, err := ssvep.NewSource(cfg)
			if err != nil {
				return err
			}
			system, err := ssvep.NewSystem(cfg, clf, src)
			if err != nil {
				return err
			}
			// 训练数据里记录了采集时的频率
			if dataPath != "" {
				data, err := Features.LoadTrainingData(dataPath)
				if err != nil {
					return err
				}
				if err := system.UseSelector(ssvep.NewSelector(cfg, data.CollectedChannels)); err != nil {
					return err
				}
			}

			// 2. 输出
			if cfg.MQTT.Enabled {
				pub := ssvep.NewMQTTEmitter(cfg, system.ID)
				if err := pub.Connect(ctx); err != nil {
					return err
				}
				system.Publisher = pub
			}
			if capture != "" {
				if system.Capture, err = ssvep.NewCaptureFile(capture); err != nil {
					return err
				}
			}

			system.OnCalibrated = func(sentinel string) {
				fmt.Printf("Calibrated, batch ends with %s\n", sentinel)
			}
			system.OnDecision = func(d ssvep.Decision) {
				if d.Kind == DecisionEngine.Decision.String() {
					fmt.Printf("#%d  >>> %s\n", d.Step, d.Label)
				} else {
					fmt.Printf("#%d  (no decision)\n", d.Step)
				}
			}

			// 3. 启动
			if err := system.Start(ctx); err != nil {
				return err
			}
			defer system.Stop()
			fmt.Println(system)

			if cfg.Decision.RequireArm {
				// 回车开始一个新的决策周期
				go func() {
					fmt.Println("Press Enter to arm a decision. (Ctrl-C to quit)")
					scanner := bufio.NewScanner(os.Stdin)
					for scanner.Scan() {
						system.Arm()
						fmt.Println("armed")
					}
				}()
			}

			select {
			case <-ctx.Done():
				fmt.Println("\nShutting down...")
			case <-system.Done():
			}
			return system.Err()
		},
	}
	cmd.Flags().StringVarP(&modelPath, "model", "m", "model.msgpack", "trained model")
	cmd.Flags().StringVar(&dataPath, "data", "", "training data whose collected channels select the features")
	cmd.Flags().StringVar(&replay, "replay", "", "replay a captured byte stream instead of the configured source")
	cmd.Flags().StringVar(&capture, "capture", "", "save the raw device bytes")
	return cmd
}

func emulateCmd() *cobra.Command {
	var address string
	var freq float64
	var seed int64

	cmd := &cobra.Command{
		Use:   "emulate",
		Short: "Stream device batches to a classifier",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("freq") {
				cfg.Emulator.Frequency = freq
			}
			if address == "" {
				address = cfg.Source.Address
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			src, err := ssvep.NewSampleSource(cfg, seed)
			if err != nil {
				return err
			}
			defer src.Close()

			em, err := ssvep.NewEmulator(cfg, src)
			if err != nil {
				return err
			}
			if cfg.Emulator.RecordFile != "" {
				ww, err := ssvep.NewWavWriter(cfg.Emulator.RecordFile, cfg.Emulator.SampleRate)
				if err != nil {
					return err
				}
				defer ww.Close()
				em.Record = ww
			}

			// 合成信号可以在运行中切换注视的频率
			if synth, ok := src.(*ssvep.Synth); ok {
				go func() {
					fmt.Println("Type a frequency in Hz (0 for noise only) and press Enter.")
					scanner := bufio.NewScanner(os.Stdin)
					for scanner.Scan() {
						var f float64
						if _, err := fmt.Sscanf(strings.TrimSpace(scanner.Text()), "%g", &f); err != nil {
							fmt.Println("not a number")
							continue
						}
						synth.SetFrequency(f)
						fmt.Printf("now looking at %g Hz\n", f)
					}
				}()
			}

			fmt.Printf("Streaming %s to %s\n", cfg.Emulator.Source, address)
			err = em.Serve(ctx, address, cfg.Source.Preflight, cfg.Emulator.Retry)
			if err == context.Canceled {
				err = nil
			}
			fmt.Printf("Sent %d batches\n", em.Batches())
			return err
		},
	}
	cmd.Flags().StringVarP(&address, "address", "a", "", "classifier address (defaults to source.address)")
	cmd.Flags().Float64Var(&freq, "freq", 0, "stimulus frequency the simulated subject looks at")
	cmd.Flags().Int64Var(&seed, "seed", 1, "noise seed")
	return cmd
}

func replayCmd() *cobra.Command {
	var mode string
	var threshold float64

	cmd := &cobra.Command{
		Use:   "replay <posteriors.csv>",
		Short: "Rerun the decision engine over a posterior log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if mode != "" {
				cfg.Decision.Mode = mode
			}
			if cmd.Flags().Changed("threshold") {
				cfg.Decision.Threshold = threshold
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logged, err := ssvep.LoadPosteriorLog(args[0])
			if err != nil {
				return err
			}
			// 先验取均匀分布，在线时的先验不在日志里
			priors := make(map[string]float64)
			if len(logged) > 0 {
				for label := range logged[0].Posterior {
					priors[label] = 1 / float64(len(logged[0].Posterior))
				}
			}

			events := DecisionEngine.Replay(cfg.NewEngine(priors), ssvep.Posteriors(logged))
			decisions := 0
			for _, ev := range events {
				if ev.Kind.Terminal() {
					fmt.Println(ev)
				}
				if ev.Kind == DecisionEngine.Decision {
					decisions++
				}
			}
			fmt.Printf("%d periods, %d decisions (%s, threshold %.2f)\n",
				len(logged), decisions, cfg.Decision.Mode, cfg.Decision.Threshold)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "latched / bayes (defaults to decision.mode)")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "override decision.threshold")
	return cmd
}
