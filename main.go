package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"github.com/tuzkov/habitCam/capture"
	"github.com/tuzkov/habitCam/device"
	"github.com/tuzkov/habitCam/emitter"
	"github.com/tuzkov/habitCam/eventloop"
	"github.com/tuzkov/habitCam/recorder"
	"github.com/tuzkov/habitCam/server"
	"github.com/tuzkov/habitCam/timelapse"
)

var loglevel = new(slog.LevelVar)

type SourceConfig struct {
	// Kind is one of mock, webcam, rpi.
	Kind        string            `yaml:"kind"`
	Devices     map[string]string `yaml:"devices"`
	Cameras     map[string]int    `yaml:"cameras"`
	AudioDevice string            `yaml:"audioDevice"`
	FrameRate   int               `yaml:"frameRate"`
	ExtraArgs   []string          `yaml:"extraArgs,omitempty"`
}

type SinkConfig struct {
	Dir      string        `yaml:"dir"`
	Endpoint string        `yaml:"endpoint,omitempty"`
	Username string        `yaml:"username,omitempty"`
	Password string        `yaml:"-"`
	Token    string        `yaml:"-"`
	Timeout  time.Duration `yaml:"timeout"`
}

type TimelapseConfig struct {
	Factor int           `yaml:"factor"`
	Period time.Duration `yaml:"period"`
}

type Config struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"loglevel"`
	LogFile  string `yaml:"logfile,omitempty"`
	Debug    bool   `yaml:"debug"`
	AutoOpen bool   `yaml:"autoOpen"`

	Mode        string             `yaml:"mode"`
	Facing      string             `yaml:"facing"`
	Resolutions device.Resolutions `yaml:"resolutions"`
	Source      SourceConfig       `yaml:"source"`

	Recorder  string          `yaml:"recorder"`
	FFmpeg    string          `yaml:"ffmpeg"`
	Codec     string          `yaml:"codec"`
	Bitrate   int             `yaml:"bitrate"`
	Timelapse TimelapseConfig `yaml:"timelapse"`

	Sink           SinkConfig    `yaml:"sink"`
	StreamInterval time.Duration `yaml:"streamInterval"`
	AllowOrigins   []string      `yaml:"allowOrigins,omitempty"`
}

var serverCmd = &cobra.Command{
	Use:   "habitcam",
	Short: "Photo, video and time-lapse capture service",
	Run: func(cmd *cobra.Command, args []string) {
		if err := entrypoint(); err != nil {
			slog.Error("entrypoint error", "err", err)
			os.Exit(1)
		}
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := yaml.Marshal(getConfig())
		if err != nil {
			return fmt.Errorf("fail to marshal config: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

func initConfig() {
	viper.SetDefault("port", 8080)
	viper.SetDefault("loglevel", "info")
	viper.SetDefault("autoOpen", true)
	viper.SetDefault("mode", string(device.ModePhoto))
	viper.SetDefault("facing", string(device.FacingUser))
	viper.SetDefault("resolutions.photo.width", device.DefaultResolutions.Photo.Width)
	viper.SetDefault("resolutions.photo.height", device.DefaultResolutions.Photo.Height)
	viper.SetDefault("resolutions.video.width", device.DefaultResolutions.Video.Width)
	viper.SetDefault("resolutions.video.height", device.DefaultResolutions.Video.Height)

	viper.SetDefault("source.kind", "webcam")
	viper.SetDefault("source.devices", map[string]string{
		string(device.FacingUser): "/dev/video0",
	})
	viper.SetDefault("source.cameras", map[string]any{
		string(device.FacingEnvironment): 0,
	})
	viper.SetDefault("source.frameRate", 15)

	viper.SetDefault("recorder", "ffmpeg")
	viper.SetDefault("ffmpeg", recorder.FFmpegBinary)
	viper.SetDefault("codec", string(recorder.DefaultCodec))
	viper.SetDefault("bitrate", 1_000_000)
	viper.SetDefault("timelapse.factor", timelapse.DefaultFactor)
	viper.SetDefault("timelapse.period", timelapse.DefaultPeriod)

	viper.SetDefault("sink.dir", "./captures")
	viper.SetDefault("sink.timeout", 30*time.Second)
	viper.SetDefault("streamInterval", 200*time.Millisecond)

	viper.SetEnvPrefix("habitcam")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName("config")
	viper.AddConfigPath(".")
	viper.ReadInConfig()
}

func getConfig() *Config {
	return &Config{
		Port:     viper.GetInt("port"),
		LogLevel: viper.GetString("loglevel"),
		LogFile:  viper.GetString("logfile"),
		Debug:    viper.GetBool("debug"),
		AutoOpen: viper.GetBool("autoOpen"),

		Mode:   viper.GetString("mode"),
		Facing: viper.GetString("facing"),
		Resolutions: device.Resolutions{
			Photo: device.Resolution{
				Width:  viper.GetInt("resolutions.photo.width"),
				Height: viper.GetInt("resolutions.photo.height"),
			},
			Video: device.Resolution{
				Width:  viper.GetInt("resolutions.video.width"),
				Height: viper.GetInt("resolutions.video.height"),
			},
		},
		Source: SourceConfig{
			Kind:        viper.GetString("source.kind"),
			Devices:     viper.GetStringMapString("source.devices"),
			Cameras:     toIntMap(viper.GetStringMap("source.cameras")),
			AudioDevice: viper.GetString("source.audioDevice"),
			FrameRate:   viper.GetInt("source.frameRate"),
			ExtraArgs:   viper.GetStringSlice("source.extraArgs"),
		},

		Recorder: viper.GetString("recorder"),
		FFmpeg:   viper.GetString("ffmpeg"),
		Codec:    viper.GetString("codec"),
		Bitrate:  viper.GetInt("bitrate"),
		Timelapse: TimelapseConfig{
			Factor: viper.GetInt("timelapse.factor"),
			Period: viper.GetDuration("timelapse.period"),
		},

		Sink: SinkConfig{
			Dir:      viper.GetString("sink.dir"),
			Endpoint: viper.GetString("sink.endpoint"),
			Username: viper.GetString("sink.username"),
			Password: viper.GetString("sink.password"),
			Token:    viper.GetString("sink.token"),
			Timeout:  viper.GetDuration("sink.timeout"),
		},
		StreamInterval: viper.GetDuration("streamInterval"),
		AllowOrigins:   viper.GetStringSlice("allowOrigins"),
	}
}

func toIntMap(m map[string]any) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		switch n := v.(type) {
		case int:
			out[k] = n
		case int64:
			out[k] = int(n)
		case float64:
			out[k] = int(n)
		}
	}
	return out
}

func newLogger(cfg *Config) *slog.Logger {
	var w io.Writer = os.Stdout
	if cfg.LogFile != "" {
		w = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		})
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: loglevel,
	}))
}

func newSource(log *slog.Logger, cfg SourceConfig) (device.Source, error) {
	switch cfg.Kind {
	case "mock":
		src := device.NewMockSource(
			device.CameraInfo{ID: "mock0", Name: "Mock front", Facing: device.FacingUser},
			device.CameraInfo{ID: "mock1", Name: "Mock back", Facing: device.FacingEnvironment},
		)
		src.SetAutoFrame(true)
		return src, nil
	case "webcam":
		devices := make(map[device.Facing]string, len(cfg.Devices))
		for facing, path := range cfg.Devices {
			devices[device.Facing(facing)] = path
		}
		return newWebcamSource(log, device.WebcamConfig{
			Devices:     devices,
			AudioDevice: cfg.AudioDevice,
			FrameRate:   cfg.FrameRate,
		})
	case "rpi":
		cameras := make(map[device.Facing]int, len(cfg.Cameras))
		for facing, idx := range cfg.Cameras {
			cameras[device.Facing(facing)] = idx
		}
		return device.NewRPiSource(log, device.RPiConfig{
			Cameras:     cameras,
			AudioDevice: cfg.AudioDevice,
			FrameRate:   cfg.FrameRate,
			ExtraArgs:   cfg.ExtraArgs,
		}), nil
	}
	return nil, fmt.Errorf("unknown source %q", cfg.Kind)
}

func newBackend(ctx context.Context, log *slog.Logger, cfg *Config) recorder.Backend {
	if cfg.Recorder == "mock" {
		return recorder.NewMockBackend()
	}
	backend := recorder.NewFFmpegBackend(log, recorder.FFmpegConfig{Binary: cfg.FFmpeg})
	if err := backend.Probe(ctx); err != nil {
		log.Warn("fail to probe ffmpeg encoders, assuming all codecs", "err", err)
	}
	return backend
}

func newSink(log *slog.Logger, cfg SinkConfig) (emitter.Sink, error) {
	if cfg.Endpoint != "" {
		return emitter.NewHTTPSink(log, emitter.HTTPConfig{
			Endpoint: cfg.Endpoint,
			Username: cfg.Username,
			Password: cfg.Password,
			Token:    cfg.Token,
			Timeout:  cfg.Timeout,
		})
	}
	return emitter.NewDirSink(log, cfg.Dir)
}

func sessionConfig(cfg *Config) (capture.Config, error) {
	sc := capture.DefaultConfig()

	mode, err := device.ParseMode(cfg.Mode)
	if err != nil {
		return sc, err
	}
	sc.Mode = mode
	sc.Facing = device.Facing(cfg.Facing)
	sc.Resolutions = cfg.Resolutions
	sc.Recording = recorder.Options{
		Codec:          recorder.Codec(cfg.Codec),
		BitrateCeiling: cfg.Bitrate,
	}

	cycle, err := timelapse.NewCycle(cfg.Timelapse.Factor, cfg.Timelapse.Period)
	if err != nil {
		return sc, fmt.Errorf("fail to build timelapse cycle: %w", err)
	}
	sc.Cycle = cycle
	return sc, nil
}

func entrypoint() error {
	cfg := getConfig()
	log := newLogger(cfg)
	slog.SetDefault(log)
	setLogLevel(cfg.LogLevel)
	log.Info("Starting service", "port", cfg.Port, "loglevel", cfg.LogLevel, "source", cfg.Source.Kind)
	log.Debug("config", "cfg", *cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessCfg, err := sessionConfig(cfg)
	if err != nil {
		return fmt.Errorf("fail to read session config: %w", err)
	}
	src, err := newSource(log, cfg.Source)
	if err != nil {
		return fmt.Errorf("fail to create source: %w", err)
	}
	sink, err := newSink(log, cfg.Sink)
	if err != nil {
		return fmt.Errorf("fail to create sink: %w", err)
	}

	// the loop outlives ctx so the session can be closed on it
	loopCtx, stopLoop := context.WithCancel(context.Background())
	var workers errgroup.Group
	loop := eventloop.New(log)
	workers.Go(func() error { return loop.Run(loopCtx) })
	defer func() {
		stopLoop()
		if err := workers.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("event loop stopped", "err", err)
		}
	}()

	sess := capture.NewSession(log, loop, src, newBackend(ctx, log, cfg), sink, sessCfg)
	if cfg.AutoOpen {
		var openErr error
		if err := loop.Do(ctx, func() { openErr = sess.Open() }); err != nil {
			return fmt.Errorf("fail to open session: %w", err)
		}
		if openErr != nil {
			return fmt.Errorf("fail to open session: %w", openErr)
		}
	}

	srvCfg := &server.Config{
		Addr:           fmt.Sprintf(":%d", cfg.Port),
		StreamInterval: cfg.StreamInterval,
		AllowOrigins:   cfg.AllowOrigins,
		Debug:          cfg.Debug,
	}
	if cfg.Sink.Endpoint == "" {
		srvCfg.MediaDir = cfg.Sink.Dir
	}
	srv, err := server.NewServer(log, srvCfg, loop, sess)
	if err != nil {
		return fmt.Errorf("fail to create server: %w", err)
	}

	srvErr := srv.Start(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := loop.Do(closeCtx, sess.Close); err != nil && !errors.Is(err, eventloop.ErrLoopStopped) {
		log.Warn("fail to close session", "err", err)
	}

	if srvErr != nil {
		return fmt.Errorf("fail to listen: %w", srvErr)
	}
	return nil
}

func setLogLevel(level string) {
	level = strings.ToLower(level)
	switch level {
	case "debug":
		loglevel.Set(slog.LevelDebug)
	case "info":
		loglevel.Set(slog.LevelInfo)
	case "warn":
		loglevel.Set(slog.LevelWarn)
	case "error":
		loglevel.Set(slog.LevelError)
	default:
		slog.Warn("setLogLevel", "msg", fmt.Sprintf("unknown log level %s, using INFO instead", level))
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	serverCmd.PersistentFlags().StringP("loglevel", "l", "info", "Log level")
	viper.BindPFlag("loglevel", serverCmd.PersistentFlags().Lookup("loglevel"))
	serverCmd.Flags().IntP("port", "p", 8080, "Listen port")
	viper.BindPFlag("port", serverCmd.Flags().Lookup("port"))
	serverCmd.Flags().StringP("source", "s", "webcam", "Camera source: mock, webcam or rpi")
	viper.BindPFlag("source.kind", serverCmd.Flags().Lookup("source"))
	serverCmd.Flags().StringP("mode", "m", string(device.ModePhoto), "Initial capture mode")
	viper.BindPFlag("mode", serverCmd.Flags().Lookup("mode"))
	serverCmd.Flags().String("sink-dir", "./captures", "Directory confirmed captures are written to")
	viper.BindPFlag("sink.dir", serverCmd.Flags().Lookup("sink-dir"))
	serverCmd.Flags().String("sink-url", "", "Upload confirmed captures to this URL instead of a directory")
	viper.BindPFlag("sink.endpoint", serverCmd.Flags().Lookup("sink-url"))
	serverCmd.Flags().Bool("debug", false, "Gin debug mode")
	viper.BindPFlag("debug", serverCmd.Flags().Lookup("debug"))

	configCmd.AddCommand(configShowCmd)
	serverCmd.AddCommand(configCmd)
}

func main() {
	serverCmd.Execute()
}
