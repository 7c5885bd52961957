package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	appdefaults "github.com/saker-ai/voice-relay/config"

	"github.com/saker-ai/voice-relay/internal/logger"
	"github.com/spf13/viper"
)

const envPrefix = "relay"

// SystemConfig holds the listen address parts.
type SystemConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// GeminiConfig configures the remote live session.
type GeminiConfig struct {
	APIKey              string   `mapstructure:"api_key"`
	Model               string   `mapstructure:"model"`
	LanguageCode        string   `mapstructure:"language_code"`
	VoiceName           string   `mapstructure:"voice_name"`
	ResponseModalities  []string `mapstructure:"response_modalities"`
	SystemInstruction   string   `mapstructure:"system_instruction"`
	InputTranscription  bool     `mapstructure:"input_transcription"`
	OutputTranscription bool     `mapstructure:"output_transcription"`
	PersonaFile         string   `mapstructure:"persona_file"`
}

// AudioConfig describes the PCM formats on both legs.
type AudioConfig struct {
	CaptureRate    int    `mapstructure:"capture_rate"`
	PlaybackRate   int    `mapstructure:"playback_rate"`
	OutputRate     int    `mapstructure:"output_rate"`
	FrameSamples   int    `mapstructure:"frame_samples"`
	Channels       int    `mapstructure:"channels"`
	CaptureDevice  string `mapstructure:"capture_device"`
	PlaybackDevice string `mapstructure:"playback_device"`
}

// RelayConfig tunes the per-connection bridge and transport keepalive.
type RelayConfig struct {
	QueueCapacity int           `mapstructure:"queue_capacity"`
	PingInterval  time.Duration `mapstructure:"ping_interval"`
	PongWait      time.Duration `mapstructure:"pong_wait"`
	WriteWait     time.Duration `mapstructure:"write_wait"`
}

// ClientConfig configures the local bridge process.
type ClientConfig struct {
	URL            string `mapstructure:"url"`
	OutboxCapacity int    `mapstructure:"outbox_capacity"`
	LogFormat      string `mapstructure:"log_format"`
}

// Config is the fully resolved configuration shared by both binaries.
type Config struct {
	RootDir      string        `mapstructure:"-"`
	HTTPAddr     string        `mapstructure:"http_addr"`
	TLSCertPath  string        `mapstructure:"tls_cert_path"`
	TLSKeyPath   string        `mapstructure:"tls_key_path"`
	TLSRequired  bool          `mapstructure:"tls_required"`
	TLSDisable   bool          `mapstructure:"tls_disable"`
	SystemConfig SystemConfig  `mapstructure:"system_config"`
	Gemini       GeminiConfig  `mapstructure:"gemini"`
	Audio        AudioConfig   `mapstructure:"audio"`
	Relay        RelayConfig   `mapstructure:"relay"`
	Client       ClientConfig  `mapstructure:"client"`
	Log          logger.Config `mapstructure:"log"`
}

// Load resolves conf.yaml from the working directory upward and merges it over
// the embedded defaults.
func Load() (Config, error) {
	rootDir, err := resolveRootDir()
	if err != nil {
		return Config{}, err
	}

	v, err := newViper()
	if err != nil {
		return Config{}, err
	}
	v.SetConfigName("conf")
	v.AddConfigPath(rootDir)

	if err := v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, err
		}
	}
	return finish(v, rootDir)
}

// LoadConfig loads an explicit config file, or falls back to Load when
// configPath is empty.
func LoadConfig(configPath string) (Config, error) {
	path := strings.TrimSpace(configPath)
	if path == "" {
		return Load()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, err
	}

	rootDir := strings.TrimSpace(os.Getenv("RELAY_ROOT_DIR"))
	if rootDir == "" {
		rootDir = filepath.Dir(absPath)
		if filepath.Base(rootDir) == "config" {
			rootDir = filepath.Dir(rootDir)
		}
	}

	v, err := newViper()
	if err != nil {
		return Config{}, err
	}
	v.SetConfigFile(absPath)
	if err := v.MergeInConfig(); err != nil {
		return Config{}, err
	}
	return finish(v, rootDir)
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if err := v.ReadConfig(bytes.NewReader(appdefaults.Default)); err != nil {
		return nil, fmt.Errorf("load embedded config: %w", err)
	}

	v.SetDefault("http_addr", "")
	v.SetDefault("tls_required", false)
	v.SetDefault("tls_disable", true)
	v.SetDefault("tls_cert_path", "")
	v.SetDefault("tls_key_path", "")
	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model", "gemini-live-2.5-flash-preview")
	v.SetDefault("gemini.language_code", "ml-IN")
	v.SetDefault("gemini.response_modalities", []string{"AUDIO"})
	v.SetDefault("gemini.input_transcription", true)
	v.SetDefault("gemini.output_transcription", true)
	v.SetDefault("audio.capture_rate", 16000)
	v.SetDefault("audio.playback_rate", 24000)
	v.SetDefault("audio.output_rate", 24000)
	v.SetDefault("audio.frame_samples", 1024)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("relay.queue_capacity", 256)
	v.SetDefault("relay.ping_interval", 20*time.Second)
	v.SetDefault("relay.pong_wait", 60*time.Second)
	v.SetDefault("relay.write_wait", 10*time.Second)
	v.SetDefault("client.url", "ws://127.0.0.1:8101/connect")
	v.SetDefault("client.outbox_capacity", 256)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.stdout", true)
	v.SetDefault("log.file.enabled", false)
	v.SetDefault("log.file.path", "./data/logs")
	v.SetDefault("log.file.name", "voice-relay.log")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("gemini.api_key", "RELAY_GEMINI_API_KEY", "GEMINI_API_KEY"); err != nil {
		return nil, err
	}
	return v, nil
}

func finish(v *viper.Viper, rootDir string) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	cfg.RootDir = rootDir
	if cfg.Gemini.APIKey == "" {
		cfg.Gemini.APIKey = readDotEnvKey(filepath.Join(rootDir, ".env"), "GEMINI_API_KEY")
	}
	deriveHTTPAddr(&cfg)
	derivePaths(&cfg)
	if err := applyPersona(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the audio path cannot run with.
func (c Config) Validate() error {
	if c.Audio.CaptureRate <= 0 || c.Audio.PlaybackRate <= 0 || c.Audio.OutputRate <= 0 {
		return fmt.Errorf("audio rates must be positive: capture=%d playback=%d output=%d",
			c.Audio.CaptureRate, c.Audio.PlaybackRate, c.Audio.OutputRate)
	}
	if c.Audio.FrameSamples <= 0 {
		return fmt.Errorf("audio.frame_samples must be positive, got %d", c.Audio.FrameSamples)
	}
	if c.Audio.Channels != 1 {
		return fmt.Errorf("audio.channels must be 1, got %d", c.Audio.Channels)
	}
	if c.Relay.QueueCapacity <= 0 {
		return fmt.Errorf("relay.queue_capacity must be positive, got %d", c.Relay.QueueCapacity)
	}
	return nil
}

// FrameBytes is the size of one captured frame in bytes.
func (c Config) FrameBytes() int {
	return c.Audio.FrameSamples * c.Audio.Channels * 2
}

// readDotEnvKey reads a single key from a dotenv file, returning "" when the
// file or key is absent.
func readDotEnvKey(path string, key string) string {
	if !fileExists(path) {
		return ""
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return ""
	}
	return strings.TrimSpace(v.GetString(key))
}

func deriveHTTPAddr(cfg *Config) {
	if cfg.HTTPAddr != "" {
		return
	}
	host := cfg.SystemConfig.Host
	port := cfg.SystemConfig.Port
	if port == 0 {
		port = 8101
	}
	if host == "" {
		cfg.HTTPAddr = fmt.Sprintf(":%d", port)
		return
	}
	cfg.HTTPAddr = net.JoinHostPort(host, strconv.Itoa(port))
}

func resolveRootDir() (string, error) {
	if root := strings.TrimSpace(os.Getenv("RELAY_ROOT_DIR")); root != "" {
		return filepath.Abs(root)
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	dir := wd
	for i := 0; i < 6; i++ {
		if fileExists(filepath.Join(dir, "conf.yaml")) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return wd, nil
}

func derivePaths(cfg *Config) {
	cfg.TLSCertPath = resolvePath(cfg.RootDir, cfg.TLSCertPath, filepath.Join("certs", "server.crt"))
	cfg.TLSKeyPath = resolvePath(cfg.RootDir, cfg.TLSKeyPath, filepath.Join("certs", "server.key"))
	if strings.TrimSpace(cfg.Gemini.PersonaFile) != "" {
		cfg.Gemini.PersonaFile = resolvePath(cfg.RootDir, cfg.Gemini.PersonaFile, "")
	}
}

func resolvePath(rootDir string, configured string, fallback string) string {
	path := strings.TrimSpace(configured)
	if path == "" {
		path = fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(rootDir, path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
