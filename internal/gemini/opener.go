package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/saker-ai/voice-relay/internal/session"
)

// ErrMissingAPIKey is returned when no API key is configured.
var ErrMissingAPIKey = errors.New("gemini: api key is empty")

// Config describes the live session requested for every connection.
type Config struct {
	APIKey              string
	Model               string
	LanguageCode        string
	VoiceName           string
	SystemInstruction   string
	ResponseModalities  []string
	InputTranscription  bool
	OutputTranscription bool
	InputSampleRate     int
}

// liveSession is the subset of *genai.Session the relay drives.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

type connectFunc func(ctx context.Context, model string, cfg *genai.LiveConnectConfig) (liveSession, error)

// Opener opens one Gemini Live session per bridge.
type Opener struct {
	cfg     Config
	logger  *zap.Logger
	connect connectFunc
}

var _ session.Opener = (*Opener)(nil)

// NewOpener creates the GenAI client shared by all sessions.
func NewOpener(ctx context.Context, cfg Config, logger *zap.Logger) (*Opener, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Opener{
		cfg:    normalizeConfig(cfg),
		logger: logger,
		connect: func(ctx context.Context, model string, lc *genai.LiveConnectConfig) (liveSession, error) {
			s, err := client.Live.Connect(ctx, model, lc)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
	}, nil
}

// Open connects a new live session.
func (o *Opener) Open(ctx context.Context) (session.Remote, error) {
	s, err := o.connect(ctx, o.cfg.Model, o.liveConfig())
	if err != nil {
		return nil, fmt.Errorf("gemini: connect %s: %w", o.cfg.Model, err)
	}
	o.logger.Debug("gemini live session connected",
		zap.String("model", o.cfg.Model),
		zap.Strings("modalities", o.cfg.ResponseModalities),
	)
	return newRemote(s, o.cfg, o.logger), nil
}

func (o *Opener) liveConfig() *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{}
	for _, m := range o.cfg.ResponseModalities {
		lc.ResponseModalities = append(lc.ResponseModalities, genai.Modality(m))
	}
	if o.cfg.LanguageCode != "" || o.cfg.VoiceName != "" {
		lc.SpeechConfig = &genai.SpeechConfig{LanguageCode: o.cfg.LanguageCode}
		if o.cfg.VoiceName != "" {
			lc.SpeechConfig.VoiceConfig = &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: o.cfg.VoiceName},
			}
		}
	}
	if s := strings.TrimSpace(o.cfg.SystemInstruction); s != "" {
		lc.SystemInstruction = genai.NewContentFromText(s, genai.RoleUser)
	}
	if o.cfg.InputTranscription {
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if o.cfg.OutputTranscription {
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return lc
}

func normalizeConfig(cfg Config) Config {
	if cfg.Model == "" {
		cfg.Model = "gemini-live-2.5-flash-preview"
	}
	if cfg.InputSampleRate <= 0 {
		cfg.InputSampleRate = 16000
	}
	modalities := make([]string, 0, len(cfg.ResponseModalities))
	for _, m := range cfg.ResponseModalities {
		if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
			modalities = append(modalities, m)
		}
	}
	if len(modalities) == 0 {
		modalities = []string{string(genai.ModalityAudio)}
	}
	cfg.ResponseModalities = modalities
	return cfg
}
