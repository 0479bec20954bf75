package voice

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SpeechSettings configures recognition and synthesis on a call.
type SpeechSettings struct {
	Language      string
	Voice         string
	SpeechModel   string
	SpeechTimeout string
	// WordsPerMinute drives the playout estimate of synthesized speech.
	WordsPerMinute int
}

const (
	defaultLanguage       = "en-US"
	defaultVoice          = "Polly.Joanna"
	defaultSpeechModel    = "phone_call"
	defaultSpeechTimeout  = "auto"
	defaultWordsPerMinute = 160
)

var languageTag = regexp.MustCompile(`^[a-z]{2,3}(-[A-Z]{2})?$`)

var speechModels = map[string]bool{
	"default":                    true,
	"phone_call":                 true,
	"numbers_and_commands":       true,
	"experimental_conversations": true,
	"experimental_utterances":    true,
}

// ErrDetectorInit is returned when speech detection cannot be initialized.
var ErrDetectorInit = errors.New("voice: speech detector initialization failed")

// Detector holds validated voice-activity settings for a room. Speech end
// is detected by the provider's recognizer using these settings.
type Detector struct {
	settings SpeechSettings
}

// LoadDetector validates settings and fills in defaults.
func LoadDetector(settings SpeechSettings) (*Detector, error) {
	s := settings
	if s.Language == "" {
		s.Language = defaultLanguage
	}
	if s.Voice == "" {
		s.Voice = defaultVoice
	}
	if s.SpeechModel == "" {
		s.SpeechModel = defaultSpeechModel
	}
	if s.SpeechTimeout == "" {
		s.SpeechTimeout = defaultSpeechTimeout
	}
	if s.WordsPerMinute == 0 {
		s.WordsPerMinute = defaultWordsPerMinute
	}

	if !languageTag.MatchString(s.Language) {
		return nil, fmt.Errorf("%w: invalid language %q", ErrDetectorInit, s.Language)
	}
	if !speechModels[s.SpeechModel] {
		return nil, fmt.Errorf("%w: unknown speech model %q", ErrDetectorInit, s.SpeechModel)
	}
	if s.SpeechTimeout != "auto" {
		n, err := strconv.Atoi(s.SpeechTimeout)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: speech timeout must be \"auto\" or positive seconds, got %q", ErrDetectorInit, s.SpeechTimeout)
		}
	}
	if s.WordsPerMinute < 0 {
		return nil, fmt.Errorf("%w: words per minute must be positive", ErrDetectorInit)
	}
	return &Detector{settings: s}, nil
}

// Settings returns the effective settings.
func (d *Detector) Settings() SpeechSettings {
	if d == nil {
		s, _ := LoadDetector(SpeechSettings{})
		return s.settings
	}
	return d.settings
}

// EstimatePlayout returns how long text takes to speak at the configured rate.
func (d *Detector) EstimatePlayout(text string) time.Duration {
	return estimatePlayout(text, d.Settings().WordsPerMinute)
}

func estimatePlayout(text string, wpm int) time.Duration {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	if wpm <= 0 {
		wpm = defaultWordsPerMinute
	}
	return time.Duration(words) * time.Minute / time.Duration(wpm)
}
