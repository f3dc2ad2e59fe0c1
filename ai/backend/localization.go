package backend

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/sashabaranov/go-openai"
)

// LocalizationConfig configures the localized-language model backend.
// Any OpenAI-compatible provider works; an empty APIKey selects the built-in
// glossary so the backend stays usable in development.
type LocalizationConfig struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int
	Temperature float32
}

// localizationPrompt asks the model for span-addressed replacement
// suggestions so results merge with the grammar backend's corrections.
const localizationPrompt = `You are a language tutor. The learner mixed non-English words ` +
	`into an English sentence. Reply with a JSON array of objects ` +
	`{"original": string, "replacement": string, "message": string} suggesting natural ` +
	`English phrasing for each non-English fragment. Reply with the JSON array only.`

// glossary backs the offline fallback: common classroom loanwords.
var glossary = map[string]string{
	"hola":    "hello",
	"gracias": "thank you",
	"escuela": "school",
	"amigo":   "friend",
	"bonjour": "hello",
	"merci":   "thank you",
	"école":   "school",
	"danke":   "thank you",
	"schule":  "school",
	"学校":      "school",
	"谢谢":      "thank you",
	"朋友":      "friend",
}

// Localizer suggests natural phrasing for mixed-language utterances.
type Localizer struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

// NewLocalizer constructs the localization backend. With no API key the
// glossary fallback is used for every call.
func NewLocalizer(cfg LocalizationConfig) *Localizer {
	l := &Localizer{
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
	if l.maxTokens <= 0 {
		l.maxTokens = 512
	}
	if cfg.APIKey == "" {
		return l
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	l.client = openai.NewClientWithConfig(clientConfig)
	return l
}

// LocalizationDescriptor declares the localization backend.
func LocalizationDescriptor(cost int64, timeout time.Duration) Descriptor {
	return Descriptor{
		Name:           "localization-lm",
		Capability:     CapabilityLocalization,
		MemoryCostMB:   cost,
		DefaultTimeout: timeout,
		Precedence:     10,
	}
}

// Analyze suggests English replacements for non-English fragments.
func (l *Localizer) Analyze(ctx context.Context, in *Input) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.client != nil {
		res, err := l.analyzeRemote(ctx, in)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, err // deadline or barge-in; do not mask cancellation
		}
		slog.Warn("localization: model call failed, using glossary", "error", err)
	}
	return l.analyzeGlossary(in), nil
}

func (l *Localizer) analyzeRemote(ctx context.Context, in *Input) (*Result, error) {
	resp, err := l.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       l.model,
		MaxTokens:   l.maxTokens,
		Temperature: l.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: localizationPrompt},
			{Role: openai.ChatMessageRoleUser, Content: in.Text},
		},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return l.analyzeGlossary(in), nil
	}

	var suggestions []struct {
		Original    string `json:"original"`
		Replacement string `json:"replacement"`
		Message     string `json:"message"`
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.Trim(content, "` \n")
	if err := json.Unmarshal([]byte(content), &suggestions); err != nil {
		slog.Warn("localization: unparseable model reply, using glossary", "error", err)
		return l.analyzeGlossary(in), nil
	}

	result := &Result{Capability: CapabilityLocalization}
	for _, s := range suggestions {
		if s.Original == "" || s.Replacement == "" {
			continue
		}
		idx := strings.Index(in.Text, s.Original)
		if idx < 0 {
			continue
		}
		result.Corrections = append(result.Corrections, Correction{
			Start:       idx,
			End:         idx + len(s.Original),
			Original:    s.Original,
			Replacement: s.Replacement,
			Kind:        "localization",
			Message:     s.Message,
			Source:      CapabilityLocalization,
		})
	}
	return result, nil
}

func (l *Localizer) analyzeGlossary(in *Input) *Result {
	result := &Result{Capability: CapabilityLocalization}
	offset := 0
	for _, field := range strings.Fields(in.Text) {
		idx := strings.Index(in.Text[offset:], field)
		if idx < 0 {
			continue
		}
		start := offset + idx
		offset = start + len(field)

		token := strings.ToLower(strings.Trim(field, ".,!?;:\"'"))
		replacement, ok := glossary[token]
		if !ok && !isLatinToken(token) {
			// Unknown non-Latin fragment: flag it even without a translation.
			replacement = ""
		} else if !ok {
			continue
		}
		c := Correction{
			Start:       start,
			End:         start + len(field),
			Original:    field,
			Replacement: replacement,
			Kind:        "localization",
			Message:     "try the English phrasing here",
			Source:      CapabilityLocalization,
		}
		if replacement == "" {
			c.Message = "this fragment is not English; try rephrasing it in English"
		}
		result.Corrections = append(result.Corrections, c)
	}
	return result
}

// Close releases the client; the HTTP transport holds no sticky state.
func (l *Localizer) Close() error { return nil }

func isLatinToken(token string) bool {
	for _, r := range token {
		if unicode.IsLetter(r) && !unicode.In(r, unicode.Latin) {
			return false
		}
	}
	return true
}
