package realtime

import (
	"github.com/harunnryd/voxa/pkg/session"
	"github.com/harunnryd/voxa/pkg/tools"
)

// BuildSessionConfig synthesizes the session.update payload from settings
// and the session's options.
func BuildSessionConfig(s Settings, snap session.VoiceSession, registry *tools.Registry, basePrompt string) SessionConfig {
	s = s.withDefaults()
	opts := snap.Options
	cfg := SessionConfig{
		Modalities:        []string{"text", "audio"},
		Voice:             s.Voice,
		InputAudioFormat:  s.InputAudioFormat,
		OutputAudioFormat: s.OutputAudioFormat,
		InputAudioTranscription: &TranscriptionConfig{
			Model: s.TranscriptionModel,
		},
		TurnDetection: &TurnDetection{
			Type:              "server_vad",
			Threshold:         s.VADThreshold,
			PrefixPaddingMS:   s.PrefixPaddingMS,
			SilenceDurationMS: s.SilenceDurationMS,
		},
		Temperature: s.Temperature,
	}
	if snap.VoiceID != "" {
		cfg.Voice = snap.VoiceID
	}
	if opts.Temperature != nil {
		cfg.Temperature = opts.Temperature
	}
	switch {
	case opts.MaxTokens != nil:
		cfg.MaxResponseOutputTokens = *opts.MaxTokens
	case s.MaxOutputTokens != nil:
		cfg.MaxResponseOutputTokens = *s.MaxOutputTokens
	default:
		cfg.MaxResponseOutputTokens = "inf"
	}

	var (
		builtins []string
		plugins  []tools.Plugin
	)
	if opts.AgentEnabled {
		if opts.WebSearch {
			builtins = append(builtins, tools.BuiltinWebSearch)
		}
		if opts.XSearch {
			builtins = append(builtins, tools.BuiltinXSearch)
		}
		if registry != nil {
			plugins = registry.Plugins(opts.Capabilities)
		}
		for _, name := range builtins {
			cfg.Tools = append(cfg.Tools, tools.BuiltinDeclaration(name))
		}
		for _, p := range plugins {
			for _, t := range p.Tools {
				cfg.Tools = append(cfg.Tools, tools.FunctionDeclaration(t))
			}
		}
		if len(cfg.Tools) > 0 {
			cfg.ToolChoice = "auto"
		}
	}
	cfg.Instructions = tools.SystemPrompt(basePrompt, opts.SystemPrompt, plugins, builtins)
	return cfg
}
