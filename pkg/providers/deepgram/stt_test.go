package deepgram

import "testing"

func TestConfigFromSettingsDefaults(t *testing.T) {
	cfg, err := ConfigFromSettings(map[string]any{"api-key": "dg", "sampleRate": "8000"})
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.APIKey != "dg" || cfg.SampleRate != 8000 {
		t.Fatalf("unexpected decode %+v", cfg)
	}
	if cfg.Model != "nova-2" || cfg.Encoding != "linear16" || !cfg.Interim || cfg.UtteranceEndMS != 1000 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if _, err := ConfigFromSettings(nil); err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	tr := New(Config{APIKey: "k"}, nil)
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, ok := <-tr.Events(); ok {
		t.Fatalf("expected closed events channel")
	}
	if err := tr.SendAudio([]byte{1}); err == nil {
		t.Fatalf("expected not started error")
	}
}
