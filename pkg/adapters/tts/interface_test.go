package tts

import "testing"

func TestParseOutputFormat(t *testing.T) {
	cases := map[string]AudioFormat{
		"":              {Encoding: "pcm16", SampleRate: 16000},
		"pcm_24000":     {Encoding: "pcm16", SampleRate: 24000},
		"ulaw_8000":     {Encoding: "mulaw", SampleRate: 8000},
		"mp3_44100_128": {Encoding: "mp3", SampleRate: 44100},
		"opus":          {Encoding: "opus", SampleRate: 16000},
	}
	for in, want := range cases {
		if got := ParseOutputFormat(in); got != want {
			t.Fatalf("%q: got %+v want %+v", in, got, want)
		}
	}
}
