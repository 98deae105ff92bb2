package tts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"github.com/loqalabs/loqa-readaloud/internal/config"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "synth.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestLookupEncoding(t *testing.T) {
	enc, err := LookupEncoding(" MP3 ")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if enc.Format != "mp3" || enc.ContentType != "audio/mpeg" {
		t.Fatalf("unexpected encoding: %+v", enc)
	}
	if _, err := LookupEncoding("flac"); err == nil {
		t.Fatal("expected error for unsupported encoding")
	}
}

func TestMockSynthEchoesText(t *testing.T) {
	enc, _ := LookupEncoding("mp3")
	synth := NewMockSynth(enc, 0)
	audio, err := synth.Synthesize(context.Background(), Request{Index: 3, Text: "hello"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(audio.Data) != "hello" || audio.Format != "mp3" {
		t.Fatalf("unexpected audio: %+v", audio)
	}
}

func TestMockSynthHonoursCancellation(t *testing.T) {
	enc, _ := LookupEncoding("mp3")
	synth := NewMockSynth(enc, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := synth.Synthesize(ctx, Request{Text: "slow"}); err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestExecSynthCollectsFrames(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
echo '{"audio_base64":"aGVs"}'
echo '{"audio_base64":"bG8=","final":true}'
`)
	enc, _ := LookupEncoding("mp3")
	synth, err := NewExecSynth("/bin/sh "+script, "en-US", "en-US-Wavenet-F", enc)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	audio, err := synth.Synthesize(context.Background(), Request{Text: "hello"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(audio.Data) != "hello" {
		t.Fatalf("unexpected audio %q", audio.Data)
	}
	if audio.ContentType != "audio/mpeg" {
		t.Fatalf("unexpected content type %s", audio.ContentType)
	}
}

func TestExecSynthReportsErrors(t *testing.T) {
	enc, _ := LookupEncoding("mp3")

	frameErr := writeScript(t, `cat >/dev/null
echo '{"error":"quota exceeded"}'
`)
	synth, err := NewExecSynth("/bin/sh "+frameErr, "en-US", "", enc)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	if _, err := synth.Synthesize(context.Background(), Request{Text: "x"}); err == nil || !strings.Contains(err.Error(), "quota") {
		t.Fatalf("expected quota error, got %v", err)
	}

	noFinal := writeScript(t, `cat >/dev/null
echo '{"audio_base64":"aGVsbG8="}'
`)
	synth, _ = NewExecSynth("/bin/sh "+noFinal, "en-US", "", enc)
	if _, err := synth.Synthesize(context.Background(), Request{Text: "x"}); err == nil {
		t.Fatal("expected error without final frame")
	}

	exitCode := writeScript(t, `cat >/dev/null
echo "voice not found" >&2
exit 3
`)
	synth, _ = NewExecSynth("/bin/sh "+exitCode, "en-US", "", enc)
	if _, err := synth.Synthesize(context.Background(), Request{Text: "x"}); err == nil || !strings.Contains(err.Error(), "voice not found") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}

func TestNewExecSynthRejectsEmptyCommand(t *testing.T) {
	enc, _ := LookupEncoding("mp3")
	if _, err := NewExecSynth("   ", "en-US", "", enc); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestGoogleSynthBuildsRequest(t *testing.T) {
	enc, _ := LookupEncoding("mp3")
	g, err := newGoogleSynth("en-US", "en-US-Wavenet-F", "female", enc)
	if err != nil {
		t.Fatalf("new google synth: %v", err)
	}
	var captured *texttospeechpb.SynthesizeSpeechRequest
	g.synthesize = func(_ context.Context, req *texttospeechpb.SynthesizeSpeechRequest) (*texttospeechpb.SynthesizeSpeechResponse, error) {
		captured = req
		return &texttospeechpb.SynthesizeSpeechResponse{AudioContent: []byte("ID3")}, nil
	}

	audio, err := g.Synthesize(context.Background(), Request{Index: 1, Text: "Read me"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(audio.Data) != "ID3" || audio.Format != "mp3" {
		t.Fatalf("unexpected audio: %+v", audio)
	}
	if captured.GetInput().GetText() != "Read me" {
		t.Fatalf("unexpected input %q", captured.GetInput().GetText())
	}
	if captured.GetVoice().GetName() != "en-US-Wavenet-F" || captured.GetVoice().GetSsmlGender() != texttospeechpb.SsmlVoiceGender_FEMALE {
		t.Fatalf("unexpected voice: %v", captured.GetVoice())
	}
	if captured.GetAudioConfig().GetAudioEncoding() != texttospeechpb.AudioEncoding_MP3 {
		t.Fatalf("unexpected encoding: %v", captured.GetAudioConfig().GetAudioEncoding())
	}
	if err := g.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestGoogleSynthRejectsEmptyAudio(t *testing.T) {
	enc, _ := LookupEncoding("mp3")
	g, err := newGoogleSynth("en-US", "", "", enc)
	if err != nil {
		t.Fatalf("new google synth: %v", err)
	}
	g.synthesize = func(context.Context, *texttospeechpb.SynthesizeSpeechRequest) (*texttospeechpb.SynthesizeSpeechResponse, error) {
		return &texttospeechpb.SynthesizeSpeechResponse{}, nil
	}
	if _, err := g.Synthesize(context.Background(), Request{Text: "x"}); err == nil {
		t.Fatal("expected error for empty audio")
	}
	if _, err := newGoogleSynth("en-US", "", "robot", enc); err == nil {
		t.Fatal("expected error for unknown gender")
	}
}

func TestNewSelectsMode(t *testing.T) {
	cfg := config.Default().TTS
	synth, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := synth.(*mockSynth); !ok {
		t.Fatalf("expected mock synthesizer, got %T", synth)
	}
	cfg.Mode = "bogus"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
