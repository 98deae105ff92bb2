package tts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"google.golang.org/api/option"
)

// GoogleSynth calls the Google Cloud Text-to-Speech API with a fixed voice.
type GoogleSynth struct {
	client     *texttospeech.Client
	synthesize func(ctx context.Context, req *texttospeechpb.SynthesizeSpeechRequest) (*texttospeechpb.SynthesizeSpeechResponse, error)
	voice      *texttospeechpb.VoiceSelectionParams
	audio      *texttospeechpb.AudioConfig
	enc        Encoding
}

func NewGoogleSynth(ctx context.Context, language, voice, gender, credentialsFile string, enc Encoding) (*GoogleSynth, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := texttospeech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create text-to-speech client: %w", err)
	}
	g, err := newGoogleSynth(language, voice, gender, enc)
	if err != nil {
		client.Close()
		return nil, err
	}
	g.client = client
	g.synthesize = func(ctx context.Context, req *texttospeechpb.SynthesizeSpeechRequest) (*texttospeechpb.SynthesizeSpeechResponse, error) {
		return client.SynthesizeSpeech(ctx, req)
	}
	return g, nil
}

func newGoogleSynth(language, voice, gender string, enc Encoding) (*GoogleSynth, error) {
	audioEncoding, err := googleEncoding(enc)
	if err != nil {
		return nil, err
	}
	ssmlGender, err := googleGender(gender)
	if err != nil {
		return nil, err
	}
	return &GoogleSynth{
		voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: language,
			Name:         voice,
			SsmlGender:   ssmlGender,
		},
		audio: &texttospeechpb.AudioConfig{AudioEncoding: audioEncoding},
		enc:   enc,
	}, nil
}

func (g *GoogleSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	resp, err := g.synthesize(ctx, g.request(req.Text))
	if err != nil {
		return Audio{}, err
	}
	if len(resp.GetAudioContent()) == 0 {
		return Audio{}, errors.New("text-to-speech returned no audio")
	}
	return Audio{Data: resp.GetAudioContent(), Format: g.enc.Format, ContentType: g.enc.ContentType}, nil
}

func (g *GoogleSynth) request(text string) *texttospeechpb.SynthesizeSpeechRequest {
	return &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: text},
		},
		Voice:       g.voice,
		AudioConfig: g.audio,
	}
}

func (g *GoogleSynth) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

func googleEncoding(enc Encoding) (texttospeechpb.AudioEncoding, error) {
	switch enc.Name {
	case "mp3":
		return texttospeechpb.AudioEncoding_MP3, nil
	case "ogg_opus":
		return texttospeechpb.AudioEncoding_OGG_OPUS, nil
	case "linear16":
		return texttospeechpb.AudioEncoding_LINEAR16, nil
	}
	return texttospeechpb.AudioEncoding_AUDIO_ENCODING_UNSPECIFIED, fmt.Errorf("encoding %q not supported by google tts", enc.Name)
}

func googleGender(gender string) (texttospeechpb.SsmlVoiceGender, error) {
	switch strings.ToLower(strings.TrimSpace(gender)) {
	case "", "unspecified":
		return texttospeechpb.SsmlVoiceGender_SSML_VOICE_GENDER_UNSPECIFIED, nil
	case "female":
		return texttospeechpb.SsmlVoiceGender_FEMALE, nil
	case "male":
		return texttospeechpb.SsmlVoiceGender_MALE, nil
	case "neutral":
		return texttospeechpb.SsmlVoiceGender_NEUTRAL, nil
	}
	return texttospeechpb.SsmlVoiceGender_SSML_VOICE_GENDER_UNSPECIFIED, fmt.Errorf("unknown voice gender %q", gender)
}
