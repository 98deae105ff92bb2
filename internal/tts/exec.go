package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// execSynth runs an external command once per request. The command receives
// a JSON request on stdin and answers with JSON lines, each carrying a
// base64 slice of the encoded audio.
type execSynth struct {
	cmd      []string
	language string
	voice    string
	enc      Encoding
}

type execRequest struct {
	Text         string `json:"text"`
	LanguageCode string `json:"language_code"`
	Voice        string `json:"voice"`
	Encoding     string `json:"encoding"`
}

type execResponse struct {
	AudioBase64 string `json:"audio_base64"`
	Final       bool   `json:"final"`
	Error       string `json:"error,omitempty"`
}

func NewExecSynth(command, language, voice string, enc Encoding) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, language: language, voice: voice, enc: enc}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req Request) (Audio, error) {
	data, err := json.Marshal(execRequest{
		Text:         req.Text,
		LanguageCode: e.language,
		Voice:        e.voice,
		Encoding:     e.enc.Name,
	})
	if err != nil {
		return Audio{}, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Audio{}, err
	}
	if err := cmd.Start(); err != nil {
		return Audio{}, err
	}

	abort := func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}

	var audio bytes.Buffer
	final := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			abort()
			return Audio{}, fmt.Errorf("decode tts output: %w", err)
		}
		if resp.Error != "" {
			abort()
			return Audio{}, errors.New(resp.Error)
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
		if err != nil {
			abort()
			return Audio{}, fmt.Errorf("decode tts audio: %w", err)
		}
		audio.Write(chunk)
		if resp.Final {
			final = true
		}
	}
	if err := scanner.Err(); err != nil {
		abort()
		return Audio{}, fmt.Errorf("read tts output: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return Audio{}, fmt.Errorf("tts command: %w: %s", err, msg)
		}
		return Audio{}, fmt.Errorf("tts command: %w", err)
	}
	if !final {
		return Audio{}, errors.New("tts command exited without a final frame")
	}
	if audio.Len() == 0 {
		return Audio{}, errors.New("tts command produced no audio")
	}
	return Audio{Data: audio.Bytes(), Format: e.enc.Format, ContentType: e.enc.ContentType}, nil
}
