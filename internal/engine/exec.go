package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/veloscribe/scribe-core/internal/config"
)

// execEngine shells out to an external recognizer command per utterance
// window. Audio is buffered on Feed and transcribed by a background worker,
// so recognition latency never lands on the feed path.
type execEngine struct {
	cfg    config.EngineConfig
	cmd    []string
	params Params
	logger *slog.Logger

	mu       sync.Mutex
	buf      []byte
	running  bool
	inflight bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type execResult struct {
	Text string `json:"text"`
}

// Two seconds of buffered audio triggers a transcription pass.
func (e *execEngine) flushThreshold() int {
	return e.cfg.SampleRate * e.cfg.Channels * 2 * 2
}

func newExecEngine(cfg config.EngineConfig, cmd []string, p Params, logger *slog.Logger) *execEngine {
	return &execEngine{
		cfg:    cfg,
		cmd:    cmd,
		params: p,
		logger: logger.With(slog.String("session_id", p.SessionID)),
	}
}

func (e *execEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.running = true
	return nil
}

func (e *execEngine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.buf = nil
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	return nil
}

func (e *execEngine) Feed(_ context.Context, pcm []byte) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	e.buf = append(e.buf, pcm...)
	schedule := !e.inflight && len(e.buf) >= e.flushThreshold()
	var window []byte
	if schedule {
		window = append([]byte(nil), e.buf...)
		e.buf = e.buf[:0]
		e.inflight = true
	}
	ctx := e.ctx
	e.mu.Unlock()

	if schedule {
		e.wg.Add(1)
		go e.transcribe(ctx, window)
	}
	return nil
}

func (e *execEngine) transcribe(ctx context.Context, pcm []byte) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		e.inflight = false
		e.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, 45*time.Second)
	defer cancel()

	text, err := e.runCommand(ctx, pcm)
	if err != nil {
		e.logger.Warn("recognizer command failed", slog.String("error", err.Error()))
		return
	}
	if text != "" && e.params.Callback != nil {
		e.params.Callback(text)
	}
}

func (e *execEngine) runCommand(ctx context.Context, pcm []byte) (string, error) {
	file, err := os.CreateTemp(os.TempDir(), "scribe_engine_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, e.cfg.SampleRate, e.cfg.Channels); err != nil {
		return "", err
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if e.cfg.ModelPath != "" {
		args = append(args, "--model", e.cfg.ModelPath)
	}
	if e.params.Language != "" {
		args = append(args, "--language", e.params.Language)
	}

	command := exec.CommandContext(ctx, base, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("recognizer command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("decode recognizer response: %w", err)
	}
	return resp.Text, nil
}

func (e *execEngine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	device := e.cfg.Device
	if device == "" {
		device = "cpu"
	}
	return Status{
		Language:  e.params.Language,
		ModelType: e.params.ModelType,
		Device:    device,
		Running:   e.running,
	}
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
