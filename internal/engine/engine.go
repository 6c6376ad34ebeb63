package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	shellwords "github.com/mattn/go-shellwords"

	"github.com/veloscribe/scribe-core/internal/config"
)

// Callback receives recognized text. It is a write-only capability handed to
// the engine at construction; engines never hold references back into the
// session registry.
type Callback func(text string)

// Status is a read-only view of an engine for diagnostics.
type Status struct {
	Language  string `json:"language"`
	ModelType string `json:"model_type"`
	Device    string `json:"device"`
	Running   bool   `json:"running"`
}

// Engine converts streamed PCM audio into recognized text. Feed must not
// block the caller for the duration of recognition; recognized utterances
// arrive asynchronously through the bound callback.
type Engine interface {
	Start() error
	Stop() error
	Feed(ctx context.Context, pcm []byte) error
	Status() Status
}

// Params configure one engine instance.
type Params struct {
	SessionID string
	Language  string
	ModelType string
	DebugMode bool
	Callback  Callback
}

var (
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrUnsupportedModel    = errors.New("unsupported model")
	ErrNotRunning          = errors.New("engine not running")
)

// Factory validates session parameters against the configured supported sets
// and constructs engines for the configured backend mode.
type Factory struct {
	cfg       config.EngineConfig
	languages map[string]struct{}
	models    map[string]struct{}
	cmd       []string
	logger    *slog.Logger
}

func NewFactory(cfg config.EngineConfig, sess config.SessionConfig, logger *slog.Logger) (*Factory, error) {
	f := &Factory{
		cfg:       cfg,
		languages: toSet(sess.Languages),
		models:    toSet(sess.Models),
		logger:    logger.With(slog.String("component", "engine-factory")),
	}
	if cfg.Mode == "exec" {
		parser := shellwords.NewParser()
		args, err := parser.Parse(cfg.Command)
		if err != nil {
			return nil, fmt.Errorf("parse engine command: %w", err)
		}
		if len(args) == 0 {
			return nil, errors.New("engine command is empty")
		}
		f.cmd = args
	}
	return f, nil
}

// Validate checks a language/model pair without constructing anything.
func (f *Factory) Validate(language, modelType string) error {
	if _, ok := f.languages[language]; !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}
	if _, ok := f.models[modelType]; !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedModel, modelType)
	}
	return nil
}

// Build validates params and constructs an engine. It never panics; an
// unsupported language/model pair is reported as an error.
func (f *Factory) Build(p Params) (Engine, error) {
	if err := f.Validate(p.Language, p.ModelType); err != nil {
		return nil, err
	}
	switch f.cfg.Mode {
	case "exec":
		return newExecEngine(f.cfg, f.cmd, p, f.logger), nil
	default:
		return NewMock(p, f.cfg.Device), nil
	}
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
