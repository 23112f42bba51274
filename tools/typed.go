package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/tannht/mcp-compliance-go/jobs"
	"github.com/tannht/mcp-compliance-go/schema"
)

// Option configures typed tool construction.
type Option func(*config)

type config struct {
	description        string
	allowUnknownFields bool // default false (strict)
	output             *schema.Schema
}

// WithDescription sets the tool description used in listings.
func WithDescription(desc string) Option {
	return func(c *config) { c.description = desc }
}

// WithAllowUnknownFields controls whether unknown argument fields are
// tolerated at decode time. Default is strict rejection.
func WithAllowUnknownFields(allow bool) Option {
	return func(c *config) { c.allowUnknownFields = allow }
}

// WithOutputSchema attaches a hand-built output schema to the tool.
func WithOutputSchema(s *schema.Schema) Option {
	return func(c *config) { c.output = s }
}

// New constructs a Tool from a typed args struct A. It reflects the input
// schema from A and wraps the handler with runtime JSON decoding, rejecting
// unknown fields unless WithAllowUnknownFields(true) is given.
func New[A any](id string, fn func(ctx context.Context, args A, report jobs.ProgressFunc) (any, error), opts ...Option) (*Tool, error) {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	in, err := schema.FromStruct[A]()
	if err != nil {
		return nil, fmt.Errorf("reflect input schema for %s: %w", id, err)
	}

	exec := func(ctx context.Context, raw json.RawMessage, report jobs.ProgressFunc) (any, error) {
		var a A
		if len(raw) > 0 {
			if cfg.allowUnknownFields {
				if err := json.Unmarshal(raw, &a); err != nil {
					return nil, fmt.Errorf("invalid arguments: %w", err)
				}
			} else {
				dec := json.NewDecoder(bytes.NewReader(raw))
				dec.DisallowUnknownFields()
				if err := dec.Decode(&a); err != nil {
					return nil, fmt.Errorf("invalid arguments: %w", err)
				}
			}
		}
		return fn(ctx, a, report)
	}

	return &Tool{
		ID:           id,
		Description:  cfg.description,
		InputSchema:  in,
		OutputSchema: cfg.output,
		Executor:     exec,
	}, nil
}

// NewWithOutput constructs a typed-input, typed-output tool. The output
// schema is reflected from O and the handler's O return is passed through as
// the job result.
func NewWithOutput[A, O any](id string, fn func(ctx context.Context, args A, report jobs.ProgressFunc) (O, error), opts ...Option) (*Tool, error) {
	out, err := schema.FromStruct[O]()
	if err != nil {
		return nil, fmt.Errorf("reflect output schema for %s: %w", id, err)
	}
	opts = append(opts, WithOutputSchema(out))
	return New[A](id, func(ctx context.Context, args A, report jobs.ProgressFunc) (any, error) {
		return fn(ctx, args, report)
	}, opts...)
}

// Must panics if err is non-nil. It allows tool construction in package
// variable initializers.
func Must(t *Tool, err error) *Tool {
	if err != nil {
		panic(err)
	}
	return t
}
