package console

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestNonInteractivePrompter(t *testing.T) {
	p := NewPrompter(Options{}, zerolog.Nop())
	ctx := context.Background()

	tests := []struct {
		name    string
		run     func() (string, error)
		want    string
		wantErr bool
	}{
		{"prompt with default", func() (string, error) { return p.Prompt(ctx, "Computer name", "WS-0001") }, "WS-0001", false},
		{"prompt without default", func() (string, error) { return p.Prompt(ctx, "Computer name", "") }, "", true},
		{"single option", func() (string, error) { return p.Choose(ctx, "Image", []string{"pro"}) }, "pro", false},
		{"several options", func() (string, error) { return p.Choose(ctx, "Image", []string{"pro", "home"}) }, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.run()
			if tt.wantErr {
				if !errors.Is(err, ErrNonInteractive) {
					t.Errorf("error = %v, want ErrNonInteractive", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("got %q, %v; want %q", got, err, tt.want)
			}
		})
	}

	if ok, err := p.Confirm(ctx, "Wipe disk?", true); err != nil || !ok {
		t.Errorf("Confirm() = %v, %v", ok, err)
	}
}

func TestChooseWithoutOptions(t *testing.T) {
	p := NewPrompter(Options{Interactive: true}, zerolog.Nop())
	if _, err := p.Choose(context.Background(), "Image", nil); err == nil {
		t.Error("Choose() accepted an empty option list")
	}
}
