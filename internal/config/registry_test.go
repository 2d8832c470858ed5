package config_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/hushline/internal/config"
	"github.com/MrWong99/hushline/pkg/audio"
	audiomock "github.com/MrWong99/hushline/pkg/audio/mock"
	"github.com/MrWong99/hushline/pkg/presence"
	presencemock "github.com/MrWong99/hushline/pkg/presence/mock"
	"github.com/MrWong99/hushline/pkg/provider/denoise"
	denoisemock "github.com/MrWong99/hushline/pkg/provider/denoise/mock"
)

func TestRegistry_Runtime(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	want := &denoisemock.Runtime{RuntimeName: "spectral"}
	r.RegisterRuntime("spectral", func(config.DenoiseConfig) (denoise.Runtime, error) { return want, nil })

	got, err := r.CreateRuntime(config.DenoiseConfig{Runtime: "spectral"})
	if err != nil {
		t.Fatalf("CreateRuntime: %v", err)
	}
	if got != want {
		t.Errorf("CreateRuntime returned %v", got)
	}
	if _, err := r.CreateRuntime(config.DenoiseConfig{Runtime: "onnx"}); !errors.Is(err, config.ErrNotRegistered) {
		t.Errorf("unknown runtime: err = %v, want ErrNotRegistered", err)
	}
}

func TestRegistry_Transport(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	hub := presencemock.NewHub()
	var gotIdentity string
	r.RegisterTransport("mock", func(_ context.Context, _ *config.Config, identity string) (presence.Transport, error) {
		gotIdentity = identity
		return hub.Join(identity), nil
	})
	r.RegisterTransport("broken", func(context.Context, *config.Config, string) (presence.Transport, error) {
		return nil, errors.New("unreachable")
	})

	tr, err := r.CreateTransport(context.Background(), "mock", config.Default(), "alice")
	if err != nil {
		t.Fatalf("CreateTransport: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	if gotIdentity != "alice" {
		t.Errorf("identity = %q", gotIdentity)
	}
	if _, err := r.CreateTransport(context.Background(), "broken", config.Default(), "alice"); err == nil {
		t.Error("factory error not propagated")
	}
	if _, err := r.CreateTransport(context.Background(), "carrier-pigeon", config.Default(), "alice"); !errors.Is(err, config.ErrNotRegistered) {
		t.Errorf("err = %v, want ErrNotRegistered", err)
	}
	if names := r.Transports(); !slices.Equal(names, []string{"broken", "mock"}) {
		t.Errorf("Transports = %v", names)
	}
}

func TestRegistry_Platform(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	p := &audiomock.Platform{}
	r.RegisterPlatform("discord", func(*config.Config) (audio.Platform, error) { return p, nil })
	got, err := r.CreatePlatform("discord", config.Default())
	if err != nil || got != p {
		t.Errorf("CreatePlatform = %v, %v", got, err)
	}
	if _, err := r.CreatePlatform("webrtc", config.Default()); !errors.Is(err, config.ErrNotRegistered) {
		t.Errorf("err = %v, want ErrNotRegistered", err)
	}
}
