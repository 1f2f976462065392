package config

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestValidateScheduler(t *testing.T) {
	tests := []struct {
		name    string
		sc      SchedulerConfig
		wantErr bool
	}{
		{
			name: "lookahead exactly twice interval is accepted",
			sc:   SchedulerConfig{TickInterval: 5 * time.Minute, Lookahead: 10 * time.Minute, PollMaxAttempts: 3},
		},
		{
			name: "lookahead at the queue delay ceiling is accepted",
			sc:   SchedulerConfig{TickInterval: 5 * time.Minute, Lookahead: 15 * time.Minute, PollMaxAttempts: 1},
		},
		{
			name:    "lookahead below twice interval is rejected",
			sc:      SchedulerConfig{TickInterval: 5 * time.Minute, Lookahead: 7 * time.Minute, PollMaxAttempts: 3},
			wantErr: true,
		},
		{
			name:    "lookahead beyond the queue delay ceiling is rejected",
			sc:      SchedulerConfig{TickInterval: 5 * time.Minute, Lookahead: 30 * time.Minute, PollMaxAttempts: 3},
			wantErr: true,
		},
		{
			name:    "zero interval is rejected",
			sc:      SchedulerConfig{TickInterval: 0, Lookahead: 10 * time.Minute, PollMaxAttempts: 3},
			wantErr: true,
		},
		{
			name:    "zero poll attempts is rejected",
			sc:      SchedulerConfig{TickInterval: 5 * time.Minute, Lookahead: 10 * time.Minute, PollMaxAttempts: 0},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateScheduler(tt.sc)
			if tt.wantErr && err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}

// fakeEnv builds loaderDeps over an in-memory environment map.
func fakeEnv(vars map[string]string) loaderDeps {
	return loaderDeps{
		lookupEnv: func(key string) (string, bool) {
			v, ok := vars[key]
			return v, ok
		},
		setEnv: func(key, value string) error {
			vars[key] = value
			return nil
		},
		environ: func() []string {
			out := make([]string, 0, len(vars))
			for k, v := range vars {
				out = append(out, k+"="+v)
			}
			return out
		},
	}
}

type stubProvider struct {
	values map[string]string
	err    error
}

func (p *stubProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	if p.err != nil {
		return nil, p.err
	}
	out := make(map[string]string)
	for _, k := range keys {
		if v, ok := p.values[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func TestResolveSSMParamsInjectsValues(t *testing.T) {
	vars := map[string]string{
		"ADMIN_API_KEY_SSM_PARAM": "/prod/snapcue/admin/api-key",
	}
	provider := &stubProvider{values: map[string]string{
		"/prod/snapcue/admin/api-key": "sk_live_123",
	}}

	if err := resolveSSMParams(provider, fakeEnv(vars)); err != nil {
		t.Fatalf("resolveSSMParams returned unexpected error: %v", err)
	}

	if vars["ADMIN_API_KEY"] != "sk_live_123" {
		t.Errorf("expected ADMIN_API_KEY to be injected, got %q", vars["ADMIN_API_KEY"])
	}
}

func TestResolveSSMParamsRespectsExistingEnv(t *testing.T) {
	vars := map[string]string{
		"ADMIN_API_KEY":           "from-env",
		"ADMIN_API_KEY_SSM_PARAM": "/prod/snapcue/admin/api-key",
	}
	provider := &stubProvider{values: map[string]string{
		"/prod/snapcue/admin/api-key": "from-ssm",
	}}

	if err := resolveSSMParams(provider, fakeEnv(vars)); err != nil {
		t.Fatalf("resolveSSMParams returned unexpected error: %v", err)
	}

	if vars["ADMIN_API_KEY"] != "from-env" {
		t.Errorf("env value must win over SSM, got %q", vars["ADMIN_API_KEY"])
	}
}

func TestResolveSSMParamsMissingParameter(t *testing.T) {
	vars := map[string]string{
		"ADMIN_API_KEY_SSM_PARAM": "/prod/snapcue/admin/api-key",
	}
	provider := &stubProvider{values: map[string]string{}}

	err := resolveSSMParams(provider, fakeEnv(vars))
	if err == nil {
		t.Fatal("expected error for unresolved SSM parameter")
	}

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %T", err)
	}
	if cfgErr.Type != ErrSSMResolution {
		t.Errorf("expected error type %s, got %s", ErrSSMResolution, cfgErr.Type)
	}
}

func TestResolveSSMParamsNilProviderWithBindings(t *testing.T) {
	vars := map[string]string{
		"ADMIN_API_KEY_SSM_PARAM": "/prod/snapcue/admin/api-key",
	}

	if err := resolveSSMParams(nil, fakeEnv(vars)); err == nil {
		t.Fatal("expected error when provider is nil but bindings exist")
	}
}

func TestResolveSSMParamsNoBindingsIsNoop(t *testing.T) {
	vars := map[string]string{"PORT": "8080"}

	if err := resolveSSMParams(nil, fakeEnv(vars)); err != nil {
		t.Fatalf("expected no-op with no bindings, got %v", err)
	}
}
