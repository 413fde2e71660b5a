package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type mockWeighInClient struct {
	loginFn   func(ctx context.Context) error
	addFn     func(ctx context.Context, weight float64, unit string, at time.Time) error
	gotWeight float64
	gotUnit   string
	gotAt     time.Time
	calls     int
}

func (m *mockWeighInClient) Login(ctx context.Context) error {
	if m.loginFn != nil {
		return m.loginFn(ctx)
	}
	return nil
}

func (m *mockWeighInClient) AddWeighIn(ctx context.Context, weight float64, unit string, at time.Time) error {
	m.calls++
	m.gotWeight, m.gotUnit, m.gotAt = weight, unit, at
	if m.addFn != nil {
		return m.addFn(ctx, weight, unit, at)
	}
	return nil
}

func writeSessionFile(t *testing.T) (string, *FileSessionStore) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "garmin_session.json")
	if err := os.WriteFile(path, []byte(`{"email":"me@example.com"}`), 0600); err != nil {
		t.Fatalf("failed to seed session file: %v", err)
	}
	return path, NewFileSessionStore(path, nil)
}

func TestSyncWeight_Success(t *testing.T) {
	path, store := writeSessionFile(t)
	client := &mockWeighInClient{}
	var out bytes.Buffer

	syncer := NewSyncer(Config{}, client, store, &out)
	if err := syncer.SyncWeight(context.Background(), 72.5); err != nil {
		t.Fatalf("SyncWeight() error = %v", err)
	}

	if got, want := out.String(), "[Garmin] Uploaded weight 72.5 kg successfully\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
	if client.gotWeight != 72.5 || client.gotUnit != "kg" {
		t.Errorf("client received %v %q, want 72.5 kg", client.gotWeight, client.gotUnit)
	}
	if client.gotAt.IsZero() {
		t.Error("expected a measurement time")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("session file should be kept on success: %v", err)
	}
}

func TestSyncWeight_UsesConfiguredUnitAndTime(t *testing.T) {
	at := time.Date(2025, 1, 2, 7, 30, 0, 0, time.UTC)
	client := &mockWeighInClient{}
	var out bytes.Buffer

	syncer := NewSyncer(Config{Unit: UnitPounds, MeasuredAt: at}, client, NewFileSessionStore(filepath.Join(t.TempDir(), "s.json"), nil), &out)
	if err := syncer.SyncWeight(context.Background(), 160); err != nil {
		t.Fatalf("SyncWeight() error = %v", err)
	}

	if client.gotUnit != "lbs" || !client.gotAt.Equal(at) {
		t.Errorf("client received unit %q at %v", client.gotUnit, client.gotAt)
	}
	if got, want := out.String(), "[Garmin] Uploaded weight 160.0 lbs successfully\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestSyncWeight_Failures(t *testing.T) {
	tests := []struct {
		name          string
		loginErr      error
		addErr        error
		wantPrefix    string
		wantKind      Kind
		wantRemoved   bool
		wantAddCalled bool
	}{
		{
			name:        "auth failure on login",
			loginErr:    authError("sign in", errors.New("bad credentials")),
			wantPrefix:  "[Garmin] ERROR: sign in: bad credentials",
			wantKind:    KindAuth,
			wantRemoved: true,
		},
		{
			name:        "connection failure on login",
			loginErr:    connectionError("POST /sso/signin", errors.New("connection refused")),
			wantPrefix:  "[Garmin] ERROR: ",
			wantKind:    KindConnection,
			wantRemoved: true,
		},
		{
			name:          "auth failure on upload",
			addErr:        authError("POST /weight-service/user-weight", errors.New("server returned status 401")),
			wantPrefix:    "[Garmin] ERROR: ",
			wantKind:      KindAuth,
			wantRemoved:   true,
			wantAddCalled: true,
		},
		{
			name:          "unexpected failure",
			addErr:        errors.New("something odd"),
			wantPrefix:    "[Garmin] Unexpected ERROR: something odd",
			wantKind:      KindUnknown,
			wantRemoved:   false,
			wantAddCalled: true,
		},
		{
			name:          "rejected payload",
			addErr:        validationError("POST /weight-service/user-weight", errors.New("server returned status 400")),
			wantPrefix:    "[Garmin] Unexpected ERROR: ",
			wantKind:      KindValidation,
			wantRemoved:   false,
			wantAddCalled: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, store := writeSessionFile(t)
			client := &mockWeighInClient{
				loginFn: func(context.Context) error { return tt.loginErr },
				addFn: func(context.Context, float64, string, time.Time) error {
					return tt.addErr
				},
			}
			var out bytes.Buffer

			err := NewSyncer(Config{}, client, store, &out).SyncWeight(context.Background(), 72.5)
			if err == nil {
				t.Fatal("expected error but got none")
			}
			if got := KindOf(err); got != tt.wantKind {
				t.Errorf("KindOf() = %v, want %v", got, tt.wantKind)
			}
			if !strings.HasPrefix(out.String(), tt.wantPrefix) {
				t.Errorf("output = %q, want prefix %q", out.String(), tt.wantPrefix)
			}
			if (client.calls > 0) != tt.wantAddCalled {
				t.Errorf("AddWeighIn called = %v, want %v", client.calls > 0, tt.wantAddCalled)
			}

			_, statErr := os.Stat(path)
			removed := os.IsNotExist(statErr)
			if removed != tt.wantRemoved {
				t.Errorf("session removed = %v, want %v", removed, tt.wantRemoved)
			}
		})
	}
}

func TestSyncWeight_AuthFailureWithoutSessionFile(t *testing.T) {
	store := NewFileSessionStore(filepath.Join(t.TempDir(), "missing.json"), nil)
	client := &mockWeighInClient{
		loginFn: func(context.Context) error { return authError("sign in", errors.New("bad credentials")) },
	}
	var out bytes.Buffer

	err := NewSyncer(Config{}, client, store, &out).SyncWeight(context.Background(), 72.5)
	if KindOf(err) != KindAuth {
		t.Fatalf("KindOf() = %v, want auth", KindOf(err))
	}
	if strings.Count(out.String(), "\n") != 1 {
		t.Errorf("expected exactly one output line, got %q", out.String())
	}
}

func TestSyncWeight_InvalidUnit(t *testing.T) {
	client := &mockWeighInClient{}
	var out bytes.Buffer

	err := NewSyncer(Config{Unit: "stone"}, client, NewFileSessionStore(filepath.Join(t.TempDir(), "s.json"), nil), &out).SyncWeight(context.Background(), 11)
	if KindOf(err) != KindValidation {
		t.Errorf("KindOf() = %v, want validation", KindOf(err))
	}
	if client.calls != 0 {
		t.Error("AddWeighIn should not be called with an invalid unit")
	}
}
