package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestOPAEvaluator_BuiltInModes(t *testing.T) {
	ctx := context.Background()
	testCases := []struct {
		name   string
		single bool
		want   bool
	}{
		{"multi", false, false},
		{"single", true, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			e, err := NewOPAEvaluator(ctx, tc.single, "", nil)
			if err != nil {
				t.Fatalf("NewOPAEvaluator: %v", err)
			}
			got, err := e.EvaluateLogin(ctx, SessionInput{UserID: 1, DeviceName: "mobile"})
			if err != nil {
				t.Fatalf("EvaluateLogin: %v", err)
			}
			if got.RevokePriorDeviceTokens != tc.want {
				t.Errorf("RevokePriorDeviceTokens = %v, want %v", got.RevokePriorDeviceTokens, tc.want)
			}
		})
	}
}

func TestOPAEvaluator_HealthCheck(t *testing.T) {
	e, err := NewOPAEvaluator(context.Background(), false, "", nil)
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	if err := e.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}

func TestOPAEvaluator_CustomPolicyFile(t *testing.T) {
	// Single session only for devices named "kiosk", regardless of SESSION_POLICY.
	policy := `package memocrm.session

default revoke_prior_device_tokens := false

revoke_prior_device_tokens if {
	input.device.name == "kiosk"
}
`
	path := filepath.Join(t.TempDir(), "session.rego")
	if err := os.WriteFile(path, []byte(policy), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	ctx := context.Background()
	e, err := NewOPAEvaluator(ctx, false, path, nil)
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}

	kiosk, _ := e.EvaluateLogin(ctx, SessionInput{UserID: 1, DeviceName: "kiosk"})
	if !kiosk.RevokePriorDeviceTokens {
		t.Error("kiosk device should revoke prior tokens")
	}
	phone, _ := e.EvaluateLogin(ctx, SessionInput{UserID: 1, DeviceName: "mobile"})
	if phone.RevokePriorDeviceTokens {
		t.Error("mobile device should keep prior tokens")
	}
}

func TestOPAEvaluator_NonBooleanFallsBack(t *testing.T) {
	policy := `package memocrm.session

revoke_prior_device_tokens := "yes"
`
	path := filepath.Join(t.TempDir(), "session.rego")
	if err := os.WriteFile(path, []byte(policy), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	ctx := context.Background()
	e, err := NewOPAEvaluator(ctx, true, path, nil)
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	got, err := e.EvaluateLogin(ctx, SessionInput{DeviceName: "mobile"})
	if err != nil {
		t.Fatalf("EvaluateLogin: %v", err)
	}
	if !got.RevokePriorDeviceTokens {
		t.Error("non-boolean result should fall back to the configured single mode")
	}
}

func TestNewOPAEvaluator_Errors(t *testing.T) {
	ctx := context.Background()
	if _, err := NewOPAEvaluator(ctx, false, filepath.Join(t.TempDir(), "missing.rego"), nil); err == nil {
		t.Error("missing policy file should fail")
	}
	path := filepath.Join(t.TempDir(), "bad.rego")
	if err := os.WriteFile(path, []byte("package memocrm.session\n\nthis is not rego"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := NewOPAEvaluator(ctx, false, path, nil); err == nil {
		t.Error("invalid rego should fail to compile")
	}
}

func TestStatic(t *testing.T) {
	got, err := Static{RevokePriorDeviceTokens: true}.EvaluateLogin(context.Background(), SessionInput{})
	if err != nil || !got.RevokePriorDeviceTokens {
		t.Errorf("Static = %+v, %v", got, err)
	}
}
