package credentials

import (
	"fmt"
	"testing"

	"github.com/otbridge/otbridge/pkg/models"
)

func TestGetResolvesFromEnv(t *testing.T) {
	t.Setenv("OTBRIDGE_SECRET_PLC_PASSWORD", "s3cr3t")

	s := NewStore()
	defer s.Close()

	sec, err := s.Get("plc_password")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sec.Value() != "s3cr3t" {
		t.Errorf("Value() = %q", sec.Value())
	}
}

func TestEnvNameNormalization(t *testing.T) {
	tests := []struct{ ref, want string }{
		{"plc_password", "OTBRIDGE_SECRET_PLC_PASSWORD"},
		{"site-a.broker", "OTBRIDGE_SECRET_SITE_A_BROKER"},
		{"a/b", "OTBRIDGE_SECRET_A_B"},
	}
	for _, tt := range tests {
		if got := EnvName(tt.ref); got != tt.want {
			t.Errorf("EnvName(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}
}

func TestGetMissingIsAuthFailed(t *testing.T) {
	s := NewStore()
	defer s.Close()

	_, err := s.Get("never_set_anywhere")
	if models.KindOf(err) != models.KindAuthFailed {
		t.Fatalf("err kind = %v, want auth_failed", models.KindOf(err))
	}
}

func TestSecretStringMasks(t *testing.T) {
	t.Setenv("OTBRIDGE_SECRET_X", "topsecret")
	s := NewStore()
	defer s.Close()

	sec, err := s.Get("x")
	if err != nil {
		t.Fatal(err)
	}
	if got := fmt.Sprintf("%v %s", sec, sec); got != "*** ***" {
		t.Errorf("formatted secret = %q, want masked", got)
	}
}

func TestCloseWipes(t *testing.T) {
	t.Setenv("OTBRIDGE_SECRET_X", "topsecret")
	s := NewStore()

	sec, err := s.Get("x")
	if err != nil {
		t.Fatal(err)
	}
	s.Close()
	if sec.Value() != "" {
		t.Errorf("Value() after Close = %q, want wiped", sec.Value())
	}
}
