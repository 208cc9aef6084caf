package crypto

import (
	"testing"
	"time"
)

func TestKeyRingRotate(t *testing.T) {
	ring, err := NewKeyRing("RS256")
	if err != nil {
		t.Fatalf("NewKeyRing failed: %v", err)
	}
	first := ring.Active()
	if first == nil {
		t.Fatal("Expected an active key")
	}

	second, err := ring.Rotate(time.Hour)
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if ring.Active().Kid != second.Kid {
		t.Error("Rotated key should be active")
	}
	if old, ok := ring.Get(first.Kid); !ok || old.Active {
		t.Error("Previous key should be kept and inactive")
	}

	if n := len(ring.JWKS().Keys); n != 2 {
		t.Errorf("Expected 2 published keys, got %d", n)
	}
}

func TestKeyRingCleanupExpired(t *testing.T) {
	ring, _ := NewKeyRing("")
	first := ring.Active()
	_, _ = ring.Rotate(-time.Second)

	if n := len(ring.JWKS().Keys); n != 1 {
		t.Errorf("Expired key should not be published, got %d keys", n)
	}
	if removed := ring.CleanupExpired(); removed != 1 {
		t.Errorf("Expected 1 removed key, got %d", removed)
	}
	if _, ok := ring.Get(first.Kid); ok {
		t.Error("Expired key should be removed")
	}
}
