package identity

import (
	"context"
	"crypto/ed25519"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func writeKey(t *testing.T, dir, name string) (string, ed25519.PrivateKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := WriteKeypair(path, priv); err != nil {
		t.Fatal(err)
	}
	return path, priv
}

func TestGatePrimaryWhenKeysMatch(t *testing.T) {
	dir := t.TempDir()
	ref, priv := writeKey(t, dir, "reference.json")
	local := filepath.Join(dir, "identity.json")
	if err := WriteKeypair(local, priv); err != nil {
		t.Fatal(err)
	}

	ok, err := NewGate(ref, local).IsPrimary()
	if err != nil {
		t.Fatalf("IsPrimary: %v", err)
	}
	if !ok {
		t.Fatal("matching keys reported as backup")
	}
}

func TestGateBackupWhenKeysDiffer(t *testing.T) {
	dir := t.TempDir()
	ref, _ := writeKey(t, dir, "reference.json")
	local, _ := writeKey(t, dir, "identity.json")

	ok, err := NewGate(ref, local).IsPrimary()
	if err != nil {
		t.Fatalf("IsPrimary: %v", err)
	}
	if ok {
		t.Fatal("different keys reported as primary")
	}
}

func TestGateRereadsKeysOnEveryCall(t *testing.T) {
	dir := t.TempDir()
	ref, refPriv := writeKey(t, dir, "reference.json")
	local, _ := writeKey(t, dir, "identity.json")
	g := NewGate(ref, local)

	if ok, _ := g.IsPrimary(); ok {
		t.Fatal("primary before rotation")
	}
	if err := WriteKeypair(local, refPriv); err != nil {
		t.Fatal(err)
	}
	if ok, err := g.IsPrimary(); err != nil || !ok {
		t.Fatalf("after rotation IsPrimary = %v, %v", ok, err)
	}
}

func TestGateErrors(t *testing.T) {
	dir := t.TempDir()
	ref, _ := writeKey(t, dir, "reference.json")
	garbage := filepath.Join(dir, "garbage.json")
	if err := os.WriteFile(garbage, []byte(`{"not":"a key"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	short := filepath.Join(dir, "short.json")
	if err := os.WriteFile(short, []byte(`[1,2,3]`), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		ref, loc string
		want     error
	}{
		{"unset reference", "", ref, ErrMissingConfig},
		{"unset primary", ref, "", ErrMissingConfig},
		{"missing file", ref, filepath.Join(dir, "absent.json"), ErrUnreadableKey},
		{"not a keypair", ref, garbage, ErrUnreadableKey},
		{"short keypair", short, ref, ErrUnreadableKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := NewGate(tt.ref, tt.loc).IsPrimary()
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if ok {
				t.Fatal("error path reported primary")
			}
		})
	}
}

func TestLoadKeypairRejectsMismatchedPublicHalf(t *testing.T) {
	dir := t.TempDir()
	_, a, _ := ed25519.GenerateKey(nil)
	_, b, _ := ed25519.GenerateKey(nil)
	mixed := append(append(ed25519.PrivateKey{}, a[:32]...), b[32:]...)
	path := filepath.Join(dir, "mixed.json")
	if err := WriteKeypair(path, mixed); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadKeypair(path); !errors.Is(err, ErrUnreadableKey) {
		t.Fatalf("err = %v, want ErrUnreadableKey", err)
	}
}

func TestIdentitiesAreBase58(t *testing.T) {
	dir := t.TempDir()
	ref, _ := writeKey(t, dir, "reference.json")
	local, _ := writeKey(t, dir, "identity.json")

	r, l, err := NewGate(ref, local).Identities()
	if err != nil {
		t.Fatalf("Identities: %v", err)
	}
	if r.String() == "" || l.String() == "" || r.String() == l.String() {
		t.Fatalf("unexpected identities %s %s", r, l)
	}
}

func TestCommandRotator(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "promoted")
	r := NewCommandRotator(zap.NewNop(), "exit 3", "touch "+marker)

	if err := r.Demote(context.Background()); err == nil {
		t.Fatal("failing demote command returned nil")
	}
	if err := r.Promote(context.Background()); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("promote command did not run: %v", err)
	}

	unset := NewCommandRotator(zap.NewNop(), "", "")
	if err := unset.Demote(context.Background()); !errors.Is(err, ErrNoCommand) {
		t.Fatalf("empty demote command err = %v, want ErrNoCommand", err)
	}
	if err := unset.Promote(context.Background()); !errors.Is(err, ErrNoCommand) {
		t.Fatalf("empty promote command err = %v, want ErrNoCommand", err)
	}
}

func primaryPair(t *testing.T, dir string) (ref, local string) {
	t.Helper()
	ref, priv := writeKey(t, dir, "reference.json")
	local = filepath.Join(dir, "identity.json")
	if err := WriteKeypair(local, priv); err != nil {
		t.Fatal(err)
	}
	return ref, local
}

func TestTrackedDemoteEndsPrimaryRole(t *testing.T) {
	dir := t.TempDir()
	ref, local := primaryPair(t, dir)
	state := filepath.Join(dir, "tower.bin.role")

	g := NewGate(ref, local, WithStateFile(state))
	r := g.Track(NewCommandRotator(zap.NewNop(), "true", "true"))

	if ok, err := g.IsPrimary(); err != nil || !ok {
		t.Fatalf("before demote IsPrimary() = %v, %v", ok, err)
	}
	if err := r.Demote(context.Background()); err != nil {
		t.Fatalf("Demote: %v", err)
	}
	if ok, err := g.IsPrimary(); err != nil || ok {
		t.Fatalf("after demote IsPrimary() = %v, %v", ok, err)
	}

	// The recorded role outlives the process.
	restarted := NewGate(ref, local, WithStateFile(state))
	if ok, err := restarted.IsPrimary(); err != nil || ok {
		t.Fatalf("after restart IsPrimary() = %v, %v", ok, err)
	}

	if err := r.Promote(context.Background()); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if ok, err := g.IsPrimary(); err != nil || !ok {
		t.Fatalf("after promote IsPrimary() = %v, %v", ok, err)
	}
}

func TestTrackedPromoteMakesBackupPrimary(t *testing.T) {
	dir := t.TempDir()
	ref, _ := writeKey(t, dir, "reference.json")
	local, _ := writeKey(t, dir, "identity.json")

	g := NewGate(ref, local)
	if ok, _ := g.IsPrimary(); ok {
		t.Fatal("backup reported primary")
	}
	if err := g.Track(NewCommandRotator(zap.NewNop(), "true", "true")).Promote(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ok, err := g.IsPrimary(); err != nil || !ok {
		t.Fatalf("after promote IsPrimary() = %v, %v", ok, err)
	}
}

func TestRecordedRoleDropsWhenKeysRotate(t *testing.T) {
	dir := t.TempDir()
	ref, local := primaryPair(t, dir)
	state := filepath.Join(dir, "role.json")

	g := NewGate(ref, local, WithStateFile(state))
	if err := g.Track(NewCommandRotator(zap.NewNop(), "true", "true")).Demote(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Key management installs a different local identity.
	_, other := writeKey(t, dir, "other.json")
	if err := WriteKeypair(local, other); err != nil {
		t.Fatal(err)
	}
	if ok, err := g.IsPrimary(); err != nil || ok {
		t.Fatalf("IsPrimary() = %v, %v", ok, err)
	}
	if _, err := os.Stat(state); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stale role state kept: %v", err)
	}
}

func TestFailedDemoteKeepsRole(t *testing.T) {
	dir := t.TempDir()
	ref, local := primaryPair(t, dir)

	g := NewGate(ref, local)
	if err := g.Track(NewCommandRotator(zap.NewNop(), "exit 1", "true")).Demote(context.Background()); err == nil {
		t.Fatal("failing demote returned nil")
	}
	if ok, err := g.IsPrimary(); err != nil || !ok {
		t.Fatalf("IsPrimary() = %v, %v", ok, err)
	}
}

func TestCorruptRoleStateIsAnError(t *testing.T) {
	dir := t.TempDir()
	ref, local := primaryPair(t, dir)
	state := filepath.Join(dir, "role.json")
	if err := os.WriteFile(state, []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := NewGate(ref, local, WithStateFile(state)).IsPrimary(); !errors.Is(err, ErrRoleState) {
		t.Fatalf("err = %v, want ErrRoleState", err)
	}
}
