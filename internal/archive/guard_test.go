package archive

import (
	"context"
	"errors"
	"testing"
)

// failingStore is a Store whose operations fail while err is set.
type failingStore struct {
	err   error
	saves int
}

func (f *failingStore) Save(context.Context, Report) error {
	f.saves++
	return f.err
}

func (f *failingStore) Load(context.Context, string) (Report, error) {
	if f.err != nil {
		return Report{}, f.err
	}
	return Report{}, ErrNotFound
}

func (f *failingStore) Ping(context.Context) error { return f.err }
func (f *failingStore) Close() error              { return nil }

func TestGuard_Save(t *testing.T) {
	t.Run("failure is swallowed", func(t *testing.T) {
		store := &failingStore{err: errors.New("disk full")}
		g := NewGuard(store)

		if err := g.Save(context.Background(), sampleReport()); err != nil {
			t.Fatalf("expected nil error (swallowed), got %v", err)
		}
		if !g.IsDegraded() {
			t.Error("should be degraded after failed save")
		}
		if store.saves != 1 {
			t.Errorf("want 1 save, got %d", store.saves)
		}
	})

	t.Run("recovers after successful save", func(t *testing.T) {
		store := &failingStore{err: errors.New("temporary failure")}
		g := NewGuard(store)

		_ = g.Save(context.Background(), sampleReport())
		if !g.IsDegraded() {
			t.Error("should be degraded")
		}

		store.err = nil
		_ = g.Save(context.Background(), sampleReport())
		if g.IsDegraded() {
			t.Error("should have recovered from degraded state")
		}
	})
}

func TestGuard_Load(t *testing.T) {
	t.Run("not found is not degraded", func(t *testing.T) {
		g := NewGuard(&failingStore{})
		if _, err := g.Load(context.Background(), "x"); !errors.Is(err, ErrNotFound) {
			t.Errorf("want ErrNotFound, got %v", err)
		}
		if g.IsDegraded() {
			t.Error("ErrNotFound must not degrade the store")
		}
	})

	t.Run("backend error is returned", func(t *testing.T) {
		g := NewGuard(&failingStore{err: errors.New("conn refused")})
		if _, err := g.Load(context.Background(), "x"); err == nil {
			t.Error("expected error")
		}
		if !g.IsDegraded() {
			t.Error("should be degraded after failed load")
		}
	})
}

func TestGuard_Ping(t *testing.T) {
	store := &failingStore{err: errors.New("down")}
	g := NewGuard(store)
	if err := g.Ping(context.Background()); err == nil {
		t.Error("expected ping error")
	}
	if !g.IsDegraded() {
		t.Error("want degraded")
	}
	store.err = nil
	if err := g.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if g.IsDegraded() {
		t.Error("want recovered")
	}
}
