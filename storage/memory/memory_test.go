package memory

import (
	"testing"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
	"github.com/mihaimyh/gocredits/storage/storagetest"
)

var _ gocredits.Storage = (*Storage)(nil)

func TestStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) gocredits.Storage {
		return New()
	})
}

func TestStorage_ReturnsCopies(t *testing.T) {
	s := New()
	ctx := t.Context()

	if _, _, err := s.CreateUser(ctx, &gocredits.User{ID: "u1", Credits: 10, Plan: gocredits.PlanFree}); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	user, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	user.Credits = 999

	again, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if again.Credits != 10 {
		t.Errorf("stored credits mutated through returned copy: %d", again.Credits)
	}
}

func TestStorage_Clear(t *testing.T) {
	s := New()
	ctx := t.Context()

	if _, _, err := s.CreateUser(ctx, &gocredits.User{ID: "u1", Plan: gocredits.PlanFree, CustomerID: "cus_1"}); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	s.Clear()

	if _, err := s.GetUser(ctx, "u1"); err != gocredits.ErrUserNotFound {
		t.Errorf("expected ErrUserNotFound after Clear, got %v", err)
	}
	if _, err := s.FindUserByCustomerID(ctx, "cus_1"); err != gocredits.ErrUserNotFound {
		t.Errorf("expected customer index cleared, got %v", err)
	}
}
