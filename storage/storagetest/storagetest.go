// Package storagetest holds the behavioural suite every gocredits.Storage
// backend must pass. Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
)

// Factory returns an empty storage; cleanup runs after each subtest
type Factory func(t *testing.T) gocredits.Storage

func seed(t *testing.T, s gocredits.Storage, id string, credits int) {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	_, created, err := s.CreateUser(context.Background(), &gocredits.User{
		ID:        id,
		Email:     id + "@example.com",
		Credits:   credits,
		Plan:      gocredits.PlanFree,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateUser(%s) failed: %v", id, err)
	}
	if !created {
		t.Fatalf("CreateUser(%s) reported existing user", id)
	}
}

func upgrade(key, user string, from, to gocredits.Plan, delta int, sub string) *gocredits.TransitionRequest {
	return &gocredits.TransitionRequest{
		Key:            key,
		UserID:         user,
		FromPlan:       from,
		ToPlan:         to,
		CreditDelta:    delta,
		SubscriptionID: sub,
		Kind:           gocredits.EventCheckoutCompleted,
		EventID:        "evt_" + key,
		Now:            time.Now().UTC().Truncate(time.Millisecond),
	}
}

// Run executes the suite against storages produced by newStorage
func Run(t *testing.T, newStorage Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStorage(t)) })
	t.Run("CustomerID", func(t *testing.T) { testCustomerID(t, newStorage(t)) })
	t.Run("ApplyTransition", func(t *testing.T) { testApplyTransition(t, newStorage(t)) })
	t.Run("ApplyTransitionConcurrent", func(t *testing.T) { testApplyTransitionConcurrent(t, newStorage(t)) })
	t.Run("ApplyCancel", func(t *testing.T) { testApplyCancel(t, newStorage(t)) })
	t.Run("CancelledSubscription", func(t *testing.T) { testCancelledSubscription(t, newStorage(t)) })
	t.Run("Credits", func(t *testing.T) { testCredits(t, newStorage(t)) })
	t.Run("DebitConcurrent", func(t *testing.T) { testDebitConcurrent(t, newStorage(t)) })
}

func testCreateAndGet(t *testing.T, s gocredits.Storage) {
	ctx := context.Background()

	if _, err := s.GetUser(ctx, "missing"); !errors.Is(err, gocredits.ErrUserNotFound) {
		t.Fatalf("GetUser(missing) error = %v, want ErrUserNotFound", err)
	}

	seed(t, s, "u1", 1000)
	user, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if user.Credits != 1000 || user.Plan != gocredits.PlanFree {
		t.Errorf("got credits=%d plan=%s, want 1000 FREE", user.Credits, user.Plan)
	}
	if user.Email != "u1@example.com" {
		t.Errorf("email = %q", user.Email)
	}

	stored, created, err := s.CreateUser(ctx, &gocredits.User{ID: "u1", Credits: 5, Plan: gocredits.PlanFree})
	if err != nil {
		t.Fatalf("second CreateUser failed: %v", err)
	}
	if created {
		t.Error("second CreateUser reported created")
	}
	if stored.Credits != 1000 {
		t.Errorf("second CreateUser changed credits to %d", stored.Credits)
	}
}

func testCustomerID(t *testing.T, s gocredits.Storage) {
	ctx := context.Background()
	seed(t, s, "u1", 0)

	if _, err := s.FindUserByCustomerID(ctx, "cus_1"); !errors.Is(err, gocredits.ErrUserNotFound) {
		t.Fatalf("FindUserByCustomerID before set error = %v", err)
	}

	got, err := s.SetCustomerID(ctx, "u1", "cus_1")
	if err != nil || got != "cus_1" {
		t.Fatalf("SetCustomerID = %q, %v", got, err)
	}
	got, err = s.SetCustomerID(ctx, "u1", "cus_2")
	if err != nil {
		t.Fatalf("second SetCustomerID failed: %v", err)
	}
	if got != "cus_1" {
		t.Errorf("second SetCustomerID = %q, want the first id", got)
	}

	user, err := s.FindUserByCustomerID(ctx, "cus_1")
	if err != nil {
		t.Fatalf("FindUserByCustomerID failed: %v", err)
	}
	if user.ID != "u1" {
		t.Errorf("resolved user %q", user.ID)
	}

	if _, err := s.SetCustomerID(ctx, "missing", "cus_3"); !errors.Is(err, gocredits.ErrUserNotFound) {
		t.Errorf("SetCustomerID(missing) error = %v", err)
	}
}

func testApplyTransition(t *testing.T, s gocredits.Storage) {
	ctx := context.Background()
	seed(t, s, "u1", 1000)

	out, err := s.ApplyTransition(ctx, upgrade("k1", "u1", gocredits.PlanFree, gocredits.PlanBasic, 10000, "sub_1"))
	if err != nil {
		t.Fatalf("ApplyTransition failed: %v", err)
	}
	if !out.Applied || out.Credits != 11000 || out.Plan != gocredits.PlanBasic || out.Granted != 10000 {
		t.Fatalf("unexpected outcome %+v", out)
	}

	// Same request again: the plan already moved.
	out, err = s.ApplyTransition(ctx, upgrade("k1", "u1", gocredits.PlanFree, gocredits.PlanBasic, 10000, "sub_1"))
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if out.Applied || out.Reason != gocredits.ReasonAlreadyOnPlan || out.Credits != 11000 {
		t.Errorf("replay outcome %+v", out)
	}

	// Stale from-plan is a conflict.
	out, err = s.ApplyTransition(ctx, upgrade("k2", "u1", gocredits.PlanFree, gocredits.PlanPro, 20000, "sub_2"))
	if err != nil {
		t.Fatalf("stale request failed: %v", err)
	}
	if out.Applied || out.Reason != gocredits.ReasonPlanChanged {
		t.Errorf("stale outcome %+v", out)
	}

	user, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if user.SubscriptionID != "sub_1" {
		t.Errorf("subscription = %q, want sub_1", user.SubscriptionID)
	}

	record, err := s.GetTransitionRecord(ctx, "k1")
	if err != nil {
		t.Fatalf("GetTransitionRecord failed: %v", err)
	}
	if record == nil {
		t.Fatal("expected transition record")
	}
	if record.UserID != "u1" || record.Credits != 10000 || record.ToPlan != gocredits.PlanBasic {
		t.Errorf("record %+v", record)
	}
	if missing, err := s.GetTransitionRecord(ctx, "nope"); err != nil || missing != nil {
		t.Errorf("GetTransitionRecord(nope) = %+v, %v", missing, err)
	}

	// A recorded key blocks a different instance reusing it.
	seed(t, s, "u2", 0)
	if _, err := s.ApplyTransition(ctx, upgrade("u2-basic", "u2", gocredits.PlanFree, gocredits.PlanBasic, 10000, "sub_a")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ApplyCancel(ctx, &gocredits.CancelRequest{UserID: "u2", SubscriptionID: "sub_a", Now: time.Now()}); err != nil {
		t.Fatal(err)
	}
	out, err = s.ApplyTransition(ctx, upgrade("u2-basic", "u2", gocredits.PlanFree, gocredits.PlanBasic, 10000, "sub_b"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Applied || out.Reason != gocredits.ReasonDuplicate || out.Credits != 10000 {
		t.Errorf("duplicate key outcome %+v", out)
	}

	// Empty key means no idempotency record, used for zero grants.
	req := upgrade("", "u2", gocredits.PlanFree, gocredits.PlanBasic, 0, "sub_b")
	out, err = s.ApplyTransition(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Applied || out.Plan != gocredits.PlanBasic || out.Credits != 10000 {
		t.Errorf("keyless outcome %+v", out)
	}

	if _, err := s.ApplyTransition(ctx, upgrade("x", "missing", gocredits.PlanFree, gocredits.PlanBasic, 1, "")); !errors.Is(err, gocredits.ErrUserNotFound) {
		t.Errorf("missing user error = %v", err)
	}
}

func testApplyTransitionConcurrent(t *testing.T, s gocredits.Storage) {
	ctx := context.Background()
	seed(t, s, "u1", 1000)

	const workers = 20
	var applied int32
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := s.ApplyTransition(ctx, upgrade("k", "u1", gocredits.PlanFree, gocredits.PlanPro, 20000, "sub_1"))
			if err != nil {
				errs <- err
				return
			}
			if out.Applied {
				atomic.AddInt32(&applied, 1)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent ApplyTransition failed: %v", err)
	}

	if applied != 1 {
		t.Errorf("applied %d times, want exactly 1", applied)
	}
	user, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if user.Credits != 21000 {
		t.Errorf("credits = %d, want 21000", user.Credits)
	}
}

func testApplyCancel(t *testing.T, s gocredits.Storage) {
	ctx := context.Background()
	seed(t, s, "u1", 1000)
	if _, err := s.ApplyTransition(ctx, upgrade("k1", "u1", gocredits.PlanFree, gocredits.PlanPro, 20000, "sub_pro")); err != nil {
		t.Fatal(err)
	}

	out, err := s.ApplyCancel(ctx, &gocredits.CancelRequest{UserID: "u1", SubscriptionID: "sub_old", Now: time.Now()})
	if err != nil {
		t.Fatalf("ApplyCancel failed: %v", err)
	}
	if out.Applied || out.Reason != gocredits.ReasonStaleCancel || out.Plan != gocredits.PlanPro {
		t.Errorf("stale cancel outcome %+v", out)
	}

	out, err = s.ApplyCancel(ctx, &gocredits.CancelRequest{UserID: "u1", SubscriptionID: "sub_pro", Now: time.Now()})
	if err != nil {
		t.Fatalf("ApplyCancel failed: %v", err)
	}
	if !out.Applied || out.Plan != gocredits.PlanFree || out.Credits != 21000 {
		t.Errorf("cancel outcome %+v", out)
	}

	user, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if user.SubscriptionID != "" || user.Plan != gocredits.PlanFree {
		t.Errorf("after cancel plan=%s sub=%q", user.Plan, user.SubscriptionID)
	}

	out, err = s.ApplyCancel(ctx, &gocredits.CancelRequest{UserID: "u1", SubscriptionID: "sub_pro", Now: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	if out.Applied {
		t.Errorf("second cancel applied: %+v", out)
	}
}

func testCancelledSubscription(t *testing.T, s gocredits.Storage) {
	ctx := context.Background()
	seed(t, s, "u1", 1000)
	if _, err := s.ApplyTransition(ctx, upgrade("u1|BASIC|sub_1", "u1", gocredits.PlanFree, gocredits.PlanBasic, 10000, "sub_1")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ApplyTransition(ctx, upgrade("u1|PRO|sub_2", "u1", gocredits.PlanBasic, gocredits.PlanPro, 20000, "sub_2")); err != nil {
		t.Fatal(err)
	}

	// sub_1 ended during the upgrade: stale, but still remembered.
	out, err := s.ApplyCancel(ctx, &gocredits.CancelRequest{UserID: "u1", SubscriptionID: "sub_1", Now: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	if out.Applied || out.Reason != gocredits.ReasonStaleCancel {
		t.Fatalf("stale cancel outcome %+v", out)
	}
	out, err = s.ApplyCancel(ctx, &gocredits.CancelRequest{UserID: "u1", SubscriptionID: "sub_2", Now: time.Now()})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Applied || out.Plan != gocredits.PlanFree || out.Credits != 31000 {
		t.Fatalf("cancel outcome %+v", out)
	}

	cases := []struct {
		name string
		req  *gocredits.TransitionRequest
	}{
		{"keyless retry", upgrade("", "u1", gocredits.PlanFree, gocredits.PlanPro, 0, "sub_2")},
		{"fresh key", upgrade("fresh", "u1", gocredits.PlanFree, gocredits.PlanBasic, 10000, "sub_1")},
	}
	for _, tc := range cases {
		out, err := s.ApplyTransition(ctx, tc.req)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if out.Applied || out.Reason != gocredits.ReasonCancelledSubscription {
			t.Errorf("%s: outcome %+v", tc.name, out)
		}
		if out.Plan != gocredits.PlanFree || out.Credits != 31000 {
			t.Errorf("%s: got %s/%d, want FREE/31000", tc.name, out.Plan, out.Credits)
		}
	}
	if record, err := s.GetTransitionRecord(ctx, "fresh"); err != nil || record != nil {
		t.Errorf("refused transition left record %+v, %v", record, err)
	}

	user, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if user.Plan != gocredits.PlanFree || user.SubscriptionID != "" || user.Credits != 31000 {
		t.Errorf("after refusals got %s/%q/%d", user.Plan, user.SubscriptionID, user.Credits)
	}

	// A new subscription is unaffected.
	out, err = s.ApplyTransition(ctx, upgrade("u1|PRO|sub_3", "u1", gocredits.PlanFree, gocredits.PlanPro, 20000, "sub_3"))
	if err != nil {
		t.Fatal(err)
	}
	if !out.Applied || out.Credits != 51000 {
		t.Errorf("new subscription outcome %+v", out)
	}
	if user, err := s.GetUser(ctx, "u1"); err != nil || user.SubscriptionID != "sub_3" {
		t.Errorf("subscription after re-subscribe = %+v, %v", user, err)
	}
}

func testCredits(t *testing.T, s gocredits.Storage) {
	ctx := context.Background()
	seed(t, s, "u1", 150)

	total, err := s.DebitCredits(ctx, "u1", 100)
	if err != nil || total != 50 {
		t.Fatalf("DebitCredits = %d, %v", total, err)
	}
	if _, err := s.DebitCredits(ctx, "u1", 100); !errors.Is(err, gocredits.ErrInsufficientCredits) {
		t.Errorf("overdraft error = %v, want ErrInsufficientCredits", err)
	}
	total, err = s.AddCredits(ctx, "u1", 25)
	if err != nil || total != 75 {
		t.Errorf("AddCredits = %d, %v", total, err)
	}
	if _, err := s.DebitCredits(ctx, "missing", 1); !errors.Is(err, gocredits.ErrUserNotFound) {
		t.Errorf("debit missing error = %v", err)
	}
	if _, err := s.AddCredits(ctx, "missing", 1); !errors.Is(err, gocredits.ErrUserNotFound) {
		t.Errorf("add missing error = %v", err)
	}
}

func testDebitConcurrent(t *testing.T, s gocredits.Storage) {
	ctx := context.Background()
	seed(t, s, "u1", 1000)

	const workers = 25
	var ok, insufficient int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.DebitCredits(ctx, "u1", 100)
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, gocredits.ErrInsufficientCredits):
				atomic.AddInt32(&insufficient, 1)
			default:
				t.Errorf("worker %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if ok != 10 || insufficient != workers-10 {
		t.Errorf("ok=%d insufficient=%d, want 10/%d", ok, insufficient, workers-10)
	}
	user, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if user.Credits != 0 {
		t.Errorf("credits = %d, want 0", user.Credits)
	}
}
