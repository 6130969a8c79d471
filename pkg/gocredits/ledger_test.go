package gocredits_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/mihaimyh/gocredits/pkg/gocredits"
	"github.com/mihaimyh/gocredits/storage/memory"
)

func newTestLedger(t *testing.T, cfg gocredits.Config) (*gocredits.Ledger, *memory.Storage) {
	t.Helper()
	storage := memory.New()
	ledger, err := gocredits.NewLedger(storage, cfg)
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}
	return ledger, storage
}

func register(t *testing.T, ledger *gocredits.Ledger, userID string) {
	t.Helper()
	if _, err := ledger.Register(context.Background(), userID, userID+"@example.com"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
}

func intent(userID string, plan gocredits.Plan, sub string) gocredits.Intent {
	return gocredits.Intent{UserID: userID, Plan: plan, SubscriptionID: sub, Source: gocredits.SourceObjectMetadata}
}

func TestNewLedger(t *testing.T) {
	if _, err := gocredits.NewLedger(nil, gocredits.Config{}); err != gocredits.ErrStorageUnavailable {
		t.Errorf("Expected ErrStorageUnavailable, got %v", err)
	}
	if _, err := gocredits.NewLedger(memory.New(), gocredits.Config{ResubscribePolicy: "sometimes"}); err == nil {
		t.Error("Expected error for unknown policy")
	}
	if _, err := gocredits.NewLedger(memory.New(), gocredits.Config{SignupCredits: -1}); !errors.Is(err, gocredits.ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount, got %v", err)
	}
}

func TestLedger_Register(t *testing.T) {
	ledger, _ := newTestLedger(t, gocredits.Config{})
	ctx := context.Background()

	user, err := ledger.Register(ctx, "u1", "u1@example.com")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if user.Credits != gocredits.DefaultSignupCredits || user.Plan != gocredits.PlanFree {
		t.Errorf("got %d %s, want 1000 FREE", user.Credits, user.Plan)
	}

	if _, err := ledger.Debit(ctx, "u1", 100); err != nil {
		t.Fatalf("Debit failed: %v", err)
	}
	again, err := ledger.Register(ctx, "u1", "u1@example.com")
	if err != nil {
		t.Fatalf("second Register failed: %v", err)
	}
	if again.Credits != 900 {
		t.Errorf("re-register reset credits to %d", again.Credits)
	}
}

func TestLedger_Reconcile_Table(t *testing.T) {
	tests := []struct {
		name        string
		start       gocredits.Plan
		target      gocredits.Plan
		wantCredits int
		wantPlan    gocredits.Plan
		wantReason  gocredits.OutcomeReason
		wantErr     error
	}{
		{"free to basic", gocredits.PlanFree, gocredits.PlanBasic, 11000, gocredits.PlanBasic, gocredits.ReasonApplied, nil},
		{"free to pro", gocredits.PlanFree, gocredits.PlanPro, 21000, gocredits.PlanPro, gocredits.ReasonApplied, nil},
		{"basic to pro", gocredits.PlanBasic, gocredits.PlanPro, 31000, gocredits.PlanPro, gocredits.ReasonApplied, nil},
		{"basic renewal", gocredits.PlanBasic, gocredits.PlanBasic, 11000, gocredits.PlanBasic, gocredits.ReasonAlreadyOnPlan, nil},
		{"pro to basic", gocredits.PlanPro, gocredits.PlanBasic, 0, "", "", gocredits.ErrUnsupportedTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger, _ := newTestLedger(t, gocredits.Config{})
			ctx := context.Background()
			register(t, ledger, "u1")

			if tt.start != gocredits.PlanFree {
				if _, err := ledger.Reconcile(ctx, intent("u1", tt.start, "sub_start"), gocredits.EventCheckoutCompleted, "evt_0"); err != nil {
					t.Fatalf("setup Reconcile failed: %v", err)
				}
			}

			out, err := ledger.Reconcile(ctx, intent("u1", tt.target, "sub_target"), gocredits.EventCheckoutCompleted, "evt_1")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				user, _ := ledger.User(ctx, "u1")
				if user.Plan != tt.start {
					t.Errorf("rejected transition changed plan to %s", user.Plan)
				}
				return
			}
			if err != nil {
				t.Fatalf("Reconcile failed: %v", err)
			}
			if out.Reason != tt.wantReason {
				t.Errorf("reason = %s, want %s", out.Reason, tt.wantReason)
			}
			credits, plan, err := ledger.Balance(ctx, "u1")
			if err != nil {
				t.Fatalf("Balance failed: %v", err)
			}
			if credits != tt.wantCredits || plan != tt.wantPlan {
				t.Errorf("balance = %d %s, want %d %s", credits, plan, tt.wantCredits, tt.wantPlan)
			}
		})
	}
}

// Checkout-completed and invoice-paid for the same purchase both arrive.
func TestLedger_Reconcile_DuplicateTriggers(t *testing.T) {
	ledger, _ := newTestLedger(t, gocredits.Config{})
	ctx := context.Background()
	register(t, ledger, "u1")

	kinds := []gocredits.EventKind{
		gocredits.EventCheckoutCompleted,
		gocredits.EventInvoicePaid,
		gocredits.EventCheckoutConfirmed,
		gocredits.EventCheckoutCompleted,
	}
	applied := 0
	for i, kind := range kinds {
		out, err := ledger.Reconcile(ctx, intent("u1", gocredits.PlanPro, "sub_1"), kind, "evt")
		if err != nil {
			t.Fatalf("trigger %d failed: %v", i, err)
		}
		if out.Applied {
			applied++
		}
	}
	if applied != 1 {
		t.Errorf("applied %d times, want 1", applied)
	}
	credits, _, _ := ledger.Balance(ctx, "u1")
	if credits != 21000 {
		t.Errorf("credits = %d, want 21000", credits)
	}
}

func TestLedger_Reconcile_Concurrent(t *testing.T) {
	ledger, _ := newTestLedger(t, gocredits.Config{})
	ctx := context.Background()
	register(t, ledger, "u1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			kind := gocredits.EventCheckoutCompleted
			if i%2 == 0 {
				kind = gocredits.EventCheckoutConfirmed
			}
			if _, err := ledger.Reconcile(ctx, intent("u1", gocredits.PlanBasic, "sub_1"), kind, "evt"); err != nil {
				t.Errorf("Reconcile failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	credits, plan, _ := ledger.Balance(ctx, "u1")
	if credits != 11000 || plan != gocredits.PlanBasic {
		t.Errorf("balance = %d %s, want 11000 BASIC", credits, plan)
	}
}

func TestLedger_Cancel(t *testing.T) {
	ledger, _ := newTestLedger(t, gocredits.Config{})
	ctx := context.Background()
	register(t, ledger, "u1")

	if _, err := ledger.Reconcile(ctx, intent("u1", gocredits.PlanBasic, "sub_basic"), gocredits.EventCheckoutCompleted, "e1"); err != nil {
		t.Fatal(err)
	}
	if _, err := ledger.Reconcile(ctx, intent("u1", gocredits.PlanPro, "sub_pro"), gocredits.EventCheckoutCompleted, "e2"); err != nil {
		t.Fatal(err)
	}

	// Deletion of the replaced BASIC subscription arrives after the upgrade.
	out, err := ledger.Reconcile(ctx, gocredits.Intent{UserID: "u1", SubscriptionID: "sub_basic"}, gocredits.EventSubscriptionDeleted, "e3")
	if err != nil {
		t.Fatal(err)
	}
	if out.Applied || out.Reason != gocredits.ReasonStaleCancel {
		t.Errorf("stale cancel outcome %+v", out)
	}

	out, err = ledger.Cancel(ctx, "u1", "sub_pro")
	if err != nil {
		t.Fatal(err)
	}
	if !out.Applied {
		t.Errorf("cancel not applied: %+v", out)
	}
	credits, plan, _ := ledger.Balance(ctx, "u1")
	if plan != gocredits.PlanFree || credits != 31000 {
		t.Errorf("after cancel = %d %s, want credits retained on FREE", credits, plan)
	}
}

func TestLedger_ResubscribePolicy(t *testing.T) {
	tests := []struct {
		name        string
		policy      gocredits.ResubscribePolicy
		wantCredits int
	}{
		{"per subscription grants again", gocredits.GrantPerSubscription, 21000},
		{"once per plan grants once", gocredits.GrantOncePerPlan, 11000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger, _ := newTestLedger(t, gocredits.Config{ResubscribePolicy: tt.policy})
			ctx := context.Background()
			register(t, ledger, "u1")

			if _, err := ledger.Reconcile(ctx, intent("u1", gocredits.PlanBasic, "sub_1"), gocredits.EventCheckoutCompleted, "e1"); err != nil {
				t.Fatal(err)
			}
			if _, err := ledger.Cancel(ctx, "u1", "sub_1"); err != nil {
				t.Fatal(err)
			}
			out, err := ledger.Reconcile(ctx, intent("u1", gocredits.PlanBasic, "sub_2"), gocredits.EventCheckoutCompleted, "e2")
			if err != nil {
				t.Fatal(err)
			}
			if !out.Applied || out.Plan != gocredits.PlanBasic {
				t.Errorf("resubscribe did not switch plan: %+v", out)
			}

			credits, _, _ := ledger.Balance(ctx, "u1")
			if credits != tt.wantCredits {
				t.Errorf("credits = %d, want %d", credits, tt.wantCredits)
			}
		})
	}
}

func TestLedger_RedeliveryAfterCancel(t *testing.T) {
	for _, policy := range []gocredits.ResubscribePolicy{gocredits.GrantPerSubscription, gocredits.GrantOncePerPlan} {
		t.Run(string(policy), func(t *testing.T) {
			ledger, _ := newTestLedger(t, gocredits.Config{ResubscribePolicy: policy})
			ctx := context.Background()
			register(t, ledger, "u1")

			steps := []struct {
				intent gocredits.Intent
				kind   gocredits.EventKind
			}{
				{intent("u1", gocredits.PlanBasic, "sub_1"), gocredits.EventCheckoutCompleted},
				{intent("u1", gocredits.PlanPro, "sub_2"), gocredits.EventCheckoutCompleted},
				{gocredits.Intent{UserID: "u1", SubscriptionID: "sub_1"}, gocredits.EventSubscriptionDeleted},
				{gocredits.Intent{UserID: "u1", SubscriptionID: "sub_2"}, gocredits.EventSubscriptionDeleted},
			}
			for i, step := range steps {
				if _, err := ledger.Reconcile(ctx, step.intent, step.kind, fmt.Sprintf("e%d", i)); err != nil {
					t.Fatalf("step %d: %v", i, err)
				}
			}

			replays := []struct {
				intent gocredits.Intent
				kind   gocredits.EventKind
			}{
				{intent("u1", gocredits.PlanPro, "sub_2"), gocredits.EventCheckoutCompleted},
				{intent("u1", gocredits.PlanPro, "sub_2"), gocredits.EventCheckoutConfirmed},
				{intent("u1", gocredits.PlanBasic, "sub_1"), gocredits.EventInvoicePaid},
			}
			for _, replay := range replays {
				out, err := ledger.Reconcile(ctx, replay.intent, replay.kind, "replay")
				if err != nil {
					t.Fatal(err)
				}
				if out.Applied || out.Reason != gocredits.ReasonCancelledSubscription {
					t.Errorf("replay of %s/%s outcome %+v", replay.intent.Plan, replay.intent.SubscriptionID, out)
				}
			}

			user, err := ledger.User(ctx, "u1")
			if err != nil {
				t.Fatal(err)
			}
			if user.Plan != gocredits.PlanFree || user.Credits != 31000 || user.SubscriptionID != "" {
				t.Errorf("after replays = %s/%d sub=%q, want FREE/31000 without subscription",
					user.Plan, user.Credits, user.SubscriptionID)
			}

			// A new subscription is still granted.
			out, err := ledger.Reconcile(ctx, intent("u1", gocredits.PlanPro, "sub_3"), gocredits.EventCheckoutCompleted, "e9")
			if err != nil {
				t.Fatal(err)
			}
			if !out.Applied || out.Plan != gocredits.PlanPro {
				t.Errorf("new subscription outcome %+v", out)
			}
		})
	}
}

type transitionMetrics struct {
	gocredits.NoopMetrics
	from []gocredits.Plan
}

func (m *transitionMetrics) RecordTransition(from, _ gocredits.Plan, _ gocredits.EventKind, _ gocredits.OutcomeReason, _ int) {
	m.from = append(m.from, from)
}

func TestLedger_Reconcile_RecordsStoredFromPlan(t *testing.T) {
	metrics := &transitionMetrics{}
	ledger, _ := newTestLedger(t, gocredits.Config{Metrics: metrics})
	ctx := context.Background()
	register(t, ledger, "u1")

	// Webhook intents carry no previous plan; the stored plan is the source.
	if _, err := ledger.Reconcile(ctx, intent("u1", gocredits.PlanBasic, "sub_1"), gocredits.EventInvoicePaid, "e1"); err != nil {
		t.Fatal(err)
	}
	if _, err := ledger.Reconcile(ctx, intent("u1", gocredits.PlanPro, "sub_2"), gocredits.EventInvoicePaid, "e2"); err != nil {
		t.Fatal(err)
	}

	want := []gocredits.Plan{gocredits.PlanFree, gocredits.PlanBasic}
	if len(metrics.from) != len(want) {
		t.Fatalf("recorded %v, want %v", metrics.from, want)
	}
	for i := range want {
		if metrics.from[i] != want[i] {
			t.Errorf("transition %d from = %q, want %q", i, metrics.from[i], want[i])
		}
	}
}

func TestLedger_Reconcile_Errors(t *testing.T) {
	ledger, _ := newTestLedger(t, gocredits.Config{})
	ctx := context.Background()

	if _, err := ledger.Reconcile(ctx, gocredits.Intent{Plan: gocredits.PlanPro}, gocredits.EventInvoicePaid, "e"); !errors.Is(err, gocredits.ErrUnresolvableIntent) {
		t.Errorf("error = %v, want ErrUnresolvableIntent", err)
	}
	if _, err := ledger.Reconcile(ctx, intent("ghost", gocredits.PlanPro, "s"), gocredits.EventInvoicePaid, "e"); !errors.Is(err, gocredits.ErrUserNotFound) {
		t.Errorf("error = %v, want ErrUserNotFound", err)
	}
}

func TestLedger_Reconcile_IgnoresIntentCredits(t *testing.T) {
	ledger, _ := newTestLedger(t, gocredits.Config{})
	ctx := context.Background()
	register(t, ledger, "u1")

	in := intent("u1", gocredits.PlanBasic, "sub_1")
	in.CreditGrant = 999999
	if _, err := ledger.Reconcile(ctx, in, gocredits.EventCheckoutCompleted, "e1"); err != nil {
		t.Fatal(err)
	}
	credits, _, _ := ledger.Balance(ctx, "u1")
	if credits != 11000 {
		t.Errorf("credits = %d, want table grant 11000", credits)
	}
}

func TestLedger_TransitionRecord(t *testing.T) {
	ledger, _ := newTestLedger(t, gocredits.Config{})
	ctx := context.Background()
	register(t, ledger, "u1")

	if _, err := ledger.Reconcile(ctx, intent("u1", gocredits.PlanPro, "sub_9"), gocredits.EventInvoicePaid, "evt_9"); err != nil {
		t.Fatal(err)
	}
	key := gocredits.TransitionKey(gocredits.GrantPerSubscription, "u1", gocredits.PlanPro, "sub_9")
	record, err := ledger.TransitionRecord(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if record == nil || record.EventID != "evt_9" || record.Kind != gocredits.EventInvoicePaid {
		t.Errorf("record = %+v", record)
	}
}

func TestLedger_DebitCredit(t *testing.T) {
	ledger, _ := newTestLedger(t, gocredits.Config{SignupCredits: 150})
	ctx := context.Background()
	register(t, ledger, "u1")

	if _, err := ledger.Debit(ctx, "u1", 0); err != gocredits.ErrInvalidAmount {
		t.Errorf("Debit(0) = %v, want ErrInvalidAmount", err)
	}
	if _, err := ledger.Credit(ctx, "u1", -5); err != gocredits.ErrInvalidAmount {
		t.Errorf("Credit(-5) = %v, want ErrInvalidAmount", err)
	}

	total, err := ledger.Debit(ctx, "u1", 100)
	if err != nil || total != 50 {
		t.Fatalf("Debit = %d, %v", total, err)
	}
	if _, err := ledger.Debit(ctx, "u1", 100); !errors.Is(err, gocredits.ErrInsufficientCredits) {
		t.Errorf("overdraft = %v", err)
	}
	total, err = ledger.Credit(ctx, "u1", 100)
	if err != nil || total != 150 {
		t.Errorf("Credit = %d, %v", total, err)
	}
}

func TestLedger_AttachCustomer(t *testing.T) {
	ledger, _ := newTestLedger(t, gocredits.Config{})
	ctx := context.Background()
	register(t, ledger, "u1")

	id, err := ledger.AttachCustomer(ctx, "u1", "cus_a")
	if err != nil || id != "cus_a" {
		t.Fatalf("AttachCustomer = %q, %v", id, err)
	}
	id, err = ledger.AttachCustomer(ctx, "u1", "cus_b")
	if err != nil || id != "cus_a" {
		t.Errorf("second AttachCustomer = %q, %v, want cus_a", id, err)
	}

	user, err := ledger.UserByCustomerID(ctx, "cus_a")
	if err != nil || user.ID != "u1" {
		t.Errorf("UserByCustomerID = %+v, %v", user, err)
	}
	if _, err := ledger.UserByCustomerID(ctx, ""); err != gocredits.ErrUserNotFound {
		t.Errorf("empty customer id = %v", err)
	}
}
