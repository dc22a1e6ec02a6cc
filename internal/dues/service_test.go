package dues_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"adhesion.org/internal/audit"
	"adhesion.org/internal/dues"
	"adhesion.org/internal/events"
	"adhesion.org/internal/fault"
	"adhesion.org/internal/member"
	"adhesion.org/internal/store/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fixture struct {
	svc    *dues.Service
	store  *memory.Store
	clock  *clock
	member member.Member
}

func newFixture(t *testing.T, opts ...dues.Option) *fixture {
	t.Helper()
	st := memory.New()
	m := member.Member{
		ID:         "m-1",
		Code:       "AJD1234",
		FirstName:  "Jean",
		LastName:   "Dupont",
		Phone:      "50931231234",
		EnrolledAt: time.Date(2023, time.June, 15, 10, 0, 0, 0, time.UTC),
	}
	if err := st.Members().Create(context.Background(), &m); err != nil {
		t.Fatalf("seed member: %v", err)
	}
	c := &clock{now: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]dues.Option{dues.WithClock(c.Now)}, opts...)
	return &fixture{svc: dues.NewService(st.Dues(), opts...), store: st, clock: c, member: m}
}

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (f *fixture) submit(t *testing.T, value string) dues.Payment {
	t.Helper()
	p, err := f.svc.CreatePayment(context.Background(), dues.NewPayment{
		MemberID: f.member.ID,
		Amount:   amount(value),
		Method:   dues.MethodCash,
	})
	if err != nil {
		t.Fatalf("create payment %s: %v", value, err)
	}
	return p
}

func (f *fixture) validate(t *testing.T, value string) dues.Payment {
	t.Helper()
	p := f.submit(t, value)
	v, err := f.svc.ValidatePayment(context.Background(), p.ID, "admin-1", amount(value), "")
	if err != nil {
		t.Fatalf("validate %s: %v", value, err)
	}
	return v
}

func TestCreatePayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.svc.CreatePayment(ctx, dues.NewPayment{
		MemberID:   f.member.ID,
		Amount:     amount("250.50"),
		Method:     dues.MethodElectronic,
		ReceiptRef: " tx-99 ",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.Status != dues.StatusPending || p.ReceiptRef != "tx-99" || p.ID == "" {
		t.Fatalf("unexpected payment %+v", p)
	}

	entries, err := f.store.Audit().List(ctx, audit.Filter{EntityID: p.ID})
	if err != nil {
		t.Fatalf("audit list: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != audit.ActionPaymentCreate || entries[0].ActorID != f.member.ID {
		t.Fatalf("unexpected audit entries %+v", entries)
	}
}

func TestCreatePaymentRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name   string
		in     dues.NewPayment
		expect error
	}{
		{"above ceiling", dues.NewPayment{MemberID: "m-1", Amount: amount("1500.01"), Method: dues.MethodCash}, fault.ErrValidation},
		{"negative", dues.NewPayment{MemberID: "m-1", Amount: amount("-1"), Method: dues.MethodReceipt}, fault.ErrValidation},
		{"three decimals", dues.NewPayment{MemberID: "m-1", Amount: amount("10.005"), Method: dues.MethodCash}, fault.ErrValidation},
		{"zero cash", dues.NewPayment{MemberID: "m-1", Amount: decimal.Zero, Method: dues.MethodCash}, fault.ErrValidation},
		{"unknown method", dues.NewPayment{MemberID: "m-1", Amount: amount("10"), Method: "cheque"}, fault.ErrValidation},
		{"unknown member", dues.NewPayment{MemberID: "nobody", Amount: amount("10"), Method: dues.MethodCash}, fault.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreatePayment(context.Background(), tc.in)
			if !errors.Is(err, tc.expect) {
				t.Fatalf("expected %v, got %v", tc.expect, err)
			}
		})
	}
}

func TestCreatePaymentAcceptsZeroReceiptAndCeiling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.CreatePayment(ctx, dues.NewPayment{MemberID: "m-1", Amount: decimal.Zero, Method: dues.MethodReceipt, ReceiptRef: "scan.jpg"}); err != nil {
		t.Fatalf("zero receipt: %v", err)
	}
	if _, err := f.svc.CreatePayment(ctx, dues.NewPayment{MemberID: "m-1", Amount: amount("1500.00"), Method: dues.MethodCash}); err != nil {
		t.Fatalf("ceiling amount: %v", err)
	}
}

func TestValidateFirstInstallmentFloor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.submit(t, "100")

	_, err := f.svc.ValidatePayment(ctx, p.ID, "admin-1", amount("100"), "")
	if !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	still, _ := f.svc.Get(ctx, p.ID)
	if still.Status != dues.StatusPending {
		t.Fatalf("payment should stay pending, got %s", still.Status)
	}

	v, err := f.svc.ValidatePayment(ctx, p.ID, "admin-1", amount("150"), "")
	if err != nil {
		t.Fatalf("validate 150: %v", err)
	}
	if !v.Amount.Equal(amount("150")) || v.Comment != "payment validated" || v.VerifiedBy != "admin-1" || v.VerifiedAt == nil {
		t.Fatalf("unexpected validated payment %+v", v)
	}

	// After the first installment smaller amounts are fine.
	f.validate(t, "20")
}

func TestValidateAnnualCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.validate(t, "1400")

	over := f.submit(t, "200")
	_, err := f.svc.ValidatePayment(ctx, over.ID, "admin-1", amount("200"), "")
	if !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	fe, ok := fault.As(err)
	if !ok || fe.Remaining == nil || !fe.Remaining.Equal(amount("100")) {
		t.Fatalf("expected remaining 100, got %+v", fe)
	}

	f.validate(t, "100")
	total, err := f.svc.TotalValidated(ctx, f.member.ID)
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if !total.Sum.Equal(amount("1500")) || total.Count != 2 {
		t.Fatalf("total = %s/%d, want 1500/2", total.Sum, total.Count)
	}

	tiny := f.submit(t, "0.01")
	_, err = f.svc.ValidatePayment(ctx, tiny.ID, "admin-1", amount("0.01"), "")
	fe, ok = fault.As(err)
	if !ok || fe.Kind != fault.KindValidation || !fe.Remaining.Equal(decimal.Zero) {
		t.Fatalf("expected cap error with zero remaining, got %v", err)
	}
}

func TestValidateOverwritesDeclaredAmount(t *testing.T) {
	f := newFixture(t)
	p := f.submit(t, "300")
	v, err := f.svc.ValidatePayment(context.Background(), p.ID, "admin-1", amount("250.25"), "partial transfer")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !v.Amount.Equal(amount("250.25")) || v.Comment != "partial transfer" {
		t.Fatalf("unexpected payment %+v", v)
	}
}

func TestValidateRejectsBadConfirmedAmount(t *testing.T) {
	f := newFixture(t)
	p := f.submit(t, "300")
	for _, v := range []string{"0", "-5", "200.001"} {
		_, err := f.svc.ValidatePayment(context.Background(), p.ID, "admin-1", amount(v), "")
		if !errors.Is(err, fault.ErrValidation) {
			t.Fatalf("amount %s: expected validation error, got %v", v, err)
		}
	}
}

func TestDecisionsOnClosedPayments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	validated := f.validate(t, "200")

	if _, err := f.svc.ValidatePayment(ctx, validated.ID, "admin-1", amount("200"), ""); !errors.Is(err, fault.ErrConflict) {
		t.Fatalf("revalidate: expected conflict, got %v", err)
	}
	if _, err := f.svc.RejectPayment(ctx, validated.ID, "admin-1", "duplicate"); !errors.Is(err, fault.ErrConflict) {
		t.Fatalf("reject validated: expected conflict, got %v", err)
	}

	p := f.submit(t, "50")
	if _, err := f.svc.RejectPayment(ctx, p.ID, "admin-1", "  "); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("reject without comment: expected validation error, got %v", err)
	}
	r, err := f.svc.RejectPayment(ctx, p.ID, "admin-1", "receipt unreadable")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if r.Status != dues.StatusRejected || r.Comment != "receipt unreadable" {
		t.Fatalf("unexpected rejected payment %+v", r)
	}
	if _, err := f.svc.ValidatePayment(ctx, p.ID, "admin-1", amount("50"), ""); !errors.Is(err, fault.ErrConflict) {
		t.Fatalf("validate rejected: expected conflict, got %v", err)
	}

	if _, err := f.svc.ValidatePayment(ctx, "missing", "admin-1", amount("50"), ""); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.svc.RejectPayment(ctx, "missing", "admin-1", "x"); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPeriodRollsOver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.clock.Set(time.Date(2024, time.June, 10, 9, 0, 0, 0, time.UTC))
	f.validate(t, "1400")

	f.clock.Set(time.Date(2024, time.June, 20, 9, 0, 0, 0, time.UTC))
	first, err := f.svc.IsFirstPaymentOfPeriod(ctx, f.member.ID)
	if err != nil || !first {
		t.Fatalf("new period should start empty, first=%v err=%v", first, err)
	}

	small := f.submit(t, "100")
	if _, err := f.svc.ValidatePayment(ctx, small.ID, "admin-1", amount("100"), ""); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("floor applies again in the new period, got %v", err)
	}
	f.validate(t, "1500")

	sum, err := f.svc.Summary(ctx, f.member.ID)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !sum.Validated.Equal(amount("1500")) || !sum.Remaining.IsZero() || sum.FirstOfPeriod {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if !sum.Period.Start.Equal(time.Date(2024, time.June, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected period start %s", sum.Period.Start)
	}
}

func TestConcurrentValidationsRespectCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const n = 15
	payments := make([]dues.Payment, n)
	for i := range payments {
		payments[i] = f.submit(t, "150")
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for _, p := range payments {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := f.svc.ValidatePayment(ctx, id, "admin-1", amount("150"), ""); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			} else if !errors.Is(err, fault.ErrValidation) {
				t.Errorf("unexpected error: %v", err)
			}
		}(p.ID)
	}
	wg.Wait()

	if ok != 10 {
		t.Fatalf("expected 10 successful validations, got %d", ok)
	}
	total, err := f.svc.TotalValidated(ctx, f.member.ID)
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if !total.Sum.Equal(amount("1500")) {
		t.Fatalf("total = %s, want 1500", total.Sum)
	}
}

func TestBonusHookRunsAfterEachValidation(t *testing.T) {
	var calls []string
	f := newFixture(t, dues.WithBonusHook(func(_ context.Context, memberID string) error {
		calls = append(calls, memberID)
		return nil
	}))
	f.validate(t, "150")
	f.validate(t, "150")

	p := f.submit(t, "10")
	if _, err := f.svc.RejectPayment(context.Background(), p.ID, "admin-1", "no"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if len(calls) != 2 || calls[0] != f.member.ID {
		t.Fatalf("unexpected hook calls %v", calls)
	}
}

func TestBonusHookFailureIsSwallowed(t *testing.T) {
	f := newFixture(t, dues.WithBonusHook(func(context.Context, string) error {
		return errors.New("referral store down")
	}))
	ctx := context.Background()
	v := f.validate(t, "150")
	if v.Status != dues.StatusValidated {
		t.Fatalf("validation must stand, got %s", v.Status)
	}

	entries, err := f.store.Audit().List(ctx, audit.Filter{EntityID: v.ID})
	if err != nil {
		t.Fatalf("audit list: %v", err)
	}
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	if len(entries) != 3 || entries[0].Action != audit.ActionReferralBonusFail || entries[1].Action != audit.ActionPaymentValidate {
		t.Fatalf("unexpected audit trail %v", actions)
	}
}

// stalledPublisher holds payment.validated events until the caller gives up.
type stalledPublisher struct {
	mu    sync.Mutex
	order *[]string
}

func (p *stalledPublisher) Publish(ctx context.Context, evt events.Event) error {
	p.mu.Lock()
	*p.order = append(*p.order, string(evt.Kind))
	p.mu.Unlock()
	if evt.Kind != events.PaymentValidated {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestBonusSurvivesStalledPublisherAndDeadline(t *testing.T) {
	var (
		mu       sync.Mutex
		order    []string
		hookErr  error
		hookRuns int
	)
	pub := &stalledPublisher{order: &order}
	f := newFixture(t,
		dues.WithPublisher(pub),
		dues.WithBonusHook(func(ctx context.Context, _ string) error {
			// Outlive the caller's deadline before touching the context.
			time.Sleep(150 * time.Millisecond)
			mu.Lock()
			defer mu.Unlock()
			hookRuns++
			hookErr = ctx.Err()
			pub.mu.Lock()
			order = append(order, "bonus")
			pub.mu.Unlock()
			return ctx.Err()
		}),
	)
	p := f.submit(t, "150")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	v, err := f.svc.ValidatePayment(ctx, p.ID, "admin-1", amount("150"), "")
	if err != nil || v.Status != dues.StatusValidated {
		t.Fatalf("validate: %v %v", v.Status, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if hookRuns != 1 || hookErr != nil {
		t.Fatalf("bonus hook runs=%d ctx err=%v, want one run on a live context", hookRuns, hookErr)
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(order) != 3 || order[1] != "bonus" || order[2] != string(events.PaymentValidated) {
		t.Fatalf("bonus must run before the validated event is published, got %v", order)
	}
}

func TestConfirmGatewayPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p, err := f.svc.CreatePayment(ctx, dues.NewPayment{MemberID: "m-1", Amount: amount("500"), Method: dues.MethodElectronic})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = f.svc.ConfirmGatewayPayment(ctx, dues.GatewayCallback{TransactionID: "T1", PaymentID: p.ID, Amount: amount("499"), Status: "success"})
	if !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("amount mismatch: expected validation error, got %v", err)
	}

	same, err := f.svc.ConfirmGatewayPayment(ctx, dues.GatewayCallback{TransactionID: "T1", PaymentID: p.ID, Amount: amount("500"), Status: "pending"})
	if err != nil || same.Status != dues.StatusPending {
		t.Fatalf("unknown status must leave payment pending: %+v %v", same, err)
	}

	v, err := f.svc.ConfirmGatewayPayment(ctx, dues.GatewayCallback{TransactionID: "T1", PaymentID: p.ID, Amount: amount("500"), Status: "COMPLETED"})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if v.Status != dues.StatusValidated || v.VerifiedBy != "" {
		t.Fatalf("unexpected payment %+v", v)
	}

	failed, err := f.svc.CreatePayment(ctx, dues.NewPayment{MemberID: "m-1", Amount: amount("50"), Method: dues.MethodElectronic})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	r, err := f.svc.ConfirmGatewayPayment(ctx, dues.GatewayCallback{TransactionID: "T2", PaymentID: failed.ID, Amount: amount("50"), Status: "cancelled"})
	if err != nil || r.Status != dues.StatusRejected {
		t.Fatalf("cancelled callback should reject: %+v %v", r, err)
	}
}

func TestListAndLast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Last(ctx, f.member.ID); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected not found before any payment, got %v", err)
	}

	f.validate(t, "200")
	f.clock.Set(f.clock.Now().Add(time.Hour))
	latest := f.submit(t, "75")

	last, err := f.svc.Last(ctx, f.member.ID)
	if err != nil || last.ID != latest.ID {
		t.Fatalf("last = %+v, err %v", last, err)
	}
	pending, err := f.svc.List(ctx, dues.Filter{Status: dues.StatusPending})
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending list = %v, err %v", pending, err)
	}
	if _, err := f.svc.List(ctx, dues.Filter{Status: "lost"}); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error for unknown status, got %v", err)
	}
}
