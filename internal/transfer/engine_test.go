package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ledgercore/ledgercore/internal/ledger"
	"github.com/ledgercore/ledgercore/internal/logging"
	"github.com/ledgercore/ledgercore/internal/notification"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification.Message
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, msg notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

type fixture struct {
	engine   *Engine
	store    *ledger.MemoryStore
	clock    *fakeClock
	notifier *recordingNotifier
}

func newFixture(t *testing.T, balances map[string]string, tweak ...func(*Options)) *fixture {
	t.Helper()
	store := ledger.NewMemoryStore(ledger.WithLockTimeout(2 * time.Second))
	for id, b := range balances {
		_, err := store.CreateAccount(context.Background(), ledger.Account{ID: id, Balance: decimal.RequireFromString(b)})
		require.NoError(t, err)
	}

	clock := &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	opts := DefaultOptions()
	opts.Clock = clock.Now
	for _, fn := range tweak {
		fn(&opts)
	}

	notifier := &recordingNotifier{}
	return &fixture{
		engine:   NewEngine(store, notifier, logging.Discard(), opts),
		store:    store,
		clock:    clock,
		notifier: notifier,
	}
}

func (f *fixture) balance(t *testing.T, id string) string {
	t.Helper()
	b, err := f.engine.Balance(context.Background(), id)
	require.NoError(t, err)
	return b.StringFixed(2)
}

func (f *fixture) submit(from, to, amount string) (ledger.Transfer, error) {
	return f.engine.Submit(context.Background(), SubmitInput{SenderID: from, ReceiverID: to, Amount: amount})
}

func TestSubmitMovesFunds(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "5000", "B": "300"})

	rec, err := f.engine.Submit(context.Background(), SubmitInput{SenderID: "A", ReceiverID: "B", Amount: "100", Description: "rent"})
	require.NoError(t, err)

	require.NotEmpty(t, rec.ID)
	require.Equal(t, ledger.StatusCompleted, rec.Status)
	require.NotNil(t, rec.CompletedAt)
	require.True(t, rec.CompletedAt.Equal(f.clock.Now()))
	require.Equal(t, "rent", rec.Description)
	require.Equal(t, Fingerprint("A", "B", decimal.NewFromInt(100), f.clock.Now()), rec.Fingerprint)

	require.Equal(t, "4900.00", f.balance(t, "A"))
	require.Equal(t, "400.00", f.balance(t, "B"))

	stored, err := f.engine.Transfer(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, rec, stored)

	require.Len(t, f.notifier.sent, 1)
	require.Equal(t, "B", f.notifier.sent[0].Destination)
	require.Equal(t, rec.ID, f.notifier.sent[0].TransferID)
}

func TestSubmitConservesTotal(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "1000.10", "B": "20.05", "C": "0"})

	for i, tr := range [][3]string{{"A", "B", "10.01"}, {"B", "C", "30.06"}, {"C", "A", "0.01"}, {"A", "C", "900.00"}} {
		_, err := f.submit(tr[0], tr[1], tr[2])
		require.NoError(t, err, "transfer %d", i)
	}

	total := decimal.Zero
	for _, id := range []string{"A", "B", "C"} {
		total = total.Add(decimal.RequireFromString(f.balance(t, id)))
	}
	require.Equal(t, "1020.15", total.StringFixed(2))
}

func TestSubmitInsufficientFunds(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "50", "B": "0"})

	_, err := f.submit("A", "B", "100")
	require.ErrorIs(t, err, ErrInsufficientFunds)

	var insufficient *InsufficientFundsError
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, "50.00", insufficient.Balance.StringFixed(2))

	require.Equal(t, "50.00", f.balance(t, "A"))
	require.Equal(t, "0.00", f.balance(t, "B"))
	list, err := f.engine.Transfers(context.Background())
	require.NoError(t, err)
	require.Empty(t, list)
	require.Empty(t, f.notifier.sent)
}

func TestSubmitDailyLimitExceeded(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "10000", "B": "0", "C": "0"})

	_, err := f.submit("A", "C", "4950")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	_, err = f.submit("A", "B", "100")
	require.ErrorIs(t, err, ErrDailyLimitExceeded)

	var limitErr *DailyLimitError
	require.ErrorAs(t, err, &limitErr)
	require.Equal(t, "4950.00", limitErr.TransferredToday.StringFixed(2))
	require.Equal(t, "50.00", limitErr.Remaining.StringFixed(2))
	require.Equal(t, "5050.00", limitErr.Balance.StringFixed(2))
	require.Equal(t, "5000.00", limitErr.Limit.StringFixed(2))

	require.Equal(t, "5050.00", f.balance(t, "A"))
	require.Equal(t, "0.00", f.balance(t, "B"))

	// Reaching the cap exactly is allowed.
	_, err = f.submit("A", "B", "50")
	require.NoError(t, err)
}

func TestSubmitDailyLimitIsConfigurable(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "1000", "B": "0"}, func(o *Options) {
		o.DailyLimit = decimal.NewFromInt(100)
	})

	_, err := f.submit("A", "B", "100.01")
	require.ErrorIs(t, err, ErrDailyLimitExceeded)
	require.Equal(t, "100.00", f.engine.DailyLimit().StringFixed(2))
}

func TestSubmitDailyLimitResetsAtLocalMidnight(t *testing.T) {
	loc := time.FixedZone("UTC-4", -4*60*60)
	f := newFixture(t, map[string]string{"A": "10000", "B": "0"}, func(o *Options) {
		o.Location = loc
	})
	// 23:30 local on 1 May.
	f.clock.now = time.Date(2024, 5, 1, 23, 30, 0, 0, loc)

	_, err := f.submit("A", "B", "5000")
	require.NoError(t, err)

	f.clock.Advance(20 * time.Minute)
	_, err = f.submit("A", "B", "1")
	require.ErrorIs(t, err, ErrDailyLimitExceeded)

	// 00:30 local on 2 May: UTC date is unchanged but the local day rolled over.
	f.clock.Advance(40 * time.Minute)
	_, err = f.submit("A", "B", "1")
	require.NoError(t, err)

	today, err := f.engine.TodayTransferred(context.Background(), "A")
	require.NoError(t, err)
	require.Equal(t, "1.00", today.StringFixed(2))
}

func TestSubmitDuplicateSuppression(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "5000", "B": "0"})
	f.clock.now = time.Date(2024, 5, 1, 10, 0, 5, 0, time.UTC)

	_, err := f.submit("A", "B", "25")
	require.NoError(t, err)

	f.clock.Advance(40 * time.Second)
	_, err = f.submit("A", "B", "25.00")
	require.ErrorIs(t, err, ErrDuplicateTransfer)
	require.Equal(t, "4975.00", f.balance(t, "A"))

	// A different amount in the same minute is a different transfer.
	_, err = f.submit("A", "B", "26")
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	_, err = f.submit("A", "B", "25")
	require.NoError(t, err)
	require.Equal(t, "4924.00", f.balance(t, "A"))
}

func TestSubmitShortDuplicateWindowIsRaisedToOneMinute(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "5000", "B": "0"}, func(o *Options) {
		o.DuplicateWindow = 20 * time.Second
	})
	f.clock.now = time.Date(2024, 5, 1, 10, 0, 5, 0, time.UTC)

	_, err := f.submit("A", "B", "10")
	require.NoError(t, err)

	// Same minute bucket, outside the configured 20s.
	f.clock.Advance(30 * time.Second)
	_, err = f.submit("A", "B", "10")
	require.ErrorIs(t, err, ErrDuplicateTransfer)
	require.NotErrorIs(t, err, ledger.ErrDuplicateFingerprint)
	require.Equal(t, "4990.00", f.balance(t, "A"))

	f.clock.Advance(time.Minute)
	_, err = f.submit("A", "B", "10")
	require.NoError(t, err)
}

func TestZeroOptionsTakeDefaults(t *testing.T) {
	engine := NewEngine(ledger.NewMemoryStore(), nil, logging.Discard(), Options{})
	require.Equal(t, "5000.00", engine.DailyLimit().StringFixed(2))
	require.Equal(t, 5*time.Minute, engine.opts.DuplicateWindow)
	require.Equal(t, 2*time.Second, engine.opts.NotifyTimeout)
}

func TestSubmitStampsTimeAfterLockWait(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "100", "B": "0"})

	holding := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = f.store.WithLockedAccounts(context.Background(), []string{"B"}, func(context.Context, ledger.Unit) error {
			close(holding)
			<-done
			return nil
		})
	}()
	<-holding

	type result struct {
		rec ledger.Transfer
		err error
	}
	submitted := make(chan result, 1)
	go func() {
		rec, err := f.submit("A", "B", "10")
		submitted <- result{rec, err}
	}()

	time.Sleep(50 * time.Millisecond)
	f.clock.Advance(time.Hour)
	close(done)

	res := <-submitted
	require.NoError(t, res.err)
	require.True(t, res.rec.CreatedAt.Equal(f.clock.Now()))
	require.Equal(t, Fingerprint("A", "B", decimal.NewFromInt(10), f.clock.Now()), res.rec.Fingerprint)
}

func TestSubmitSameAccountAlwaysInvalid(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "5000"})

	for _, amount := range []string{"1", "0", "-5", "abc", "10000000"} {
		_, err := f.submit("A", "A", amount)
		require.ErrorIs(t, err, ErrValidation, "amount %s", amount)

		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		require.Contains(t, verr.Fields, "receiver_id")
	}
	require.Equal(t, "5000.00", f.balance(t, "A"))
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "5000", "B": "0"})

	cases := []struct {
		name  string
		input SubmitInput
		field string
	}{
		{"missing sender", SubmitInput{ReceiverID: "B", Amount: "1"}, "sender_id"},
		{"missing receiver", SubmitInput{SenderID: "A", Amount: "1"}, "receiver_id"},
		{"blank sender", SubmitInput{SenderID: "  ", ReceiverID: "B", Amount: "1"}, "sender_id"},
		{"missing amount", SubmitInput{SenderID: "A", ReceiverID: "B"}, "amount"},
		{"not a number", SubmitInput{SenderID: "A", ReceiverID: "B", Amount: "ten"}, "amount"},
		{"zero", SubmitInput{SenderID: "A", ReceiverID: "B", Amount: "0"}, "amount"},
		{"negative", SubmitInput{SenderID: "A", ReceiverID: "B", Amount: "-1"}, "amount"},
		{"above max", SubmitInput{SenderID: "A", ReceiverID: "B", Amount: "1000000.00"}, "amount"},
		{"too precise", SubmitInput{SenderID: "A", ReceiverID: "B", Amount: "1.005"}, "amount"},
		{"long description", SubmitInput{SenderID: "A", ReceiverID: "B", Amount: "1", Description: strings.Repeat("x", 256)}, "description"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.Submit(context.Background(), tc.input)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			require.NotEmpty(t, verr.Fields[tc.field], "fields: %v", verr.Fields)
		})
	}

	require.Equal(t, "5000.00", f.balance(t, "A"))
}

func TestSubmitAcceptsBoundaryInput(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "1000000", "B": "0"}, func(o *Options) {
		o.DailyLimit = decimal.NewFromInt(2_000_000)
	})

	_, err := f.engine.Submit(context.Background(), SubmitInput{
		SenderID: "A", ReceiverID: "B", Amount: "999999.99",
		Description: strings.Repeat("ñ", 255),
	})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, err = f.submit("A", "B", "0.01")
	require.NoError(t, err)
}

func TestSubmitUnknownAccount(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "5000"})

	_, err := f.submit("A", "ghost", "10")
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)
	require.Equal(t, "5000.00", f.balance(t, "A"))
}

func TestSubmitBusyWhenLockHeld(t *testing.T) {
	store := ledger.NewMemoryStore(ledger.WithLockTimeout(50 * time.Millisecond))
	for _, id := range []string{"A", "B"} {
		_, err := store.CreateAccount(context.Background(), ledger.Account{ID: id, Balance: decimal.NewFromInt(100)})
		require.NoError(t, err)
	}
	engine := NewEngine(store, nil, logging.Discard(), Options{})

	holding := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = store.WithLockedAccounts(context.Background(), []string{"B"}, func(context.Context, ledger.Unit) error {
			close(holding)
			<-done
			return nil
		})
	}()
	<-holding

	_, err := engine.Submit(context.Background(), SubmitInput{SenderID: "A", ReceiverID: "B", Amount: "1"})
	close(done)
	require.ErrorIs(t, err, ledger.ErrBusy)

	b, err := engine.Balance(context.Background(), "A")
	require.NoError(t, err)
	require.Equal(t, "100", b.String())
}

func TestSubmitNotificationFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "100", "B": "0"})
	f.notifier.err = errors.New("broker unavailable")

	_, err := f.submit("A", "B", "10")
	require.NoError(t, err)
	require.Equal(t, "90.00", f.balance(t, "A"))
}

type blockingNotifier struct{}

func (blockingNotifier) Send(ctx context.Context, _ notification.Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestSubmitNotificationIsBounded(t *testing.T) {
	store := ledger.NewMemoryStore()
	for _, id := range []string{"A", "B"} {
		_, err := store.CreateAccount(context.Background(), ledger.Account{ID: id, Balance: decimal.NewFromInt(100)})
		require.NoError(t, err)
	}
	engine := NewEngine(store, blockingNotifier{}, logging.Discard(), Options{NotifyTimeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := engine.Submit(context.Background(), SubmitInput{SenderID: "A", ReceiverID: "B", Amount: "1"})
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second)
}

func TestConcurrentTransfersFromOneSender(t *testing.T) {
	balances := map[string]string{"A": "5000"}
	const n = 25
	for i := 0; i < n; i++ {
		balances[fmt.Sprintf("R%02d", i)] = "0"
	}
	f := newFixture(t, balances)

	var g errgroup.Group
	for i := 0; i < n; i++ {
		receiver := fmt.Sprintf("R%02d", i)
		g.Go(func() error {
			_, err := f.submit("A", receiver, "80")
			return err
		})
	}
	require.NoError(t, g.Wait())

	require.Equal(t, "3000.00", f.balance(t, "A"))
	for i := 0; i < n; i++ {
		require.Equal(t, "80.00", f.balance(t, fmt.Sprintf("R%02d", i)))
	}
}

func TestConcurrentOverdraftIsImpossible(t *testing.T) {
	balances := map[string]string{"A": "100"}
	const n = 10
	for i := 0; i < n; i++ {
		balances[fmt.Sprintf("R%d", i)] = "0"
	}
	f := newFixture(t, balances)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.submit("A", fmt.Sprintf("R%d", i), "30")
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrInsufficientFunds) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 3, succeeded)
	require.Equal(t, "10.00", f.balance(t, "A"))
}

func TestConcurrentIdenticalSubmissionsOneWins(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "5000", "B": "0"})
	const n = 20

	var (
		mu         sync.Mutex
		succeeded  int
		duplicates int
		g          errgroup.Group
	)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, err := f.submit("A", "B", "10")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrDuplicateTransfer):
				duplicates++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Equal(t, 1, succeeded)
	require.Equal(t, n-1, duplicates)
	require.Equal(t, "4990.00", f.balance(t, "A"))
	require.Equal(t, "10.00", f.balance(t, "B"))
}

func TestConcurrentOppositeDirectionsNetZero(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "1000", "B": "1000"})

	var g errgroup.Group
	for i := 1; i <= 40; i++ {
		amount := fmt.Sprintf("%d", i)
		g.Go(func() error {
			_, err := f.submit("A", "B", amount)
			return err
		})
		g.Go(func() error {
			_, err := f.submit("B", "A", amount)
			return err
		})
	}

	finished := make(chan error, 1)
	go func() { finished <- g.Wait() }()
	select {
	case err := <-finished:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("opposite-direction transfers deadlocked")
	}

	require.Equal(t, "1000.00", f.balance(t, "A"))
	require.Equal(t, "1000.00", f.balance(t, "B"))
}

func TestTransfersByAccount(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "1000", "B": "1000", "C": "0"})
	ctx := context.Background()

	first, err := f.submit("A", "B", "10")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	second, err := f.submit("B", "C", "20")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.submit("A", "C", "30")
	require.NoError(t, err)

	forB, err := f.engine.TransfersByAccount(ctx, "B", nil)
	require.NoError(t, err)
	require.Len(t, forB, 2)
	require.Equal(t, second.ID, forB[0].ID)
	require.Equal(t, first.ID, forB[1].ID)

	failed := "failed"
	_, err = f.engine.Correct(ctx, first.ID, CorrectionInput{Status: &failed})
	require.NoError(t, err)

	status := ledger.StatusCompleted
	completedForB, err := f.engine.TransfersByAccount(ctx, "B", &status)
	require.NoError(t, err)
	require.Len(t, completedForB, 1)
	require.Equal(t, second.ID, completedForB[0].ID)

	bogus := ledger.Status("settled")
	_, err = f.engine.TransfersByAccount(ctx, "B", &bogus)
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.engine.TransfersByAccount(ctx, "ghost", nil)
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)

	all, err := f.engine.Transfers(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.True(t, all[0].CreatedAt.After(all[2].CreatedAt))
}

func TestCorrect(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "6000", "B": "0"})
	ctx := context.Background()

	rec, err := f.submit("A", "B", "5000")
	require.NoError(t, err)

	remainingBefore, err := f.engine.RemainingToday(ctx, "A")
	require.NoError(t, err)
	require.True(t, remainingBefore.IsZero())

	note := "entered in error"
	failed := "FAILED"
	f.clock.Advance(time.Hour)
	updated, err := f.engine.Correct(ctx, rec.ID, CorrectionInput{Description: &note, Status: &failed})
	require.NoError(t, err)
	require.Equal(t, ledger.StatusFailed, updated.Status)
	require.Equal(t, note, updated.Description)
	require.True(t, updated.UpdatedAt.Equal(f.clock.Now()))

	// Balances are untouched by corrections.
	require.Equal(t, "1000.00", f.balance(t, "A"))
	require.Equal(t, "5000.00", f.balance(t, "B"))

	remainingAfter, err := f.engine.RemainingToday(ctx, "A")
	require.NoError(t, err)
	require.Equal(t, "5000.00", remainingAfter.StringFixed(2))

	bad := "reversed"
	_, err = f.engine.Correct(ctx, rec.ID, CorrectionInput{Status: &bad})
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.engine.Correct(ctx, rec.ID, CorrectionInput{})
	require.ErrorIs(t, err, ErrValidation)

	long := strings.Repeat("x", 256)
	_, err = f.engine.Correct(ctx, rec.ID, CorrectionInput{Description: &long})
	require.ErrorIs(t, err, ErrValidation)

	_, err = f.engine.Correct(ctx, "missing", CorrectionInput{Description: &note})
	require.ErrorIs(t, err, ledger.ErrTransferNotFound)
}

func TestTodayTransferredUnknownAccount(t *testing.T) {
	f := newFixture(t, map[string]string{"A": "1"})
	_, err := f.engine.TodayTransferred(context.Background(), "ghost")
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)

	_, err = f.engine.Balance(context.Background(), "ghost")
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)
}
