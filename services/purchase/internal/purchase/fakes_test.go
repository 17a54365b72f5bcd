package purchase

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/audit"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/compliance"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/currency"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/rates"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/velocity"
	"github.com/shopspring/decimal"
)

type fakeStore struct {
	mu        sync.Mutex
	txMu      sync.Mutex
	purchases map[string]Purchase
	users     map[string]compliance.UserContext
	balances  map[string]decimal.Decimal
	creditErr error
	volumeErr error
	credits   int

	// honourCtx makes writes fail once their context is done, like a pgx tx.
	honourCtx bool
	onCredit  func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		purchases: map[string]Purchase{},
		users:     map[string]compliance.UserContext{},
		balances:  map[string]decimal.Decimal{},
	}
}

func (f *fakeStore) CreatePurchase(_ context.Context, p *Purchase) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.purchases {
		if existing.WireReference == p.WireReference {
			return ErrDuplicateReference
		}
	}
	f.purchases[p.ID] = *p
	return nil
}

func (f *fakeStore) GetPurchase(_ context.Context, id string) (*Purchase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.purchases[id]
	if !ok {
		return nil, ErrPurchaseNotFound
	}
	return &p, nil
}

func (f *fakeStore) FindRecentByUserAndCurrency(_ context.Context, userID string, code currency.Code, since time.Time) ([]velocity.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []velocity.Transaction
	for _, p := range f.purchases {
		if p.UserID != userID || p.Currency != code || p.CreatedAt.Before(since) {
			continue
		}
		if p.Status == StatusFailed || p.Status == StatusWireVerificationFailed {
			continue
		}
		out = append(out, velocity.Transaction{Amount: p.FiatAmount, CreatedAt: p.CreatedAt})
	}
	return out, nil
}

func (f *fakeStore) UpdatePurchase(ctx context.Context, expected Status, p *Purchase) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.honourCtx && ctx.Err() != nil {
		return ctx.Err()
	}
	current, ok := f.purchases[p.ID]
	if !ok {
		return ErrPurchaseNotFound
	}
	if current.Status != expected {
		return ErrStaleState
	}
	f.purchases[p.ID] = *p
	return nil
}

func (f *fakeStore) ListUserPurchases(_ context.Context, userID string, limit int) ([]Purchase, error) {
	return f.list(func(p Purchase) bool { return p.UserID == userID }, true, limit), nil
}

func (f *fakeStore) ListByStatus(_ context.Context, status Status, limit int) ([]Purchase, error) {
	return f.list(func(p Purchase) bool { return p.Status == status }, false, limit), nil
}

func (f *fakeStore) list(match func(Purchase) bool, newestFirst bool, limit int) []Purchase {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Purchase
	for _, p := range f.purchases {
		if match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (f *fakeStore) Credit(ctx context.Context, userID string, asset rates.Crypto, amount decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onCredit != nil {
		f.onCredit()
	}
	if f.honourCtx && ctx.Err() != nil {
		return ctx.Err()
	}
	if f.creditErr != nil {
		return f.creditErr
	}
	key := userID + "|" + string(asset)
	f.balances[key] = f.balances[key].Add(amount)
	f.credits++
	return nil
}

func (f *fakeStore) AddAnnualVolume(_ context.Context, userID string, amount decimal.Decimal, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.volumeErr != nil {
		return f.volumeErr
	}
	u, ok := f.users[userID]
	if !ok {
		return errors.New("user missing")
	}
	u.AnnualVolume = u.AnnualVolume.Add(amount)
	u.LastTransactionDate = &at
	f.users[userID] = u
	return nil
}

// WithinTx snapshots state and restores it when fn fails.
func (f *fakeStore) WithinTx(ctx context.Context, fn func(Repository, Ledger) error) error {
	f.txMu.Lock()
	defer f.txMu.Unlock()

	f.mu.Lock()
	purchases := maps.Clone(f.purchases)
	users := maps.Clone(f.users)
	balances := maps.Clone(f.balances)
	credits := f.credits
	f.mu.Unlock()

	if err := fn(f, f); err != nil {
		f.mu.Lock()
		f.purchases, f.users, f.balances, f.credits = purchases, users, balances, credits
		f.mu.Unlock()
		return err
	}
	return nil
}

func (f *fakeStore) LoadUserContext(_ context.Context, userID string) (*compliance.UserContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return nil, compliance.ErrUserNotFound
	}
	return &u, nil
}

func (f *fakeStore) balance(userID string, asset rates.Crypto) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[userID+"|"+string(asset)]
}

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
	err    error
}

func (r *recordingSink) Record(_ context.Context, e audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingSink) types() []audit.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recordingSink) last() audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}
