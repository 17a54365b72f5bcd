package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AfshinJalili/cryptobuy/libs/apikey"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/audit"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/compliance"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/currency"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/purchase"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/rates"
	"github.com/AfshinJalili/cryptobuy/services/purchase/internal/velocity"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	_ purchase.Repository          = (*Memory)(nil)
	_ purchase.Queries             = (*Memory)(nil)
	_ purchase.Ledger              = (*Memory)(nil)
	_ purchase.Transactor          = (*Memory)(nil)
	_ purchase.UserContextProvider = (*Memory)(nil)
	_ rates.QuoteStore             = (*Memory)(nil)
	_ rates.PriceStore             = (*Memory)(nil)
	_ audit.Store                  = (*Memory)(nil)
	_ apikey.Lookup                = (*Memory)(nil)
)

type quoteKey struct {
	from, to currency.Code
}

// Memory keeps everything the Postgres store keeps, in process. It backs dev
// runs without a database and the handler tests.
type Memory struct {
	mu         sync.RWMutex
	purchases  map[string]purchase.Purchase
	references map[string]string
	users      map[string]compliance.UserContext
	balances   map[string]Balance
	quotes     map[quoteKey]rates.Quote
	prices     map[rates.Crypto]rates.Price
	logs       []audit.Event
	logIDs     map[string]struct{}
	keys       map[string]AdminKey
	now        func() time.Time
}

func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		purchases:  make(map[string]purchase.Purchase),
		references: make(map[string]string),
		users:      make(map[string]compliance.UserContext),
		balances:   make(map[string]Balance),
		quotes:     make(map[quoteKey]rates.Quote),
		prices:     make(map[rates.Crypto]rates.Price),
		logIDs:     make(map[string]struct{}),
		keys:       make(map[string]AdminKey),
		now:        now,
	}
}

func (m *Memory) CreatePurchase(_ context.Context, p *purchase.Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(*p)
}

func (m *Memory) insertLocked(p purchase.Purchase) error {
	if _, ok := m.purchases[p.ID]; ok {
		return fmt.Errorf("%w: purchase %s", ErrConflict, p.ID)
	}
	if _, ok := m.references[p.WireReference]; ok {
		return fmt.Errorf("%w: %s", purchase.ErrDuplicateReference, p.WireReference)
	}
	m.purchases[p.ID] = p
	m.references[p.WireReference] = p.ID
	return nil
}

func (m *Memory) GetPurchase(_ context.Context, id string) (*purchase.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.purchases[id]
	if !ok {
		return nil, notFound(id)
	}
	return &p, nil
}

func (m *Memory) FindRecentByUserAndCurrency(_ context.Context, userID string, code currency.Code, since time.Time) ([]velocity.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []velocity.Transaction
	for _, p := range m.purchases {
		if p.UserID != userID || p.Currency != code || p.CreatedAt.Before(since) {
			continue
		}
		if p.Status == purchase.StatusFailed || p.Status == purchase.StatusWireVerificationFailed {
			continue
		}
		out = append(out, velocity.Transaction{Amount: p.FiatAmount, CreatedAt: p.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdatePurchase(_ context.Context, expected purchase.Status, p *purchase.Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkStatusLocked(p.ID, expected); err != nil {
		return err
	}
	m.purchases[p.ID] = *p
	return nil
}

func (m *Memory) checkStatusLocked(id string, expected purchase.Status) error {
	current, ok := m.purchases[id]
	if !ok {
		return notFound(id)
	}
	if current.Status != expected {
		return fmt.Errorf("%w: %s is %s, expected %s", purchase.ErrStaleState, id, current.Status, expected)
	}
	return nil
}

func (m *Memory) ListUserPurchases(_ context.Context, userID string, limit int) ([]purchase.Purchase, error) {
	return m.list(func(p purchase.Purchase) bool { return p.UserID == userID }, true, limit), nil
}

func (m *Memory) ListByStatus(_ context.Context, status purchase.Status, limit int) ([]purchase.Purchase, error) {
	return m.list(func(p purchase.Purchase) bool { return p.Status == status }, false, limit), nil
}

func (m *Memory) list(match func(purchase.Purchase) bool, newestFirst bool, limit int) []purchase.Purchase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []purchase.Purchase
	for _, p := range m.purchases {
		if match(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if newestFirst {
			a, b = b, a
		}
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Memory) Credit(_ context.Context, userID string, asset rates.Crypto, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creditLocked(userID, asset, amount)
	return nil
}

func (m *Memory) creditLocked(userID string, asset rates.Crypto, amount decimal.Decimal) {
	key := userID + ":" + string(asset)
	b := m.balances[key]
	b.UserID = userID
	b.Asset = asset
	b.Amount = b.Amount.Add(amount)
	b.UpdatedAt = m.now().UTC()
	m.balances[key] = b
}

func (m *Memory) AddAnnualVolume(_ context.Context, userID string, amount decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addVolumeLocked(userID, amount, at)
}

func (m *Memory) addVolumeLocked(userID string, amount decimal.Decimal, at time.Time) error {
	uc, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("%w: %s", compliance.ErrUserNotFound, userID)
	}
	uc.AnnualVolume = uc.AnnualVolume.Add(amount)
	uc.LastTransactionDate = &at
	m.users[userID] = uc
	return nil
}

func (m *Memory) Balances(_ context.Context, userID string) ([]Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Balance
	for _, b := range m.balances {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (m *Memory) LoadUserContext(_ context.Context, userID string) (*compliance.UserContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	uc, ok := m.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", compliance.ErrUserNotFound, userID)
	}
	return &uc, nil
}

func (m *Memory) UpsertUserContext(_ context.Context, userID string, uc compliance.UserContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	uc.Country = strings.ToUpper(strings.TrimSpace(uc.Country))
	m.users[userID] = uc
	return nil
}

func (m *Memory) LatestQuote(_ context.Context, from, to currency.Code) (rates.Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.quotes[quoteKey{from: from, to: to}]
	if !ok {
		return rates.Quote{}, fmt.Errorf("%w: %s->%s", rates.ErrRateUnavailable, from, to)
	}
	return q, nil
}

func (m *Memory) SaveQuote(_ context.Context, q rates.Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[quoteKey{from: q.From, to: q.To}] = q
	return nil
}

func (m *Memory) ListCryptoPrices(_ context.Context) ([]rates.Price, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]rates.Price, 0, len(m.prices))
	for _, p := range m.prices {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (m *Memory) SaveCryptoPrices(_ context.Context, prices []rates.Price) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range prices {
		m.prices[p.Asset] = p
	}
	return nil
}

func (m *Memory) InsertComplianceLog(_ context.Context, event audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.logIDs[event.ID]; ok {
		return nil
	}
	m.logIDs[event.ID] = struct{}{}
	m.logs = append(m.logs, event)
	return nil
}

func (m *Memory) ComplianceLogs(_ context.Context, userID string, limit int) ([]audit.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit = clampLimit(limit)
	var out []audit.Event
	for _, e := range m.logs {
		if e.UserID != userID {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) CreateAdminKey(_ context.Context, key AdminKey) (*AdminKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key.Prefix]; ok {
		return nil, fmt.Errorf("%w: key prefix %s", ErrConflict, key.Prefix)
	}
	key.ID = uuid.NewString()
	key.Scopes = nonNil(key.Scopes)
	key.IPWhitelist = nonNil(key.IPWhitelist)
	key.CreatedAt = m.now().UTC()
	m.keys[key.Prefix] = key
	return &key, nil
}

func (m *Memory) RevokeAdminKey(_ context.Context, prefix string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[prefix]
	if !ok || key.RevokedAt != nil {
		return false, nil
	}
	now := m.now().UTC()
	key.RevokedAt = &now
	m.keys[prefix] = key
	return true, nil
}

func (m *Memory) ByPrefix(_ context.Context, prefix string) (apikey.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.keys[prefix]
	if !ok {
		return apikey.Record{}, apikey.ErrNotFound
	}
	return key.record(), nil
}

// WithinTx buffers the writes fn makes and applies them in one step. Commit
// fails with purchase.ErrStaleState when a purchase fn updated changed status
// in the meantime; nothing is applied in that case.
func (m *Memory) WithinTx(ctx context.Context, fn func(repo purchase.Repository, ledger purchase.Ledger) error) error {
	tx := &memoryTx{
		m:       m,
		base:    make(map[string]purchase.Status),
		updates: make(map[string]purchase.Purchase),
	}
	if err := fn(tx, tx); err != nil {
		return err
	}
	return tx.commit()
}

type memoryCredit struct {
	userID string
	asset  rates.Crypto
	amount decimal.Decimal
}

type memoryVolume struct {
	userID string
	amount decimal.Decimal
	at     time.Time
}

// memoryTx reads committed state through its own pending writes.
type memoryTx struct {
	m       *Memory
	creates []purchase.Purchase
	base    map[string]purchase.Status
	updates map[string]purchase.Purchase
	credits []memoryCredit
	volumes []memoryVolume
}

func (t *memoryTx) CreatePurchase(_ context.Context, p *purchase.Purchase) error {
	t.creates = append(t.creates, *p)
	return nil
}

func (t *memoryTx) GetPurchase(ctx context.Context, id string) (*purchase.Purchase, error) {
	if p, ok := t.updates[id]; ok {
		return &p, nil
	}
	for _, p := range t.creates {
		if p.ID == id {
			return &p, nil
		}
	}
	return t.m.GetPurchase(ctx, id)
}

func (t *memoryTx) FindRecentByUserAndCurrency(ctx context.Context, userID string, code currency.Code, since time.Time) ([]velocity.Transaction, error) {
	return t.m.FindRecentByUserAndCurrency(ctx, userID, code, since)
}

func (t *memoryTx) UpdatePurchase(ctx context.Context, expected purchase.Status, p *purchase.Purchase) error {
	current, err := t.GetPurchase(ctx, p.ID)
	if err != nil {
		return err
	}
	if current.Status != expected {
		return fmt.Errorf("%w: %s is %s, expected %s", purchase.ErrStaleState, p.ID, current.Status, expected)
	}
	if _, seen := t.base[p.ID]; !seen {
		t.base[p.ID] = expected
	}
	t.updates[p.ID] = *p
	return nil
}

func (t *memoryTx) Credit(_ context.Context, userID string, asset rates.Crypto, amount decimal.Decimal) error {
	t.credits = append(t.credits, memoryCredit{userID: userID, asset: asset, amount: amount})
	return nil
}

func (t *memoryTx) AddAnnualVolume(ctx context.Context, userID string, amount decimal.Decimal, at time.Time) error {
	if _, err := t.m.LoadUserContext(ctx, userID); err != nil {
		return err
	}
	t.volumes = append(t.volumes, memoryVolume{userID: userID, amount: amount, at: at})
	return nil
}

func (t *memoryTx) commit() error {
	m := t.m
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, expected := range t.base {
		if _, created := m.purchases[id]; !created && t.createdHere(id) {
			continue
		}
		if err := m.checkStatusLocked(id, expected); err != nil {
			return err
		}
	}
	for _, p := range t.creates {
		if _, ok := m.purchases[p.ID]; ok {
			return fmt.Errorf("%w: purchase %s", ErrConflict, p.ID)
		}
		if _, ok := m.references[p.WireReference]; ok {
			return fmt.Errorf("%w: %s", purchase.ErrDuplicateReference, p.WireReference)
		}
	}
	for _, v := range t.volumes {
		if _, ok := m.users[v.userID]; !ok {
			return fmt.Errorf("%w: %s", compliance.ErrUserNotFound, v.userID)
		}
	}

	for _, p := range t.creates {
		_ = m.insertLocked(p)
	}
	for id, p := range t.updates {
		m.purchases[id] = p
	}
	for _, c := range t.credits {
		m.creditLocked(c.userID, c.asset, c.amount)
	}
	for _, v := range t.volumes {
		_ = m.addVolumeLocked(v.userID, v.amount, v.at)
	}
	return nil
}

func (t *memoryTx) createdHere(id string) bool {
	for _, p := range t.creates {
		if p.ID == id {
			return true
		}
	}
	return false
}
