// Package storetest provides an in-memory store.UnitOfWork for tests.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PortNumber53/crosspost/internal/models"
	"github.com/PortNumber53/crosspost/internal/store"
)

type state struct {
	customers map[string]models.Customer
	plans     map[string]models.SubscriptionPlan
	subs      []models.UserSubscription
	posts     map[string]models.Post
	events    map[string]models.BillingEvent
}

func (s state) clone() state {
	out := state{
		customers: make(map[string]models.Customer, len(s.customers)),
		plans:     make(map[string]models.SubscriptionPlan, len(s.plans)),
		subs:      make([]models.UserSubscription, len(s.subs)),
		posts:     make(map[string]models.Post, len(s.posts)),
		events:    make(map[string]models.BillingEvent, len(s.events)),
	}
	for k, v := range s.customers {
		accts := make(map[models.Platform]models.PlatformAccount, len(v.Accounts))
		for p, a := range v.Accounts {
			accts[p] = a
		}
		v.Accounts = accts
		out.customers[k] = v
	}
	for k, v := range s.plans {
		out.plans[k] = v
	}
	copy(out.subs, s.subs)
	for k, v := range s.posts {
		out.posts[k] = clonePost(v)
	}
	for k, v := range s.events {
		out.events[k] = v
	}
	return out
}

func clonePost(p models.Post) models.Post {
	refs := make(map[models.Platform]models.PlatformRef, len(p.Refs))
	for k, v := range p.Refs {
		refs[k] = v
	}
	p.Refs = refs
	p.MediaURLs = append([]string(nil), p.MediaURLs...)
	return p
}

// MemStore is safe for concurrent use. InTx serializes transactions and restores the
// previous state when fn returns an error.
type MemStore struct {
	txMu sync.Mutex
	mu   sync.Mutex
	st   state

	// Fail makes the named method return the error, e.g. Fail["InsertPost"].
	Fail map[string]error
	// Calls counts method invocations by name.
	Calls map[string]int
}

var _ store.UnitOfWork = (*MemStore)(nil)

func New() *MemStore {
	return &MemStore{
		st: state{
			customers: map[string]models.Customer{},
			plans:     map[string]models.SubscriptionPlan{},
			posts:     map[string]models.Post{},
			events:    map[string]models.BillingEvent{},
		},
		Fail:  map[string]error{},
		Calls: map[string]int{},
	}
}

func (m *MemStore) enter(name string) error {
	m.Calls[name]++
	return m.Fail[name]
}

func (m *MemStore) InTx(ctx context.Context, fn func(store.Repository) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.mu.Lock()
	if err := m.enter("InTx"); err != nil {
		m.mu.Unlock()
		return err
	}
	snapshot := m.st.clone()
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.st = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

// Seeding helpers.

func (m *MemStore) PutCustomer(c models.Customer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Accounts == nil {
		c.Accounts = map[models.Platform]models.PlatformAccount{}
	}
	m.st.customers[c.UserID] = c
}

func (m *MemStore) PutPlan(p models.SubscriptionPlan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.plans[p.ID] = p
}

func (m *MemStore) PutSubscription(s models.UserSubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.subs = append(m.st.subs, s)
}

func (m *MemStore) PutPost(p models.Post) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.posts[p.ID] = clonePost(p)
}

// Inspection helpers.

func (m *MemStore) Subscriptions(userID string) []models.UserSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.UserSubscription{}
	for _, s := range m.st.subs {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}

func (m *MemStore) ActiveCount(userID string) int {
	n := 0
	for _, s := range m.Subscriptions(userID) {
		if s.Active {
			n++
		}
	}
	return n
}

func (m *MemStore) Posts(userID string) []models.Post {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Post{}
	for _, p := range m.st.posts {
		if p.UserID == userID {
			out = append(out, clonePost(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *MemStore) Events() []models.BillingEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.BillingEvent, 0, len(m.st.events))
	for _, e := range m.st.events {
		out = append(out, e)
	}
	return out
}

func (m *MemStore) CallCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Calls[name]
}

// Repository implementation.

func (m *MemStore) GetCustomer(ctx context.Context, userID string) (models.Customer, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetCustomer"); err != nil {
		return models.Customer{}, false, err
	}
	c, ok := m.st.customers[userID]
	return c, ok, nil
}

func (m *MemStore) FindCustomerByEmail(ctx context.Context, email string) (models.Customer, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindCustomerByEmail"); err != nil {
		return models.Customer{}, false, err
	}
	for _, c := range m.st.customers {
		if email != "" && strings.EqualFold(c.Email, email) {
			return c, true, nil
		}
	}
	return models.Customer{}, false, nil
}

func (m *MemStore) UpsertCustomer(ctx context.Context, c models.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpsertCustomer"); err != nil {
		return err
	}
	prev, ok := m.st.customers[c.UserID]
	if ok {
		c.Accounts = prev.Accounts
		c.CreatedAt = prev.CreatedAt
	}
	if c.Accounts == nil {
		c.Accounts = map[models.Platform]models.PlatformAccount{}
	}
	m.st.customers[c.UserID] = c
	return nil
}

func (m *MemStore) UpsertPlatformAccount(ctx context.Context, userID string, p models.Platform, acct models.PlatformAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpsertPlatformAccount"); err != nil {
		return err
	}
	c, ok := m.st.customers[userID]
	if !ok {
		return fmt.Errorf("customer %s does not exist", userID)
	}
	if c.Accounts == nil {
		c.Accounts = map[models.Platform]models.PlatformAccount{}
	}
	c.Accounts[p] = acct
	m.st.customers[userID] = c
	return nil
}

func (m *MemStore) ListPlans(ctx context.Context, activeOnly bool) ([]models.SubscriptionPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListPlans"); err != nil {
		return nil, err
	}
	out := []models.SubscriptionPlan{}
	for _, p := range m.st.plans {
		if activeOnly && !p.Active {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriceCents != out[j].PriceCents {
			return out[i].PriceCents < out[j].PriceCents
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemStore) GetPlan(ctx context.Context, id string) (models.SubscriptionPlan, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetPlan"); err != nil {
		return models.SubscriptionPlan{}, false, err
	}
	p, ok := m.st.plans[id]
	return p, ok, nil
}

func (m *MemStore) FindPlanByCode(ctx context.Context, code string) (models.SubscriptionPlan, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindPlanByCode"); err != nil {
		return models.SubscriptionPlan{}, false, err
	}
	if code == "" {
		return models.SubscriptionPlan{}, false, nil
	}
	for _, p := range m.st.plans {
		if p.ExternalPlanCode == code {
			return p, true, nil
		}
	}
	return models.SubscriptionPlan{}, false, nil
}

func (m *MemStore) FindPlanByTier(ctx context.Context, tier models.Tier, interval models.Interval) (models.SubscriptionPlan, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FindPlanByTier"); err != nil {
		return models.SubscriptionPlan{}, false, err
	}
	var best models.SubscriptionPlan
	found := false
	for _, p := range m.st.plans {
		if p.Tier != tier || p.Interval != interval || !p.Active {
			continue
		}
		if !found || p.PriceCents < best.PriceCents {
			best, found = p, true
		}
	}
	return best, found, nil
}

func (m *MemStore) CreatePlan(ctx context.Context, p models.SubscriptionPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreatePlan"); err != nil {
		return err
	}
	if _, exists := m.st.plans[p.ID]; exists {
		return fmt.Errorf("plan %s already exists", p.ID)
	}
	m.st.plans[p.ID] = p
	return nil
}

func (m *MemStore) UpdatePlan(ctx context.Context, p models.SubscriptionPlan) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpdatePlan"); err != nil {
		return false, err
	}
	prev, ok := m.st.plans[p.ID]
	if !ok {
		return false, nil
	}
	p.CreatedAt = prev.CreatedAt
	m.st.plans[p.ID] = p
	return true, nil
}

func (m *MemStore) PlanInUse(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("PlanInUse"); err != nil {
		return false, err
	}
	for _, s := range m.st.subs {
		if s.PlanID == id && s.Active {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) ActiveSubscription(ctx context.Context, userID string) (models.UserSubscription, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ActiveSubscription"); err != nil {
		return models.UserSubscription{}, false, err
	}
	var best models.UserSubscription
	found := false
	for _, s := range m.st.subs {
		if s.UserID != userID || !s.Active {
			continue
		}
		if !found || s.StartDate.After(best.StartDate) {
			best, found = s, true
		}
	}
	return best, found, nil
}

func (m *MemStore) InsertSubscription(ctx context.Context, s models.UserSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("InsertSubscription"); err != nil {
		return err
	}
	if s.Active {
		for _, cur := range m.st.subs {
			if cur.UserID == s.UserID && cur.Active {
				return fmt.Errorf("duplicate active subscription for user %s", s.UserID)
			}
		}
	}
	m.st.subs = append(m.st.subs, s)
	return nil
}

// retire ends s at the earlier of its period end and at.
func retire(s *models.UserSubscription, at time.Time) {
	s.Active = false
	s.AutoSubscribe = false
	if at.Before(s.EndDate) {
		s.EndDate = at
	}
	s.UpdatedAt = at
}

func (m *MemStore) DeactivateUserSubscriptions(ctx context.Context, userID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeactivateUserSubscriptions"); err != nil {
		return 0, err
	}
	var n int64
	for i := range m.st.subs {
		if m.st.subs[i].UserID == userID && m.st.subs[i].Active {
			retire(&m.st.subs[i], at)
			m.st.subs[i].EndDate = at
			n++
		}
	}
	return n, nil
}

func (m *MemStore) DeactivateSubscription(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeactivateSubscription"); err != nil {
		return false, err
	}
	for i := range m.st.subs {
		if m.st.subs[i].ID == id && m.st.subs[i].Active {
			retire(&m.st.subs[i], at)
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) IncrementUsage(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("IncrementUsage"); err != nil {
		return false, err
	}
	for i := range m.st.subs {
		if m.st.subs[i].ID == id && m.st.subs[i].Active {
			m.st.subs[i].PostsUsed++
			m.st.subs[i].UpdatedAt = at
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) ResetUsage(ctx context.Context, id string, nextReset, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ResetUsage"); err != nil {
		return false, err
	}
	for i := range m.st.subs {
		s := &m.st.subs[i]
		if s.ID == id && s.Active && !s.NextResetDate.After(now) {
			s.PostsUsed = 0
			s.NextResetDate = nextReset
			s.UpdatedAt = now
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) MarkChargeAttempted(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("MarkChargeAttempted"); err != nil {
		return err
	}
	for i := range m.st.subs {
		if m.st.subs[i].ID == id {
			t := at
			m.st.subs[i].ChargeAttemptedAt = &t
			m.st.subs[i].UpdatedAt = at
		}
	}
	return nil
}

func (m *MemStore) ListDueForReset(ctx context.Context, now time.Time) ([]models.UserSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListDueForReset"); err != nil {
		return nil, err
	}
	out := []models.UserSubscription{}
	for _, s := range m.st.subs {
		if s.Active && !s.NextResetDate.After(now) && s.EndDate.After(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemStore) ListEnded(ctx context.Context, now time.Time) ([]models.UserSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListEnded"); err != nil {
		return nil, err
	}
	out := []models.UserSubscription{}
	for _, s := range m.st.subs {
		if s.Active && !s.EndDate.After(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemStore) InsertPost(ctx context.Context, p models.Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("InsertPost"); err != nil {
		return err
	}
	m.st.posts[p.ID] = clonePost(p)
	return nil
}

func (m *MemStore) GetPost(ctx context.Context, id, userID string) (models.Post, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetPost"); err != nil {
		return models.Post{}, false, err
	}
	p, ok := m.st.posts[id]
	if !ok || p.UserID != userID {
		return models.Post{}, false, nil
	}
	return clonePost(p), true, nil
}

func (m *MemStore) UpdatePost(ctx context.Context, p models.Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpdatePost"); err != nil {
		return err
	}
	prev, ok := m.st.posts[p.ID]
	if !ok || prev.UserID != p.UserID {
		return nil
	}
	prev.Caption = p.Caption
	prev.MediaURLs = append([]string(nil), p.MediaURLs...)
	prev.Refs = clonePost(p).Refs
	prev.UpdatedAt = p.UpdatedAt
	m.st.posts[p.ID] = prev
	return nil
}

func (m *MemStore) SoftDeletePost(ctx context.Context, id, userID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SoftDeletePost"); err != nil {
		return false, err
	}
	p, ok := m.st.posts[id]
	if !ok || p.UserID != userID || p.Deleted {
		return false, nil
	}
	t := at
	p.Deleted = true
	p.DeletedAt = &t
	p.UpdatedAt = at
	m.st.posts[id] = p
	return true, nil
}

func (m *MemStore) ListPosts(ctx context.Context, userID string, start, limit int) ([]models.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListPosts"); err != nil {
		return nil, err
	}
	all := []models.Post{}
	for _, p := range m.st.posts {
		if p.UserID == userID && !p.Deleted {
			all = append(all, clonePost(p))
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})
	if start >= len(all) {
		return []models.Post{}, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

func (m *MemStore) RecordBillingEvent(ctx context.Context, ev models.BillingEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("RecordBillingEvent"); err != nil {
		return false, err
	}
	key := ev.Provider + "|" + ev.Reference + "|" + ev.Type
	if _, ok := m.st.events[key]; ok {
		return false, nil
	}
	m.st.events[key] = ev
	return true, nil
}
