// Package memory keeps every domain store in process. It backs the tests and the
// API's dev mode when no database DSN is configured.
package memory

import (
	"context"
	"sort"
	"sync"

	"adhesion.org/internal/audit"
	"adhesion.org/internal/dues"
	"adhesion.org/internal/fault"
	"adhesion.org/internal/ids"
	"adhesion.org/internal/member"
	"adhesion.org/internal/referral"
)

type state struct {
	members  map[string]member.Member
	payments map[string]dues.Payment
	links    map[string]referral.Link
	config   map[string]referral.PointsConfig
	audit    []audit.Entry
}

func newState() *state {
	return &state{
		members:  make(map[string]member.Member),
		payments: make(map[string]dues.Payment),
		links:    make(map[string]referral.Link),
		config:   make(map[string]referral.PointsConfig),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.members {
		c.members[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.links {
		c.links[k] = v
	}
	for k, v := range s.config {
		c.config[k] = v
	}
	c.audit = append([]audit.Entry(nil), s.audit...)
	return c
}

// Store holds all state behind one mutex. Atomic holds it for the whole callback,
// so transactions are fully serialised and roll back by restoring a snapshot.
type Store struct {
	mu sync.Mutex
	st *state
}

func New() *Store {
	return &Store{st: newState()}
}

// tx is a view of the store. Inside Atomic the mutex is already held and
// pending collects audit entries to log once the transaction succeeds.
type tx struct {
	s       *Store
	inTx    bool
	pending *[]*audit.Entry
}

func (s *Store) root() tx { return tx{s: s} }

func (s *Store) Dues() dues.Store          { return duesStore{s.root()} }
func (s *Store) Referrals() referral.Store { return referralStore{s.root()} }
func (s *Store) Members() member.Store     { return memberStore{s.root()} }
func (s *Store) Audit() audit.Store        { return auditStore{s.root()} }

func (t tx) read(fn func(*state) error) error {
	if !t.inTx {
		t.s.mu.Lock()
		defer t.s.mu.Unlock()
	}
	return fn(t.s.st)
}

func (t tx) atomic(ctx context.Context, fn func(tx) error) error {
	if t.inTx {
		return fn(t)
	}
	pending, err := t.run(fn)
	if err != nil {
		return err
	}
	for _, e := range pending {
		audit.Record(ctx, e)
	}
	return nil
}

// run applies fn under the lock. On error or panic the state is rolled back to
// the snapshot and the lock released; a panic is re-raised to the caller.
func (t tx) run(fn func(tx) error) (pending []*audit.Entry, err error) {
	t.s.mu.Lock()
	snapshot := t.s.st.clone()
	committed := false
	defer func() {
		if !committed {
			t.s.st = snapshot
		}
		t.s.mu.Unlock()
	}()
	if err = fn(tx{s: t.s, inTx: true, pending: &pending}); err != nil {
		return nil, err
	}
	committed = true
	return pending, nil
}

func (t tx) member(id string) (member.Member, error) {
	var m member.Member
	err := t.read(func(st *state) error {
		var ok bool
		if m, ok = st.members[id]; !ok {
			return fault.NotFound("member", id)
		}
		return nil
	})
	return m, err
}

func (t tx) appendAudit(ctx context.Context, e *audit.Entry) error {
	if e.ID == "" {
		e.ID = ids.New()
	}
	err := t.read(func(st *state) error {
		st.audit = append(st.audit, *e)
		return nil
	})
	if err != nil {
		return err
	}
	if t.pending != nil {
		*t.pending = append(*t.pending, e)
	} else {
		audit.Record(ctx, e)
	}
	return nil
}

type memberStore struct{ tx }

func (m memberStore) Create(_ context.Context, in *member.Member) error {
	return m.read(func(st *state) error {
		if _, ok := st.members[in.ID]; ok {
			return fault.Conflict("member", in.ID, "member already exists")
		}
		for _, other := range st.members {
			if other.Code == in.Code {
				return fault.Conflict("member", in.ID, "member code "+in.Code+" is taken")
			}
		}
		st.members[in.ID] = *in
		return nil
	})
}

func (m memberStore) Find(_ context.Context, id string) (member.Member, error) {
	return m.member(id)
}

func (m memberStore) FindByCode(_ context.Context, code string) (member.Member, error) {
	var out member.Member
	err := m.read(func(st *state) error {
		for _, v := range st.members {
			if v.Code == code {
				out = v
				return nil
			}
		}
		return fault.NotFound("member", code)
	})
	return out, err
}

type auditStore struct{ tx }

func (a auditStore) Append(ctx context.Context, e *audit.Entry) error {
	return a.appendAudit(ctx, e)
}

// List returns matching entries newest first.
func (a auditStore) List(_ context.Context, f audit.Filter) ([]audit.Entry, error) {
	var out []audit.Entry
	err := a.read(func(st *state) error {
		for i := len(st.audit) - 1; i >= 0; i-- {
			e := st.audit[i]
			if f.EntityType != "" && e.EntityType != f.EntityType {
				continue
			}
			if f.EntityID != "" && e.EntityID != f.EntityID {
				continue
			}
			if f.ActorID != "" && e.ActorID != f.ActorID {
				continue
			}
			out = append(out, e)
			if f.Limit > 0 && len(out) == f.Limit {
				break
			}
		}
		return nil
	})
	return out, err
}

type duesStore struct{ tx }

func (d duesStore) Atomic(ctx context.Context, fn func(dues.Store) error) error {
	return d.atomic(ctx, func(t tx) error { return fn(duesStore{t}) })
}

func (d duesStore) Member(_ context.Context, id string) (member.Member, error) {
	return d.member(id)
}

func (d duesStore) LockMember(_ context.Context, id string) (member.Member, error) {
	return d.member(id)
}

func (d duesStore) Payment(_ context.Context, id string) (dues.Payment, error) {
	var p dues.Payment
	err := d.read(func(st *state) error {
		var ok bool
		if p, ok = st.payments[id]; !ok {
			return fault.NotFound("payment", id)
		}
		return nil
	})
	return p, err
}

func (d duesStore) InsertPayment(_ context.Context, p *dues.Payment) error {
	return d.read(func(st *state) error {
		if _, ok := st.members[p.MemberID]; !ok {
			return fault.NotFound("member", p.MemberID)
		}
		if _, ok := st.payments[p.ID]; ok {
			return fault.Conflict("payment", p.ID, "payment already exists")
		}
		st.payments[p.ID] = *p
		return nil
	})
}

func (d duesStore) UpdatePayment(_ context.Context, p *dues.Payment) error {
	return d.read(func(st *state) error {
		if _, ok := st.payments[p.ID]; !ok {
			return fault.NotFound("payment", p.ID)
		}
		st.payments[p.ID] = *p
		return nil
	})
}

func (d duesStore) ValidatedTotal(_ context.Context, memberID string, p dues.Period) (dues.Total, error) {
	var t dues.Total
	err := d.read(func(st *state) error {
		for _, v := range st.payments {
			if v.MemberID != memberID || v.Status != dues.StatusValidated || v.VerifiedAt == nil {
				continue
			}
			if p.Contains(*v.VerifiedAt) {
				t.Sum = t.Sum.Add(v.Amount)
				t.Count++
			}
		}
		return nil
	})
	return t, err
}

func (d duesStore) List(_ context.Context, f dues.Filter) ([]dues.Payment, error) {
	var out []dues.Payment
	err := d.read(func(st *state) error {
		for _, v := range st.payments {
			if f.MemberID != "" && v.MemberID != f.MemberID {
				continue
			}
			if f.Status != "" && v.Status != f.Status {
				continue
			}
			out = append(out, v)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PaidAt.Equal(out[j].PaidAt) {
			return out[i].PaidAt.After(out[j].PaidAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, err
}

func (d duesStore) AppendAudit(ctx context.Context, e *audit.Entry) error {
	return d.appendAudit(ctx, e)
}
