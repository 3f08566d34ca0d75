// Package memory is an in-process implementation of store.Store used by
// tests and by the service when DB_DRIVER=memory. Units of work are
// serialized and rolled back through an undo journal.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"settlement-service/internal/model"
	"settlement-service/internal/store"
)

type state struct {
	mu sync.RWMutex

	members     map[string]*model.Member
	processed   map[string]*model.ProcessedEvent
	parked      []model.ParkedEvent
	nodes       map[string]*model.TreeNode
	volumes     []model.VolumeEvent
	volumeIDs   map[string]bool
	bonuses     []model.BonusRecord
	bonusKeys   map[model.DedupKey]bool
	pairings    []model.PairingEntry
	wallets     map[string]*model.Wallet
	entries     []model.WalletEntry
	withdrawals map[string]*model.Withdrawal
	ranks       []model.RankAchievement
	rankKeys    map[rankKey]bool

	nextID uint
}

// Store keeps every table in maps and slices.
type Store struct {
	data    *state
	txMu    *sync.Mutex
	journal *[]func()
	now     func() time.Time
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		data: &state{
			members:     make(map[string]*model.Member),
			processed:   make(map[string]*model.ProcessedEvent),
			nodes:       make(map[string]*model.TreeNode),
			volumeIDs:   make(map[string]bool),
			bonusKeys:   make(map[model.DedupKey]bool),
			wallets:     make(map[string]*model.Wallet),
			withdrawals: make(map[string]*model.Withdrawal),
			rankKeys:    make(map[rankKey]bool),
		},
		txMu: &sync.Mutex{},
		now:  time.Now,
	}
}

// Atomic serializes units of work. On error every write made through tx is
// undone in reverse order.
func (s *Store) Atomic(ctx context.Context, fn func(tx store.Store) error) error {
	if s.journal != nil {
		return fn(s)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	var journal []func()
	tx := &Store{data: s.data, txMu: s.txMu, journal: &journal, now: s.now}
	if err := fn(tx); err != nil {
		s.data.mu.Lock()
		for i := len(journal) - 1; i >= 0; i-- {
			journal[i]()
		}
		s.data.mu.Unlock()
		return err
	}
	return nil
}

// record must be called with data.mu held.
func (s *Store) record(undo func()) {
	if s.journal != nil {
		*s.journal = append(*s.journal, undo)
	}
}

// Members

func (s *Store) CreateMember(ctx context.Context, m *model.Member) error {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	if _, ok := s.data.members[m.ID]; ok {
		return store.ErrDuplicate
	}
	now := s.now()
	m.CreatedAt, m.UpdatedAt = now, now
	cp := *m
	s.data.members[m.ID] = &cp
	s.record(func() { delete(s.data.members, m.ID) })
	return nil
}

func (s *Store) GetMember(ctx context.Context, id string) (*model.Member, error) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	m, ok := s.data.members[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) HasMembers(ctx context.Context) (bool, error) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()
	return len(s.data.members) > 0, nil
}

func (s *Store) CountDirectReferrals(ctx context.Context, sponsorID string) (int64, error) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	var n int64
	for _, m := range s.data.members {
		if m.SponsorID == sponsorID {
			n++
		}
	}
	return n, nil
}

// updateMember applies fn and journals the inverse it returns. Undo only
// reverts the fields the unit of work changed, so writes made outside the
// unit survive a rollback.
func (s *Store) updateMember(id string, fn func(m *model.Member) (undo func(m *model.Member))) error {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	m, ok := s.data.members[id]
	if !ok {
		return store.ErrNotFound
	}
	undo := fn(m)
	m.UpdatedAt = s.now()
	s.record(func() { undo(m) })
	return nil
}

func (s *Store) UpdateMemberPackage(ctx context.Context, id, packageID string) error {
	return s.updateMember(id, func(m *model.Member) func(*model.Member) {
		prev := m.PackageID
		m.PackageID = packageID
		return func(m *model.Member) { m.PackageID = prev }
	})
}

func (s *Store) SetMemberActive(ctx context.Context, id string, active bool) error {
	return s.updateMember(id, func(m *model.Member) func(*model.Member) {
		prev := m.Active
		m.Active = active
		return func(m *model.Member) { m.Active = prev }
	})
}

func (s *Store) RaiseMemberRank(ctx context.Context, id string, rank int) error {
	return s.updateMember(id, func(m *model.Member) func(*model.Member) {
		prev := m.Rank
		if rank > m.Rank {
			m.Rank = rank
		}
		return func(m *model.Member) {
			if m.Rank == rank {
				m.Rank = prev
			}
		}
	})
}

// Tree

func (s *Store) CreateNode(ctx context.Context, n *model.TreeNode) error {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	if _, ok := s.data.nodes[n.MemberID]; ok {
		return store.ErrDuplicate
	}
	now := s.now()
	n.CreatedAt, n.UpdatedAt = now, now
	cp := *n
	s.data.nodes[n.MemberID] = &cp
	s.record(func() { delete(s.data.nodes, n.MemberID) })
	return nil
}

func (s *Store) GetNode(ctx context.Context, memberID string) (*model.TreeNode, error) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	n, ok := s.data.nodes[memberID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (s *Store) updateNode(id string, fn func(n *model.TreeNode) (undo func(n *model.TreeNode), err error)) error {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	n, ok := s.data.nodes[id]
	if !ok {
		return store.ErrNotFound
	}
	undo, err := fn(n)
	if err != nil {
		return err
	}
	n.UpdatedAt = s.now()
	s.record(func() { undo(n) })
	return nil
}

func (s *Store) AttachChild(ctx context.Context, parentID string, side model.Leg, childID string) error {
	return s.updateNode(parentID, func(n *model.TreeNode) (func(*model.TreeNode), error) {
		if n.Child(side) != "" {
			return nil, store.ErrSlotTaken
		}
		slot := &n.LeftChildID
		if side == model.LegRight {
			slot = &n.RightChildID
		}
		*slot = childID
		return func(*model.TreeNode) {
			if *slot == childID {
				*slot = ""
			}
		}, nil
	})
}

func (s *Store) IncrementSubtreeCount(ctx context.Context, nodeID string, side model.Leg) error {
	return s.updateNode(nodeID, func(n *model.TreeNode) (func(*model.TreeNode), error) {
		count := &n.LeftCount
		if side == model.LegRight {
			count = &n.RightCount
		}
		*count++
		return func(*model.TreeNode) { *count-- }, nil
	})
}

func (s *Store) AddLegVolume(ctx context.Context, nodeID string, side model.Leg, pv, bv int64) error {
	return s.updateNode(nodeID, func(n *model.TreeNode) (func(*model.TreeNode), error) {
		total, business, unconsumed := &n.LeftPV, &n.LeftBV, &n.LeftUnconsumedPV
		if side == model.LegRight {
			total, business, unconsumed = &n.RightPV, &n.RightBV, &n.RightUnconsumedPV
		}
		*total += pv
		*business += bv
		*unconsumed += pv
		return func(*model.TreeNode) {
			*total -= pv
			*business -= bv
			*unconsumed -= pv
		}, nil
	})
}

func (s *Store) ConsumePairVolume(ctx context.Context, nodeID string, pv int64) error {
	consume := func(n *model.TreeNode, pv int64) {
		n.LeftUnconsumedPV -= pv
		n.RightUnconsumedPV -= pv
		n.LeftConsumedPV += pv
		n.RightConsumedPV += pv
	}
	return s.updateNode(nodeID, func(n *model.TreeNode) (func(*model.TreeNode), error) {
		consume(n, pv)
		return func(n *model.TreeNode) { consume(n, -pv) }, nil
	})
}

func (s *Store) SetNodeBlocked(ctx context.Context, nodeID string, blocked bool, reason string) error {
	return s.updateNode(nodeID, func(n *model.TreeNode) (func(*model.TreeNode), error) {
		prevBlocked, prevReason := n.Blocked, n.BlockReason
		n.Blocked = blocked
		n.BlockReason = reason
		return func(n *model.TreeNode) {
			n.Blocked = prevBlocked
			n.BlockReason = prevReason
		}, nil
	})
}

func (s *Store) ListPairableNodes(ctx context.Context, minPV int64, after string, limit int) ([]model.TreeNode, error) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	out := make([]model.TreeNode, 0)
	for _, n := range s.data.nodes {
		if n.MemberID > after && n.LeftUnconsumedPV >= minPV && n.RightUnconsumedPV >= minPV {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID < out[j].MemberID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Volume ledger

func (s *Store) AppendVolumeEvent(ctx context.Context, ev *model.VolumeEvent) error {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	if s.data.volumeIDs[ev.EventID] {
		return store.ErrDuplicate
	}
	s.data.nextID++
	ev.ID = s.data.nextID
	ev.CreatedAt = s.now()
	s.data.volumes = append(s.data.volumes, *ev)
	s.data.volumeIDs[ev.EventID] = true
	s.record(func() {
		s.data.volumes = s.data.volumes[:len(s.data.volumes)-1]
		delete(s.data.volumeIDs, ev.EventID)
	})
	return nil
}

func (s *Store) SumPersonalPV(ctx context.Context, memberID string) (int64, error) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	var total int64
	for _, v := range s.data.volumes {
		if v.MemberID == memberID {
			total += v.PV
		}
	}
	return total, nil
}

// VolumeEvents returns a copy of the volume log.
func (s *Store) VolumeEvents() []model.VolumeEvent {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()
	return append([]model.VolumeEvent(nil), s.data.volumes...)
}

// Bonus ledger

func (s *Store) InsertBonus(ctx context.Context, b *model.BonusRecord) error {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	key := b.Key()
	if s.data.bonusKeys[key] {
		return store.ErrDuplicate
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now()
	}
	s.data.bonuses = append(s.data.bonuses, *b)
	s.data.bonusKeys[key] = true
	s.record(func() {
		s.data.bonuses = s.data.bonuses[:len(s.data.bonuses)-1]
		delete(s.data.bonusKeys, key)
	})
	return nil
}

func (s *Store) ListBonuses(ctx context.Context, memberID string, from, to time.Time) ([]model.BonusRecord, error) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	out := make([]model.BonusRecord, 0)
	for _, b := range s.data.bonuses {
		if b.MemberID != memberID {
			continue
		}
		if !from.IsZero() && b.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !b.CreatedAt.Before(to) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// Bonuses returns a copy of the whole bonus log.
func (s *Store) Bonuses() []model.BonusRecord {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()
	return append([]model.BonusRecord(nil), s.data.bonuses...)
}

func (s *Store) AppendPairing(ctx context.Context, e *model.PairingEntry) error {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	s.data.nextID++
	e.ID = s.data.nextID
	e.CreatedAt = s.now()
	s.data.pairings = append(s.data.pairings, *e)
	s.record(func() { s.data.pairings = s.data.pairings[:len(s.data.pairings)-1] })
	return nil
}

func (s *Store) PaidPairs(ctx context.Context, memberID, day string) (int64, error) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	var total int64
	for _, p := range s.data.pairings {
		if p.MemberID == memberID && p.Day == day {
			total += p.Pairs
		}
	}
	return total, nil
}

// Wallets

func (s *Store) EnsureWallet(ctx context.Context, memberID, currency string) error {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	if _, ok := s.data.wallets[memberID]; ok {
		return nil
	}
	now := s.now()
	s.data.wallets[memberID] = &model.Wallet{MemberID: memberID, Currency: currency, CreatedAt: now, UpdatedAt: now}
	s.record(func() { delete(s.data.wallets, memberID) })
	return nil
}

func (s *Store) GetWallet(ctx context.Context, memberID string) (*model.Wallet, error) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	w, ok := s.data.wallets[memberID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *Store) updateWallet(memberID string, fn func(w *model.Wallet) (undo func(w *model.Wallet), err error)) error {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	w, ok := s.data.wallets[memberID]
	if !ok {
		return store.ErrNotFound
	}
	undo, err := fn(w)
	if err != nil {
		return err
	}
	w.UpdatedAt = s.now()
	s.record(func() { undo(w) })
	return nil
}

func (s *Store) CreditWallet(ctx context.Context, memberID string, bucket model.Bucket, amount int64) error {
	return s.updateWallet(memberID, func(w *model.Wallet) (func(*model.Wallet), error) {
		balance := &w.Earnings
		if bucket == model.BucketAwaiting {
			balance = &w.Awaiting
		}
		*balance += amount
		return func(*model.Wallet) { *balance -= amount }, nil
	})
}

func (s *Store) DebitEarnings(ctx context.Context, memberID string, amount int64) error {
	return s.updateWallet(memberID, func(w *model.Wallet) (func(*model.Wallet), error) {
		if w.Earnings < amount {
			return nil, store.ErrInsufficientFunds
		}
		w.Earnings -= amount
		return func(w *model.Wallet) { w.Earnings += amount }, nil
	})
}

func (s *Store) ReleaseAwaiting(ctx context.Context, memberID string) (int64, error) {
	var moved int64
	err := s.updateWallet(memberID, func(w *model.Wallet) (func(*model.Wallet), error) {
		moved = w.Awaiting
		w.Earnings += moved
		w.Awaiting = 0
		return func(w *model.Wallet) {
			w.Earnings -= moved
			w.Awaiting += moved
		}, nil
	})
	return moved, err
}

func (s *Store) SetRepurchase(ctx context.Context, memberID string, last, nextDue time.Time) error {
	return s.updateWallet(memberID, func(w *model.Wallet) (func(*model.Wallet), error) {
		prevLast, prevDue := w.LastRepurchaseAt, w.NextRepurchaseDue
		w.LastRepurchaseAt = &last
		w.NextRepurchaseDue = &nextDue
		return func(w *model.Wallet) {
			w.LastRepurchaseAt = prevLast
			w.NextRepurchaseDue = prevDue
		}, nil
	})
}

func (s *Store) AppendWalletEntry(ctx context.Context, e *model.WalletEntry) error {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	s.data.entries = append(s.data.entries, *e)
	s.record(func() { s.data.entries = s.data.entries[:len(s.data.entries)-1] })
	return nil
}

func (s *Store) ListWalletEntries(ctx context.Context, memberID string) ([]model.WalletEntry, error) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	out := make([]model.WalletEntry, 0)
	for _, e := range s.data.entries {
		if e.MemberID == memberID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) CreateWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	if _, ok := s.data.withdrawals[w.RequestID]; ok {
		return store.ErrDuplicate
	}
	w.CreatedAt = s.now()
	cp := *w
	s.data.withdrawals[w.RequestID] = &cp
	s.record(func() { delete(s.data.withdrawals, w.RequestID) })
	return nil
}

func (s *Store) GetWithdrawal(ctx context.Context, requestID string) (*model.Withdrawal, error) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	w, ok := s.data.withdrawals[requestID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *Store) UpdateWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	cur, ok := s.data.withdrawals[w.RequestID]
	if !ok {
		return store.ErrNotFound
	}
	prev := *cur
	cur.Status = w.Status
	cur.Reason = w.Reason
	cur.ProcessedAt = w.ProcessedAt
	s.record(func() { *cur = prev })
	return nil
}

// Ranks

type rankKey struct {
	memberID string
	rank     int
}

func (s *Store) InsertRankAchievement(ctx context.Context, a *model.RankAchievement) error {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	key := rankKey{memberID: a.MemberID, rank: a.Rank}
	if s.data.rankKeys[key] {
		return store.ErrDuplicate
	}
	s.data.ranks = append(s.data.ranks, *a)
	s.data.rankKeys[key] = true
	s.record(func() {
		s.data.ranks = s.data.ranks[:len(s.data.ranks)-1]
		delete(s.data.rankKeys, key)
	})
	return nil
}

func (s *Store) ListRankAchievements(ctx context.Context, memberID string) ([]model.RankAchievement, error) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	out := make([]model.RankAchievement, 0)
	for _, a := range s.data.ranks {
		if a.MemberID == memberID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

// Event log

func (s *Store) MarkProcessed(ctx context.Context, e *model.ProcessedEvent) error {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	if _, ok := s.data.processed[e.EventID]; ok {
		return store.ErrDuplicate
	}
	cp := *e
	s.data.processed[e.EventID] = &cp
	s.record(func() { delete(s.data.processed, e.EventID) })
	return nil
}

func (s *Store) EventExists(ctx context.Context, eventID string) (bool, error) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	_, ok := s.data.processed[eventID]
	return ok, nil
}

// Parking lot

func (s *Store) ParkEvent(ctx context.Context, e *model.ParkedEvent) error {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	for i := range s.data.parked {
		if p := &s.data.parked[i]; p.EventID == e.EventID {
			p.NodeID = e.NodeID
			p.Reason = e.Reason
			return nil
		}
	}
	s.data.nextID++
	e.ID = s.data.nextID
	if e.ParkedAt.IsZero() {
		e.ParkedAt = s.now()
	}
	s.data.parked = append(s.data.parked, *e)
	return nil
}

func (s *Store) ListParkedEvents(ctx context.Context, nodeID string) ([]model.ParkedEvent, error) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	out := make([]model.ParkedEvent, 0)
	for _, p := range s.data.parked {
		if p.NodeID == nodeID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteParkedEvent(ctx context.Context, eventID string) error {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	for i, p := range s.data.parked {
		if p.EventID == eventID {
			s.data.parked = append(s.data.parked[:i], s.data.parked[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}
