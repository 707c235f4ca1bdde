package processor

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"positionwatch/models"
)

// Store holds the last observed snapshot per position key. Each account has
// its own book and lock so one account's updates never wait on another's.
type Store struct {
	mu    sync.RWMutex
	books map[string]*book
}

type book struct {
	mu        sync.Mutex
	positions map[models.PositionKey]models.PositionSnapshot
	realized  map[models.PositionKey]decimal.Decimal
	lastClose map[models.PositionKey]string
	leverage  map[string]int
}

func newBook() *book {
	return &book{
		positions: make(map[models.PositionKey]models.PositionSnapshot),
		realized:  make(map[models.PositionKey]decimal.Decimal),
		lastClose: make(map[models.PositionKey]string),
		leverage:  make(map[string]int),
	}
}

// NewStore creates an empty snapshot store.
func NewStore() *Store {
	return &Store{books: make(map[string]*book)}
}

func (s *Store) book(account string) *book {
	s.mu.RLock()
	b, ok := s.books[account]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.books[account]; !ok {
		b = newBook()
		s.books[account] = b
	}
	return b
}

// Tx is a view of one account's book valid only inside Update.
type Tx struct {
	b *book
}

func (tx *Tx) Get(key models.PositionKey) (models.PositionSnapshot, bool) {
	snap, ok := tx.b.positions[key]
	return snap, ok
}

func (tx *Tx) Put(snap models.PositionSnapshot) {
	tx.b.positions[snap.Key] = snap
}

// AddRealized accumulates realized pnl reported by fills for key.
func (tx *Tx) AddRealized(key models.PositionKey, amount decimal.Decimal) {
	tx.b.realized[key] = tx.b.realized[key].Add(amount)
}

// TakeRealized returns and clears the accumulated realized pnl for key.
func (tx *Tx) TakeRealized(key models.PositionKey) (decimal.Decimal, bool) {
	amount, ok := tx.b.realized[key]
	if ok {
		delete(tx.b.realized, key)
	}
	return amount, ok
}

// DropRealized discards pnl accumulated for key.
func (tx *Tx) DropRealized(key models.PositionKey) {
	delete(tx.b.realized, key)
}

// LastClose returns the id of the close event that left key flat, if the
// position has stayed flat since.
func (tx *Tx) LastClose(key models.PositionKey) (string, bool) {
	id, ok := tx.b.lastClose[key]
	return id, ok
}

// SetLastClose records eventID as the close of key. An empty id forgets it.
func (tx *Tx) SetLastClose(key models.PositionKey, eventID string) {
	if eventID == "" {
		delete(tx.b.lastClose, key)
		return
	}
	tx.b.lastClose[key] = eventID
}

func (tx *Tx) Leverage(symbol string) int {
	return tx.b.leverage[symbol]
}

// SetLeverage caches the leverage of symbol and applies it to the snapshots
// already held for that symbol.
func (tx *Tx) SetLeverage(symbol string, leverage int) {
	tx.b.leverage[symbol] = leverage
	for key, snap := range tx.b.positions {
		if key.Symbol == symbol {
			snap.Leverage = leverage
			tx.b.positions[key] = snap
		}
	}
}

// Update runs fn with exclusive access to the account's book. Readers never
// observe a state in the middle of fn.
func (s *Store) Update(account string, fn func(tx *Tx)) {
	b := s.book(account)
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&Tx{b: b})
}

// Get returns the snapshot stored for key, including retained zero-amount
// snapshots.
func (s *Store) Get(key models.PositionKey) (models.PositionSnapshot, bool) {
	b := s.book(key.Account)
	b.mu.Lock()
	defer b.mu.Unlock()
	snap, ok := b.positions[key]
	return snap, ok
}

// Reset replaces every snapshot of account with snaps. Pending realized pnl
// from fills is discarded because it refers to the replaced history.
func (s *Store) Reset(account string, snaps []models.PositionSnapshot) {
	b := s.book(account)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.positions = make(map[models.PositionKey]models.PositionSnapshot, len(snaps))
	b.realized = make(map[models.PositionKey]decimal.Decimal)
	b.lastClose = make(map[models.PositionKey]string)
	for _, snap := range snaps {
		snap.Key.Account = account
		if snap.Leverage > 0 {
			b.leverage[snap.Key.Symbol] = snap.Leverage
		} else if lev := b.leverage[snap.Key.Symbol]; lev > 0 {
			snap.Leverage = lev
		}
		if side := models.SideOf(snap.Amount); side != models.SideNone {
			snap.LastKnownSide = side
		}
		b.positions[snap.Key] = snap
	}
}

// Positions returns the open positions of account ordered by symbol and side.
func (s *Store) Positions(account string) []models.PositionSnapshot {
	b := s.book(account)
	b.mu.Lock()
	out := make([]models.PositionSnapshot, 0, len(b.positions))
	for _, snap := range b.positions {
		if !snap.IsEmpty() {
			out = append(out, snap)
		}
	}
	b.mu.Unlock()

	sortSnapshots(out)
	return out
}

// Accounts lists the accounts that have a book, sorted.
func (s *Store) Accounts() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.books))
	for account := range s.books {
		out = append(out, account)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// All returns the open positions of every account.
func (s *Store) All() []models.PositionSnapshot {
	var out []models.PositionSnapshot
	for _, account := range s.Accounts() {
		out = append(out, s.Positions(account)...)
	}
	return out
}

func sortSnapshots(snaps []models.PositionSnapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		a, b := snaps[i].Key, snaps[j].Key
		if a.Account != b.Account {
			return a.Account < b.Account
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.PositionSide < b.PositionSide
	})
}
