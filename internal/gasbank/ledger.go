// Package gasbank implements C5: the per-(principal,chain) gas balance
// ledger and the replay-safe meta-transaction relay. Grounded on the
// teacher's services/gasbank/marble/service.go — the per-user sync.Map
// lock pattern (getUserLock), the available-balance check
// (balance-reserved), and the atomic deposit/fee-deduction style are kept;
// generalized here from a single-chain GAS balance to the spec's
// per-(principal,chain) GasAccount and the explicit Reserve/Commit/Release
// reservation handle the teacher's DeductFee/ReserveFunds/ReleaseFunds
// trio only implements implicitly.
package gasbank

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/R3E-Network/r3e-faas-sub003/internal/errs"
	"github.com/R3E-Network/r3e-faas-sub003/internal/logging"
	"github.com/R3E-Network/r3e-faas-sub003/internal/model"
	"github.com/R3E-Network/r3e-faas-sub003/internal/store"
)

// ReservationID identifies an in-flight hold against a GasAccount.
type ReservationID string

type reservation struct {
	Principal string
	Chain     model.Chain
	Amount    int64
}

// Ledger implements the Gas-Bank balance operations of spec §4.5.
type Ledger struct {
	st  *store.Store
	log *logging.Logger

	// accountLocks provides one mutex per (principal, chain) so that
	// unrelated accounts never contend, while reserve/commit/release/
	// deposit/withdraw on the SAME account are strictly serialized
	// (spec §5 "linearizable per Gas account").
	accountLocks sync.Map // map[string]*sync.Mutex

	resMu        sync.Mutex
	reservations map[ReservationID]reservation

	// depositSeen guards the idempotency invariant: a (tx_hash, chain)
	// pair credits the balance at most once.
	depositSeen sync.Map // map[string]struct{}
}

// NewLedger constructs a Ledger over the given store.
func NewLedger(st *store.Store, log *logging.Logger) *Ledger {
	return &Ledger{
		st:           st,
		log:          log,
		reservations: make(map[ReservationID]reservation),
	}
}

func accountKey(principal string, chain model.Chain) string {
	return string(chain) + "/" + principal
}

func (l *Ledger) lockFor(principal string, chain model.Chain) *sync.Mutex {
	key := accountKey(principal, chain)
	actual, _ := l.accountLocks.LoadOrStore(key, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

func (l *Ledger) load(principal string, chain model.Chain) (model.GasAccount, error) {
	raw, ok, err := l.st.Get(store.TableGasAccounts, accountKey(principal, chain))
	if err != nil {
		return model.GasAccount{}, err
	}
	if !ok {
		return model.GasAccount{Principal: principal, Chain: chain}, nil
	}
	var acc model.GasAccount
	if err := json.Unmarshal(raw, &acc); err != nil {
		return model.GasAccount{}, err
	}
	return acc, nil
}

func (l *Ledger) save(acc model.GasAccount) error {
	raw, err := json.Marshal(acc)
	if err != nil {
		return err
	}
	return l.st.Put(store.TableGasAccounts, accountKey(acc.Principal, acc.Chain), raw)
}

// Account returns the current GasAccount, or a zero-balance GasAccount if
// none is stored yet (the zero account is not persisted).
func (l *Ledger) Account(ctx context.Context, principal string, chain model.Chain) (model.GasAccount, error) {
	return l.load(principal, chain)
}

// Deposit credits principal's balance by amount. proofTxHash names the
// on-chain deposit transaction; it must be non-empty but is not checked
// against the chain here. Deposit is idempotent by (proofTxHash, chain):
// submitting the same deposit twice increases the balance exactly once.
// The set of seen proofs is held in memory only.
func (l *Ledger) Deposit(ctx context.Context, principal string, chain model.Chain, amount int64, proofTxHash string) (model.GasAccount, error) {
	if amount <= 0 {
		return model.GasAccount{}, fmt.Errorf("gasbank: deposit amount must be positive")
	}
	if proofTxHash == "" {
		return model.GasAccount{}, fmt.Errorf("gasbank: deposit proof tx hash required")
	}

	dedupeKey := string(chain) + "/" + proofTxHash
	if _, seen := l.depositSeen.LoadOrStore(dedupeKey, struct{}{}); seen {
		acc, err := l.load(principal, chain)
		return acc, err
	}

	mu := l.lockFor(principal, chain)
	mu.Lock()
	defer mu.Unlock()

	acc, err := l.load(principal, chain)
	if err != nil {
		return model.GasAccount{}, err
	}
	acc.Balance += amount
	if err := l.save(acc); err != nil {
		return model.GasAccount{}, err
	}
	return acc, nil
}

// Withdraw debits an available (non-reserved) balance to destination.
func (l *Ledger) Withdraw(ctx context.Context, principal string, chain model.Chain, amount int64, destination string) (model.GasAccount, error) {
	if amount <= 0 {
		return model.GasAccount{}, fmt.Errorf("gasbank: withdraw amount must be positive")
	}

	mu := l.lockFor(principal, chain)
	mu.Lock()
	defer mu.Unlock()

	acc, err := l.load(principal, chain)
	if err != nil {
		return model.GasAccount{}, err
	}
	available := acc.Balance - acc.Reserved
	if available < amount {
		return acc, errs.ErrInsufficientFunds
	}
	acc.Balance -= amount
	if err := l.save(acc); err != nil {
		return model.GasAccount{}, err
	}
	return acc, nil
}

// Reserve holds amount against principal's available balance, returning an
// opaque ReservationID. Only one of N concurrent reservations racing
// against a balance that can satisfy exactly one succeeds; the rest
// observe ErrInsufficientFunds because the per-account lock serializes
// the read-check-write.
func (l *Ledger) Reserve(ctx context.Context, principal string, chain model.Chain, amount int64) (ReservationID, error) {
	if amount <= 0 {
		return "", fmt.Errorf("gasbank: reserve amount must be positive")
	}

	mu := l.lockFor(principal, chain)
	mu.Lock()
	defer mu.Unlock()

	acc, err := l.load(principal, chain)
	if err != nil {
		return "", err
	}
	available := acc.Balance - acc.Reserved
	if available < amount {
		return "", errs.ErrInsufficientFunds
	}

	acc.Reserved += amount
	if err := l.save(acc); err != nil {
		return "", err
	}

	id := ReservationID(uuid.NewString())
	l.resMu.Lock()
	l.reservations[id] = reservation{Principal: principal, Chain: chain, Amount: amount}
	l.resMu.Unlock()

	return id, nil
}

// Commit settles a reservation: the account is debited by actualCost (<=
// the reserved amount) and the remainder of the hold is released.
func (l *Ledger) Commit(ctx context.Context, id ReservationID, actualCost int64) error {
	l.resMu.Lock()
	res, ok := l.reservations[id]
	if ok {
		delete(l.reservations, id)
	}
	l.resMu.Unlock()
	if !ok {
		return errs.ErrNotFound
	}
	if actualCost < 0 || actualCost > res.Amount {
		actualCost = res.Amount
	}

	mu := l.lockFor(res.Principal, res.Chain)
	mu.Lock()
	defer mu.Unlock()

	acc, err := l.load(res.Principal, res.Chain)
	if err != nil {
		return err
	}
	acc.Reserved -= res.Amount
	acc.Balance -= actualCost
	if acc.Reserved < 0 {
		acc.Reserved = 0
	}
	return l.save(acc)
}

// Release drops a reservation without debiting the account.
func (l *Ledger) Release(ctx context.Context, id ReservationID) error {
	l.resMu.Lock()
	res, ok := l.reservations[id]
	if ok {
		delete(l.reservations, id)
	}
	l.resMu.Unlock()
	if !ok {
		return errs.ErrNotFound
	}

	mu := l.lockFor(res.Principal, res.Chain)
	mu.Lock()
	defer mu.Unlock()

	acc, err := l.load(res.Principal, res.Chain)
	if err != nil {
		return err
	}
	acc.Reserved -= res.Amount
	if acc.Reserved < 0 {
		acc.Reserved = 0
	}
	return l.save(acc)
}
