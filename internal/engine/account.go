package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"divetrader/internal/domain"
	"divetrader/internal/util"
)

// Account is the cash balance shared by every instance trading the same
// brokerage account. Reading available cash and reserving it for a trade
// happen under one lock, so concurrent instances cannot both spend the same
// dollars.
type Account struct {
	mu       sync.Mutex
	cash     float64
	reserved float64

	locker  domain.LockManager
	lockKey string
	lockTTL time.Duration
}

// NewAccount returns an account holding cash.
func NewAccount(cash float64) *Account {
	return &Account{cash: cash}
}

// WithLocker makes reservations also hold a cross-process lock on key.
func (a *Account) WithLocker(l domain.LockManager, key string, ttl time.Duration) *Account {
	a.locker = l
	a.lockKey = key
	a.lockTTL = ttl
	return a
}

// Cash returns the unreserved cash.
func (a *Account) Cash() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cash - a.reserved
}

// Sync replaces the cash balance with the brokerage's figure. Outstanding
// reservations are kept.
func (a *Account) Sync(cash float64) {
	a.mu.Lock()
	a.cash = cash
	a.mu.Unlock()
}

// Credit adds the proceeds of a sale.
func (a *Account) Credit(amount float64) {
	a.mu.Lock()
	a.cash += amount
	a.mu.Unlock()
}

// Reservation holds cash set aside for one trade.
type Reservation struct {
	acct   *Account
	amount float64
	done   bool
}

// Amount returns the reserved amount.
func (r *Reservation) Amount() float64 {
	return r.amount
}

// Commit settles the trade: the reservation is released and spent is
// debited.
func (r *Reservation) Commit(spent float64) {
	r.settle(spent)
}

// Release returns the reserved cash unspent.
func (r *Reservation) Release() {
	r.settle(0)
}

func (r *Reservation) settle(spent float64) {
	a := r.acct
	a.mu.Lock()
	defer a.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	a.reserved -= r.amount
	a.cash -= spent
}

// Reserve runs check against the available cash and, when it accepts, sets
// amount aside. Both happen inside one critical section. A rejection is
// returned as a Decision with a nil reservation; errors are reserved for
// lock and context failures.
func (a *Account) Reserve(ctx context.Context, amount float64, check func(available float64) Decision) (*Reservation, Decision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.locker != nil {
		var unlock func()
		err := util.Retry(ctx, 20, 25*time.Millisecond, func() error {
			u, err := a.locker.Acquire(ctx, a.lockKey, a.lockTTL)
			if err != nil {
				if !errors.Is(err, domain.ErrLockHeld) {
					return util.Permanent(err)
				}
				return err
			}
			unlock = u
			return nil
		})
		if err != nil {
			return nil, Decision{}, fmt.Errorf("acquiring account lock %s: %w", a.lockKey, err)
		}
		defer unlock()
	}
	if err := ctx.Err(); err != nil {
		return nil, Decision{}, err
	}

	available := a.cash - a.reserved
	if check != nil {
		if d := check(available); !d.Accepted {
			return nil, d, nil
		}
	}
	if amount > available+1e-9 {
		return nil, reject(ReasonInsufficientCash, amount, available,
			"need %.2f, %.2f available", amount, available), nil
	}
	a.reserved += amount
	return &Reservation{acct: a, amount: amount}, Accept, nil
}
