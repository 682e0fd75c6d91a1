// Package points implements the checked arithmetic of the points ledger.
//
// Functions operate on a decoded model.PointsAccount; persisting the result
// is the caller's unit of work. A failed call leaves the account untouched.
package points

import (
	"fmt"
	"math/bits"

	"github.com/quickbet/settlement/internal/model"
)

// StartingGrant is the balance a new account receives.
const StartingGrant uint64 = 1000

// Initialize returns the account for owner, creating it with grant when
// existing is nil. An existing account is returned as is; its balance is
// never reset.
func Initialize(existing *model.PointsAccount, owner model.UserID, grant uint64) (acct *model.PointsAccount, created bool) {
	if existing != nil {
		return existing, false
	}
	return &model.PointsAccount{Owner: owner, Balance: grant}, true
}

// Debit removes amount from the account.
func Debit(acct *model.PointsAccount, amount uint64) error {
	if acct.Balance < amount {
		return fmt.Errorf("%w: balance %d, need %d", model.ErrInsufficientBalance, acct.Balance, amount)
	}
	acct.Balance -= amount
	return nil
}

// Credit adds amount to the account.
func Credit(acct *model.PointsAccount, amount uint64) error {
	sum, carry := bits.Add64(acct.Balance, amount, 0)
	if carry != 0 {
		return fmt.Errorf("%w: crediting %d to balance %d", model.ErrOverflow, amount, acct.Balance)
	}
	acct.Balance = sum
	return nil
}

// Payout is the amount credited for a won wager: twice the stake.
func Payout(stake uint64) (uint64, error) {
	hi, lo := bits.Mul64(stake, 2)
	if hi != 0 {
		return 0, fmt.Errorf("%w: payout for stake %d", model.ErrOverflow, stake)
	}
	return lo, nil
}
