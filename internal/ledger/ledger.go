// Package ledger is the dispatch core's view of the external account
// service: rider balances, driver earnings, and rider ratings.
package ledger

import (
	"errors"
	"sync"
)

var ErrUnknownAccount = errors.New("unknown account")

// Accounts is the collaborator contract the coordinator settles against.
// Debit reports false on insufficient funds; that is a business outcome,
// not an error.
type Accounts interface {
	GetBalance(riderID string) (float64, error)
	Debit(riderID string, amount float64) (bool, error)
	CreditEarnings(driverID string, amount float64)
	RateRider(riderID string, rating int) error
}

type riderAccount struct {
	balance     float64
	ratingSum   int
	ratingCount int
}

// Memory is an in-process Accounts implementation. All balance and rating
// updates happen under one lock so concurrent settlements never lose writes.
type Memory struct {
	mu       sync.Mutex
	riders   map[string]*riderAccount
	earnings map[string]float64
}

func NewMemory() *Memory {
	return &Memory{
		riders:   make(map[string]*riderAccount),
		earnings: make(map[string]float64),
	}
}

// AddRider seeds a rider account; an existing account's balance is replaced.
func (m *Memory) AddRider(riderID string, balance float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.riders[riderID]; ok {
		a.balance = balance
		return
	}
	m.riders[riderID] = &riderAccount{balance: balance}
}

func (m *Memory) GetBalance(riderID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.riders[riderID]
	if !ok {
		return 0, ErrUnknownAccount
	}
	return a.balance, nil
}

func (m *Memory) Debit(riderID string, amount float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.riders[riderID]
	if !ok {
		return false, ErrUnknownAccount
	}
	if a.balance < amount {
		return false, nil
	}
	a.balance -= amount
	return true, nil
}

func (m *Memory) CreditEarnings(driverID string, amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.earnings[driverID] += amount
}

func (m *Memory) RateRider(riderID string, rating int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.riders[riderID]
	if !ok {
		return ErrUnknownAccount
	}
	a.ratingSum += rating
	a.ratingCount++
	return nil
}

// Earnings reports a driver's accumulated share; used by tests and the
// operational API.
func (m *Memory) Earnings(driverID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.earnings[driverID]
}

// RiderRating returns the rider's rating sum and count.
func (m *Memory) RiderRating(riderID string) (sum, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.riders[riderID]; ok {
		return a.ratingSum, a.ratingCount
	}
	return 0, 0
}
