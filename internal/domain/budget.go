package domain

import (
	"time"

	"github.com/google/uuid"
)

// Budget statuses, derived from utilization. Spend can only exceed allocation
// under the lenient reservation policy; strict policy blocks it first.
const (
	BudgetStatusOK       = "ok"
	BudgetStatusWarning  = "warning"
	BudgetStatusExceeded = "exceeded"
)

// Budget is an allocation pool against which task costs are debited. Committed
// tracks funds earmarked by assigned-but-not-completed tasks so that concurrent
// reservations cannot overcommit the pool.
type Budget struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Scope     string    `json:"scope" db:"scope"` // plan | project
	Currency  string    `json:"currency" db:"currency"`
	Allocated int64     `json:"allocated" db:"allocated"`
	Committed int64     `json:"committed" db:"committed"`
	Spent     int64     `json:"spent" db:"spent"`
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Remaining is allocated minus spent and committed funds.
func (b *Budget) Remaining() int64 {
	return b.Allocated - b.Spent - b.Committed
}

// Utilization returns the consumed fraction of the allocation, including
// committed funds. Zero-allocation budgets report full utilization.
func (b *Budget) Utilization() float64 {
	if b.Allocated <= 0 {
		return 1
	}
	return float64(b.Spent+b.Committed) / float64(b.Allocated)
}

// BudgetTopUp is an audited allocation increase. Reason is mandatory.
type BudgetTopUp struct {
	ID        uuid.UUID `json:"id" db:"id"`
	BudgetID  uuid.UUID `json:"budget_id" db:"budget_id"`
	Amount    int64     `json:"amount" db:"amount"`
	Reason    string    `json:"reason" db:"reason"`
	Category  *string   `json:"category,omitempty" db:"category"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// TopUpBudgetRequest is the DTO for budget top-up API requests.
type TopUpBudgetRequest struct {
	Amount   int64   `json:"amount"` // minor units
	Reason   string  `json:"reason"`
	Category *string `json:"category,omitempty"`
}
