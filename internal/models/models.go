package models

import "time"

type Tier string

const (
	TierBasic    Tier = "basic"
	TierAdvanced Tier = "advanced"
)

type Plan string

const (
	PlanFree    Plan = "free"
	PlanPremium Plan = "premium"
)

// CreditType selects which balance column a deduction or top-up targets.
type CreditType string

const (
	CreditTypeGeneral CreditType = "general"
	CreditTypeImage   CreditType = "image"
	CreditTypeVideo   CreditType = "video"
)

type TaskState string

const (
	TaskStatePending    TaskState = "pending"
	TaskStateProcessing TaskState = "processing"
	TaskStateCompleted  TaskState = "completed"
	TaskStateFailed     TaskState = "failed"
)

// Terminal reports whether no further transitions can occur.
func (s TaskState) Terminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed
}

type User struct {
	ID           int64
	Email        string
	Plan         Plan
	Credits      int
	ImageCredits int
	VideoCredits int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Balance returns the balance for the given credit type.
func (u *User) Balance(ct CreditType) int {
	switch ct {
	case CreditTypeImage:
		return u.ImageCredits
	case CreditTypeVideo:
		return u.VideoCredits
	default:
		return u.Credits
	}
}

// UsageRecord is an append-only accounting row, one per completed text request.
type UsageRecord struct {
	ID         int64
	UserID     int64
	ModelName  string
	Tier       Tier
	TokensUsed int
	CostUSD    float64
	Date       string // 2006-01-02
	Month      string // 2006-01
	CreatedAt  time.Time
}

type GenerationTask struct {
	ID             string
	UserID         int64
	Model          string
	Prompt         string
	Status         TaskState
	Progress       int
	ResultURL      string
	CostCredits    int
	ExternalTaskID string
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PaymentOrder is owned by the payment provider integration; the gateway only
// reads status and the credit fields to settle a paid order.
type PaymentOrder struct {
	ID            int64
	OrderID       string
	UserID        int64
	Status        string
	CreditsAmount int
	CreditType    CreditType
	Currency      string
	AmountMinor   int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
