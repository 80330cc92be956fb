// Package admission is the front door every generation request passes through
// before any upstream call: a per-user concurrency gate, a fixed-window rate
// limiter, and a daily quota gate for free users. All state is memory-resident
// and cleared on restart.
package admission

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/modelrelay/modelrelay/internal/models"
)

var (
	// ErrAlreadyInFlight is returned when the user already has a generation
	// running; the second request is rejected immediately, never queued.
	ErrAlreadyInFlight = errors.New("another generation is already in flight")

	// ErrRateLimited is returned when the fixed request window is exhausted.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrQuotaExceeded is returned when a free user exhausts the advanced-tier
	// daily allowance.
	ErrQuotaExceeded = errors.New("daily quota exceeded")
)

// QuotaFunc counts the user's usage rows for the current day and tier. The
// count is derived from the ledger itself, so quota and accounting can never
// disagree.
type QuotaFunc func(ctx context.Context, userID int64, tier models.Tier) (int, error)

type Config struct {
	Window            time.Duration // rate window length
	MaxPerWindow      int           // requests allowed per window
	FreeAdvancedDaily int           // advanced-tier requests per day for free users
}

func DefaultConfig() Config {
	return Config{
		Window:            10 * time.Second,
		MaxPerWindow:      10,
		FreeAdvancedDaily: 3,
	}
}

type rateWindow struct {
	count   int
	resetAt time.Time
}

// userState carries its own mutex so requests for different users never
// contend past the brief map lookup.
type userState struct {
	mu       sync.Mutex
	inFlight bool
	windows  map[models.Tier]*rateWindow
}

type Controller struct {
	cfg   Config
	quota QuotaFunc
	now   func() time.Time

	mu    sync.Mutex
	users map[int64]*userState
}

func NewController(cfg Config, quota QuotaFunc) *Controller {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.MaxPerWindow <= 0 {
		cfg.MaxPerWindow = DefaultConfig().MaxPerWindow
	}
	return &Controller{
		cfg:   cfg,
		quota: quota,
		now:   time.Now,
		users: make(map[int64]*userState),
	}
}

// SetNow overrides the clock. Tests only.
func (c *Controller) SetNow(now func() time.Time) {
	c.now = now
}

func (c *Controller) state(userID int64) *userState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.users[userID]
	if !ok {
		st = &userState{windows: make(map[models.Tier]*rateWindow)}
		c.users[userID] = st
	}
	return st
}

// Admit grants a permit for one generation or rejects with ErrAlreadyInFlight,
// ErrRateLimited or ErrQuotaExceeded. On success the returned release func must
// be called on every exit path; it is safe to call more than once.
func (c *Controller) Admit(ctx context.Context, user *models.User, tier models.Tier) (func(), error) {
	st := c.state(user.ID)
	now := c.now()

	st.mu.Lock()
	if st.inFlight {
		st.mu.Unlock()
		return nil, ErrAlreadyInFlight
	}

	win, ok := st.windows[tier]
	if !ok || !now.Before(win.resetAt) {
		// Lazy reset on the first request after the window elapses.
		win = &rateWindow{resetAt: now.Add(c.cfg.Window)}
		st.windows[tier] = win
	}
	if win.count >= c.cfg.MaxPerWindow {
		st.mu.Unlock()
		return nil, ErrRateLimited
	}
	win.count++
	st.inFlight = true
	st.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			st.mu.Lock()
			st.inFlight = false
			st.mu.Unlock()
		})
	}

	// A quota rejection happens before any upstream work, so the window slot
	// taken above is handed back. The window is re-checked: a lazy reset may
	// have replaced it while the quota query ran.
	rollback := func() {
		release()
		st.mu.Lock()
		if cur := st.windows[tier]; cur == win && cur.count > 0 {
			cur.count--
		}
		st.mu.Unlock()
	}

	// The quota gate does a blocking count query, so it runs outside the lock;
	// the in-flight flag already protects against re-entry for this user.
	if c.quota != nil && user.Plan == models.PlanFree && tier == models.TierAdvanced {
		used, err := c.quota(ctx, user.ID, tier)
		if err != nil {
			rollback()
			return nil, err
		}
		if used >= c.cfg.FreeAdvancedDaily {
			rollback()
			return nil, ErrQuotaExceeded
		}
	}

	return release, nil
}
