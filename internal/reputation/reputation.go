// Package reputation maintains professionals' rolling ratings and awards
// badges when a new rating pushes their stats over a threshold.
package reputation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"valeconecta/internal/domain"
	"valeconecta/internal/locks"
	"valeconecta/internal/metrics"
	"valeconecta/internal/repo"
)

// Mode selects how many newly earned badges produce a notification.
type Mode string

const (
	NotifyFirst Mode = "first"
	NotifyAll   Mode = "all"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case "", NotifyFirst:
		return NotifyFirst, nil
	case NotifyAll:
		return m, nil
	default:
		return "", fmt.Errorf("invalid badge notify mode %q (want first or all)", s)
	}
}

var ErrUnknownBadge = errors.New("unknown badge")

type Notification struct {
	ProfessionalID string `json:"professional_id"`
	Badge          Badge  `json:"badge"`
	Message        string `json:"message"`
}

// Outcome is the result of folding one rating into a record.
type Outcome struct {
	Reputation    domain.Reputation
	Earned        []Badge
	Notifications []Notification
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Registry Registry
	Mode     Mode
	Locks    *locks.Keyed
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

func New(conn *sql.DB, r repo.Repo) *Engine {
	return &Engine{
		DB:       conn,
		Repo:     r,
		Registry: DefaultRegistry,
		Mode:     NotifyFirst,
		Locks:    locks.New(),
		Now:      time.Now,
	}
}

func (e *Engine) now() string {
	if e.Now != nil {
		return e.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Engine) registry() Registry {
	if e.Registry == nil {
		return DefaultRegistry
	}
	return e.Registry
}

// LockProfessional serialises reputation writes for one professional.
// Callers using the Tx methods hold it until their transaction ends.
func (e *Engine) LockProfessional(id string) func() {
	if e.Locks == nil {
		e.Locks = locks.New()
	}
	return e.Locks.Lock("pro:" + id)
}

func ValidateRating(rating int) error {
	if rating < 1 || rating > 5 {
		return domain.ErrInvalidRating
	}
	return nil
}

// NextAverage folds one rating into an average over count ratings.
func NextAverage(avg float64, count, rating int) float64 {
	return (avg*float64(count) + float64(rating)) / float64(count+1)
}

// OnRatingSubmitted records a rating for a professional and returns any
// badge notifications it unlocked.
func (e *Engine) OnRatingSubmitted(ctx context.Context, professionalID string, rating int) (Outcome, error) {
	if err := ValidateRating(rating); err != nil {
		return Outcome{}, err
	}
	unlock := e.LockProfessional(professionalID)
	defer unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Outcome{}, domain.Persistence(err)
	}
	defer tx.Rollback()
	out, err := e.ApplyRatingTx(ctx, tx, professionalID, rating)
	if err != nil {
		return Outcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return Outcome{}, domain.Persistence(err)
	}
	return out, nil
}

// ApplyRatingTx is OnRatingSubmitted inside the caller's transaction.
// If the aggregate cannot be written no badge is evaluated.
func (e *Engine) ApplyRatingTx(ctx context.Context, tx *sql.Tx, professionalID string, rating int) (Outcome, error) {
	if err := ValidateRating(rating); err != nil {
		return Outcome{}, err
	}
	now := e.now()
	if err := e.Repo.EnsureProfessionalTx(ctx, tx, professionalID, "", now); err != nil {
		return Outcome{}, domain.Persistence(err)
	}
	if err := e.Repo.AddRatingTx(ctx, tx, professionalID, rating, now); err != nil {
		return Outcome{}, domain.Persistence(err)
	}
	rep, err := e.Repo.GetReputationTx(ctx, tx, professionalID)
	if err != nil {
		return Outcome{}, domain.Persistence(err)
	}
	e.Metrics.Rating(rating)

	stats := Stats{Rating: rep.Rating, ReviewCount: rep.ReviewCount, ServicesCompleted: rep.ServicesCompleted}
	var earned []Badge
	for _, b := range e.registry() {
		if !b.Automatic() || rep.HasBadge(b.ID) || !b.Criteria(stats) {
			continue
		}
		inserted, err := e.Repo.InsertBadgeTx(ctx, tx, professionalID, b.ID, now)
		if err != nil {
			return Outcome{}, domain.Persistence(err)
		}
		if !inserted {
			continue
		}
		rep.Badges = append(rep.Badges, b.ID)
		earned = append(earned, b)
		e.Metrics.Badge(b.ID)
		e.logger().Info("badge earned", "professional_id", professionalID, "badge", b.ID, "rating", rep.Rating, "reviews", rep.ReviewCount)
	}
	return Outcome{
		Reputation:    rep,
		Earned:        earned,
		Notifications: e.notifications(professionalID, earned),
	}, nil
}

func (e *Engine) notifications(professionalID string, earned []Badge) []Notification {
	if len(earned) == 0 {
		return nil
	}
	if e.Mode != NotifyAll {
		earned = earned[:1]
	}
	out := make([]Notification, 0, len(earned))
	for _, b := range earned {
		out = append(out, Notification{
			ProfessionalID: professionalID,
			Badge:          b,
			Message:        fmt.Sprintf("Nova conquista desbloqueada: %s! %s", b.Name, b.Description),
		})
	}
	return out
}

// RecordCompletionTx counts one more completed service for the professional.
func (e *Engine) RecordCompletionTx(ctx context.Context, tx *sql.Tx, professionalID string) error {
	now := e.now()
	if err := e.Repo.EnsureProfessionalTx(ctx, tx, professionalID, "", now); err != nil {
		return domain.Persistence(err)
	}
	return domain.Persistence(e.Repo.IncrementServicesTx(ctx, tx, professionalID, now))
}

// GrantTx awards a badge by hand. Granting a held badge is a no-op and
// reports false.
func (e *Engine) GrantTx(ctx context.Context, tx *sql.Tx, professionalID, badgeID string) (Badge, bool, error) {
	b, ok := e.registry().Lookup(badgeID)
	if !ok {
		return Badge{}, false, fmt.Errorf("%w: %s", ErrUnknownBadge, badgeID)
	}
	now := e.now()
	if err := e.Repo.EnsureProfessionalTx(ctx, tx, professionalID, "", now); err != nil {
		return b, false, domain.Persistence(err)
	}
	inserted, err := e.Repo.InsertBadgeTx(ctx, tx, professionalID, b.ID, now)
	if err != nil {
		return b, false, domain.Persistence(err)
	}
	if inserted {
		e.Metrics.Badge(b.ID)
	}
	return b, inserted, nil
}

// Reputation returns the record for a professional, empty if they have none yet.
func (e *Engine) Reputation(ctx context.Context, professionalID string) (domain.Reputation, error) {
	rep, err := e.Repo.GetReputation(ctx, professionalID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Reputation{ProfessionalID: professionalID, Badges: []string{}}, nil
	}
	return rep, err
}
