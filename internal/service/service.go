package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"tillpoint/backend/internal/cart"
	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/notify"
	"tillpoint/backend/internal/store"
	"tillpoint/backend/internal/xid"
)

var (
	ErrForbidden       = errors.New("admin role required")
	ErrEmptyCart       = fmt.Errorf("cart is empty: %w", store.ErrInvalidTransaction)
	ErrInvalidTerminal = fmt.Errorf("terminal id required: %w", store.ErrInvalidTransaction)
	ErrUnknownScope    = fmt.Errorf("unknown system type: %w", store.ErrInvalidTransaction)

	// ErrOutcomeUnknown means a checkout lost contact with storage while taking stock or writing
	// the sale, so stock or the sale may or may not exist. Clients should look the sale up by
	// commit key before retrying.
	ErrOutcomeUnknown = errors.New("checkout outcome unknown")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Views answers aggregate questions. The refresher implements it with a stale fallback.
type Views interface {
	Metrics(ctx context.Context, scope domain.SystemType) (domain.Metrics, bool, error)
	Resupply(ctx context.Context) (domain.ResupplyFund, bool, error)
	Current() domain.View
}

type Recorder interface {
	ObserveCheckout(result string)
	ObserveCompensation(ok bool)
	ObserveVoid()
}

type Deps struct {
	Repo            store.Repository
	Carts           *cart.Registry
	Publisher       notify.Publisher
	Views           Views
	Recorder        Recorder
	Logger          *zap.Logger
	DefaultSystem   domain.SystemType
	CheckoutTimeout time.Duration
}

type Service struct {
	repo            store.Repository
	carts           *cart.Registry
	publisher       notify.Publisher
	views           Views
	recorder        Recorder
	logger          *zap.Logger
	defaultSystem   domain.SystemType
	checkoutTimeout time.Duration
	now             func() time.Time
}

func New(deps Deps) *Service {
	if deps.Carts == nil {
		deps.Carts = cart.NewRegistry()
	}
	if deps.Publisher == nil {
		deps.Publisher = notify.NewHub("local", deps.Logger)
	}
	if deps.Views == nil {
		deps.Views = snapshotViews{repo: deps.Repo}
	}
	if deps.Recorder == nil {
		deps.Recorder = noopRecorder{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if !deps.DefaultSystem.Valid() {
		deps.DefaultSystem = domain.SystemRetail
	}
	if deps.CheckoutTimeout <= 0 {
		deps.CheckoutTimeout = 10 * time.Second
	}

	return &Service{
		repo:            deps.Repo,
		carts:           deps.Carts,
		publisher:       deps.Publisher,
		views:           deps.Views,
		recorder:        deps.Recorder,
		logger:          deps.Logger.Named("service"),
		defaultSystem:   deps.DefaultSystem,
		checkoutTimeout: deps.CheckoutTimeout,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Carts exposes the terminal carts so change notifications can refresh their product data.
func (s *Service) Carts() *cart.Registry {
	return s.carts
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if err := s.requireAdmin(ctx); err != nil {
		return nil, err
	}

	day := s.now()
	if date != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.ErrInvalidTransaction
		}
		day = parsed
	}
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	return s.repo.ListAuditLogs(ctx, from, from.Add(24*time.Hour), limit)
}

func (s *Service) requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return ErrForbidden
	}
	return nil
}

// publish tells every terminal that tables changed. The write already committed, so a failed
// publish is only logged; database triggers and the next refresh cover the gap.
func (s *Service) publish(ctx context.Context, tables ...domain.Table) {
	if err := s.publisher.Publish(context.WithoutCancel(ctx), tables...); err != nil {
		s.logger.Warn("publish change failed", zap.Any("tables", tables), zap.Error(err))
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(context.WithoutCancel(ctx), domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.logger.Warn("write audit log failed",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err),
		)
	}
}

func normalizeTerminal(terminalID string) (string, error) {
	terminalID = strings.TrimSpace(terminalID)
	if terminalID == "" || len(terminalID) > 64 {
		return "", ErrInvalidTerminal
	}
	return terminalID, nil
}

type noopRecorder struct{}

func (noopRecorder) ObserveCheckout(string)   {}
func (noopRecorder) ObserveCompensation(bool) {}
func (noopRecorder) ObserveVoid()             {}
