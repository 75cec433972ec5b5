package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrDefinitionNotFound is returned when no definition matches a lookup.
var ErrDefinitionNotFound = errors.New("flow definition not found")

// DefinitionStore persists flow definitions. Definitions are immutable once saved: an
// enabled definition saved by SaveDefinition disables the corridor's previous active one
// atomically, so transactions bound to the old id keep their plan.
type DefinitionStore interface {
	SaveDefinition(ctx context.Context, def *Definition) error
	FindDefinition(ctx context.Context, id string) (*Definition, error)
	FindActiveDefinition(ctx context.Context, asset Asset, network Network, currency Asset) (*Definition, error)
}

// CorridorSpec is the operator-authored description of a corridor.
type CorridorSpec struct {
	Corridor Corridor       `mapstructure:"corridor"`
	Fees     Fees           `mapstructure:"fees"`
	Enabled  bool           `mapstructure:"enabled"`
	Steps    []BusinessStep `mapstructure:"steps"`
}

// Service compiles corridor specs and stores the resulting definitions.
type Service struct {
	store  DefinitionStore
	logger zerolog.Logger
	now    func() time.Time
}

// NewService constructs a corridor definition service.
func NewService(store DefinitionStore, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger.With().Str("component", "flow_service").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Build compiles spec into an unsaved definition.
func Build(spec CorridorSpec) (*Definition, error) {
	steps, err := Compile(spec.Steps, spec.Corridor)
	if err != nil {
		return nil, err
	}
	return &Definition{
		Corridor:      spec.Corridor,
		Fees:          spec.Fees,
		Enabled:       spec.Enabled,
		BusinessSteps: append([]BusinessStep(nil), spec.Steps...),
		Steps:         steps,
	}, nil
}

// Define compiles spec into a new definition that supersedes the corridor's active one.
// In-flight transactions stay on the definition they were opened with.
func (s *Service) Define(ctx context.Context, spec CorridorSpec) (*Definition, error) {
	def, err := Build(spec)
	if err != nil {
		return nil, err
	}

	var previous string
	existing, err := s.store.FindActiveDefinition(ctx, spec.Corridor.Asset, spec.Corridor.Network, spec.Corridor.Currency)
	switch {
	case err == nil:
		previous = existing.ID
	case errors.Is(err, ErrDefinitionNotFound):
	default:
		return nil, fmt.Errorf("lookup corridor definition: %w", err)
	}

	now := s.now()
	def.ID = uuid.NewString()
	def.CreatedAt = now
	def.UpdatedAt = now

	if err := s.store.SaveDefinition(ctx, def); err != nil {
		return nil, fmt.Errorf("save corridor definition: %w", err)
	}

	s.logger.Info().
		Str("definition_id", def.ID).
		Str("superseded_id", previous).
		Str("asset", string(def.Corridor.Asset)).
		Str("network", string(def.Corridor.Network)).
		Str("currency", string(def.Corridor.Currency)).
		Int("steps", len(def.Steps)).
		Msg("corridor definition saved")
	return def, nil
}
