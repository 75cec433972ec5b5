package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"corridor-flows/internal/flow"
)

const (
	upsertDefinitionSQL = `INSERT INTO flow_definitions (
        id,
        asset,
        network,
        currency,
        payout_provider,
        pricing_provider,
        fixed_fee,
        percentage_fee,
        min_amount,
        max_amount,
        enabled,
        business_steps
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    )
    ON CONFLICT (id) DO UPDATE
    SET
        asset            = EXCLUDED.asset,
        network          = EXCLUDED.network,
        currency         = EXCLUDED.currency,
        payout_provider  = EXCLUDED.payout_provider,
        pricing_provider = EXCLUDED.pricing_provider,
        fixed_fee        = EXCLUDED.fixed_fee,
        percentage_fee   = EXCLUDED.percentage_fee,
        min_amount       = EXCLUDED.min_amount,
        max_amount       = EXCLUDED.max_amount,
        enabled          = EXCLUDED.enabled,
        business_steps   = EXCLUDED.business_steps,
        updated_at       = now();`

	disableActiveDefinitionSQL = `UPDATE flow_definitions
    SET enabled = false, updated_at = now()
    WHERE asset = $1
      AND network = $2
      AND currency = $3
      AND enabled
      AND id <> $4;`

	deleteStepsSQL = `DELETE FROM flow_steps WHERE definition_id = $1;`

	insertStepSQL = `INSERT INTO flow_steps (
        definition_id,
        step_order,
        step_type,
        completion_policy,
        config,
        signal_match
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    );`

	selectDefinitionColumns = `SELECT
        id,
        asset,
        network,
        currency,
        payout_provider,
        pricing_provider,
        fixed_fee::text,
        percentage_fee::text,
        min_amount::text,
        max_amount::text,
        enabled,
        business_steps,
        created_at,
        updated_at
    FROM flow_definitions`

	findDefinitionSQL       = selectDefinitionColumns + ` WHERE id = $1;`
	findActiveDefinitionSQL = selectDefinitionColumns + `
    WHERE asset = $1
      AND network = $2
      AND currency = $3
      AND enabled;`

	listStepsSQL = `SELECT
        step_order,
        step_type,
        completion_policy,
        config,
        signal_match
    FROM flow_steps
    WHERE definition_id = $1
    ORDER BY step_order;`
)

// SaveDefinition upserts the definition and its compiled steps in one transaction. An
// enabled definition first disables the corridor's previous active row.
func (s *Store) SaveDefinition(ctx context.Context, def *flow.Definition) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	business, err := json.Marshal(def.BusinessSteps)
	if err != nil {
		return fmt.Errorf("encode business steps: %w", err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save definition: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	c := def.Corridor
	if def.Enabled {
		if _, err := tx.Exec(ctx, disableActiveDefinitionSQL, string(c.Asset), string(c.Network), string(c.Currency), def.ID); err != nil {
			return fmt.Errorf("disable previous definition: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, upsertDefinitionSQL,
		def.ID,
		string(c.Asset),
		string(c.Network),
		string(c.Currency),
		string(c.PayoutProvider),
		c.PricingProvider,
		def.Fees.Fixed.String(),
		def.Fees.Percentage.String(),
		def.Fees.MinAmount.String(),
		def.Fees.MaxAmount.String(),
		def.Enabled,
		business,
	); err != nil {
		return fmt.Errorf("upsert definition: %w", err)
	}

	if _, err := tx.Exec(ctx, deleteStepsSQL, def.ID); err != nil {
		return fmt.Errorf("delete steps: %w", err)
	}

	for _, step := range def.Steps {
		cfg, err := json.Marshal(step.Config)
		if err != nil {
			return fmt.Errorf("encode step %d config: %w", step.StepOrder, err)
		}
		var match []byte
		if step.SignalMatch != nil {
			if match, err = json.Marshal(step.SignalMatch); err != nil {
				return fmt.Errorf("encode step %d signal match: %w", step.StepOrder, err)
			}
		}
		if _, err := tx.Exec(ctx, insertStepSQL,
			def.ID,
			step.StepOrder,
			string(step.StepType),
			string(step.CompletionPolicy),
			cfg,
			match,
		); err != nil {
			return fmt.Errorf("insert step %d: %w", step.StepOrder, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit definition: %w", err)
	}
	return nil
}

// FindDefinition loads a definition and its steps by id.
func (s *Store) FindDefinition(ctx context.Context, id string) (*flow.Definition, error) {
	return s.findDefinition(ctx, findDefinitionSQL, id)
}

// FindActiveDefinition loads the enabled definition for a corridor.
func (s *Store) FindActiveDefinition(ctx context.Context, asset flow.Asset, network flow.Network, currency flow.Asset) (*flow.Definition, error) {
	return s.findDefinition(ctx, findActiveDefinitionSQL, string(asset), string(network), string(currency))
}

func (s *Store) findDefinition(ctx context.Context, query string, args ...any) (*flow.Definition, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var (
		def                            flow.Definition
		asset, network, currency       string
		provider                       string
		fixed, pct, minAmount, maxAmnt string
		business                       []byte
	)
	err = pool.QueryRow(ctx, query, args...).Scan(
		&def.ID,
		&asset,
		&network,
		&currency,
		&provider,
		&def.Corridor.PricingProvider,
		&fixed,
		&pct,
		&minAmount,
		&maxAmnt,
		&def.Enabled,
		&business,
		&def.CreatedAt,
		&def.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, flow.ErrDefinitionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find definition: %w", err)
	}

	def.Corridor.Asset = flow.Asset(asset)
	def.Corridor.Network = flow.Network(network)
	def.Corridor.Currency = flow.Asset(currency)
	def.Corridor.PayoutProvider = flow.PayoutProvider(provider)

	if def.Fees, err = parseFees(fixed, pct, minAmount, maxAmnt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(business, &def.BusinessSteps); err != nil {
		return nil, fmt.Errorf("decode business steps: %w", err)
	}

	rows, err := pool.Query(ctx, listStepsSQL, def.ID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			step           flow.SystemStep
			stepType       string
			policy         string
			cfg, matchJSON []byte
		)
		if err := rows.Scan(&step.StepOrder, &stepType, &policy, &cfg, &matchJSON); err != nil {
			return nil, err
		}
		step.StepType = flow.StepType(stepType)
		step.CompletionPolicy = flow.CompletionPolicy(policy)
		if err := json.Unmarshal(cfg, &step.Config); err != nil {
			return nil, fmt.Errorf("decode step %d config: %w", step.StepOrder, err)
		}
		if len(matchJSON) > 0 {
			if err := json.Unmarshal(matchJSON, &step.SignalMatch); err != nil {
				return nil, fmt.Errorf("decode step %d signal match: %w", step.StepOrder, err)
			}
		}
		def.Steps = append(def.Steps, step)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return &def, nil
}

func parseFees(fixed, pct, minAmount, maxAmount string) (flow.Fees, error) {
	var fees flow.Fees
	var err error
	if fees.Fixed, err = decimal.NewFromString(fixed); err != nil {
		return fees, fmt.Errorf("parse fixed fee: %w", err)
	}
	if fees.Percentage, err = decimal.NewFromString(pct); err != nil {
		return fees, fmt.Errorf("parse percentage fee: %w", err)
	}
	if fees.MinAmount, err = decimal.NewFromString(minAmount); err != nil {
		return fees, fmt.Errorf("parse min amount: %w", err)
	}
	if fees.MaxAmount, err = decimal.NewFromString(maxAmount); err != nil {
		return fees, fmt.Errorf("parse max amount: %w", err)
	}
	return fees, nil
}
