package flow

// buildState tracks which asset the corridor funds are held in and where.
type buildState struct {
	asset    Asset
	location Venue
}

// Compile expands business steps into an ordered system step plan numbered from 1.
// It performs no I/O; on error no partial plan is returned.
func Compile(steps []BusinessStep, corridor Corridor) ([]SystemStep, error) {
	if len(steps) == 0 {
		return nil, invalid(InvalidStepOrder, -1, "at least one step is required")
	}
	if steps[0].Type != BusinessPayout {
		return nil, invalid(InvalidStepOrder, 0, "first step must be %s, got %s", BusinessPayout, steps[0].Type)
	}
	for i := 1; i < len(steps); i++ {
		if steps[i].Type == BusinessPayout {
			return nil, invalid(InvalidStepOrder, i, "%s may only appear as the first step", BusinessPayout)
		}
	}

	out := make([]SystemStep, 0, len(steps)*2)
	out = append(out, SystemStep{
		StepType:         StepPayoutSend,
		CompletionPolicy: PolicySync,
		Config: StepConfig{
			ConfigProvider: string(corridor.PayoutProvider),
			ConfigCurrency: string(corridor.Currency),
		},
	})
	if corridor.PayoutProvider.IsAsync() {
		out = append(out, SystemStep{
			StepType:         StepAwaitProviderStatus,
			CompletionPolicy: PolicyAwaitEvent,
			Config:           StepConfig{ConfigProvider: string(corridor.PayoutProvider)},
			SignalMatch:      map[string]string{ConfigProvider: string(corridor.PayoutProvider)},
		})
	}

	state := buildState{asset: corridor.Asset, location: VenueHotWallet}
	for i := 1; i < len(steps); i++ {
		emitted, err := compileStep(i, steps[i], corridor, &state)
		if err != nil {
			return nil, err
		}
		out = append(out, emitted...)
	}

	for i := range out {
		out[i].StepOrder = i + 1
	}
	return out, nil
}

func compileStep(idx int, step BusinessStep, corridor Corridor, state *buildState) ([]SystemStep, error) {
	switch step.Type {
	case BusinessMoveToExchange:
		return compileMove(idx, step, corridor, state)
	case BusinessConvert:
		return compileConvert(idx, step, corridor, state)
	case BusinessTransferVenue:
		return compileTransfer(idx, step, state)
	case BusinessPayout:
		return nil, invalid(UnexpectedPayout, idx, "payout reached step compilation")
	default:
		return nil, invalid(UnknownStepType, idx, "unknown step type %q", step.Type)
	}
}

func compileMove(idx int, step BusinessStep, corridor Corridor, state *buildState) ([]SystemStep, error) {
	if state.location != VenueHotWallet {
		return nil, invalid(InvalidPrecondition, idx, "funds must be in %s to move to an exchange, they are in %s", VenueHotWallet, state.location)
	}
	if !step.Venue.IsExchange() {
		return nil, invalid(InvalidPrecondition, idx, "%q is not an exchange", step.Venue)
	}

	emitted := []SystemStep{
		{
			StepType:         StepExchangeSend,
			CompletionPolicy: PolicySync,
			Config: StepConfig{
				ConfigVenue:   string(step.Venue),
				ConfigAsset:   string(state.asset),
				ConfigNetwork: string(corridor.Network),
			},
		},
		awaitBalance(step.Venue, state.asset),
	}
	state.location = step.Venue
	return emitted, nil
}

func compileConvert(idx int, step BusinessStep, corridor Corridor, state *buildState) ([]SystemStep, error) {
	if state.location != step.Venue {
		return nil, invalid(InvalidPrecondition, idx, "convert on %s requires funds there, they are in %s", step.Venue, state.location)
	}
	if state.asset != step.FromAsset {
		return nil, invalid(InvalidPrecondition, idx, "convert expects %s, funds are held in %s", step.FromAsset, state.asset)
	}
	if step.FromAsset == step.ToAsset {
		return nil, invalid(InvalidConversion, idx, "cannot convert %s into itself", step.FromAsset)
	}
	if step.Venue == FiatSettlementVenue {
		if step.ToAsset != corridor.Currency {
			return nil, invalid(InvalidConversion, idx, "%s conversions must target %s, got %s", FiatSettlementVenue, corridor.Currency, step.ToAsset)
		}
		if !step.FromAsset.IsCrypto() {
			return nil, invalid(InvalidConversion, idx, "%s conversions must start from a crypto asset, got %s", FiatSettlementVenue, step.FromAsset)
		}
	}

	state.asset = step.ToAsset
	return []SystemStep{{
		StepType:         StepExchangeConvert,
		CompletionPolicy: PolicySync,
		Config: StepConfig{
			ConfigVenue:     string(step.Venue),
			ConfigFromAsset: string(step.FromAsset),
			ConfigToAsset:   string(step.ToAsset),
		},
	}}, nil
}

func compileTransfer(idx int, step BusinessStep, state *buildState) ([]SystemStep, error) {
	if state.location != step.FromVenue || state.asset != step.Asset {
		return nil, invalid(InvalidPrecondition, idx, "transfer of %s from %s, funds are %s in %s", step.Asset, step.FromVenue, state.asset, state.location)
	}
	if step.FromVenue == step.ToVenue {
		return nil, invalid(InvalidPrecondition, idx, "transfer source and destination are both %s", step.FromVenue)
	}
	if !transferSources[step.FromVenue] {
		return nil, invalid(UnsupportedTransferSource, idx, "transfers from %s are not supported", step.FromVenue)
	}
	if !step.ToVenue.IsExchange() {
		return nil, invalid(InvalidPrecondition, idx, "%q is not an exchange", step.ToVenue)
	}

	emitted := []SystemStep{
		{
			StepType:         StepTreasuryTransfer,
			CompletionPolicy: PolicySync,
			Config: StepConfig{
				ConfigFromVenue: string(step.FromVenue),
				ConfigToVenue:   string(step.ToVenue),
				ConfigAsset:     string(step.Asset),
			},
		},
		awaitBalance(step.ToVenue, step.Asset),
	}
	state.location = step.ToVenue
	return emitted, nil
}

func awaitBalance(venue Venue, asset Asset) SystemStep {
	return SystemStep{
		StepType:         StepAwaitExchangeBalance,
		CompletionPolicy: PolicyAwaitEvent,
		Config: StepConfig{
			ConfigVenue: string(venue),
			ConfigAsset: string(asset),
		},
		SignalMatch: map[string]string{ConfigVenue: string(venue)},
	}
}
