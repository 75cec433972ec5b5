package executor

import "fmt"

// Kind is the variant of an Outcome.
type Kind string

const (
	KindWaiting   Kind = "waiting"
	KindSucceeded Kind = "succeeded"
	KindFailed    Kind = "failed"
)

// Reason is a machine readable cause of a failed step.
type Reason string

const (
	ReasonTransactionNotFound     Reason = "TransactionNotFound"
	ReasonMissingExternalID       Reason = "MissingExternalId"
	ReasonMalformedSignal         Reason = "MalformedSignal"
	ReasonTransitionRejected      Reason = "TransitionRejected"
	ReasonProviderReportedFailure Reason = "ProviderReportedFailure"
	ReasonProviderRequestFailed   Reason = "ProviderRequestFailed"
	ReasonProviderPending         Reason = "ProviderPending"
	ReasonExchangeRequestFailed   Reason = "ExchangeRequestFailed"
	ReasonWalletRequestFailed     Reason = "WalletRequestFailed"
	ReasonMissingConfig           Reason = "MissingConfig"
	ReasonUnexpectedStatus        Reason = "UnexpectedStatus"
)

// StepError is the failure carried by a failed Outcome.
type StepError struct {
	Reason  Reason
	Message string
}

func (e *StepError) Error() string {
	if e.Message == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func stepErr(reason Reason, format string, args ...any) *StepError {
	return &StepError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Outcome is the result of executing a step or handling a signal for it.
type Outcome struct {
	Kind Kind
	// Correlation is stored while waiting so later signals can be matched.
	Correlation map[string]string
	Output      map[string]any
	Err         *StepError
}

// Waiting keeps the step current until a matching signal arrives.
func Waiting(correlation map[string]string, output map[string]any) Outcome {
	return Outcome{Kind: KindWaiting, Correlation: correlation, Output: output}
}

// Succeeded advances the cursor to the next step.
func Succeeded(output map[string]any) Outcome {
	return Outcome{Kind: KindSucceeded, Output: output}
}

// Failed ends the attempt.
func Failed(err *StepError, output map[string]any) Outcome {
	return Outcome{Kind: KindFailed, Err: err, Output: output}
}

func (o Outcome) String() string {
	if o.Err != nil {
		return fmt.Sprintf("%s(%s)", o.Kind, o.Err.Reason)
	}
	return string(o.Kind)
}
