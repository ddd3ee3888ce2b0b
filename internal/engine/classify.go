package engine

import (
	"context"
	"errors"

	"github.com/quaystone/tradeflow/pkg/dsl"
)

// Classification is the (category, code, message) triple every node or
// execution failure resolves into.
type Classification struct {
	Category dsl.FailureCategory
	Code     string
	Message  string
}

// Classify maps any error into a Classification. Deterministic and total:
// every input produces a classification, nothing passes through unclassified.
// Unknown or unstructured errors classify as EXECUTOR/NODE_EXECUTOR_ERROR.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Category: dsl.FailureInternal, Code: dsl.CodeInternal, Message: "classified nil error"}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Category: dsl.FailureTimeout, Code: dsl.CodeNodeTimeout, Message: err.Error()}
	}
	if errors.Is(err, context.Canceled) {
		return Classification{Category: dsl.FailureCanceled, Code: dsl.CodeExecutionCanceled, Message: err.Error()}
	}

	var ee *dsl.EngineError
	if errors.As(err, &ee) {
		cat := ee.Category
		if cat == "" {
			cat = categoryForCode(ee.Code)
		}
		return Classification{Category: cat, Code: ee.Code, Message: ee.Message}
	}

	return Classification{Category: dsl.FailureExecutor, Code: dsl.CodeNodeExecutorError, Message: err.Error()}
}

func categoryForCode(code string) dsl.FailureCategory {
	switch code {
	case dsl.CodeNodeTimeout:
		return dsl.FailureTimeout
	case dsl.CodeExecutionCanceled:
		return dsl.FailureCanceled
	case dsl.CodeNodeExecutorError, dsl.CodeNodeExecutorFailed,
		dsl.CodeBindingUnresolved, dsl.CodeExecutorMissing,
		dsl.CodeSubflowDepth, dsl.CodeSubflowCycle, dsl.CodeConditionInvalid:
		return dsl.FailureExecutor
	default:
		return dsl.FailureInternal
	}
}

// IsRetryable reports whether a failure is worth another attempt.
// Cancellation never retries; neither do defects that no retry can fix
// (unresolved bindings, missing executors, subflow guard violations).
func IsRetryable(c Classification) bool {
	if c.Category == dsl.FailureCanceled {
		return false
	}
	switch c.Code {
	case dsl.CodeBindingUnresolved, dsl.CodeExecutorMissing, dsl.CodeDslInvalid,
		dsl.CodeSubflowDepth, dsl.CodeSubflowCycle, dsl.CodeConditionInvalid:
		return false
	}
	return true
}
