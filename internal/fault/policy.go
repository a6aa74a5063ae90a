package fault

import (
	"fmt"
	"sort"
	"strings"
)

// Action is what the pipeline does with an error of a given kind.
type Action int

const (
	ActionAbort Action = iota // stop the pipeline and exit with the kind's code
	ActionDrop                // log, count, discard the packet and continue
	ActionRetry               // re-attempt the same message with backoff
)

func (a Action) String() string {
	switch a {
	case ActionAbort:
		return "abort"
	case ActionDrop:
		return "drop"
	case ActionRetry:
		return "retry"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ParseAction converts "abort", "drop" or "retry" to an Action.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "abort":
		return ActionAbort, nil
	case "drop":
		return ActionDrop, nil
	case "retry":
		return ActionRetry, nil
	default:
		return ActionAbort, fmt.Errorf("fault: unknown action %q", s)
	}
}

// Policy maps error kinds to actions. Kinds missing from the map abort.
// The KindSink entry applies to retryable sink errors only; a sink error
// that is not retryable always aborts.
type Policy map[Kind]Action

// Policy names accepted by Named.
const (
	PolicyHardened = "hardened"
	PolicyStrict   = "strict"
)

// Hardened recovers per-message failures locally and aborts only on
// resource-level failures.
func Hardened() Policy {
	return Policy{
		KindBind:       ActionAbort,
		KindConnection: ActionAbort,
		KindDecode:     ActionDrop,
		KindOversize:   ActionDrop,
		KindSink:       ActionRetry,
		KindSocketRead: ActionAbort,
		KindSpool:      ActionAbort,
	}
}

// Strict aborts on every error, including a single malformed packet or a
// transient push failure.
func Strict() Policy {
	return Policy{
		KindBind:       ActionAbort,
		KindConnection: ActionAbort,
		KindDecode:     ActionAbort,
		KindOversize:   ActionAbort,
		KindSink:       ActionAbort,
		KindSocketRead: ActionAbort,
		KindSpool:      ActionAbort,
	}
}

// Named returns the policy called name.
func Named(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", PolicyHardened:
		return Hardened(), nil
	case PolicyStrict:
		return Strict(), nil
	default:
		return nil, fmt.Errorf("fault: unknown error policy %q", name)
	}
}

// Resolve returns the action for err.
func (p Policy) Resolve(err error) Action {
	if err == nil {
		return ActionDrop
	}
	kind := KindOf(err)
	if kind == KindSink && !IsRetryable(err) {
		return ActionAbort
	}
	if a, ok := p[kind]; ok {
		return a
	}
	return ActionAbort
}

// With returns a copy of p with overrides applied. Keys are kind names,
// values are action names, e.g. {"decode": "abort"}.
func (p Policy) With(overrides map[string]string) (Policy, error) {
	out := make(Policy, len(p))
	for k, a := range p {
		out[k] = a
	}
	for key, value := range overrides {
		kind, err := ParseKind(key)
		if err != nil {
			return nil, err
		}
		action, err := ParseAction(value)
		if err != nil {
			return nil, err
		}
		out[kind] = action
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// Validate rejects combinations the pipeline cannot honor: startup and spool
// failures can only abort, packets cannot be retried, and a dequeued message
// is never dropped.
func (p Policy) Validate() error {
	for kind, action := range p {
		switch kind {
		case KindBind, KindConnection, KindSpool:
			if action != ActionAbort {
				return fmt.Errorf("fault: %s errors must abort, got %s", kind, action)
			}
		case KindDecode, KindOversize, KindSocketRead:
			if action == ActionRetry {
				return fmt.Errorf("fault: %s errors cannot be retried", kind)
			}
		case KindSink:
			if action == ActionDrop {
				return fmt.Errorf("fault: sink errors cannot drop a dequeued message")
			}
		}
	}
	return nil
}

// String renders the table in a stable order, e.g. "bind=abort decode=drop".
func (p Policy) String() string {
	parts := make([]string, 0, len(p))
	for kind, action := range p {
		parts = append(parts, kind.String()+"="+action.String())
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
