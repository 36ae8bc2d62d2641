package policy

import (
	"context"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/kubefreezer/kubefreezer/internal/clock"
	"github.com/kubefreezer/kubefreezer/internal/config"
	"github.com/kubefreezer/kubefreezer/internal/exemption"
	"github.com/kubefreezer/kubefreezer/internal/history"
	"github.com/kubefreezer/kubefreezer/internal/observability"
	"github.com/kubefreezer/kubefreezer/internal/schedule"
)

// Evaluator implements the eight-step decision algorithm. Config and
// Schedules are read-only from the evaluator's point of view; the
// config watcher is their sole writer. The evaluator writes only through
// Exemptions.Matches (which marks a resource-specific exemption used)
// and History.Append.
type Evaluator struct {
	Clock      clock.Clock
	Config     *config.Cache
	Schedules  *schedule.Engine
	Exemptions *exemption.Store
	History    *history.Recorder
	Log        logr.Logger
}

func (e *Evaluator) now(in Input) time.Time {
	if !in.Now.IsZero() {
		return in.Now
	}
	if e.Clock != nil {
		return e.Clock.Now()
	}
	return time.Now().UTC()
}

func (e *Evaluator) logger() logr.Logger {
	return e.Log
}

// Evaluate runs the ordered bypass/deny chain and always returns a
// fully-formed Decision; internal failures are folded into
// CategoryInternalError and the configured fail-closed rule rather than
// returned as an error, so a bug here never surfaces a stack trace in
// the admission response. If ctx has already expired when Evaluate is
// called, that counts as an internal error too.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) Decision {
	start := time.Now()
	defer func() {
		observability.EvaluationDuration.Observe(time.Since(start).Seconds())
	}()

	cfg := e.Config.Snapshot()
	now := e.now(in)

	if err := ctx.Err(); err != nil {
		return e.internalError(in, cfg, now, "evaluation deadline exceeded")
	}

	// Step 1: kind filter.
	if !cfg.IsMonitoredKind(in.Kind) {
		return e.decide(in, now, Decision{Allowed: true, Category: CategoryNotMonitored, Reason: "kind is not monitored"})
	}

	// Step 2: operation filter.
	if in.Operation != OperationCreate && in.Operation != OperationUpdate {
		return e.decide(in, now, Decision{Allowed: true, Category: CategoryNotMonitored, Reason: "operation is not inspected"})
	}

	// Step 3: annotation bypass.
	if bypassed, reason := annotationBypass(in.Annotations, cfg.BypassAnnotationKey, cfg.BypassReasonKey); bypassed {
		return e.decide(in, now, Decision{Allowed: true, Category: CategoryBypassAnnotation, Reason: reason})
	}

	// Step 4: user allowlist.
	if cfg.IsAllowedUser(in.User, in.Groups) {
		return e.decide(in, now, Decision{Allowed: true, Category: CategoryBypassUser, Reason: "requester is on the bypass allowlist"})
	}

	// Step 5: namespace exemption.
	if cfg.IsExemptNamespace(in.Namespace) {
		return e.decide(in, now, Decision{Allowed: true, Category: CategoryBypassNamespace, Reason: "namespace is permanently exempt"})
	}

	// Step 6: temporary exemption.
	if e.Exemptions != nil {
		if ex, ok := e.Exemptions.Matches(in.Namespace, in.ResourceName, now); ok {
			observability.ExemptionOverrides.WithLabelValues(in.Namespace).Inc()
			reason := ex.Reason
			if reason == "" {
				reason = "temporary exemption granted"
			}
			return e.decide(in, now, Decision{Allowed: true, Category: CategoryBypassExemption, Reason: reason})
		}
	}

	// Step 7: active freeze check (manual override first, then schedules).
	if cfg.ManualFreezeActive(now) {
		var next *time.Time
		if cfg.FreezeUntil != nil {
			t := *cfg.FreezeUntil
			next = &t
		}
		return e.decide(in, now, Decision{
			Allowed:         false,
			Category:        CategoryFrozen,
			Reason:          cfg.FreezeMessage,
			NextAllowedTime: next,
		})
	}

	if e.Schedules != nil {
		if active, matches := e.Schedules.IsActive(now, in.Namespace); active {
			return e.decide(in, now, Decision{
				Allowed:  false,
				Category: CategoryFrozen,
				Reason:   schedule.Message(matches),
			})
		}
	}

	// Step 8: default allow.
	return e.decide(in, now, Decision{Allowed: true, Category: CategoryNoFreeze, Reason: "no freeze is active"})
}

// annotationBypass checks the emergency bypass annotation.
func annotationBypass(annotations map[string]string, key, reasonKey string) (bool, string) {
	if key == "" || annotations == nil {
		return false, ""
	}
	v, ok := annotations[key]
	if !ok || !strings.EqualFold(v, "true") {
		return false, ""
	}
	reason := "emergency bypass annotation present"
	if reasonKey != "" {
		if r, ok := annotations[reasonKey]; ok && r != "" {
			reason = r
		}
	}
	return true, reason
}

// decide records the history event and metric for a terminal decision
// and returns it.
func (e *Evaluator) decide(in Input, now time.Time, dec Decision) Decision {
	observability.AdmissionDecisions.WithLabelValues(string(dec.Category), in.Namespace, in.Kind).Inc()

	if e.History != nil {
		if eventType, ok := historyEventType(dec); ok {
			e.History.Append(history.AppendInput{
				EventType:    eventType,
				Reason:       dec.Reason,
				TriggeredBy:  in.User,
				Namespace:    in.Namespace,
				ResourceName: in.ResourceName,
				Now:          now,
			})
		}
	}

	e.logger().V(1).Info("admission decision",
		"allowed", dec.Allowed, "category", dec.Category,
		"namespace", in.Namespace, "kind", in.Kind, "user", in.User)

	return dec
}

// historyEventType maps a Decision's Category onto a history event
// type. NOT_MONITORED and NO_FREEZE have no corresponding event type:
// a request that was never subject to a freeze shouldn't produce a
// deny event, and there's no generic allow event either, so the
// ordinary pass-through path is silently un-recorded by design — only
// categorized bypasses, denials, and errors are recorded.
func historyEventType(dec Decision) (history.EventType, bool) {
	switch dec.Category {
	case CategoryBypassAnnotation:
		return history.EventRequestBypassedAnnot, true
	case CategoryBypassUser:
		return history.EventRequestBypassedUser, true
	case CategoryBypassNamespace:
		return history.EventRequestBypassedNS, true
	case CategoryBypassExemption:
		return history.EventRequestBypassedExemption, true
	case CategoryFrozen:
		return history.EventRequestDenied, true
	case CategoryInternalError:
		return history.EventEvaluatorError, true
	default:
		return "", false
	}
}

// internalError applies the configured fail-closed rule: fail_closed
// true denies, false allows, and an EVALUATOR_ERROR history event is
// always recorded either way.
func (e *Evaluator) internalError(in Input, cfg config.Configuration, now time.Time, reason string) Decision {
	dec := Decision{Category: CategoryInternalError, Reason: reason, Allowed: !cfg.FailClosed}

	observability.AdmissionDecisions.WithLabelValues(string(dec.Category), in.Namespace, in.Kind).Inc()
	if e.History != nil {
		e.History.Append(history.AppendInput{
			EventType:    history.EventEvaluatorError,
			Reason:       reason,
			TriggeredBy:  in.User,
			Namespace:    in.Namespace,
			ResourceName: in.ResourceName,
			Now:          now,
		})
	}
	e.logger().Error(nil, "evaluator internal error", "reason", reason, "failClosed", cfg.FailClosed, "namespace", in.Namespace)
	return dec
}
