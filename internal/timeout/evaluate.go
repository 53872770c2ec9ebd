package timeout

import "time"

// Outcome is the result of evaluating one order against its policy.
type Outcome struct {
	Transition Transition
	Patch      StatusPatch
	// Archive is true when this transition crossed the archive threshold and
	// the order must be handed to the archival collaborator.
	Archive bool
}

// Evaluate computes the next timeout transition for an order at the given
// instant. It is a pure function: idempotency is carried by the order's own
// warning flag and timeout status, so re-evaluating an unchanged order yields
// no outcome. Returns false when no transition is due.
func Evaluate(o Timeoutable, p Policy, now time.Time) (Outcome, bool) {
	if !o.Open() {
		return Outcome{}, false
	}

	phase := o.Phase()
	elapsed := now.Sub(ReferenceTime(o))
	current := o.TimeoutStatus()

	if elapsed >= p.TimeoutFor(phase) {
		if current.IsTimeout() {
			return Outcome{}, false
		}
		return timeoutOutcome(o, p, phase, current, now), true
	}

	if elapsed >= p.WarningAfter(phase) && !o.WarningSent() && !current.IsTimeout() {
		return warningOutcome(o, phase, current, now), true
	}

	return Outcome{}, false
}

func warningOutcome(o Timeoutable, phase Phase, from Status, now time.Time) Outcome {
	to := WarningStatus(phase)
	sent := true
	return Outcome{
		Transition: Transition{
			OrderNumber:  o.OrderNumber(),
			OrderType:    o.Type(),
			From:         from,
			To:           to,
			Kind:         TransitionWarning,
			At:           now,
			TimeoutCount: o.TimeoutCount(),
			OwnerID:      o.OwnerID(),
			HandlerID:    o.HandlerID(),
			Severity:     to.Severity(),
		},
		Patch: StatusPatch{
			Status:      to,
			WarningSent: &sent,
		},
	}
}

func timeoutOutcome(o Timeoutable, p Policy, phase Phase, from Status, now time.Time) Outcome {
	to := TimeoutStatus(phase)
	count := o.TimeoutCount() + 1

	kind := TransitionTimeout
	patch := StatusPatch{
		Status:            to,
		TimeoutCountDelta: 1,
	}

	archive := false
	if count >= p.ArchiveThreshold {
		kind = TransitionIntervention
		archive = true
		if o.InterventionAt() == nil {
			at := now
			patch.InterventionAt = &at
		}
	}

	return Outcome{
		Transition: Transition{
			OrderNumber:  o.OrderNumber(),
			OrderType:    o.Type(),
			From:         from,
			To:           to,
			Kind:         kind,
			At:           now,
			TimeoutCount: count,
			OwnerID:      o.OwnerID(),
			HandlerID:    o.HandlerID(),
			Severity:     to.Severity(),
		},
		Patch:   patch,
		Archive: archive,
	}
}
