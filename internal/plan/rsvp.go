package plan

// Status is the per-(plan, user) RSVP value. Absence from the ledger is
// equivalent to StatusNone.
type Status string

const (
	StatusNone    Status = "none"
	StatusGoing   Status = "going"
	StatusMaybe   Status = "maybe"
	StatusPending Status = "pending"
	StatusInvited Status = "invited"
)

// ValidStatus reports whether s is one of the known RSVP values.
func ValidStatus(s Status) bool {
	switch s {
	case StatusNone, StatusGoing, StatusMaybe, StatusPending, StatusInvited:
		return true
	}
	return false
}

type actionKind uint8

const (
	actionToggle actionKind = iota
	actionSet
)

// Action selects a state machine entry point: the quick-tap toggle cycle or
// an explicit status target from the detail-view picker.
type Action struct {
	kind   actionKind
	target Status
}

// Toggle is the cyclic quick-tap action.
func Toggle() Action { return Action{kind: actionToggle} }

// SetStatus targets one of {going, maybe, none} directly.
// Pending is not a public target; it is only reachable via the private-join
// gate inside Transition.
func SetStatus(target Status) Action { return Action{kind: actionSet, target: target} }

// Transition maps (current status, action) to the next RSVP status.
//
// It is total over its domain: there are no error paths. Unknown current
// values behave like StatusNone.
//
// Toggle cycle: none -> going (-> pending when private and not host) ->
// maybe -> none; pending -> none withdraws the request; invited -> going.
// Accepting an invite always grants immediate attendance because an invite
// is host-or-member-originated trust.
func Transition(current Status, act Action, isPrivate, isHost bool) Status {
	switch act.kind {
	case actionSet:
		switch act.target {
		case StatusGoing:
			if current == StatusInvited {
				return StatusGoing
			}
			return gatedGoing(isPrivate, isHost)
		case StatusMaybe, StatusNone:
			return act.target
		default:
			return current
		}

	default: // actionToggle
		switch current {
		case StatusGoing:
			return StatusMaybe
		case StatusMaybe:
			return StatusNone
		case StatusPending:
			return StatusNone
		case StatusInvited:
			return StatusGoing
		default: // StatusNone and unknown values
			return gatedGoing(isPrivate, isHost)
		}
	}
}

// gatedGoing applies the private-plan join gate: non-hosts never reach going
// directly on a private plan.
func gatedGoing(isPrivate, isHost bool) Status {
	if isPrivate && !isHost {
		return StatusPending
	}
	return StatusGoing
}
