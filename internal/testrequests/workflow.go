package testrequests

import "slices"

var transitions = map[Status][]Status{
	StatusPending:         {StatusSampleCollected, StatusCancelled},
	StatusSampleCollected: {StatusInProgress, StatusCancelled},
	StatusInProgress:      {StatusCompleted, StatusCancelled},
	StatusCompleted:       {StatusUnderReview, StatusCancelled},
	StatusUnderReview:     {StatusVerified, StatusRejected, StatusCancelled},
	StatusVerified:        {StatusReleased, StatusReopened},
	StatusReleased:        {StatusReopened},
	StatusReopened:        {StatusInProgress, StatusCancelled},
	StatusRejected:        {StatusInProgress, StatusCancelled},
}

var transitionPermissions = map[Status]string{
	StatusSampleCollected: "test_requests:collect",
	StatusInProgress:      "test_requests:process",
	StatusCompleted:       "test_requests:complete",
	StatusUnderReview:     "test_requests:review",
	StatusVerified:        "test_requests:verify",
	StatusReleased:        "test_requests:release",
	StatusReopened:        "test_requests:reopen",
	StatusCancelled:       "test_requests:cancel",
	StatusRejected:        "test_requests:reject",
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok || s == StatusCancelled
}

// Terminal reports whether s ends a flow: RELEASED for normal work and
// CANCELLED for aborted work. Released requests can still be reopened.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusCancelled
}

// Next lists the statuses reachable from s in one step.
func (s Status) Next() []Status {
	return slices.Clone(transitions[s])
}

// CanTransition reports whether from -> to is an edge of the workflow.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// CanCancel reports whether a request in s may still be cancelled.
func CanCancel(s Status) bool {
	return CanTransition(s, StatusCancelled)
}

// CanReopen reports whether verified work in s may be reopened.
func CanReopen(s Status) bool {
	return CanTransition(s, StatusReopened)
}

// CanEnterResults reports whether results may be written while in s.
func CanEnterResults(s Status) bool {
	return s == StatusInProgress || s == StatusReopened
}

// RequiredPermission returns the permission slug guarding moves into to.
func RequiredPermission(to Status) (string, bool) {
	perm, ok := transitionPermissions[to]
	return perm, ok
}

// TransitionPermissions lists every permission that guards some transition.
func TransitionPermissions() []string {
	perms := make([]string, 0, len(transitionPermissions))
	for _, p := range transitionPermissions {
		perms = append(perms, p)
	}
	slices.Sort(perms)
	return perms
}
