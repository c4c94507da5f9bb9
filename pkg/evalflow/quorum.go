package evalflow

import "sort"

// DefaultRequiredApprovals is the default quorum size.
const DefaultRequiredApprovals = 3

// EvaluateQuorum checks a set of recorded approvals against the registered
// approver list. Duplicate approvals count once; approvals from unknown
// principals are reported but never count toward quorum.
func EvaluateQuorum(approvals []string, approvers []string, required int) Quorum {
	if required <= 0 {
		required = DefaultRequiredApprovals
	}
	registered := make(map[string]bool, len(approvers))
	for _, id := range approvers {
		registered[id] = true
	}

	seen := make(map[string]bool)
	var unique, invalid []string
	for _, id := range approvals {
		if seen[id] {
			continue
		}
		seen[id] = true
		if registered[id] {
			unique = append(unique, id)
		} else {
			invalid = append(invalid, id)
		}
	}
	sort.Strings(unique)
	sort.Strings(invalid)

	missing := required - len(unique)
	if missing < 0 {
		missing = 0
	}
	return Quorum{
		HasQuorum:        len(unique) >= required,
		UniqueApprovers:  unique,
		MissingApprovals: missing,
		InvalidApprovers: invalid,
	}
}
