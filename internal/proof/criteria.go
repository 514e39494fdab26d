package proof

import "go.pilab.hu/verifybot/instagram"

// Criterion names, reported in Outcome.FailedCriteria.
const (
	CriterionMinFollowers = "minFollowers"
	CriterionMinFollowing = "minFollowing"
	CriterionAccountAge   = "accountAge"
)

// Criterion is a named eligibility predicate over a public profile.
type Criterion struct {
	Name     string
	Message  string
	Evaluate func(*instagram.UserInfo) bool
}

// AccountAgeCriterion describes the account age requirement. The platform does
// not expose account creation dates, so it has no predicate and is not part of
// DefaultCriteria; it exists so its message can still be rendered.
var AccountAgeCriterion = Criterion{
	Name:    CriterionAccountAge,
	Message: "Account must be older than 30 days",
}

// DefaultCriteria returns the evaluated eligibility rules in reporting order.
func DefaultCriteria() []Criterion {
	return []Criterion{
		{
			Name:     CriterionMinFollowers,
			Message:  "At least 10 followers",
			Evaluate: func(p *instagram.UserInfo) bool { return p.FollowerCount >= 10 },
		},
		{
			Name:     CriterionMinFollowing,
			Message:  "You must follow at least 5 profiles",
			Evaluate: func(p *instagram.UserInfo) bool { return p.FollowingCount >= 5 },
		},
	}
}

// CriterionMessage returns the requirement text for a criterion name, or "".
func CriterionMessage(name string) string {
	for _, c := range append(DefaultCriteria(), AccountAgeCriterion) {
		if c.Name == name {
			return c.Message
		}
	}
	return ""
}

// failedCriteria returns the names of every evaluated criterion profile fails, in order.
func failedCriteria(criteria []Criterion, profile *instagram.UserInfo) []string {
	var failed []string
	for _, c := range criteria {
		if c.Evaluate == nil {
			continue
		}
		if !c.Evaluate(profile) {
			failed = append(failed, c.Name)
		}
	}
	return failed
}
