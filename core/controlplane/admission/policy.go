package admission

import "fmt"

// Policy decides whether an identity may run a job request.
type Policy struct {
	levels map[string]int
}

// NewPolicy builds a policy from the required access level per aggregation level.
func NewPolicy(levels map[string]int) *Policy {
	copied := make(map[string]int, len(levels))
	for k, v := range levels {
		copied[k] = v
	}
	return &Policy{levels: copied}
}

// RequiredLevel returns the access level req needs. Direct jobs need none.
func (p *Policy) RequiredLevel(req *JobRequest) (int, bool) {
	if req.Algorithm == nil {
		return 0, true
	}
	level, ok := p.levels[req.Algorithm.AggregationLevel]
	return level, ok
}

// Authorize grants admins everything and everyone else the capabilities they
// hold, at aggregation levels their access level covers.
func (p *Policy) Authorize(id Identity, req *JobRequest) error {
	if id.IsAdmin() {
		return nil
	}
	if !id.Has(req.Capability()) {
		return newError(KindUnauthorized, msgNotAuthorized).with("reason", "capability")
	}
	required, ok := p.RequiredLevel(req)
	if !ok {
		return newError(KindUnauthorized, msgNotAuthorized).with("reason", "aggregation_level")
	}
	if id.AccessLevel < required {
		return newError(KindUnauthorized, msgNotAuthorized).
			with("reason", fmt.Sprintf("access_level<%d", required))
	}
	return nil
}
