package plan

import (
	"fmt"

	"github.com/clrke/ralph-web/internal/domain"
)

// Validate checks structural plan invariants: non-empty step ids, known
// statuses, parents that exist, and strictly increasing orderIndex within
// each sibling set.
func (p *Plan) Validate() error {
	ids := make(map[string]struct{}, len(p.Steps))
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.ID == "" {
			return fmt.Errorf("%w: step %d has empty id", domain.ErrValidation, i)
		}
		if _, dup := ids[s.ID]; dup {
			return fmt.Errorf("%w: duplicate step id %s", domain.ErrValidation, s.ID)
		}
		ids[s.ID] = struct{}{}
		if _, ok := stepRank[s.Status]; !ok {
			return fmt.Errorf("%w: step %s has unknown status %q", domain.ErrValidation, s.ID, s.Status)
		}
	}

	lastOrder := make(map[string]int) // parentID -> highest orderIndex seen
	seenParent := make(map[string]bool)
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.ParentID != "" {
			if _, ok := ids[s.ParentID]; !ok {
				return fmt.Errorf("%w: step %s references unknown parent %s", domain.ErrValidation, s.ID, s.ParentID)
			}
		}
		if seenParent[s.ParentID] && s.OrderIndex <= lastOrder[s.ParentID] {
			return fmt.Errorf("%w: orderIndex not strictly increasing among siblings of %q (step %s)",
				domain.ErrValidation, s.ParentID, s.ID)
		}
		seenParent[s.ParentID] = true
		lastOrder[s.ParentID] = s.OrderIndex
	}
	return nil
}

// ApplyStatus transitions one step, enforcing the monotonicity rule.
func (p *Plan) ApplyStatus(stepID string, to StepStatus) error {
	s := p.Step(stepID)
	if s == nil {
		return fmt.Errorf("%w: step %s", domain.ErrNotFound, stepID)
	}
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: step %s cannot move %s -> %s", domain.ErrConflict, stepID, s.Status, to)
	}
	s.Status = to
	return nil
}
