package catalog

import (
	"sort"
	"strings"

	"horizon-workflow/internal/models"
)

// compulsoryNames are steps that may never be optional or appear after optional work.
var compulsoryNames = []string{"prepress", "material procurement", "material issuance"}

// NormalizeProductType folds a product type into its catalog key: "Heat Transfer" -> "heat_transfer".
func NormalizeProductType(pt string) string {
	pt = strings.ToLower(strings.TrimSpace(pt))
	pt = strings.NewReplacer(" ", "_", "-", "_").Replace(pt)
	return pt
}

// IsCompulsoryName reports whether name is one of the always-compulsory steps.
func IsCompulsoryName(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, c := range compulsoryNames {
		if n == c {
			return true
		}
	}
	return false
}

// Validate checks the authoring invariants of a sequence and returns a normalized copy with steps
// sorted by order:
//   - order values are exactly 1..N
//   - names and departments are present, names are unique
//   - well-known compulsory steps are flagged compulsory
//   - every compulsory step precedes every optional step
func Validate(seq models.ProcessSequence) (models.ProcessSequence, error) {
	out := seq
	out.ProductType = NormalizeProductType(seq.ProductType)
	if out.ProductType == "" {
		return out, models.Errorf(models.ErrValidation, "product type is required")
	}
	if len(seq.Steps) == 0 {
		return out, models.Errorf(models.ErrValidation, "sequence %q has no steps", out.ProductType)
	}

	steps := make([]models.ProcessStep, len(seq.Steps))
	copy(steps, seq.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	seen := make(map[string]int, len(steps))
	optionalSeen := ""
	for i := range steps {
		st := &steps[i]
		st.Name = strings.TrimSpace(st.Name)
		st.Department = strings.TrimSpace(st.Department)

		if st.Order != i+1 {
			return out, models.Errorf(models.ErrValidation, "step orders must be 1..%d without gaps or duplicates (position %d has order %d)", len(steps), i+1, st.Order)
		}
		if st.Name == "" || st.Department == "" {
			return out, models.Errorf(models.ErrValidation, "step %d needs a name and a department", st.Order)
		}
		key := strings.ToLower(st.Name)
		if prev, dup := seen[key]; dup {
			return out, models.Errorf(models.ErrValidation, "step name %q used by orders %d and %d", st.Name, prev, st.Order)
		}
		seen[key] = st.Order

		if IsCompulsoryName(st.Name) && !st.IsCompulsory {
			return out, models.Errorf(models.ErrValidation, "step %q must be compulsory", st.Name)
		}
		if !st.IsCompulsory {
			if optionalSeen == "" {
				optionalSeen = st.Name
			}
			continue
		}
		if optionalSeen != "" {
			return out, models.Errorf(models.ErrValidation, "compulsory step %q follows optional step %q", st.Name, optionalSeen)
		}
	}

	out.Steps = steps
	if out.Name == "" {
		out.Name = out.ProductType
	}
	return out, nil
}
