package query

import (
	"fmt"
	"strings"
)

const (
	MinVoterAge = 18
	MaxVoterAge = 120

	maxCodes       = 500
	maxCodeLen     = 32
	maxReligionLen = 64
)

// FilterSpec is the declarative predicate set of an export. Nil or empty
// fields do not constrain the result.
type FilterSpec struct {
	AreaCodes []string `json:"areaCodes,omitempty"`
	WardCodes []string `json:"wardCodes,omitempty"`
	Gender    *string  `json:"gender,omitempty"`
	MinAge    *int     `json:"minAge,omitempty"`
	MaxAge    *int     `json:"maxAge,omitempty"`
	HasPhone  *bool    `json:"hasPhone,omitempty"`
	Religion  *string  `json:"religion,omitempty"`
	VotedFlag *bool    `json:"votedFlag,omitempty"`
}

// Normalize returns the canonical form of f, or a ValidationError listing
// every bad field.
func (f FilterSpec) Normalize() (FilterSpec, error) {
	var errs fieldErrors
	out := FilterSpec{
		HasPhone:  f.HasPhone,
		VotedFlag: f.VotedFlag,
	}

	out.AreaCodes = normalizeCodes("areaCodes", f.AreaCodes, &errs)
	out.WardCodes = normalizeCodes("wardCodes", f.WardCodes, &errs)

	if f.Gender != nil {
		if g, ok := normalizeGender(*f.Gender); ok {
			out.Gender = &g
		} else {
			errs.add("gender", "must be one of M, F, T")
		}
	}

	for _, a := range []struct {
		field string
		in    *int
		out   **int
	}{{"minAge", f.MinAge, &out.MinAge}, {"maxAge", f.MaxAge, &out.MaxAge}} {
		if a.in == nil {
			continue
		}
		if *a.in < MinVoterAge || *a.in > MaxVoterAge {
			errs.add(a.field, fmt.Sprintf("must be between %d and %d", MinVoterAge, MaxVoterAge))
			continue
		}
		v := *a.in
		*a.out = &v
	}
	if out.MinAge != nil && out.MaxAge != nil && *out.MinAge > *out.MaxAge {
		errs.add("maxAge", "must not be less than minAge")
	}

	if f.Religion != nil {
		r := strings.TrimSpace(*f.Religion)
		switch {
		case r == "":
			errs.add("religion", "must not be blank")
		case len([]rune(r)) > maxReligionLen:
			errs.add("religion", fmt.Sprintf("must be at most %d characters", maxReligionLen))
		default:
			out.Religion = &r
		}
	}

	if err := errs.err(); err != nil {
		return FilterSpec{}, err
	}
	return out, nil
}

func normalizeCodes(field string, in []string, errs *fieldErrors) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.TrimSpace(c)
		if c == "" || len(c) > maxCodeLen {
			errs.add(field, fmt.Sprintf("codes must be 1-%d characters", maxCodeLen))
			return nil
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	if len(out) > maxCodes {
		errs.add(field, fmt.Sprintf("at most %d codes are allowed", maxCodes))
		return nil
	}
	return out
}

func normalizeGender(s string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "m", "male":
		return "M", true
	case "f", "female":
		return "F", true
	case "t", "o", "third", "other", "transgender":
		return "T", true
	}
	return "", false
}

// Describe renders the filters for humans, e.g. in report headers.
func (f FilterSpec) Describe() []string {
	var out []string
	if len(f.AreaCodes) > 0 {
		out = append(out, "Part No: "+strings.Join(f.AreaCodes, ", "))
	}
	if len(f.WardCodes) > 0 {
		out = append(out, "Ward: "+strings.Join(f.WardCodes, ", "))
	}
	if f.Gender != nil {
		out = append(out, "Gender: "+*f.Gender)
	}
	switch {
	case f.MinAge != nil && f.MaxAge != nil:
		out = append(out, fmt.Sprintf("Age: %d-%d", *f.MinAge, *f.MaxAge))
	case f.MinAge != nil:
		out = append(out, fmt.Sprintf("Age: %d+", *f.MinAge))
	case f.MaxAge != nil:
		out = append(out, fmt.Sprintf("Age: up to %d", *f.MaxAge))
	}
	if f.HasPhone != nil {
		out = append(out, "Has phone: "+yesNo(*f.HasPhone))
	}
	if f.Religion != nil {
		out = append(out, "Religion: "+*f.Religion)
	}
	if f.VotedFlag != nil {
		out = append(out, "Voted: "+yesNo(*f.VotedFlag))
	}
	return out
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
