package columns

import (
	"strings"

	"visitoverlay/internal/correlate"
)

const (
	FemaleMarker  = "Female Caregiver"
	MaleMarker    = "Male Caregiver"
	VitalPrefix   = "Vital"
	NoPreference  = "No preference"
	Missing       = "--"
	CarePlanLabel = "client centered information"
	CarePlanError = "Error"
)

// portlandDirections is scanned in order; every match is prepended, so several can stack.
var portlandDirections = []string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}

// CaregiverLabel derives the caregiver preference followed by the client's vital tags.
func CaregiverLabel(tags []string) string {
	var female, male bool
	var vitals []string
	for _, t := range tags {
		switch t {
		case FemaleMarker:
			female = true
		case MaleMarker:
			male = true
		}
		if strings.HasPrefix(t, VitalPrefix) {
			vitals = append(vitals, t)
		}
	}

	label := NoPreference
	switch {
	case female && !male:
		label = "Female only"
	case male && !female:
		label = "Male only"
	}
	return strings.Join(append([]string{label}, vitals...), ", ")
}

// CityLabel derives the city cell. Portland cities get the compass directions found in
// the street address as prefixes.
func CityLabel(city, address string) Value {
	if city == "" {
		return Value{Text: Missing, Muted: true}
	}
	if strings.Contains(strings.ToLower(city), "portland") {
		padded := " " + address + " "
		for _, dir := range portlandDirections {
			if strings.Contains(padded, " "+dir+" ") {
				city = dir + " " + city
			}
		}
	}
	return Value{Text: city}
}

// CarePlanSummary returns the description of the client centered information diagnosis.
func CarePlanSummary(plan *correlate.CarePlan) string {
	if plan == nil {
		return CarePlanError
	}
	for _, d := range plan.Diagnoses {
		if strings.ToLower(d.Name) == CarePlanLabel {
			if d.Description == "" {
				break
			}
			return d.Description
		}
	}
	return CarePlanError
}

func deriveTags(r *correlate.Row) Value {
	return Value{Text: CaregiverLabel(r.Client.Tags)}
}

func deriveCity(r *correlate.Row) Value {
	return CityLabel(r.Client.City, r.Client.Address)
}

func deriveCarePlan(r *correlate.Row) Value {
	return Value{Text: CarePlanSummary(r.CarePlan)}
}
