package comparison

import "strings"

// matched in order, first hit wins
var recommendations = []struct {
	keywords []string
	text     string
}{
	{[]string{"refrigerant", "f-gas", "hvac leak"}, "Run leak detection and move to low-GWP refrigerants"},
	{[]string{"electric", "grid", "power"}, "Switch to renewable electricity through a green tariff or PPA"},
	{[]string{"heat", "natural gas", "boiler", "steam"}, "Electrify heating with heat pumps and improve building insulation"},
	{[]string{"fleet", "vehicle", "fuel", "diesel", "petrol"}, "Transition the fleet to electric vehicles and optimize routes"},
	{[]string{"commut"}, "Encourage remote work and public transit commuting"},
	{[]string{"travel", "flight", "air", "hotel"}, "Replace short-haul flights with rail and tighten the travel policy"},
	{[]string{"freight", "logistic", "transport", "shipping"}, "Consolidate shipments and shift freight to lower-carbon modes"},
	{[]string{"purchas", "supplier", "goods", "material"}, "Engage key suppliers on science-based targets"},
	{[]string{"waste", "landfill"}, "Cut landfill volume through recycling and composting programs"},
	{[]string{"water"}, "Install water-efficient fixtures and reuse greywater"},
}

const defaultRecommendation = "Review this source's data and identify reduction opportunities"

// Recommendation returns static guidance for a category name
func Recommendation(category string) string {
	name := strings.ToLower(category)
	for _, r := range recommendations {
		for _, kw := range r.keywords {
			if strings.Contains(name, kw) {
				return r.text
			}
		}
	}
	return defaultRecommendation
}
