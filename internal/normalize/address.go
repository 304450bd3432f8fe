package normalize

import "strings"

// streetAbbr expands USPS street suffixes and unit designators. Values are
// never keys, so expansion is idempotent.
var streetAbbr = map[string]string{
	"ST": "STREET", "STR": "STREET", "AVE": "AVENUE", "AV": "AVENUE",
	"RD": "ROAD", "BLVD": "BOULEVARD", "DR": "DRIVE", "LN": "LANE",
	"CT": "COURT", "PL": "PLACE", "SQ": "SQUARE", "TER": "TERRACE",
	"CIR": "CIRCLE", "HWY": "HIGHWAY", "PKWY": "PARKWAY", "EXPY": "EXPRESSWAY",
	"FWY": "FREEWAY", "TRL": "TRAIL", "STE": "SUITE", "APT": "APARTMENT",
	"BLDG": "BUILDING", "FL": "FLOOR", "RM": "ROOM",
	"N": "NORTH", "S": "SOUTH", "E": "EAST", "W": "WEST",
	"NE": "NORTHEAST", "NW": "NORTHWEST", "SE": "SOUTHEAST", "SW": "SOUTHWEST",
}

var addressPunct = strings.NewReplacer(".", "", ",", " ", ";", " ")

func address(raw string) (string, string) {
	s := addressPunct.Replace(strings.ToUpper(raw))
	tokens := strings.Fields(s)
	if len(tokens) == 0 {
		return "", "no address tokens"
	}
	for i, tok := range tokens {
		if full, ok := streetAbbr[tok]; ok {
			tokens[i] = full
		}
	}
	return strings.Join(tokens, " "), ""
}

// stateNames maps USPS codes to full names.
var stateNames = map[string]string{
	"AL": "ALABAMA", "AK": "ALASKA", "AZ": "ARIZONA", "AR": "ARKANSAS",
	"CA": "CALIFORNIA", "CO": "COLORADO", "CT": "CONNECTICUT", "DE": "DELAWARE",
	"FL": "FLORIDA", "GA": "GEORGIA", "HI": "HAWAII", "ID": "IDAHO",
	"IL": "ILLINOIS", "IN": "INDIANA", "IA": "IOWA", "KS": "KANSAS",
	"KY": "KENTUCKY", "LA": "LOUISIANA", "ME": "MAINE", "MD": "MARYLAND",
	"MA": "MASSACHUSETTS", "MI": "MICHIGAN", "MN": "MINNESOTA", "MS": "MISSISSIPPI",
	"MO": "MISSOURI", "MT": "MONTANA", "NE": "NEBRASKA", "NV": "NEVADA",
	"NH": "NEW HAMPSHIRE", "NJ": "NEW JERSEY", "NM": "NEW MEXICO", "NY": "NEW YORK",
	"NC": "NORTH CAROLINA", "ND": "NORTH DAKOTA", "OH": "OHIO", "OK": "OKLAHOMA",
	"OR": "OREGON", "PA": "PENNSYLVANIA", "RI": "RHODE ISLAND", "SC": "SOUTH CAROLINA",
	"SD": "SOUTH DAKOTA", "TN": "TENNESSEE", "TX": "TEXAS", "UT": "UTAH",
	"VT": "VERMONT", "VA": "VIRGINIA", "WA": "WASHINGTON", "WV": "WEST VIRGINIA",
	"WI": "WISCONSIN", "WY": "WYOMING", "DC": "DISTRICT OF COLUMBIA", "PR": "PUERTO RICO",
}

var stateCodes = func() map[string]string {
	m := make(map[string]string, len(stateNames))
	for code, full := range stateNames {
		m[full] = code
	}
	return m
}()

func state(raw string) (string, string) {
	s := collapse(strings.ToUpper(strings.ReplaceAll(raw, ".", "")))
	if _, ok := stateNames[s]; ok {
		return s, ""
	}
	if code, ok := stateCodes[s]; ok {
		return code, ""
	}
	return "", "unknown state"
}
