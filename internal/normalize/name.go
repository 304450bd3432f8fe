package normalize

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var honorifics = map[string]bool{
	"DR": true, "MR": true, "MRS": true, "MS": true, "MISS": true, "PROF": true,
}

var nameSuffixes = map[string]bool{
	"MD": true, "DO": true, "PHD": true, "JR": true, "SR": true,
	"II": true, "III": true, "IV": true, "RN": true, "NP": true,
	"PA": true, "PAC": true, "DDS": true, "DMD": true, "DPM": true,
	"OD": true, "FACS": true, "FACP": true, "MBBS": true, "DNP": true,
}

var namePunct = strings.NewReplacer(".", "", ",", " ")

// name title-cases a person name after dropping leading honorifics and
// trailing credential or generational suffixes. At least one token is kept.
func name(raw string) (string, string) {
	tokens := strings.Fields(namePunct.Replace(raw))
	for len(tokens) > 1 && honorifics[strings.ToUpper(tokens[0])] {
		tokens = tokens[1:]
	}
	for len(tokens) > 1 && nameSuffixes[strings.ToUpper(tokens[len(tokens)-1])] {
		tokens = tokens[:len(tokens)-1]
	}
	if len(tokens) == 0 {
		return "", "no name tokens"
	}
	// Casers carry state and are not safe to share between goroutines.
	return cases.Title(language.English).String(strings.Join(tokens, " ")), ""
}

var entitySuffixes = regexp.MustCompile(
	`\s+(LLC|INCORPORATED|INC|CORPORATION|CORP|COMPANY|CO|LIMITED|LTD|LLP|LP|PLLC|PC|PA|DBA)$`)

var orgPunct = regexp.MustCompile(`[,;'"&]`)

// organization uppercases and strips trailing entity suffixes until none remain.
func organization(raw string) (string, string) {
	n := strings.ReplaceAll(strings.ToUpper(raw), ".", "")
	n = collapse(orgPunct.ReplaceAllString(n, " "))
	for {
		stripped := entitySuffixes.ReplaceAllString(n, "")
		if stripped == n {
			break
		}
		n = strings.TrimSpace(stripped)
	}
	if n == "" {
		return "", "no organization tokens"
	}
	return n, ""
}

// specialtySynonyms maps common shorthands to a canonical specialty. Values
// are never keys.
var specialtySynonyms = map[string]string{
	"family practice":         "family medicine",
	"family med":              "family medicine",
	"fp":                      "family medicine",
	"ortho":                   "orthopedic surgery",
	"orthopedics":             "orthopedic surgery",
	"peds":                    "pediatrics",
	"derm":                    "dermatology",
	"psych":                   "psychiatry",
	"obgyn":                   "obstetrics and gynecology",
	"ob/gyn":                  "obstetrics and gynecology",
	"ob-gyn":                  "obstetrics and gynecology",
	"obstetrics & gynecology": "obstetrics and gynecology",
	"er":                      "emergency medicine",
	"emergency":               "emergency medicine",
	"surgery":                 "general surgery",
	"im":                      "internal medicine",
	"cardio":                  "cardiology",
}

func specialty(raw string) (string, string) {
	s := strings.ToLower(collapse(raw))
	if canon, ok := specialtySynonyms[s]; ok {
		return canon, ""
	}
	return s, ""
}
