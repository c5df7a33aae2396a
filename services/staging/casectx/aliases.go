// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package casectx

import (
	"regexp"
	"sort"
	"strings"
)

var caseIDPartsRe = regexp.MustCompile(`(\d{3})[-_](\d{2})[-_](\d{3,})`)

// Aliases returns every separator spelling of the case id, lowercased.
//
// "017_01-474", "017-01-474", "017_01_474" and "017-01_474" all name the
// same case. Ids that do not follow the three-group pattern have only
// themselves as alias.
func (c CaseContext) Aliases() []string {
	return CaseIDAliases(c.caseID)
}

// CaseIDAliases is Aliases for a bare id.
func CaseIDAliases(caseID string) []string {
	m := caseIDPartsRe.FindStringSubmatch(caseID)
	if m == nil {
		return []string{strings.ToLower(caseID)}
	}
	set := make(map[string]struct{}, 5)
	set[strings.ToLower(caseID)] = struct{}{}
	for _, s1 := range []string{"_", "-"} {
		for _, s2 := range []string{"_", "-"} {
			set[m[1]+s1+m[2]+s2+m[3]] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// MatchesCaseID reports whether name contains any alias of the case id,
// ignoring case.
func (c CaseContext) MatchesCaseID(name string) bool {
	lower := strings.ToLower(name)
	for _, a := range c.Aliases() {
		if strings.Contains(lower, a) {
			return true
		}
	}
	return false
}
