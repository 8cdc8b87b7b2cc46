// ABOUTME: Package detect runs the gitleaks ruleset over scanned configuration files
// ABOUTME: Findings name the rule and the key, never the matched secret

// Package detect complements the heuristic classifier with gitleaks' rule
// set. It is used during the first phase of a scan, before any approval, so
// its findings are attributed to keys and the matched text is discarded.
package detect
