// LLMScope - LLM Telemetry Ingestion and Usage Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/llmscope

// Package detection scans prompt and response text for PII patterns and
// prompt-injection phrases. Scanning is advisory: it flags events during
// enrichment and never rejects them.
package detection

import (
	"regexp"

	"github.com/tomtom215/llmscope/internal/metrics"
)

// PII detector names, reported in scan results and metrics labels.
const (
	DetectorEmail      = "email"
	DetectorPhone      = "phone"
	DetectorSSN        = "ssn"
	DetectorCreditCard = "credit_card"
	DetectorInjection  = "injection"
)

var piiPatterns = map[string]*regexp.Regexp{
	DetectorEmail:      regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
	DetectorPhone:      regexp.MustCompile(`\b(?:\+?1[-. ]?)?\(?\d{3}\)?[-. ]?\d{3}[-. ]?\d{4}\b`),
	DetectorSSN:        regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	DetectorCreditCard: regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`),
}

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?prior\s+instructions`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+in\s+developer\s+mode`),
	regexp.MustCompile(`(?i)system\s*prompt\s*[:=]`),
	regexp.MustCompile(`(?i)reveal\s+your\s+(system\s+)?prompt`),
	regexp.MustCompile(`(?i)pretend\s+you\s+(are|have)\s+no\s+restrictions`),
}

// Result holds the outcome of a content scan.
type Result struct {
	// PIITypes lists the PII detector names that matched.
	PIITypes []string `json:"pii_types,omitempty"`
	// PIIDetected is true when any PII pattern matched.
	PIIDetected bool `json:"pii_detected"`
	// InjectionDetected is true when a prompt-injection phrase matched.
	InjectionDetected bool `json:"injection_detected"`
}

// Scanner scans text for PII and prompt-injection content.
// The zero-value Scanner is not usable; construct with NewScanner.
type Scanner struct {
	enabled bool
}

// NewScanner creates a Scanner. A disabled scanner returns empty results.
func NewScanner(enabled bool) *Scanner {
	return &Scanner{enabled: enabled}
}

// Scan checks the given text fragments and returns the combined result.
// Each detector is counted at most once per scan regardless of how many
// fragments match.
func (s *Scanner) Scan(texts ...string) Result {
	var result Result
	if !s.enabled {
		return result
	}

	matched := make(map[string]bool)
	for _, text := range texts {
		if text == "" {
			continue
		}
		for name, pattern := range piiPatterns {
			if !matched[name] && pattern.MatchString(text) {
				matched[name] = true
			}
		}
		if !result.InjectionDetected {
			for _, pattern := range injectionPatterns {
				if pattern.MatchString(text) {
					result.InjectionDetected = true
					break
				}
			}
		}
	}

	// Stable detector order for deterministic results
	for _, name := range []string{DetectorEmail, DetectorPhone, DetectorSSN, DetectorCreditCard} {
		if matched[name] {
			result.PIITypes = append(result.PIITypes, name)
			metrics.RecordDetectionHit(name)
		}
	}
	result.PIIDetected = len(result.PIITypes) > 0

	if result.InjectionDetected {
		metrics.RecordDetectionHit(DetectorInjection)
	}

	return result
}
