package util

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	// MaxRegexLength is the maximum allowed regex pattern length.
	MaxRegexLength = 500
	// DefaultRegexTimeout bounds a single match attempt.
	DefaultRegexTimeout = 100 * time.Millisecond
	// MaxRegexTimeout is the largest timeout a config may request.
	MaxRegexTimeout = 1 * time.Second
)

// RegexValidator validates regex patterns before they are handed to the
// matcher. Rule-supplied patterns are untrusted input.
type RegexValidator struct {
	maxLength int
}

// NewRegexValidator creates a validator with default limits.
func NewRegexValidator() *RegexValidator {
	return &RegexValidator{maxLength: MaxRegexLength}
}

// ValidatePattern checks a pattern for length, ReDoS constructs, excessive
// alternation and repetition, and syntax.
func (rv *RegexValidator) ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("regex pattern cannot be empty")
	}
	if len(pattern) > rv.maxLength {
		return fmt.Errorf("regex pattern too long: %d characters (max %d)", len(pattern), rv.maxLength)
	}
	if err := checkForReDoSPatterns(pattern); err != nil {
		return err
	}
	if alternationCount := strings.Count(pattern, "|"); alternationCount > 50 {
		return fmt.Errorf("too many alternations: %d (max 50)", alternationCount)
	}
	if err := checkForExcessiveRepetition(pattern); err != nil {
		return err
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return fmt.Errorf("invalid regex pattern: %w", err)
	}
	return nil
}

func checkForReDoSPatterns(pattern string) error {
	dangerous := []string{
		")+*", ")*+", ")+{", ")*{",
		"}+*", "}*+", "}+{", "}*{",
		"++", "**", "*+", "+*",
	}
	for _, d := range dangerous {
		if strings.Contains(pattern, d) {
			return fmt.Errorf("pattern contains nested quantifiers which may cause ReDoS: found '%s'", d)
		}
	}
	return nil
}

var repetitionRe = regexp.MustCompile(`\{(\d+)(?:,\d*)?\}`)

func checkForExcessiveRepetition(pattern string) error {
	for _, match := range repetitionRe.FindAllStringSubmatch(pattern, -1) {
		var count int
		fmt.Sscanf(match[1], "%d", &count)
		if count >= 1000 {
			return fmt.Errorf("excessive repetition: %s (max 999)", match[0])
		}
	}
	return nil
}

// ValidateComplexity rejects patterns whose structure can cause catastrophic
// backtracking: nested quantifiers or group nesting deeper than 3.
func ValidateComplexity(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("regex pattern cannot be empty")
	}

	nestedQuantifierPatterns := []string{
		`\([^)]*\*\)\*`,
		`\([^)]*\+\)\+`,
		`\([^)]*\?\)\?`,
		`\([^)]*\{[^}]*\}\)\{`,
	}
	for _, dangerousPattern := range nestedQuantifierPatterns {
		re, err := regexp.Compile(dangerousPattern)
		if err != nil {
			continue
		}
		if re.MatchString(pattern) {
			return fmt.Errorf("pattern contains nested quantifiers which may cause ReDoS: %s", pattern)
		}
	}

	nestingDepth := 0
	for _, char := range pattern {
		switch char {
		case '(':
			nestingDepth++
			if nestingDepth > 3 {
				return fmt.Errorf("pattern has excessive nesting depth: %d (max 3)", nestingDepth)
			}
		case ')':
			nestingDepth--
			if nestingDepth < 0 {
				return fmt.Errorf("pattern has unmatched closing parenthesis")
			}
		}
	}
	if nestingDepth != 0 {
		return fmt.Errorf("pattern has unmatched parentheses")
	}
	return nil
}

// CompileSafe compiles a pattern after validating it.
func CompileSafe(pattern string) (*regexp.Regexp, error) {
	validator := NewRegexValidator()
	if err := validator.ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if err := ValidateComplexity(pattern); err != nil {
		return nil, fmt.Errorf("complexity validation failed: %w", err)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to compile regex pattern: %w", err)
	}
	return re, nil
}
