package campaign

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

const (
	suffixIndividual = "@c.us"
	suffixGroup      = "@g.us"
	suffixChannel    = "@newsletter"

	minPhoneDigits = 6
	maxPhoneDigits = 15
)

func suffixFor(t Target) string {
	switch t {
	case TargetGroup:
		return suffixGroup
	case TargetChannel:
		return suffixChannel
	default:
		return suffixIndividual
	}
}

// NormalizeAddress turns a raw address into a chat id. An address that
// already ends in a known suffix keeps it; otherwise rule.Target decides.
// Phone numbers lose formatting, leading zeros become the region code and
// the region code is prepended when missing.
func NormalizeAddress(raw string, rule NormalizeRule) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", invalidf(ErrInvalidAddress, "empty address")
	}
	target := rule.Target
	if target == "" {
		target = TargetIndividual
	}
	for _, t := range []Target{TargetIndividual, TargetGroup, TargetChannel} {
		suf := suffixFor(t)
		if strings.HasSuffix(strings.ToLower(s), suf) {
			target = t
			s = s[:len(s)-len(suf)]
			break
		}
	}

	switch target {
	case TargetIndividual:
		num, err := normalizePhone(s, rule.RegionCode)
		if err != nil {
			return "", err
		}
		return num + suffixIndividual, nil
	case TargetGroup, TargetChannel:
		id := strings.TrimSpace(s)
		if id == "" || !isIdent(id) {
			return "", invalidf(ErrInvalidAddress, "malformed %s id %q", target, raw)
		}
		return id + suffixFor(target), nil
	default:
		return "", invalidf(ErrInvalidAddress, "unknown target %q", target)
	}
}

func normalizePhone(s, region string) (string, error) {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' || r == '-' || r == '.' || r == '(' || r == ')' || unicode.IsSpace(r):
		default:
			return "", invalidf(ErrInvalidAddress, "unexpected %q in %q", r, s)
		}
	}
	num := b.String()
	region = strings.TrimLeft(strings.TrimSpace(region), "+")
	if strings.HasPrefix(num, "0") {
		num = region + strings.TrimLeft(num, "0")
	} else if region != "" && !strings.HasPrefix(num, region) {
		num = region + num
	}
	if len(num) < minPhoneDigits || len(num) > maxPhoneDigits {
		return "", invalidf(ErrInvalidAddress, "%q has %d digits", s, len(num))
	}
	return num, nil
}

func isIdent(s string) bool {
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r == '-' || r == '_') {
			return false
		}
	}
	return true
}

// normalizeAll normalizes and deduplicates raws, keeping first occurrences.
func normalizeAll(raws []string, rule NormalizeRule) (raw, chatIDs []string, err error) {
	seen := make(map[string]bool, len(raws))
	for i, r := range raws {
		if strings.TrimSpace(r) == "" {
			continue
		}
		id, err := NormalizeAddress(r, rule)
		if err != nil {
			return nil, nil, addIndex(err, i)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		raw = append(raw, r)
		chatIDs = append(chatIDs, id)
	}
	if len(chatIDs) == 0 {
		return nil, nil, invalidf(ErrNoRecipients, "%d addresses given", len(raws))
	}
	return raw, chatIDs, nil
}

func addIndex(err error, i int) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return &ValidationError{Err: ve.Err, Detail: fmt.Sprintf("recipient %d: %s", i, ve.Detail)}
	}
	return err
}
