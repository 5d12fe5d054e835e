package collyfetcher

import (
	"bytes"
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/JakeFAU/csv-harvester/internal/harvest"
)

var (
	doctypePrefix = []byte("<!doctype html")
	htmlTag       = regexp.MustCompile(`(?i)<html\b`)
)

// ValidateCSV rejects payloads that are not UTF-8 or that look like an HTML
// page (error pages and login walls served with status 200).
func ValidateCSV(body []byte) error {
	if !utf8.Valid(body) {
		return fmt.Errorf("%w: not utf-8", harvest.ErrInvalidContent)
	}
	if len(body) >= len(doctypePrefix) && bytes.EqualFold(body[:len(doctypePrefix)], doctypePrefix) {
		return fmt.Errorf("%w: html doctype", harvest.ErrInvalidContent)
	}
	if htmlTag.Match(body) {
		return fmt.Errorf("%w: html tag", harvest.ErrInvalidContent)
	}
	return nil
}
