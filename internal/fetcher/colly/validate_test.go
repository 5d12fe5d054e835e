package collyfetcher

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/csv-harvester/internal/harvest"
)

func TestValidateCSV(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		body  []byte
		valid bool
	}{
		{name: "plain csv", body: []byte("a,b\n1,2\n"), valid: true},
		{name: "empty body", body: nil, valid: true},
		{name: "accents", body: []byte("cidade,preço\nSão Paulo,10\n"), valid: true},
		{name: "doctype upper", body: []byte("<!DOCTYPE html><p>x</p>")},
		{name: "doctype lower", body: []byte("<!doctype html>")},
		{name: "html tag mid body", body: []byte("a,b\n<HTML lang=en>\n")},
		{name: "html tag after text", body: []byte("error<html>")},
		{name: "htmlx is not a tag", body: []byte("col\n<htmlx>\n"), valid: true},
		{name: "invalid utf8", body: []byte{0xff, 0xfe, 0x00, 0x41}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateCSV(tt.body)
			if tt.valid {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, harvest.ErrInvalidContent)
		})
	}
}
