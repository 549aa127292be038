package user

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
		err  error
	}{
		{"ana@example.com", "ana@example.com", nil},
		{"  Ana@Example.COM ", "ana@example.com", nil},
		{"", "", ErrInvalidEmail},
		{"not-an-email", "", ErrInvalidEmail},
		{"Ana <ana@example.com>", "", ErrInvalidEmail},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := normalizeEmail(tt.in)
			require.ErrorIs(t, err, tt.err)
			require.Equal(t, tt.want, got)
		})
	}
}
