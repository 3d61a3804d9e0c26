package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultPasswordPolicy(t *testing.T) {
	policy := DefaultPasswordPolicy()
	cases := []struct {
		password string
		ok       bool
	}{
		{"Segura#2026", true},
		{"Ñandú-Rojo7x", true},
		{"Corta#1a", false},
		{"sinmayuscula#1", false},
		{"SINMINUSCULA#1", false},
		{"SinNumeros#abc", false},
		{"SinSimbolo2026", false},
		{"Espacio 2026x", true},
		{"", false},
	}
	for _, tc := range cases {
		t.Run(tc.password, func(t *testing.T) {
			err := policy.Check(tc.password)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrWeakPassword)
		})
	}
}

func TestPolicyCountsCharactersNotBytes(t *testing.T) {
	policy := PasswordPolicy{MinLength: 10}
	assert.Error(t, policy.Check("ñññññññññ"))
	assert.NoError(t, policy.Check("ññññññññññ"))
}
