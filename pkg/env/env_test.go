package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetOrDefault(t *testing.T) {
	t.Setenv("FLEETFLASH_TEST_VALUE", "set")

	assert.Equal(t, "set", GetOrDefault("FLEETFLASH_TEST_VALUE", "fallback"))
	assert.Equal(t, "fallback", GetOrDefault("FLEETFLASH_TEST_MISSING", "fallback"))
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{"true", true},
		{"TRUE", true},
		{"1", true},
		{"yes", true},
		{" Y ", true},
		{"false", false},
		{"0", false},
		{"", false},
		{"maybe", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseBool(tt.input))
		})
	}
}

func TestWithPrefix(t *testing.T) {
	t.Setenv("FLEETFLASH_TEST_A", "1")
	t.Setenv("FLEETFLASH_TEST_B", "two=2")
	t.Setenv("OTHER_TEST_C", "3")

	values := WithPrefix("FLEETFLASH_TEST_")

	assert.Equal(t, "1", values["FLEETFLASH_TEST_A"])
	assert.Equal(t, "two=2", values["FLEETFLASH_TEST_B"])
	assert.NotContains(t, values, "OTHER_TEST_C")
}
