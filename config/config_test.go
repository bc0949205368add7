package config

import (
	"testing"

	"github.com/mstenber/cowfs/ferr"
	"github.com/stretchr/testify/assert"
)

func TestValidateRejectsUnknownOption(t *testing.T) {
	err := Validate(Set{"no_such_option": "1"}, ScopeFormat)
	assert.ErrorIs(t, err, ferr.ErrUnknownRequiredFeature)
}

func TestValidateRejectsWrongScope(t *testing.T) {
	err := Validate(Set{"block_size": "4096"}, ScopeRuntime)
	assert.Error(t, err)
}

func TestValidateRejectsBadEnumChoice(t *testing.T) {
	err := Validate(Set{"compression": "rot13"}, ScopeFormat)
	assert.Error(t, err)
}

func TestValidateAcceptsKnownOption(t *testing.T) {
	err := Validate(Set{"compression": "lz4", "durability": "2"}, ScopeFormat|ScopeMount)
	assert.NoError(t, err)
}

func TestResolvedFillsDefaultsAndOverlaysSet(t *testing.T) {
	r := Resolved(Set{"compression": "zstd"})
	assert.Equal(t, "zstd", r.String("compression", ""))
	assert.Equal(t, "crc32c", r.String("metadata_checksum_type", ""))
}

func TestSetAccessorsFallBackOnMissingOrBadValue(t *testing.T) {
	s := Set{"durability": "not-a-number"}
	assert.Equal(t, uint64(7), s.Uint("durability", 7))
	assert.Equal(t, uint64(3), s.Uint("gc_reserve_percent", 3))
	assert.True(t, s.Bool("discard", true))
}
