package store

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestSortedKeysDedupes(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	keys := SortedKeys([]string{TitleKey(id), MemberKey(id), TitleKey(id)})

	assert.Equal(t, []string{MemberKey(id), TitleKey(id)}, keys)
}
