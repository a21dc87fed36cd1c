package idgenerator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRandom(t *testing.T) {
	t.Parallel()
	assert.Len(t, Random(12), 12)
	assert.NotEqual(t, ProcessSuffix(), ProcessSuffix())
	assert.True(t, strings.HasSuffix(EtcdNamespaceForTest(), "/"))
}
