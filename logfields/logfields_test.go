package logfields

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAttrs(t *testing.T) {
	assert.Equal(t, KeyPackage, Package("foo").Key)
	assert.Equal(t, "foo", Package("foo").Value.String())
	assert.Equal(t, int64(42), TaskID(42).Value.Int64())
	assert.Equal(t, int64(-5), ExitCode(-5).Value.Int64())
	assert.Equal(t, "boom", Error(errors.New("boom")).Value.String())
	assert.Equal(t, "", Error(nil).Value.String())
}
