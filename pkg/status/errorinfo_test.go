package status

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorInfo(t *testing.T) {
	err := NewErrorInfo(http.StatusNotFound, "peer not found: %s", "abc")
	assert.Equal(t, "not found (404): peer not found: abc", err.Error())
	assert.True(t, err.IsNotFound())

	err = NewErrorInfo(http.StatusBadRequest, "invalid limit")
	assert.False(t, err.IsNotFound())
}
