package fault

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatchesSentinelByKind(t *testing.T) {
	err := New(NotHolder, "student %s does not hold the section", "s1")

	assert.True(t, errors.Is(err, ErrNotHolder))
	assert.False(t, errors.Is(err, ErrUnknownStudent))
	assert.Equal(t, "NotHolder: student s1 does not hold the section", err.Error())

	wrapped := fmt.Errorf("release: %w", err)
	assert.True(t, errors.Is(wrapped, ErrNotHolder))
	assert.Equal(t, NotHolder, KindOf(wrapped))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{InvalidArgument, http.StatusBadRequest},
		{MalformedTime, http.StatusBadRequest},
		{InsufficientParticipants, http.StatusBadRequest},
		{NotFound, http.StatusNotFound},
		{UnknownReplica, http.StatusNotFound},
		{UnknownStudent, http.StatusNotFound},
		{NotHolder, http.StatusConflict},
		{RecordUnavailable, http.StatusServiceUnavailable},
		{QuorumUnavailable, http.StatusServiceUnavailable},
		{Internal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.kind))
		})
	}
}
