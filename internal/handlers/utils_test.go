package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSONLogsEncodeFailure(t *testing.T) {
	logger, hook := test.NewNullLogger()
	s := NewServer(logger, &fakeLoop{}, NewConnections(), nil, "")

	rec := httptest.NewRecorder()
	s.writeJSON(rec, http.StatusOK, map[string]interface{}{"ch": make(chan int)})

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, hook.Entries, 1)
	entry := hook.LastEntry()
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, http.StatusOK, entry.Data["status"])
	assert.Error(t, entry.Data[logrus.ErrorKey].(error))
}

func TestWriteJSONEncodesBody(t *testing.T) {
	logger, hook := test.NewNullLogger()
	s := NewServer(logger, &fakeLoop{}, NewConnections(), nil, "")

	rec := httptest.NewRecorder()
	s.writeJSON(rec, http.StatusCreated, map[string]string{"k": "v"})

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"k":"v"}`, rec.Body.String())
	assert.Empty(t, hook.Entries)
}
