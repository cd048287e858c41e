package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveChangeRequest(t *testing.T) {
	before := testutil.ToFloat64(ChangeRequestOps.WithLabelValues("create", "error"))
	ObserveChangeRequest("create", errors.New("boom"))
	after := testutil.ToFloat64(ChangeRequestOps.WithLabelValues("create", "error"))
	assert.Equal(t, before+1, after)
}

func TestObserveStorage(t *testing.T) {
	before := testutil.ToFloat64(StorageOps.WithLabelValues("memory", "get", "ok"))
	ObserveStorage("memory", "get", "ok", time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(StorageOps.WithLabelValues("memory", "get", "ok")))
}
