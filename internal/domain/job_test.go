package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerID_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		id   WorkerID
		want string
	}{
		{"all queues", WorkerID{Host: "box", PID: 42}, "box:42:*"},
		{"selected queues", WorkerID{Host: "box", PID: 7, Queues: []string{"mail", "default"}}, "box:7:mail,default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.id.String())

			parsed, err := ParseWorkerID(tt.want)
			require.NoError(t, err)
			assert.Equal(t, tt.id, parsed)
		})
	}
}

func TestParseWorkerID_Malformed(t *testing.T) {
	_, err := ParseWorkerID("nohost")
	assert.Error(t, err)

	_, err = ParseWorkerID("box:abc:*")
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	assert.True(t, Complete.Terminal())
	assert.True(t, Failed.Terminal())
	assert.False(t, Waiting.Terminal())
	assert.False(t, Running.Terminal())

	assert.True(t, Running.Valid())
	assert.False(t, Status("queued").Valid())
}
