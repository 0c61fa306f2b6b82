package healthmon

import (
	"context"
	"encoding/json"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleJSONResources(t *testing.T) {
	tests := []struct {
		name      string
		resources ResourceCountTable
		want      string
	}{
		{"tracking disabled", nil, `null`},
		{"tracking enabled, nothing live", ResourceCountTable{}, `{}`},
		{"tracking enabled", ResourceCountTable{"TCPWRAP": 2}, `{"TCPWRAP":2}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(Sample{Resources: tt.resources})
			require.NoError(t, err)

			var fields map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(data, &fields))
			raw, ok := fields["resources"]
			require.True(t, ok, "resources key missing in %s", data)
			assert.JSONEq(t, tt.want, string(raw))
		})
	}
}

func TestProcessIdentityIsStable(t *testing.T) {
	pid, tid, main := processIdentity()

	type identity struct {
		tid  int
		main bool
	}
	// Ask again from a goroutine pinned to some other OS thread.
	done := make(chan identity, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		_, tid, main := processIdentity()
		done <- identity{tid, main}
	}()
	assert.Equal(t, identity{tid, main}, <-done)

	if runtime.GOOS == "linux" {
		assert.Equal(t, pid, tid)
		assert.True(t, main)
	} else {
		assert.Zero(t, tid)
	}
}

func TestSamplesReportSameThread(t *testing.T) {
	m := newTestMonitor(t, testConfig(200))
	require.NoError(t, m.Start(context.Background()))

	first := receive(t, m, time.Second)
	for i := 0; i < 5; i++ {
		s := receive(t, m, time.Second)
		assert.Equal(t, first.ThreadID, s.ThreadID)
		assert.Equal(t, first.IsMainThread, s.IsMainThread)
		assert.Equal(t, first.PID, s.PID)
	}
	if runtime.GOOS == "linux" {
		assert.Equal(t, first.PID, first.ThreadID)
		assert.True(t, first.IsMainThread)
	}
}
