package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		subs []Status
		want string
	}{
		{"empty", nil, "healthy"},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, "healthy"},
		{"degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, "degraded"},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("plotter", tt.subs)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.want == "healthy", got.Healthy)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestMonitor_UpdateAndSort(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("udp", "listening")
	m.UpdateDegraded("nats", "reconnecting")
	m.Update("tcp", Status{Status: "healthy", Healthy: true})

	s, ok := m.Get("tcp")
	require.True(t, ok)
	assert.Equal(t, "tcp", s.Component)
	assert.False(t, s.Timestamp.IsZero())

	agg := m.AggregateHealth("plotter")
	assert.True(t, agg.IsDegraded())
	names := []string{}
	for _, sub := range agg.SubStatuses {
		names = append(names, sub.Component)
	}
	assert.Equal(t, []string{"nats", "tcp", "udp"}, names)

	m.Remove("nats")
	assert.True(t, m.AggregateHealth("plotter").IsHealthy())
}

func TestMonitor_Handler(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("tcp", "ok")

	rec := httptest.NewRecorder()
	m.Handler("plotter").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "plotter", body.Component)
	assert.True(t, body.Healthy)

	m.UpdateUnhealthy("udp", "socket closed")
	rec = httptest.NewRecorder()
	m.Handler("plotter").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestFromError_Sanitizes(t *testing.T) {
	s := FromError("nats", fmt.Errorf("dial nats://user:pw@10.1.2.3:4222 failed, token=abc"), "")
	assert.True(t, s.IsUnhealthy())
	assert.NotContains(t, s.Message, "10.1.2.3")
	assert.NotContains(t, s.Message, "abc")
	assert.Contains(t, s.Message, "[URL]")

	assert.True(t, FromError("tcp", nil, "listening").IsHealthy())
	assert.Equal(t, "read [PATH] at [IP][PORT]", sanitizeErrorMessage("read /var/run/x at 192.168.0.1:2000"))
}
