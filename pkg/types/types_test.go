package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateFilters(t *testing.T) {
	assert.Equal(t, StateFilterOK, ServiceStateFilter(ServiceOK))
	assert.Equal(t, StateFilterWarning, ServiceStateFilter(ServiceWarning))
	assert.Equal(t, StateFilterCritical, ServiceStateFilter(ServiceCritical))
	assert.Equal(t, StateFilterUnknown, ServiceStateFilter(ServiceUnknown))
	assert.Equal(t, StateFilterUnknown, ServiceStateFilter(99))

	assert.Equal(t, StateFilterUp, HostStateFilter(HostUp))
	assert.Equal(t, StateFilterDown, HostStateFilter(HostDown))
}

func TestEffectiveHostState(t *testing.T) {
	assert.Equal(t, HostUp, EffectiveHostState(ServiceOK, true))
	assert.Equal(t, HostDown, EffectiveHostState(ServiceWarning, true))
	assert.Equal(t, HostDown, EffectiveHostState(ServiceCritical, true))
	// Unreachable hosts report Down regardless of the last check.
	assert.Equal(t, HostDown, EffectiveHostState(ServiceOK, false))
}

func TestCheckResultValid(t *testing.T) {
	assert.False(t, (*CheckResult)(nil).Valid())
	assert.False(t, (&CheckResult{State: -1}).Valid())
	assert.False(t, (&CheckResult{State: 4}).Valid())
	assert.True(t, (&CheckResult{State: ServiceOK}).Valid())
	assert.True(t, (&CheckResult{State: ServiceUnknown}).Valid())
}

func TestNotificationTypeNames(t *testing.T) {
	assert.Equal(t, "Problem", NotificationProblem.String())
	assert.Equal(t, "Recovery", NotificationRecovery.String())
	assert.Equal(t, "FlappingStart", NotificationFlappingStart.String())
}
