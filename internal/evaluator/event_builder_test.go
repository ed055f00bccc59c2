package evaluator

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wisefido-geofence/internal/models"
)

func TestEventBuilder_Build(t *testing.T) {
	b := NewEventBuilder("user1")
	g := circleGeofence("gf1", nil)
	fix := fixAt("dev1", 50, 0)

	enter := b.Build(models.EventEnter, fix, g, nil)
	_, err := uuid.Parse(enter.EventID)
	require.NoError(t, err)
	assert.Equal(t, "user1", enter.UserID)
	assert.Equal(t, "dev1", enter.DeviceID)
	assert.Equal(t, fix.Position(), enter.Position)
	assert.Nil(t, enter.DwellDurationMs)

	d := 75 * time.Second
	dwell := b.Build(models.EventDwell, fix, g, &d)
	require.NotNil(t, dwell.DwellDurationMs)
	assert.Equal(t, int64(75000), *dwell.DwellDurationMs)
	assert.NotEqual(t, enter.EventID, dwell.EventID)

	// 非 Dwell 事件忽略 dwell 参数
	exit := b.Build(models.EventExit, fix, g, &d)
	assert.Nil(t, exit.DwellDurationMs)
}
