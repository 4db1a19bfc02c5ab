package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwliu/sitesync/backend/internal/models"
)

func TestMemorySinkRecordsInOrder(t *testing.T) {
	sink := NewMemorySink()

	sink.Emit(EventSyncStarted, map[string]interface{}{"pending": 3})
	sink.Emit(EventSyncCompleted, map[string]interface{}{"succeeded": 3})
	sink.Emit(EventSyncStarted, map[string]interface{}{"pending": 0})

	events := sink.Events()
	require.Len(t, events, 3)
	assert.Equal(t, EventSyncStarted, events[0].Type)
	assert.Equal(t, EventSyncCompleted, events[1].Type)

	started := sink.ByType(EventSyncStarted)
	require.Len(t, started, 2)
	assert.Equal(t, 3, started[0].Data["pending"])
}

func TestQueueViewData(t *testing.T) {
	views := []models.QueueItemView{
		{
			ID:        "op-1",
			Kind:      models.OpCreate,
			DataType:  models.TypeEmployee,
			Status:    models.StatusPending,
			Timestamp: 1000,
		},
		{
			ID:             "op-2",
			Kind:           models.OpUploadImage,
			DataType:       models.TypeImage,
			Status:         models.StatusPending,
			Timestamp:      2000,
			NeedsAttention: true,
		},
	}

	data := QueueViewData(views)
	assert.Equal(t, 2, data["count"])

	items, ok := data["items"].([]interface{})
	require.True(t, ok)
	require.Len(t, items, 2)

	first := items[0].(map[string]interface{})
	assert.Equal(t, "op-1", first["id"])
	assert.Equal(t, "create", first["kind"])
	assert.Equal(t, false, first["needs_attention"])

	second := items[1].(map[string]interface{})
	assert.Equal(t, true, second["needs_attention"])
}

func TestNopSinkDiscards(t *testing.T) {
	// Just exercises the no-op path; nothing to observe.
	NopSink{}.Emit(EventSyncFailed, nil)
}
