package processor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adverant/nexus/videocoach-worker/internal/models"
)

func TestHubSubscribeStartsWithLatest(t *testing.T) {
	hub := NewHub(zap.NewNop())

	ch, cancel := hub.Subscribe()
	defer cancel()

	snap := <-ch
	assert.Equal(t, PhaseIdle, snap.Phase())
	assert.Equal(t, FeedbackIdle, snap.Feedback)
}

func TestHubSlowSubscriberGetsLatest(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ch, cancel := hub.Subscribe()
	defer cancel()

	for i := 1; i <= 5; i++ {
		hub.Publish(context.Background(), Snapshot{
			RunID: "run-1",
			State: Analyzing{FramesDone: i, FramesTotal: 5},
		})
	}

	snap := <-ch
	require.IsType(t, Analyzing{}, snap.State)
	assert.Equal(t, 5, snap.State.(Analyzing).FramesDone)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected buffered snapshot %+v", extra)
	default:
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ch, cancel := hub.Subscribe()
	<-ch

	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	hub.Publish(context.Background(), Snapshot{State: Idle{}})
}

func TestRedisProgressPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	pub := NewRedisProgressPublisher(client)
	ctx := context.Background()

	sub := client.Subscribe(ctx, pub.Channel("run-42"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	hub := NewHub(zap.NewNop(), pub)
	hub.Publish(ctx, Snapshot{
		RunID:    "run-42",
		State:    Complete{Duration: 2, Frames: 3},
		Feedback: FeedbackComplete,
		Results: []models.AnalysisResult{
			{TimestampIndex: 0, Pose: models.Pose{{X: 0.1, Y: 0.2}}, Feedback: "Lean forward"},
		},
	})

	select {
	case msg := <-sub.Channel():
		var got map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, "complete", got["phase"])
		assert.Equal(t, "run-42", got["runId"])
		assert.Len(t, got["results"], 1)
	case <-time.After(2 * time.Second):
		t.Fatal("no progress message received")
	}
}

func TestSnapshotJSON(t *testing.T) {
	data, err := json.Marshal(Snapshot{
		State:    Analyzing{Elapsed: 2, Duration: 5, FramesDone: 2, FramesTotal: 6},
		Feedback: "Keep your head over the ball",
	})
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "analyzing", got["phase"])
	assert.Equal(t, true, got["processing"])
	assert.Equal(t, 2.0, got["elapsed"])
	assert.Equal(t, []interface{}{}, got["results"])
	assert.NotContains(t, got, "error")
}
