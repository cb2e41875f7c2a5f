package events

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"oyamarket/core/types"
)

func TestStreamSequencesAndTrimsHistory(t *testing.T) {
	stream := NewStream(2)
	for i := 0; i < 3; i++ {
		stream.Publish(&types.Event{Type: "test.tick", Attributes: map[string]string{}})
	}
	require.Equal(t, uint64(3), stream.Sequence())

	history := stream.History(0, nil)
	require.Len(t, history, 2)
	require.Equal(t, uint64(2), history[0].Sequence)
	require.Equal(t, uint64(3), history[1].Sequence)
}

func TestStreamSubscribeBacklogHonoursCursorAndFilter(t *testing.T) {
	stream := NewStream(0)
	stream.Emit(Transfer{Amount: big.NewInt(1)})
	stream.Emit(Mint{Amount: big.NewInt(2)})
	stream.Emit(Transfer{Amount: big.NewInt(3)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, stop, backlog := stream.Subscribe(ctx, "1", TypeFilter(TypeTransfer))
	defer stop()

	require.Len(t, backlog, 1)
	require.Equal(t, "3", backlog[0].Attr("amount"))
}

func TestStreamWaitForReturnsFirstMatchingEvent(t *testing.T) {
	stream := NewStream(0)
	cursor := "0"

	done := make(chan *types.Event, 1)
	go func() {
		evt, err := stream.WaitFor(context.Background(), cursor, TypeFilter("ledger.*"))
		if err == nil {
			done <- evt
		}
	}()

	// The waiter may subscribe before or after the publish; the backlog covers
	// the late case.
	stream.Publish(&types.Event{Type: "other", Attributes: map[string]string{}})
	stream.Emit(Mint{Amount: big.NewInt(9)})

	select {
	case evt := <-done:
		require.Equal(t, TypeMint, evt.Type)
		require.Equal(t, "9", evt.Attr("amount"))
	case <-time.After(2 * time.Second):
		t.Fatal("WaitFor did not return")
	}
}

func TestStreamWaitForHonoursContext(t *testing.T) {
	stream := NewStream(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := stream.WaitFor(ctx, "", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStreamCancelClosesChannel(t *testing.T) {
	stream := NewStream(0)
	updates, cancel, _ := stream.Subscribe(context.Background(), "", nil)
	cancel()
	cancel()
	_, ok := <-updates
	require.False(t, ok)
	stream.Publish(&types.Event{Type: "after.cancel"})
}

func TestMultiAndRecorder(t *testing.T) {
	first := &Recorder{}
	second := &Recorder{}
	Multi{first, nil, second}.Emit(Approval{Amount: big.NewInt(5)})
	require.Equal(t, []string{TypeApproval}, first.Types())
	require.Equal(t, []string{TypeApproval}, second.Types())
}
