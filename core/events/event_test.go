package events

import (
	"testing"

	"github.com/stretchr/testify/require"

	"bucketchain/core/types"
)

type recorder struct{ got []string }

func (r *recorder) Emit(e Event) { r.got = append(r.got, e.EventType()) }

func TestBufferFlushesInOrder(t *testing.T) {
	var buf Buffer
	buf.Emit(TypedEvent{Payload: &types.Event{Type: "a"}})
	buf.Emit(nil)
	buf.Emit(TypedEvent{Payload: &types.Event{Type: "b"}})
	require.Len(t, buf.Events(), 2)

	rec := &recorder{}
	buf.Flush(rec)
	require.Equal(t, []string{"a", "b"}, rec.got)
	require.Empty(t, buf.Events())
}

func TestFanoutSkipsNil(t *testing.T) {
	first, second := &recorder{}, &recorder{}
	Fanout{first, nil, second}.Emit(TypedEvent{Payload: &types.Event{Type: "x"}})
	require.Equal(t, []string{"x"}, first.got)
	require.Equal(t, []string{"x"}, second.got)
}
