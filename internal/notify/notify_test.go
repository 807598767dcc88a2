package notify

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/genflow/pkg/types"
)

func TestChannelDropsWhenFull(t *testing.T) {
	c := NewChannel(1)
	c.Notify(Notification{Kind: KindVideoReady, Record: types.Record{ID: "a"}})
	c.Notify(Notification{Kind: KindVideoReady, Record: types.Record{ID: "b"}})

	n := <-c.C()
	assert.Equal(t, "a", n.Record.ID)
	assert.Equal(t, 1, c.Dropped())
}

func TestMultiAndLog(t *testing.T) {
	var buf bytes.Buffer
	var got []Kind
	m := Multi{
		Log{Logger: zerolog.New(&buf)},
		nil,
		Func(func(n Notification) { got = append(got, n.Kind) }),
	}

	m.Notify(Notification{Kind: KindFailed, Record: types.Record{ID: "rec-1", ErrorMessage: "nope"}})
	m.Notify(Notification{Kind: KindVideoReady, Record: types.Record{ID: "rec-2", ResultURL: "https://x/v.mp4"}})

	require.Equal(t, []Kind{KindFailed, KindVideoReady}, got)
	out := buf.String()
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, `"error_message":"nope"`)
	assert.Contains(t, out, `"event":"video_ready"`)
	assert.Contains(t, out, `"record_id":"rec-2"`)
}
