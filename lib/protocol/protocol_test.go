package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"taskmaster/lib/ids"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Message{
		NewJoin(ids.WorkerID("55000")),
		NewJoinAck(),
		NewCheck(ids.ReqID("c1")),
		NewCheckAck(ids.ReqID("c1")),
		NewRequest("hello", ids.ReqID("r1")),
		NewRequestAck(ids.ReqID("r1")),
		NewDone(ids.TaskFile("t001.txt")),
		NewFailed(ids.TaskFile("t002.txt")),
		NewUsageLimited(ids.WorkerID("55000")),
		NewLeave(),
		NewDisconnect(),
	}
	for _, m := range cases {
		b, err := Encode(m)
		require.NoError(t, err)
		require.True(t, strings.HasSuffix(string(b), "\n"))
		got, err := Decode(b[:len(b)-1])
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
}

func TestFrameReaderSingleLine(t *testing.T) {
	m := NewCheck(ids.ReqID("c1"))
	b, err := Encode(m)
	require.NoError(t, err)

	fr := NewFrameReader(strings.NewReader(string(b)), nil)
	msgs, err := fr.ReadMessages()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, m, msgs[0])
}

func TestFrameReaderConcatenatedWithoutSeparator(t *testing.T) {
	raw := `{"type":"CHECK","msg":"","req_id":"c1"}{"type":"CHECK","msg":"","req_id":"c2"}` + "\n"
	fr := NewFrameReader(strings.NewReader(raw), nil)
	msgs, err := fr.ReadMessages()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, ids.ReqID("c1"), msgs[0].ReqID)
	assert.Equal(t, ids.ReqID("c2"), msgs[1].ReqID)
}

func TestFrameReaderConcatenatedOnSeparateNewlineDelimitedSends(t *testing.T) {
	raw := `{"type":"CHECK","msg":"","req_id":"c1"}` + "\n" + `{"type":"CHECK","msg":"","req_id":"c2"}` + "\n"
	fr := NewFrameReader(strings.NewReader(raw), nil)

	msgs1, err := fr.ReadMessages()
	require.NoError(t, err)
	require.Len(t, msgs1, 1)
	assert.Equal(t, ids.ReqID("c1"), msgs1[0].ReqID)

	msgs2, err := fr.ReadMessages()
	require.NoError(t, err)
	require.Len(t, msgs2, 1)
	assert.Equal(t, ids.ReqID("c2"), msgs2[0].ReqID)
}

func TestFrameReaderSkipsEmptyLines(t *testing.T) {
	raw := "\n\n" + `{"type":"LEAVE","msg":""}` + "\n\n"
	fr := NewFrameReader(strings.NewReader(raw), nil)

	var all []Message
	for {
		msgs, err := fr.ReadMessages()
		all = append(all, msgs...)
		if err != nil {
			break
		}
	}
	require.Len(t, all, 1)
	assert.Equal(t, Leave, all[0].Type)
}

func TestFrameReaderMalformedLineIsDroppedNotFatal(t *testing.T) {
	var warnings []string
	onWarn := func(raw string, err error) { warnings = append(warnings, raw) }

	raw := "not json at all\n" + `{"type":"LEAVE","msg":""}` + "\n"
	fr := NewFrameReader(strings.NewReader(raw), onWarn)

	msgs1, err := fr.ReadMessages()
	require.NoError(t, err)
	assert.Empty(t, msgs1)
	assert.Len(t, warnings, 1)

	msgs2, err := fr.ReadMessages()
	require.NoError(t, err)
	require.Len(t, msgs2, 1)
	assert.Equal(t, Leave, msgs2[0].Type)
}
