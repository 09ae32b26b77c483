package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"sync step 1", SyncStep1{StateVector: []byte(`{"a":3}`)}},
		{"sync step 1 empty vector", SyncStep1{StateVector: []byte{}}},
		{"sync step 2", SyncStep2{Update: []byte("diff-bytes")}},
		{"sync update", SyncUpdate{Update: []byte("delta")}},
		{"awareness states", Awareness{Entries: []AwarenessEntry{
			{ClientID: "alice", State: []byte(`{"cursor":4}`)},
			{ClientID: "bob", State: []byte(`{"cursor":9}`)},
		}}},
		{"awareness tombstone", Awareness{Entries: []AwarenessEntry{
			{ClientID: "alice", Tombstone: true},
		}}},
		{"awareness empty", Awareness{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := EncodeMessage(tt.msg)
			decoded, err := DecodeMessage(frame)
			require.NoError(t, err)

			switch want := tt.msg.(type) {
			case SyncStep1:
				got, ok := decoded.(SyncStep1)
				require.True(t, ok)
				assert.Equal(t, []byte(want.StateVector), got.StateVector)
			case SyncStep2:
				got, ok := decoded.(SyncStep2)
				require.True(t, ok)
				assert.Equal(t, want.Update, got.Update)
			case SyncUpdate:
				got, ok := decoded.(SyncUpdate)
				require.True(t, ok)
				assert.Equal(t, want.Update, got.Update)
			case Awareness:
				got, ok := decoded.(Awareness)
				require.True(t, ok)
				assert.Len(t, got.Entries, len(want.Entries))
				for i, e := range want.Entries {
					assert.Equal(t, e.ClientID, got.Entries[i].ClientID)
					assert.Equal(t, e.Tombstone, got.Entries[i].Tombstone)
					assert.Equal(t, []byte(e.State), got.Entries[i].State)
				}
			}
		})
	}
}

func TestDecodeMalformedFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty frame", nil},
		{"unknown type tag", []byte{9}},
		{"sync missing subtype", []byte{0}},
		{"sync unknown subtype", []byte{0, 7, 0}},
		{"sync missing payload length", []byte{0, 2}},
		{"sync length exceeds frame", []byte{0, 2, 200, 1, 'x'}},
		{"awareness missing count", []byte{1}},
		{"awareness count exceeds frame", []byte{1, 50}},
		{"awareness bad flag", []byte{1, 1, 1, 'a', 7}},
		{"trailing bytes", append(EncodeMessage(SyncUpdate{Update: []byte("u")}), 0xFF)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage(tt.frame)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}
