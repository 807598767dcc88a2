package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequest_Validate(t *testing.T) {
	img := []byte{0xff, 0xd8, 0xff}

	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"effect ok", ImageEffect{Image: img, FilterID: "12"}, false},
		{"effect without image", ImageEffect{FilterID: "12"}, true},
		{"effect without filter", ImageEffect{Image: img}, true},
		{"text ok", TextToVideo{Text: "a fox"}, false},
		{"text blank", TextToVideo{Text: "   "}, true},
		{"image and text ok", ImageAndText{Images: [][]byte{img}, Text: "dance"}, false},
		{"image and text no images", ImageAndText{Text: "dance"}, true},
		{"image and text empty image", ImageAndText{Images: [][]byte{img, {}}, Text: "dance"}, true},
		{"image and text blank prompt", ImageAndText{Images: [][]byte{img}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPayload)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	a := []byte("image-a")
	b := []byte("image-b")

	assert.Equal(t,
		ImageAndText{Images: [][]byte{a, b}, Text: "x"}.Fingerprint(),
		ImageAndText{Images: [][]byte{a, b}, Text: "x"}.Fingerprint())

	assert.NotEqual(t,
		ImageAndText{Images: [][]byte{a, b}, Text: "x"}.Fingerprint(),
		ImageAndText{Images: [][]byte{b, a}, Text: "x"}.Fingerprint(),
		"image order is part of the request")

	assert.NotEqual(t,
		ImageEffect{Image: a, FilterID: "1"}.Fingerprint(),
		ImageEffect{Image: a, FilterID: "2"}.Fingerprint())

	assert.NotEqual(t,
		TextToVideo{Text: "x"}.Fingerprint(),
		ImageAndText{Images: [][]byte{a}, Text: "x"}.Fingerprint(),
		"kind is part of the request")

	assert.Equal(t,
		TextToVideo{Text: "  x "}.Fingerprint(),
		TextToVideo{Text: "x"}.Fingerprint())
}

func TestStatusHelpers(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusQueued.IsTerminal())
	assert.True(t, StatusSubmitting.IsInFlight())
	assert.True(t, StatusProcessing.IsInFlight())
	assert.False(t, StatusFailed.IsInFlight())

	assert.Equal(t, RecordCompleted, RecordStatusFor(StatusCompleted))
	assert.Equal(t, RecordFailed, RecordStatusFor(StatusFailed))
	assert.Equal(t, RecordGenerating, RecordStatusFor(StatusQueued))
}
