package types

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPayload marks malformed local input. It is detected before any
// network call is made.
var ErrInvalidPayload = errors.New("invalid payload")

// Fingerprint identifies "the same logical request" for deduplication.
type Fingerprint string

// Request is the tagged variant of everything a caller may submit. The flow
// is decided once, by the concrete type, at submission time.
type Request interface {
	Kind() JobKind
	Validate() error
	Fingerprint() Fingerprint
	Prompt() string
	isRequest()
}

// ImageEffect applies a server-side effect filter to one photo.
type ImageEffect struct {
	Image    []byte
	FilterID string
}

// TextToVideo renders a video from a prompt.
type TextToVideo struct {
	Text string
}

// ImageAndText renders a video from one or more photos and a prompt.
type ImageAndText struct {
	Images [][]byte
	Text   string
}

func (ImageEffect) Kind() JobKind  { return KindImageEffect }
func (TextToVideo) Kind() JobKind  { return KindTextToVideo }
func (ImageAndText) Kind() JobKind { return KindImageAndText }

func (ImageEffect) Prompt() string    { return "" }
func (r TextToVideo) Prompt() string  { return r.Text }
func (r ImageAndText) Prompt() string { return r.Text }

func (ImageEffect) isRequest()  {}
func (TextToVideo) isRequest()  {}
func (ImageAndText) isRequest() {}

// Validate checks the photo and filter are present.
func (r ImageEffect) Validate() error {
	if len(r.Image) == 0 {
		return fmt.Errorf("%w: image is empty", ErrInvalidPayload)
	}
	if strings.TrimSpace(r.FilterID) == "" {
		return fmt.Errorf("%w: filter id is required", ErrInvalidPayload)
	}
	return nil
}

// Validate checks the prompt is not blank.
func (r TextToVideo) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return fmt.Errorf("%w: prompt is empty", ErrInvalidPayload)
	}
	return nil
}

// Validate checks there is at least one non-empty photo and a prompt.
func (r ImageAndText) Validate() error {
	if len(r.Images) == 0 {
		return fmt.Errorf("%w: at least one image is required", ErrInvalidPayload)
	}
	for i, img := range r.Images {
		if len(img) == 0 {
			return fmt.Errorf("%w: image %d is empty", ErrInvalidPayload, i)
		}
	}
	if strings.TrimSpace(r.Text) == "" {
		return fmt.Errorf("%w: prompt is empty", ErrInvalidPayload)
	}
	return nil
}

func (r ImageEffect) Fingerprint() Fingerprint {
	return fingerprint(KindImageEffect, r.FilterID, "", [][]byte{r.Image})
}

func (r TextToVideo) Fingerprint() Fingerprint {
	return fingerprint(KindTextToVideo, "", r.Text, nil)
}

func (r ImageAndText) Fingerprint() Fingerprint {
	return fingerprint(KindImageAndText, "", r.Text, r.Images)
}

// fingerprint hashes kind, filter, prompt and the ordered image digests.
// Fields are length-prefixed so that adjacent values cannot collide.
func fingerprint(kind JobKind, filterID, prompt string, images [][]byte) Fingerprint {
	h := sha256.New()
	write := func(s string) {
		fmt.Fprintf(h, "%d:%s|", len(s), s)
	}
	write(string(kind))
	write(filterID)
	write(strings.TrimSpace(prompt))
	for _, img := range images {
		sum := sha256.Sum256(img)
		write(hex.EncodeToString(sum[:]))
	}
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}
