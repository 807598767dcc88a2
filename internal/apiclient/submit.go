package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/ChuLiYu/genflow/pkg/types"
)

// Receipt is the server acknowledgement of a submission. JobID is empty when
// an image-effect submission returned no token; such jobs are matched later
// against the generation list.
type Receipt struct {
	JobID types.JobID
	Kind  types.JobKind
}

// Submit validates req and sends it to the endpoint for its kind. Invalid
// input fails with ErrInvalidPayload before any network traffic.
func (c *Client) Submit(ctx context.Context, req types.Request) (Receipt, error) {
	if req == nil {
		return Receipt{}, newError("submit", ErrInvalidPayload, errors.New("nil request"))
	}
	if err := req.Validate(); err != nil {
		return Receipt{}, newError("submit", ErrInvalidPayload, err)
	}

	switch r := req.(type) {
	case types.ImageEffect:
		return c.submitEffect(ctx, r)
	case types.TextToVideo:
		return c.submitText(ctx, r)
	case types.ImageAndText:
		return c.submitScenes(ctx, r)
	default:
		return Receipt{}, newError("submit", ErrInvalidPayload, fmt.Errorf("unsupported request %T", req))
	}
}

func (c *Client) submitEffect(ctx context.Context, r types.ImageEffect) (Receipt, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := writeImagePart(mw, "file", "photo.jpg", r.Image); err != nil {
		return Receipt{}, newError("submit", ErrInvalidPayload, err)
	}
	fields := map[string]string{
		"filter_id": r.FilterID,
		"appId":     c.opts.AppID,
		"userId":    c.opts.UserID,
	}
	if err := writeFields(mw, fields); err != nil {
		return Receipt{}, newError("submit", ErrInvalidPayload, err)
	}
	if err := mw.Close(); err != nil {
		return Receipt{}, newError("submit", ErrInvalidPayload, err)
	}

	env, err := c.call(ctx, "submit", http.MethodPost, c.endpoint("/generate", nil), mw.FormDataContentType(), buf.Bytes())
	if err != nil {
		return Receipt{}, err
	}
	var tokens []string
	if err := decodeData("submit", env, &tokens); err != nil {
		return Receipt{}, err
	}

	rc := Receipt{Kind: types.KindImageEffect}
	if len(tokens) > 0 {
		rc.JobID = types.JobID(strings.TrimSpace(tokens[0]))
	}
	return rc, nil
}

func (c *Client) submitText(ctx context.Context, r types.TextToVideo) (Receipt, error) {
	body, err := json.Marshal(map[string]string{
		"promptText": r.Text,
		"userId":     c.opts.UserID,
		"appId":      c.opts.AppID,
	})
	if err != nil {
		return Receipt{}, newError("submit", ErrInvalidPayload, err)
	}

	env, err := c.call(ctx, "submit", http.MethodPost, c.endpoint("/generate/txt2video", nil), "application/json", body)
	if err != nil {
		return Receipt{}, err
	}
	return receiptFromGenerationID(env, types.KindTextToVideo)
}

func (c *Client) submitScenes(ctx context.Context, r types.ImageAndText) (Receipt, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := map[string]string{
		"mode":       "precise",
		"promptText": r.Text,
		"userId":     c.opts.UserID,
		"appId":      c.opts.AppID,
	}
	if err := writeFields(mw, fields); err != nil {
		return Receipt{}, newError("submit", ErrInvalidPayload, err)
	}
	for i, img := range r.Images {
		if err := writeImagePart(mw, "ingredients[]", fmt.Sprintf("image%d.jpg", i), img); err != nil {
			return Receipt{}, newError("submit", ErrInvalidPayload, err)
		}
	}
	if err := mw.Close(); err != nil {
		return Receipt{}, newError("submit", ErrInvalidPayload, err)
	}

	env, err := c.call(ctx, "submit", http.MethodPost, c.endpoint("/generate/pikaScenes", nil), mw.FormDataContentType(), buf.Bytes())
	if err != nil {
		return Receipt{}, err
	}
	return receiptFromGenerationID(env, types.KindImageAndText)
}

func receiptFromGenerationID(env envelope, kind types.JobKind) (Receipt, error) {
	var data wireGenerationID
	if err := decodeData("submit", env, &data); err != nil {
		return Receipt{}, err
	}
	id := strings.TrimSpace(string(data.GenerationID))
	if id == "" {
		return Receipt{}, newError("submit", ErrMalformedResponse, errors.New("missing generationId"))
	}
	return Receipt{JobID: types.JobID(id), Kind: kind}, nil
}

func writeFields(mw *multipart.Writer, fields map[string]string) error {
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	return nil
}

func writeImagePart(mw *multipart.Writer, field, filename string, data []byte) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	h.Set("Content-Type", http.DetectContentType(data))
	w, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
