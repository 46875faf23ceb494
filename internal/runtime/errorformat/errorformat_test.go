package errorformat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/pipeflow/internal/runtime/flow"
	"github.com/drblury/pipeflow/internal/runtime/message"
)

func sampleDetails() Details {
	err := flow.NewRunError("send", errors.New("connection refused"))
	d := NewDetails("orders", "error during pipeline processing", err, message.FromString("<order id=\"7\"/>"), "mid-1", time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	d.Timestamp = time.Date(2024, 1, 2, 3, 4, 6, 0, time.UTC)
	return d
}

func TestNewDetailsExtractsFailingStep(t *testing.T) {
	d := sampleDetails()
	assert.Equal(t, "send", d.Step)
	assert.Contains(t, d.ErrorText(), "connection refused")
}

func TestXMLFormatter(t *testing.T) {
	out, err := XML{}.Format(context.Background(), sampleDetails())
	require.NoError(t, err)
	text := out.String()

	assert.True(t, strings.HasPrefix(text, "<errorMessage "), text)
	assert.Contains(t, text, `originator="orders"`)
	assert.Contains(t, text, `timestamp="2024-01-02T03:04:06.000Z"`)
	assert.Contains(t, text, `<location class="step" name="send"></location>`)
	assert.Contains(t, text, `messageId="mid-1"`)
	assert.Contains(t, text, "&lt;order id=&#34;7&#34;/&gt;")
}

func TestJSONFormatter(t *testing.T) {
	out, err := JSON{}.Format(context.Background(), sampleDetails())
	require.NoError(t, err)
	assert.Equal(t, "application/json", out.Header("content_type"))

	raw, err := out.Bytes()
	require.NoError(t, err)
	var doc jsonErrorMessage
	require.NoError(t, sonic.ConfigStd.Unmarshal(raw, &doc))
	assert.Equal(t, "send", doc.Step)
	assert.Equal(t, "orders", doc.Originator)
	require.NotNil(t, doc.OriginalMessage)
	assert.Equal(t, "mid-1", doc.OriginalMessage.MessageID)
	assert.Equal(t, `<order id="7"/>`, doc.OriginalMessage.Content)
}

func TestSafeFallsBackOnFailure(t *testing.T) {
	d := sampleDetails()
	boom := errors.New("template broken")
	out, err := Safe(context.Background(), Func(func(context.Context, Details) (*message.Message, error) {
		return nil, boom
	}), d)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "error during pipeline processing: run error in step [send]: connection refused", out.String())
}

func TestSafeRecoversPanics(t *testing.T) {
	out, err := Safe(context.Background(), Func(func(context.Context, Details) (*message.Message, error) {
		panic("nope")
	}), sampleDetails())
	assert.Error(t, err)
	assert.NotNil(t, out)
}

func TestSafeDefaultsToXML(t *testing.T) {
	out, err := Safe(context.Background(), nil, sampleDetails())
	require.NoError(t, err)
	assert.Contains(t, out.String(), "<errorMessage")
}

func TestFallbackWithoutError(t *testing.T) {
	assert.Equal(t, "plain", Fallback(Details{Message: "plain"}).String())
	assert.Equal(t, "boom", Fallback(Details{Err: errors.New("boom")}).String())
}
