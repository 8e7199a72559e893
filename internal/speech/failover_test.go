package speech

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/speechgw/internal/apperr"
)

func TestFailoverSwitchesToFallbackAndStays(t *testing.T) {
	primary := &scriptedProvider{errs: []error{apperr.New(apperr.KindUnavailable, "synthesize", "down")}}
	var switches []string
	p := NewFailoverProvider(primary, NewMockProvider(0), func(from, to string, _ error) {
		switches = append(switches, from+"->"+to)
	})

	resp, err := p.Synthesize(context.Background(), Request{Text: "hi", Config: Config{Encoding: EncodingMP3}})
	require.NoError(t, err)
	assert.Equal(t, "MOCK-MP3:hi", string(resp.Audio))
	assert.Equal(t, "mock", p.Active())
	assert.Equal(t, []string{"scripted->mock"}, switches)

	_, err = p.Synthesize(context.Background(), Request{Text: "again", Config: Config{Encoding: EncodingMP3}})
	require.NoError(t, err)
	assert.Equal(t, 1, primary.Calls(), "fallback stays active while it works")
}

func TestFailoverKeepsInputErrors(t *testing.T) {
	primary := &scriptedProvider{errs: []error{apperr.New(apperr.KindValidation, "recognize", "bad audio")}}
	fallback := &scriptedProvider{}
	p := NewFailoverProvider(primary, fallback, nil)

	_, err := p.Recognize(context.Background(), Request{Audio: []byte("x")})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Zero(t, fallback.Calls())
	assert.Equal(t, "scripted", p.Active())
}

func TestFailoverReportsBothFailures(t *testing.T) {
	primary := &scriptedProvider{errs: []error{apperr.New(apperr.KindTimeout, "stream", "slow")}}
	fallback := &scriptedProvider{errs: []error{apperr.New(apperr.KindUnavailable, "stream", "down")}}
	p := NewFailoverProvider(primary, fallback, nil)

	_, err := p.StartRecognition(context.Background(), "s1", Config{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "slow")
	assert.Equal(t, 1, fallback.Calls())
}
