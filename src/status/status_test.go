package status

import (
	"context"
	"testing"
	"time"

	"github.com/nhirsama/picolog/src/inter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChannel struct {
	payload []byte
	status  int32
	err     error
	param   int32
	closes  int
}

func (s *stubChannel) Invoke(_ context.Context, _ uint16, parameter int32) ([]byte, int32, error) {
	s.param = parameter
	return s.payload, s.status, s.err
}

func (s *stubChannel) Close() error {
	s.closes++
	return nil
}

func dialStub(ch *stubChannel) inter.Dialer {
	return func(context.Context) (inter.Channel, error) { return ch, nil }
}

func TestQuery(t *testing.T) {
	ch := &stubChannel{payload: []byte("ext 12.3 int 30.0 control ON auto 1 temp MILD up 42\n")}
	text, err := Query(context.Background(), dialStub(ch), inter.FirstUserHandler)
	require.NoError(t, err)
	assert.Equal(t, "ext 12.3 int 30.0 control ON auto 1 temp MILD up 42\n", text)
	assert.Equal(t, inter.ParamTextReport, ch.param)
	assert.Equal(t, 1, ch.closes)
}

func TestQueryDropsInvalidUTF8(t *testing.T) {
	ch := &stubChannel{payload: []byte("ext \xff12.0\xfe ok")}
	text, err := Query(context.Background(), dialStub(ch), inter.FirstUserHandler)
	require.NoError(t, err)
	assert.Equal(t, "ext 12.0 ok", text)
}

func TestQueryErrors(t *testing.T) {
	ch := &stubChannel{status: 3}
	_, err := Query(context.Background(), dialStub(ch), inter.FirstUserHandler)
	var remote *inter.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, int32(3), remote.Status)
	assert.Equal(t, 1, ch.closes)

	ch = &stubChannel{err: inter.ErrTransport}
	_, err = Query(context.Background(), dialStub(ch), inter.FirstUserHandler)
	assert.ErrorIs(t, err, inter.ErrTransport)
	assert.Equal(t, 1, ch.closes)

	_, err = Query(context.Background(), func(context.Context) (inter.Channel, error) {
		return nil, inter.ErrConnection
	}, inter.FirstUserHandler)
	assert.ErrorIs(t, err, inter.ErrConnection)
}

func TestParseReport(t *testing.T) {
	r, err := ParseReport("ext -3.5 int 30.0 control AUTO auto 0 temp COLD up 86400\n")
	require.NoError(t, err)
	assert.Equal(t, Report{
		External: -3.5,
		Internal: 30.0,
		Control:  "AUTO",
		Auto:     false,
		Band:     "COLD",
		Uptime:   24 * time.Hour,
	}, r)
}

func TestParseReportErrors(t *testing.T) {
	for _, text := range []string{
		"",
		"ext 1.0 int",
		"ext x int 30.0 control ON auto 1 temp MILD up 42",
		"ext 1.0 int 30.0 control ON auto 1 temp MILD",
	} {
		_, err := ParseReport(text)
		assert.Error(t, err, text)
	}
}
