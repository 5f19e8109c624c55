package natsplatform

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"joingate/service/platform"
	"joingate/tools/errs"
)

type sent struct {
	subject string
	req     Request
}

// executor answers requests in-process the way the platform executor does.
type executor struct {
	sent   []sent
	answer func(op string, req Request) (any, error)
}

func (e *executor) RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	e.sent = append(e.sent, sent{subject: subj, req: req})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rep, err := e.answer(subj[len("joingate.platform."):], req)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(rep)
	if err != nil {
		return nil, err
	}
	return &nats.Msg{Subject: subj, Data: body}, nil
}

func okExecutor() *executor {
	return &executor{answer: func(op string, req Request) (any, error) {
		switch op {
		case "send":
			return Reply{OK: true, Ref: &platform.MessageRef{ChatID: req.ChatID, MessageID: 77}}, nil
		case "get_member":
			return Reply{OK: true, Member: &platform.Member{Status: platform.StatusAdministrator, CanRestrictMembers: true}}, nil
		}
		return Reply{OK: true}, nil
	}}
}

func TestCallsMapToSubjects(t *testing.T) {
	ex := okExecutor()
	p := New(ex, "joingate.platform")
	ctx := context.Background()

	require.NoError(t, p.ApproveJoin(ctx, -1, 2))
	until := time.Unix(1_800_000_000, 0)
	require.NoError(t, p.RestrictMember(ctx, -1, 2, platform.Muted(), until))
	require.NoError(t, p.RestrictMember(ctx, -1, 2, platform.Open(), time.Time{}))

	ref, err := p.SendMessage(ctx, 2, "hi", platform.Keyboard{{{Text: "A", Data: "cap|-1|2|1|n"}}})
	require.NoError(t, err)
	assert.Equal(t, platform.MessageRef{ChatID: 2, MessageID: 77}, ref)

	m, err := p.GetChatMember(ctx, -1, 9)
	require.NoError(t, err)
	assert.True(t, m.IsAdmin())

	require.Len(t, ex.sent, 5)
	assert.Equal(t, "joingate.platform.approve", ex.sent[0].subject)
	assert.Equal(t, "joingate.platform.restrict", ex.sent[1].subject)
	assert.Equal(t, int64(1_800_000_000), ex.sent[1].req.Until)
	assert.Zero(t, ex.sent[2].req.Until)
	assert.True(t, ex.sent[2].req.Perms.CanSendMessages)
	assert.Equal(t, "cap|-1|2|1|n", ex.sent[3].req.Keyboard[0][0].Data)
}

func TestRejectedCallIsPlatformError(t *testing.T) {
	ex := &executor{answer: func(string, Request) (any, error) {
		return Reply{OK: false, Error: "Bad Request: USER_ALREADY_PARTICIPANT"}, nil
	}}
	p := New(ex, "joingate.platform")

	err := p.ApproveJoin(context.Background(), -1, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrPlatformCall)
	assert.Contains(t, err.Error(), "USER_ALREADY_PARTICIPANT")
}

func TestTransportFailureIsPlatformError(t *testing.T) {
	ex := &executor{answer: func(string, Request) (any, error) { return nil, nats.ErrNoResponders }}
	p := New(ex, "joingate.platform", WithTimeout(50*time.Millisecond))

	_, err := p.SendMessage(context.Background(), 2, "hi", nil)
	assert.ErrorIs(t, err, errs.ErrPlatformCall)
	assert.False(t, errors.Is(err, errs.ErrArgs))
}

func TestMissingPayloadInReply(t *testing.T) {
	ex := &executor{answer: func(string, Request) (any, error) { return Reply{OK: true}, nil }}
	p := New(ex, "joingate.platform")

	_, err := p.SendMessage(context.Background(), 2, "hi", nil)
	assert.ErrorIs(t, err, errs.ErrPlatformCall)
	_, err = p.GetChatMember(context.Background(), -1, 2)
	assert.ErrorIs(t, err, errs.ErrPlatformCall)
}
