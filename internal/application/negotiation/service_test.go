package negotiation_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataspace-hub/connector/internal/application/dispatcher"
	app "github.com/dataspace-hub/connector/internal/application/negotiation"
	"github.com/dataspace-hub/connector/internal/application/statemachine"
	"github.com/dataspace-hub/connector/internal/domain/command"
	"github.com/dataspace-hub/connector/internal/domain/entity"
	"github.com/dataspace-hub/connector/internal/domain/entity/storetest"
	"github.com/dataspace-hub/connector/internal/domain/negotiation"
	"github.com/dataspace-hub/connector/internal/infrastructure/memory"
	"github.com/dataspace-hub/connector/internal/retry"
)

type neg = *negotiation.ContractNegotiation

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type side struct {
	store   *memory.Store[neg]
	queue   *memory.Queue
	service *app.Service
	manager *statemachine.Manager[neg]
}

func newSide(participant string, clock *storetest.Clock) *side {
	s := &side{
		store: memory.NewStore[neg](memory.WithClock(clock.Now)),
		queue: memory.NewQueue(),
	}
	s.service = app.NewService(s.store, s.queue, app.Config{
		ParticipantID:   participant,
		CallbackAddress: "https://" + participant + ".example/protocol",
		LeaseOwner:      participant + ":api",
		LeaseDuration:   time.Minute,
	}, zerolog.Nop(), app.WithClock(clock.Now))
	return s
}

func (s *side) start(owner string, clock *storetest.Clock, peer *side) {
	policy := retry.New(retry.Config{MaxRetries: 20, MinBackoff: 100 * time.Millisecond, MaxBackoff: 100 * time.Millisecond, Factor: 1})
	sender := senderFunc(func(ctx context.Context, msg dispatcher.Message) *dispatcher.Future {
		reply, err := peer.service.HandleMessage(ctx, msg.Type, msg.Payload.(negotiation.Message))
		if err != nil {
			if errors.Is(err, entity.ErrNotLeased) {
				return dispatcher.Resolved(dispatcher.Response{Status: 503}, entity.Transient(err))
			}
			return dispatcher.Resolved(dispatcher.Response{}, retry.Fatal(err))
		}
		body, _ := json.Marshal(reply)
		return dispatcher.Resolved(dispatcher.Response{Status: 200, Body: body}, nil)
	})
	s.manager = statemachine.New(s.service.Process(), s.store, s.queue, policy,
		statemachine.Config{OwnerID: owner, PendingTimeout: time.Minute},
		zerolog.Nop(),
		statemachine.WithClock[neg](clock.Now),
		statemachine.WithSender[neg](sender))
}

func (s *side) find(t *testing.T, id string) neg {
	t.Helper()
	n, err := s.store.Find(context.Background(), id)
	require.NoError(t, err)
	return n
}

func request() negotiation.Request {
	return negotiation.Request{
		CounterPartyID:      "provider",
		CounterPartyAddress: "https://provider.example/protocol",
		Protocol:            app.Protocol,
		OfferID:             "offer-1",
		AssetID:             "asset-1",
		Policy:              json.RawMessage(`{"permission":[]}`),
	}
}

func TestService_InitiateAndQuery(t *testing.T) {
	ctx := context.Background()
	consumer := newSide("consumer", storetest.NewClock(epoch))

	n, err := consumer.service.Initiate(ctx, request())
	require.NoError(t, err)
	assert.Equal(t, negotiation.StateInitial, n.Current())
	assert.Equal(t, negotiation.TypeConsumer, n.Type)

	found, err := consumer.service.Find(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "offer-1", found.OfferID)

	items, err := consumer.service.Query(ctx, entity.QuerySpec{
		Criteria: []entity.Criterion{entity.Where("assetId", entity.OpEqual, "asset-1")},
	})
	require.NoError(t, err)
	require.Len(t, items, 1)

	_, err = consumer.service.Initiate(ctx, negotiation.Request{Protocol: app.Protocol})
	assert.ErrorIs(t, err, entity.ErrInvalid)
}

func TestService_CommandsAreQueued(t *testing.T) {
	ctx := context.Background()
	consumer := newSide("consumer", storetest.NewClock(epoch))
	n, err := consumer.service.Initiate(ctx, request())
	require.NoError(t, err)

	cmd, err := consumer.service.Terminate(ctx, n.ID, "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, command.TypeTerminate, cmd.Type)
	assert.Equal(t, 1, consumer.queue.Len())

	_, err = consumer.service.Cancel(ctx, "missing", "")
	assert.ErrorIs(t, err, entity.ErrNotFound)
	assert.Equal(t, 1, consumer.queue.Len())
}

func TestApplyCommand(t *testing.T) {
	n := storetest.Sample("n1", negotiation.StateRequested, epoch)
	require.NoError(t, app.ApplyCommand(n, command.Command{Type: command.TypeCancel, Reason: "user"}, epoch))
	assert.Equal(t, negotiation.StateTerminated, n.Current())
	assert.Equal(t, "cancelled: user", n.ErrorDetail)

	n = storetest.Sample("n2", negotiation.StateRequested, epoch)
	require.NoError(t, app.ApplyCommand(n, command.Command{Type: command.TypeTerminate, Reason: "user"}, epoch))
	assert.Equal(t, negotiation.StateTerminating, n.Current())

	assert.ErrorIs(t, app.ApplyCommand(n, command.Command{Type: command.TypeComplete}, epoch), entity.ErrInvalid)
}

func TestNegotiation_EndToEnd(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock(epoch)
	consumer := newSide("consumer", clock)
	provider := newSide("provider", clock)
	consumer.start("consumer-runtime", clock, provider)
	provider.start("provider-runtime", clock, consumer)

	n, err := consumer.service.Initiate(ctx, request())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		_, _ = consumer.manager.RunOnce(ctx)
		_, _ = provider.manager.RunOnce(ctx)
		got, err := consumer.store.Find(ctx, n.ID)
		if err != nil {
			return false
		}
		return negotiation.IsTerminal(got.State)
	}, 5*time.Second, 5*time.Millisecond)

	got := consumer.find(t, n.ID)
	require.Equal(t, negotiation.StateFinalized, got.Current(), got.ErrorDetail)
	require.NotEmpty(t, got.CorrelationID)
	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		_, _ = provider.manager.RunOnce(ctx)
		return provider.find(t, got.CorrelationID).Current() == negotiation.StateFinalized
	}, 5*time.Second, 5*time.Millisecond)

	p := provider.find(t, got.CorrelationID)
	assert.Equal(t, negotiation.TypeProvider, p.Type)
	assert.Equal(t, n.ID, p.CorrelationID)
	assert.NotEmpty(t, p.AgreementID)
	assert.Equal(t, p.AgreementID, got.AgreementID)
	assert.Equal(t, "consumer", p.CounterPartyID)

	require.NoError(t, consumer.manager.Stop(ctx))
	require.NoError(t, provider.manager.Stop(ctx))
}

func TestHandleMessage_RequestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	provider := newSide("provider", storetest.NewClock(epoch))
	msg := negotiation.Message{
		SenderProcessID: "c-1",
		ParticipantID:   "consumer",
		CallbackAddress: "https://consumer.example/protocol",
		OfferID:         "offer-1",
	}

	first, err := provider.service.HandleMessage(ctx, negotiation.MsgContractRequest, msg)
	require.NoError(t, err)
	second, err := provider.service.HandleMessage(ctx, negotiation.MsgContractRequest, msg)
	require.NoError(t, err)
	assert.Equal(t, first.ProcessID, second.ProcessID)

	n := provider.find(t, first.ProcessID)
	assert.Equal(t, negotiation.StateRequested, n.Current())
	assert.Equal(t, "c-1", n.CorrelationID)
}

func TestHandleMessage_Rejections(t *testing.T) {
	ctx := context.Background()
	provider := newSide("provider", storetest.NewClock(epoch))
	opened, err := provider.service.HandleMessage(ctx, negotiation.MsgContractRequest, negotiation.Message{
		SenderProcessID: "c-1",
		CallbackAddress: "https://consumer.example/protocol",
		OfferID:         "offer-1",
	})
	require.NoError(t, err)

	tests := []struct {
		name    string
		msgType string
		msg     negotiation.Message
		want    error
	}{
		{"missing sender", negotiation.MsgAgreementVerification, negotiation.Message{ProcessID: opened.ProcessID}, entity.ErrInvalid},
		{"unknown type", "Bogus", negotiation.Message{ProcessID: opened.ProcessID, SenderProcessID: "c-1"}, entity.ErrInvalid},
		{"unknown process", negotiation.MsgAgreementVerification, negotiation.Message{ProcessID: "missing", SenderProcessID: "c-1"}, entity.ErrNotFound},
		{"foreign sender", negotiation.MsgAgreementVerification, negotiation.Message{ProcessID: opened.ProcessID, SenderProcessID: "c-2"}, entity.ErrInvalid},
		{"wrong role", negotiation.MsgFinalized, negotiation.Message{ProcessID: opened.ProcessID, SenderProcessID: "c-1"}, entity.ErrInvalid},
		{"wrong state", negotiation.MsgAgreementVerification, negotiation.Message{ProcessID: opened.ProcessID, SenderProcessID: "c-1"}, negotiation.ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := provider.service.HandleMessage(ctx, tt.msgType, tt.msg)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	leased, err := provider.store.IsLeasedBy(ctx, opened.ProcessID, "provider:api")
	require.NoError(t, err)
	assert.False(t, leased)
}

func TestHandleMessage_Termination(t *testing.T) {
	ctx := context.Background()
	provider := newSide("provider", storetest.NewClock(epoch))
	opened, err := provider.service.HandleMessage(ctx, negotiation.MsgContractRequest, negotiation.Message{
		SenderProcessID: "c-1",
		CallbackAddress: "https://consumer.example/protocol",
		OfferID:         "offer-1",
	})
	require.NoError(t, err)

	term := negotiation.Message{ProcessID: opened.ProcessID, SenderProcessID: "c-1", Reason: "changed my mind"}
	_, err = provider.service.HandleMessage(ctx, negotiation.MsgTermination, term)
	require.NoError(t, err)
	_, err = provider.service.HandleMessage(ctx, negotiation.MsgTermination, term)
	require.NoError(t, err)

	n := provider.find(t, opened.ProcessID)
	assert.Equal(t, negotiation.StateTerminated, n.Current())
	assert.Contains(t, n.ErrorDetail, "changed my mind")
}

func TestProcess_TerminatingWithoutPeerSkipsMessage(t *testing.T) {
	ctx := context.Background()
	clock := storetest.NewClock(epoch)
	consumer := newSide("consumer", clock)
	consumer.start("consumer-runtime", clock, consumer)

	n := storetest.Sample("n1", negotiation.StateTerminating, epoch)
	n.CorrelationID = ""
	require.NoError(t, consumer.store.Create(ctx, n))

	handled, err := consumer.manager.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	assert.Equal(t, negotiation.StateTerminated, consumer.find(t, "n1").Current())
}

type senderFunc func(ctx context.Context, msg dispatcher.Message) *dispatcher.Future

func (f senderFunc) Send(ctx context.Context, msg dispatcher.Message) *dispatcher.Future {
	return f(ctx, msg)
}
