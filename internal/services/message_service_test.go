package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"dm-service/internal/apperr"
	"dm-service/internal/mocks"
	"dm-service/internal/models"
)

type fixture struct {
	svc       *Messages
	store     *mocks.MessageRepositoryMock
	directory *mocks.DirectoryMock
	delivery  *mocks.DelivererMock
}

func newFixture() fixture {
	f := fixture{
		store:     new(mocks.MessageRepositoryMock),
		directory: new(mocks.DirectoryMock),
		delivery:  new(mocks.DelivererMock),
	}
	f.svc = NewMessages(f.store, f.directory, f.delivery, time.Second)
	return f
}

func TestSendPersistsThenRoutes(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	stored := models.Message{ID: 9, SenderID: 1, ReceiverID: 2, Text: "hi"}

	var order []string
	f.directory.On("UserExists", mock.Anything, int64(1)).Return(true, nil).Once()
	f.directory.On("UserExists", mock.Anything, int64(2)).Return(true, nil).Once()
	f.store.On("Create", mock.Anything, models.NewMessage{SenderID: 1, ReceiverID: 2, Text: "hi"}).
		Run(func(mock.Arguments) { order = append(order, "create") }).
		Return(stored, nil).Once()
	f.delivery.On("RouteNewMessage", mock.Anything, stored).
		Run(func(mock.Arguments) { order = append(order, "route") }).
		Once()

	msg, err := f.svc.Send(ctx, models.NewMessage{SenderID: 1, ReceiverID: 2, Text: "  hi "})
	require.NoError(t, err)
	assert.Equal(t, stored, msg)
	assert.Equal(t, []string{"create", "route"}, order)

	f.store.AssertExpectations(t)
	f.directory.AssertExpectations(t)
	f.delivery.AssertExpectations(t)
}

func TestSendValidation(t *testing.T) {
	cases := []struct {
		name string
		in   models.NewMessage
	}{
		{"empty body", models.NewMessage{SenderID: 1, ReceiverID: 2, Text: "   "}},
		{"missing receiver", models.NewMessage{SenderID: 1, Text: "hi"}},
		{"missing sender", models.NewMessage{ReceiverID: 2, Text: "hi"}},
		{"self send", models.NewMessage{SenderID: 2, ReceiverID: 2, Text: "hi"}},
		{"image not a url", models.NewMessage{SenderID: 1, ReceiverID: 2, Image: "not a url"}},
		{"image wrong scheme", models.NewMessage{SenderID: 1, ReceiverID: 2, Image: "ftp://host/p.png"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			_, err := f.svc.Send(context.Background(), tc.in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperr.ErrValidation))
			f.store.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
			f.delivery.AssertNotCalled(t, "RouteNewMessage", mock.Anything, mock.Anything)
		})
	}
}

func TestSendImageOnly(t *testing.T) {
	f := newFixture()
	f.directory.On("UserExists", mock.Anything, mock.Anything).Return(true, nil)
	in := models.NewMessage{SenderID: 1, ReceiverID: 2, Image: "https://cdn.example/a.png"}
	f.store.On("Create", mock.Anything, in).Return(models.Message{ID: 1, SenderID: 1, ReceiverID: 2, Image: in.Image}, nil).Once()
	f.delivery.On("RouteNewMessage", mock.Anything, mock.Anything).Once()

	msg, err := f.svc.Send(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, in.Image, msg.Image)
}

func TestSendUnknownReceiverPersistsNothing(t *testing.T) {
	f := newFixture()
	f.directory.On("UserExists", mock.Anything, int64(1)).Return(true, nil).Once()
	f.directory.On("UserExists", mock.Anything, int64(404)).Return(false, nil).Once()

	_, err := f.svc.Send(context.Background(), models.NewMessage{SenderID: 1, ReceiverID: 404, Text: "hi"})
	require.ErrorIs(t, err, apperr.ErrNotFound)
	f.store.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	f.delivery.AssertNotCalled(t, "RouteNewMessage", mock.Anything, mock.Anything)
}

func TestSendDirectoryUnavailable(t *testing.T) {
	f := newFixture()
	f.directory.On("UserExists", mock.Anything, int64(1)).Return(false, errors.New("dial timeout")).Once()

	_, err := f.svc.Send(context.Background(), models.NewMessage{SenderID: 1, ReceiverID: 2, Text: "hi"})
	require.ErrorIs(t, err, apperr.ErrUpstream)
	f.store.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestSendStoreFailureIsNotBroadcast(t *testing.T) {
	f := newFixture()
	f.directory.On("UserExists", mock.Anything, mock.Anything).Return(true, nil)
	f.store.On("Create", mock.Anything, mock.Anything).
		Return(models.Message{}, errors.Join(apperr.ErrTransientStore, errors.New("disk full"))).Once()

	_, err := f.svc.Send(context.Background(), models.NewMessage{SenderID: 1, ReceiverID: 2, Text: "hi"})
	require.ErrorIs(t, err, apperr.ErrTransientStore)
	f.delivery.AssertNotCalled(t, "RouteNewMessage", mock.Anything, mock.Anything)
}

func TestSendDetachesFromCallerCancellation(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())

	// the caller goes away after the directory check, before the store call
	f.directory.On("UserExists", mock.Anything, mock.Anything).Run(func(mock.Arguments) { cancel() }).Return(true, nil)
	f.store.On("Create", mock.MatchedBy(func(ctx context.Context) bool {
		_, hasDeadline := ctx.Deadline()
		return ctx.Err() == nil && hasDeadline
	}), mock.Anything).Return(models.Message{ID: 1, SenderID: 1, ReceiverID: 2, Text: "hi"}, nil).Once()
	f.delivery.On("RouteNewMessage", mock.Anything, mock.Anything).Once()

	_, err := f.svc.Send(ctx, models.NewMessage{SenderID: 1, ReceiverID: 2, Text: "hi"})
	require.NoError(t, err)
	f.store.AssertExpectations(t)
}

func TestSendWithoutDirectory(t *testing.T) {
	store := new(mocks.MessageRepositoryMock)
	delivery := new(mocks.DelivererMock)
	svc := NewMessages(store, nil, delivery, 0)

	store.On("Create", mock.Anything, mock.Anything).Return(models.Message{ID: 1}, nil).Once()
	delivery.On("RouteNewMessage", mock.Anything, mock.Anything).Once()

	_, err := svc.Send(context.Background(), models.NewMessage{SenderID: 1, ReceiverID: 2, Text: "hi"})
	require.NoError(t, err)
}

// seqStore hands out increasing ids the way the database does.
type seqStore struct {
	*mocks.MessageRepositoryMock

	mu   sync.Mutex
	next int64
}

func (s *seqStore) Create(_ context.Context, in models.NewMessage) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return models.Message{ID: s.next, SenderID: in.SenderID, ReceiverID: in.ReceiverID, Text: in.Text}, nil
}

func TestSendSamePairRoutesInPersistOrder(t *testing.T) {
	store := &seqStore{MessageRepositoryMock: new(mocks.MessageRepositoryMock)}
	delivery := new(mocks.DelivererMock)
	svc := NewMessages(store, nil, delivery, time.Second)

	var (
		mu     sync.Mutex
		routed []int64
	)
	delivery.On("RouteNewMessage", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		mu.Lock()
		defer mu.Unlock()
		routed = append(routed, args.Get(1).(models.Message).ID)
	})

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Send(context.Background(), models.NewMessage{SenderID: 1, ReceiverID: 2, Text: "m"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, routed, 25)
	for i := 1; i < len(routed); i++ {
		assert.Greater(t, routed[i], routed[i-1])
	}
}

func TestMarkRead(t *testing.T) {
	f := newFixture()
	f.delivery.On("RouteReadReceipt", mock.Anything, int64(2), int64(1)).Return(int64(3), nil).Once()

	n, err := f.svc.MarkRead(context.Background(), 2, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = f.svc.MarkRead(context.Background(), 2, 0)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	f.delivery.AssertExpectations(t)
}

func TestConversationChoosesQuery(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.store.On("History", ctx, int64(1), int64(2)).Return([]models.Message{{ID: 1}}, nil).Once()
	f.store.On("HistoryPage", ctx, int64(1), int64(2), int64(50), 20).Return([]models.Message{{ID: 49}}, nil).Once()

	all, err := f.svc.Conversation(ctx, 1, 2, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	page, err := f.svc.Conversation(ctx, 1, 2, 50, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(49), page[0].ID)

	_, err = f.svc.Conversation(ctx, 1, 0, 0, 0)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	f.store.AssertExpectations(t)
}

func TestUnseenPassthroughs(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.store.On("UnseenCount", ctx, int64(2)).Return(int64(5), nil).Once()
	f.store.On("UnseenCountFrom", ctx, int64(2), int64(1)).Return(int64(3), nil).Once()
	f.store.On("UnseenBySender", ctx, int64(2)).Return([]models.UnseenCount{{SenderID: 1, UnseenCount: 3}}, nil).Once()

	total, err := f.svc.UnseenCount(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)

	from, err := f.svc.UnseenFrom(ctx, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), from)

	by, err := f.svc.UnseenBySender(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, by, 1)
}
