package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spacetrove/trove/pkg/access"
	"github.com/spacetrove/trove/pkg/model"
)

type capturingEmail struct {
	mu   sync.Mutex
	sent []string
}

func (c *capturingEmail) SendEmail(_ context.Context, to, _, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, to)
	return nil
}

type capturingSMS struct {
	mu   sync.Mutex
	sent []string
}

func (c *capturingSMS) SendSMS(_ context.Context, msisdn, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msisdn)
	return nil
}

func TestOwnerNotifier(t *testing.T) {
	_, adapter := newTestService(t)
	ctx := context.Background()

	require.NoError(t, adapter.Save(ctx, access.ManagementSpace, access.SubpathUsers, &model.User{
		Meta:  model.Meta{Shortname: "mailbound", IsActive: true},
		Email: "mail@example.com",
	}))
	require.NoError(t, adapter.Save(ctx, access.ManagementSpace, access.SubpathUsers, &model.User{
		Meta:   model.Meta{Shortname: "phonebound", IsActive: true},
		Msisdn: "+15550001111",
	}))

	email := &capturingEmail{}
	sms := &capturingSMS{}
	notifier := &OwnerNotifier{Adapter: adapter, Email: email, SMS: sms}

	event := Event{
		Actor: "alice", Action: RequestUpdate,
		Space: "data", Subpath: "articles", Shortname: "a1",
		ResourceType: model.ResourceTypeContent,
	}

	t.Run("email preferred", func(t *testing.T) {
		event.Owner = "mailbound"
		require.NoError(t, notifier.Notify(ctx, event))
		assert.Equal(t, []string{"mail@example.com"}, email.sent)
		assert.Empty(t, sms.sent)
	})

	t.Run("sms fallback", func(t *testing.T) {
		event.Owner = "phonebound"
		require.NoError(t, notifier.Notify(ctx, event))
		assert.Equal(t, []string{"+15550001111"}, sms.sent)
	})

	t.Run("self mutation skipped", func(t *testing.T) {
		event.Owner = "alice"
		require.NoError(t, notifier.Notify(ctx, event))
		assert.Len(t, email.sent, 1)
		assert.Len(t, sms.sent, 1)
	})

	t.Run("unknown owner skipped", func(t *testing.T) {
		event.Owner = "ghost"
		require.NoError(t, notifier.Notify(ctx, event))
		assert.Len(t, email.sent, 1)
		assert.Len(t, sms.sent, 1)
	})
}
