package service

import (
	"context"
	"fmt"

	"github.com/spacetrove/trove/pkg/access"
	"github.com/spacetrove/trove/pkg/model"
	"github.com/spacetrove/trove/pkg/observability"
	"github.com/spacetrove/trove/pkg/storage"
)

// EmailSender delivers outbound mail. A failure is a delivery error, never
// a core-state error.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMSSender delivers outbound text messages.
type SMSSender interface {
	SendSMS(ctx context.Context, msisdn, message string) error
}

// LogEmailSender logs instead of delivering.
type LogEmailSender struct {
	Logger *observability.Logger
}

func (s *LogEmailSender) SendEmail(_ context.Context, to, subject, _ string) error {
	if s.Logger != nil {
		s.Logger.WithFields(map[string]interface{}{
			"to":      to,
			"subject": subject,
		}).Info("email notification")
	}
	return nil
}

// LogSMSSender logs instead of delivering.
type LogSMSSender struct {
	Logger *observability.Logger
}

func (s *LogSMSSender) SendSMS(_ context.Context, msisdn, _ string) error {
	if s.Logger != nil {
		s.Logger.WithField("msisdn", msisdn).Info("sms notification")
	}
	return nil
}

// OwnerNotifier tells an entry's owner about mutations made by someone
// else, by email when the owner has a verified address, falling back to
// SMS. Owners without contact details are skipped.
type OwnerNotifier struct {
	Adapter storage.Adapter
	Email   EmailSender
	SMS     SMSSender
	Logger  *observability.Logger
}

func (n *OwnerNotifier) Notify(ctx context.Context, event Event) error {
	if event.Owner == "" || event.Owner == event.Actor {
		return nil
	}
	res, err := n.Adapter.LoadOrNil(ctx, access.ManagementSpace, access.SubpathUsers,
		event.Owner, model.ResourceTypeUser)
	if err != nil {
		return err
	}
	owner, ok := res.(*model.User)
	if !ok {
		return nil
	}

	subject := fmt.Sprintf("entry %s: %s", event.Shortname, event.Action)
	message := fmt.Sprintf("%s applied %s to %s/%s/%s",
		event.Actor, event.Action, event.Space, event.Subpath, event.Shortname)

	switch {
	case owner.Email != "" && n.Email != nil:
		return n.Email.SendEmail(ctx, owner.Email, subject, message)
	case owner.Msisdn != "" && n.SMS != nil:
		return n.SMS.SendSMS(ctx, owner.Msisdn, message)
	default:
		if n.Logger != nil {
			n.Logger.WithField("owner", event.Owner).Debug("owner has no notification channel")
		}
		return nil
	}
}
