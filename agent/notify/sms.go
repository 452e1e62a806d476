package notify

import (
	"context"
	"errors"
	"fmt"

	contractx "github.com/clearhaul/clearhaul/agent/contract"
)

// SMSNotifier texts the provider a one-line summary of the transition.
type SMSNotifier struct {
	sender        contractx.SMSSender
	providerPhone string
}

func NewSMSNotifier(sender contractx.SMSSender, providerPhone string) (*SMSNotifier, error) {
	if sender == nil {
		return nil, errors.New("sms sender is required")
	}
	if providerPhone == "" {
		return nil, errors.New("provider phone is required")
	}
	return &SMSNotifier{sender: sender, providerPhone: providerPhone}, nil
}

func (n *SMSNotifier) Notify(ctx context.Context, event contractx.NotificationEvent) error {
	_, err := n.sender.Send(ctx, n.providerPhone, renderBody(event))
	return err
}

func renderBody(event contractx.NotificationEvent) string {
	amin := event.Quote["amount_min"]
	amax := event.Quote["amount_max"]

	if event.Status == "BOOKED" {
		addr, _ := event.Booking["address"].(string)
		if addr == "" {
			addr = "No address"
		}
		window := fmt.Sprintf("%v %v", event.Booking["date"], event.Booking["window"])
		return fmt.Sprintf("[Junk] BOOKED — %s | %s | %s | $%v–$%v. Reply to this number to view thread.",
			event.CustomerPhone, addr, window, amin, amax)
	}

	tier, _ := event.Quote["tier"].(string)
	frac := "—"
	if f, ok := event.Quote["truck_fraction"].(float64); ok {
		frac = fmt.Sprintf("%.0f%%", f*100)
	}
	return fmt.Sprintf("[Junk] QUOTED — Customer %s | $%v–$%v (%s, ~%s truck). Reply to this number to view thread.",
		event.CustomerPhone, amin, amax, tier, frac)
}
