// Package email holds the simulated email delivery task.
package email

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"taskrelay/internal/registry"
)

const Name = "tasks.send_email_task"

// SendDelay is the simulated delivery time, split evenly across progress steps.
var SendDelay = 3 * time.Second

const steps = 3

// Receipt is the SUCCESS value of a delivery.
type Receipt struct {
	Status  string    `json:"status" yaml:"status"`
	To      string    `json:"to" yaml:"to"`
	Subject string    `json:"subject" yaml:"subject"`
	SentAt  time.Time `json:"sent_at" yaml:"sent_at"`
}

func SendEmail(ctx context.Context, to, subject, body string) (Receipt, error) {
	log := zerolog.Ctx(ctx)
	if !strings.Contains(to, "@") {
		return Receipt{}, fmt.Errorf("invalid recipient %q", to)
	}
	log.Info().Str("to", to).Str("subject", subject).Int("body_bytes", len(body)).Msg("sending email")

	step := SendDelay / steps
	for i := 1; i <= steps; i++ {
		t := time.NewTimer(step)
		select {
		case <-ctx.Done():
			t.Stop()
			return Receipt{}, context.Cause(ctx)
		case <-t.C:
		}
		if err := registry.ReportProgress(ctx, int64(i), steps); err != nil {
			log.Warn().Err(err).Msg("progress update failed")
		}
	}

	r := Receipt{Status: "success", To: to, Subject: subject, SentAt: time.Now().UTC()}
	log.Info().Str("to", to).Msg("email sent")
	return r, nil
}

func Register(reg *registry.Registry) error {
	return reg.Register(registry.Definition{
		Name:            Name,
		Handler:         registry.Func3(SendEmail),
		ReportsProgress: true,
	})
}
