package alerting

import (
	"github.com/rs/zerolog"
)

// Channel pushes a rendered alert somewhere an operator will see it.
type Channel interface {
	Name() string
	Send(alert Alert, message string) (providerMessageID string, err error)
}

// Service is the producer-facing surface: it runs the policy, persists the
// alert in the resulting state, and dispatches authorized sends.
type Service struct {
	policy   *Policy
	repo     *Repository
	channels map[string]Channel
	log      zerolog.Logger
}

// NewService creates the alert service.
func NewService(policy *Policy, repo *Repository, channels []Channel, log zerolog.Logger) *Service {
	byName := make(map[string]Channel, len(channels))
	for _, c := range channels {
		byName[c.Name()] = c
	}
	return &Service{
		policy:   policy,
		repo:     repo,
		channels: byName,
		log:      log.With().Str("component", "alerts").Logger(),
	}
}

// Raise creates the alert, applies policy, and dispatches when authorized.
// It returns the alert id and whether a send was authorized. Producer errors
// are store failures only; suppression is not an error.
func (s *Service) Raise(in CreateInput) (string, bool, error) {
	decision := s.policy.Evaluate(in)

	id, err := s.repo.Create(in)
	if err != nil {
		return "", false, err
	}

	if !decision.Authorized {
		if err := s.repo.Suppress(id, decision.SuppressReason); err != nil {
			return id, false, err
		}
		s.log.Debug().Str("alert_id", id).Str("reason", in.Reason).
			Str("suppressed", decision.SuppressReason).Msg("Alert suppressed")
		return id, false, nil
	}

	s.dispatch(id, decision)
	if err := s.repo.MarkSent(id); err != nil {
		return id, true, err
	}
	return id, true, nil
}

// dispatch pushes to every resolved channel and records each attempt. A
// channel failure is recorded, never propagated; the alert still counts as
// sent if any channel was attempted.
func (s *Service) dispatch(id string, decision Decision) {
	alert, err := s.repo.Get(id)
	if err != nil {
		s.log.Error().Err(err).Str("alert_id", id).Msg("Failed to reload alert for dispatch")
		return
	}

	for _, name := range decision.Channels {
		channel, ok := s.channels[name]
		if !ok {
			s.log.Warn().Str("channel", name).Msg("Unknown alert channel")
			continue
		}

		providerID, sendErr := channel.Send(*alert, decision.Message)
		delivery := DeliveryInput{
			AlertID:           id,
			Channel:           name,
			Attempt:           1,
			ProviderMessageID: providerID,
		}
		if sendErr != nil {
			delivery.Status = "failed"
			delivery.Error = sendErr.Error()
			s.log.Error().Err(sendErr).Str("alert_id", id).Str("channel", name).
				Msg("Alert delivery failed")
		} else {
			delivery.Status = "sent"
		}
		if err := s.repo.RecordDelivery(delivery); err != nil {
			s.log.Error().Err(err).Str("alert_id", id).Msg("Failed to record delivery")
		}
	}
}

// Acknowledge forwards to the repository; exposed for the control surface.
func (s *Service) Acknowledge(id, by string) error {
	return s.repo.Acknowledge(id, by)
}

// Resolve forwards to the repository.
func (s *Service) Resolve(id, detail string) error {
	return s.repo.Resolve(id, detail)
}

// List forwards to the repository.
func (s *Service) List(status Status, limit int) ([]Alert, error) {
	return s.repo.List(status, limit)
}

// LogChannel writes alerts to the structured log. It is the default channel
// and never fails.
type LogChannel struct {
	log zerolog.Logger
}

// NewLogChannel creates the log-backed channel.
func NewLogChannel(log zerolog.Logger) *LogChannel {
	return &LogChannel{log: log.With().Str("channel", "log").Logger()}
}

// Name implements Channel.
func (c *LogChannel) Name() string { return "log" }

// Send implements Channel.
func (c *LogChannel) Send(alert Alert, message string) (string, error) {
	c.log.Warn().
		Str("alert_id", alert.ID).
		Str("severity", alert.Severity).
		Str("reason", alert.Reason).
		Msg(message)
	return "", nil
}
