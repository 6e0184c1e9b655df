package dmq

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// AutoApprovalReviewer and AutoApprovalNotes are stamped on verification
// requests approved by the automatic checks, so reviewed-by-human and
// approved-by-system records stay distinguishable.
const (
	AutoApprovalReviewer = "system"
	AutoApprovalNotes    = "Auto-verification passed"
)

// DonationHandlers is the domain surface the donation service exposes to its
// subscriptions. All methods must be idempotent per envelope id - delivery is
// at-least-once and the dedup window is finite.
type DonationHandlers interface {
	// ProcessDonation takes a newly created donation through payment
	// processing.
	ProcessDonation(ctx context.Context, data map[string]interface{}) error

	// HandleStatusUpdate applies a donation status transition.
	HandleStatusUpdate(ctx context.Context, data map[string]interface{}) error

	// HandleRefundRequest starts the refund flow for a donation.
	HandleRefundRequest(ctx context.Context, data map[string]interface{}) error

	// HandleBlockchainConfirmation confirms a crypto donation once its
	// transaction reached enough confirmations.
	HandleBlockchainConfirmation(ctx context.Context, data map[string]interface{}) error
}

// DonationConsumers wires the donation service's queues to its handlers.
type DonationConsumers struct {
	consumer *Consumer
	handlers DonationHandlers
	lg       *zap.Logger

	initOnce sync.Once
	initErr  error
}

// NewDonationConsumers builds the donation-service subscription set.
func NewDonationConsumers(consumer *Consumer, handlers DonationHandlers, lg *zap.Logger) *DonationConsumers {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &DonationConsumers{consumer: consumer, handlers: handlers, lg: lg}
}

// Initialize subscribes every donation-service queue. Idempotent - repeated
// calls return the first outcome without re-subscribing.
func (dc *DonationConsumers) Initialize() error {

	dc.initOnce.Do(func() {
		dc.initErr = dc.subscribeAll()
	})

	return dc.initErr
}

func (dc *DonationConsumers) subscribeAll() error {

	if _, err := dc.consumer.Subscribe(DonationNewQueue, adapt(dc.handlers.ProcessDonation)); err != nil {
		return err
	}

	if _, err := dc.consumer.Subscribe(DonationStatusQueue, adapt(dc.handlers.HandleStatusUpdate)); err != nil {
		return err
	}

	if _, err := dc.consumer.Subscribe(DonationRefundQueue, adapt(dc.handlers.HandleRefundRequest)); err != nil {
		return err
	}

	// Confirmations fan out to every interested service; this consumer only
	// acts on the ones tied to a donation.
	_, err := dc.consumer.Subscribe(BlockchainConfirmationsQueue,
		adapt(dc.handlers.HandleBlockchainConfirmation),
		SubscribeOptions{Filter: donationConfirmationFilter})

	return err
}

// donationConfirmationFilter accepts confirmations the donation service owns:
// either published by it or referencing a donation id.
func donationConfirmationFilter(envelope *Envelope) bool {

	if envelope.Source == DonationService {
		return true
	}

	_, ok := envelope.Data["donationId"]
	return ok
}

// CampaignHandlers is the domain surface the campaign service exposes to its
// subscriptions.
type CampaignHandlers interface {
	// RecordPendingDonation registers a created-but-unprocessed donation
	// against its campaign's pending funding.
	RecordPendingDonation(ctx context.Context, data map[string]interface{}) error

	// ApplyProcessedDonation moves a completed donation from pending into the
	// campaign's raised amount.
	ApplyProcessedDonation(ctx context.Context, data map[string]interface{}) error

	// ActivateCampaign transitions an approved campaign to active.
	ActivateCampaign(ctx context.Context, data map[string]interface{}) error

	// RejectCampaign transitions a rejected campaign out of review.
	RejectCampaign(ctx context.Context, data map[string]interface{}) error
}

// CampaignConsumers wires the campaign service's queues to its handlers.
type CampaignConsumers struct {
	consumer *Consumer
	handlers CampaignHandlers
	lg       *zap.Logger

	initOnce sync.Once
	initErr  error
}

// NewCampaignConsumers builds the campaign-service subscription set.
func NewCampaignConsumers(consumer *Consumer, handlers CampaignHandlers, lg *zap.Logger) *CampaignConsumers {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &CampaignConsumers{consumer: consumer, handlers: handlers, lg: lg}
}

// Initialize subscribes every campaign-service queue. Idempotent.
func (cc *CampaignConsumers) Initialize() error {

	cc.initOnce.Do(func() {
		cc.initErr = cc.subscribeAll()
	})

	return cc.initErr
}

func (cc *CampaignConsumers) subscribeAll() error {

	if _, err := cc.consumer.Subscribe(CampaignDonationCreatedQueue, adapt(cc.handlers.RecordPendingDonation)); err != nil {
		return err
	}

	if _, err := cc.consumer.Subscribe(CampaignDonationProcessedQueue, adapt(cc.handlers.ApplyProcessedDonation)); err != nil {
		return err
	}

	if _, err := cc.consumer.Subscribe(CampaignVerificationApprovedQueue, adapt(cc.handlers.ActivateCampaign)); err != nil {
		return err
	}

	_, err := cc.consumer.Subscribe(CampaignVerificationRejectedQueue, adapt(cc.handlers.RejectCampaign))
	return err
}

// VerificationHandlers is the domain surface the verification service exposes
// to its subscriptions.
type VerificationHandlers interface {
	// CreateVerificationRequest persists an incoming request and returns its
	// id.
	CreateVerificationRequest(ctx context.Context, data map[string]interface{}) (string, error)

	// RunAutomaticChecks evaluates the request against the automatic
	// verification rules and reports whether they all passed.
	RunAutomaticChecks(ctx context.Context, data map[string]interface{}) (bool, error)

	// ApproveVerification approves the request on behalf of reviewer.
	ApproveVerification(ctx context.Context, requestID, reviewer, notes string) error
}

// VerificationConsumers wires the verification service's queue to its
// handlers, including the automatic approval path: requests that pass the
// automatic checks are approved immediately with the system reviewer identity.
type VerificationConsumers struct {
	consumer *Consumer
	handlers VerificationHandlers
	lg       *zap.Logger

	initOnce sync.Once
	initErr  error
}

// NewVerificationConsumers builds the verification-service subscription set.
func NewVerificationConsumers(consumer *Consumer, handlers VerificationHandlers, lg *zap.Logger) *VerificationConsumers {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &VerificationConsumers{consumer: consumer, handlers: handlers, lg: lg}
}

// Initialize subscribes the verification request queue. Idempotent.
func (vc *VerificationConsumers) Initialize() error {

	vc.initOnce.Do(func() {
		_, vc.initErr = vc.consumer.Subscribe(VerificationRequestsQueue, vc.handleRequest)
	})

	return vc.initErr
}

func (vc *VerificationConsumers) handleRequest(ctx context.Context, data map[string]interface{}, envelope *Envelope) error {

	requestID, err := vc.handlers.CreateVerificationRequest(ctx, data)
	if err != nil {
		return err
	}

	passed, err := vc.handlers.RunAutomaticChecks(ctx, data)
	if err != nil {
		return err
	}
	if !passed {
		// Left pending for a human reviewer.
		vc.lg.Info("verification held for manual review",
			zap.String("requestId", requestID),
			zap.String("messageId", envelope.ID))
		return nil
	}

	return vc.handlers.ApproveVerification(ctx, requestID, AutoApprovalReviewer, AutoApprovalNotes)
}

// NotificationHandlers is the domain surface the notification service exposes
// to its subscriptions.
type NotificationHandlers interface {
	// SendEmail delivers one email notification request.
	SendEmail(ctx context.Context, data map[string]interface{}) error

	// SendSMS delivers one SMS notification request.
	SendSMS(ctx context.Context, data map[string]interface{}) error

	// HandleCampaignEvent reacts to any campaign lifecycle event, typically by
	// notifying the campaign's subscribers.
	HandleCampaignEvent(ctx context.Context, eventType string, data map[string]interface{}) error
}

// NotificationConsumers wires the notification service's queues to its
// handlers.
type NotificationConsumers struct {
	consumer *Consumer
	handlers NotificationHandlers
	lg       *zap.Logger

	initOnce sync.Once
	initErr  error
}

// NewNotificationConsumers builds the notification-service subscription set.
func NewNotificationConsumers(consumer *Consumer, handlers NotificationHandlers, lg *zap.Logger) *NotificationConsumers {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &NotificationConsumers{consumer: consumer, handlers: handlers, lg: lg}
}

// Initialize subscribes every notification-service queue. Idempotent.
func (nc *NotificationConsumers) Initialize() error {

	nc.initOnce.Do(func() {
		nc.initErr = nc.subscribeAll()
	})

	return nc.initErr
}

func (nc *NotificationConsumers) subscribeAll() error {

	if _, err := nc.consumer.Subscribe(NotificationEmailQueue, adapt(nc.handlers.SendEmail)); err != nil {
		return err
	}

	if _, err := nc.consumer.Subscribe(NotificationSMSQueue, adapt(nc.handlers.SendSMS)); err != nil {
		return err
	}

	_, err := nc.consumer.Subscribe(NotificationCampaignEventsQueue,
		func(ctx context.Context, data map[string]interface{}, envelope *Envelope) error {
			return nc.handlers.HandleCampaignEvent(ctx, envelope.EventType, data)
		})

	return err
}

// adapt lifts a data-only handler into a MessageHandler.
func adapt(fn func(ctx context.Context, data map[string]interface{}) error) MessageHandler {
	return func(ctx context.Context, data map[string]interface{}, _ *Envelope) error {
		return fn(ctx, data)
	}
}
