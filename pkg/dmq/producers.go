package dmq

import "go.uber.org/zap"

// Service identities stamped into the envelope Source field.
const (
	DonationService     = "donation-service"
	CampaignService     = "campaign-service"
	VerificationService = "verification-service"
	NotificationService = "notification-service"
	AuthService         = "auth-service"
	BlockchainService   = "blockchain-service"
)

// Auth event types published as auth.<eventType>.
const (
	AuthLoginEvent    = "login"
	AuthRegisterEvent = "register"
	AuthLogoutEvent   = "logout"
)

// DonationProducer publishes donation lifecycle events.
type DonationProducer struct {
	*Producer
}

// NewDonationProducer builds the donation-service producer.
func NewDonationProducer(manager *ConnectionManager, codec *BodyCodec, lg *zap.Logger) *DonationProducer {
	return &DonationProducer{Producer: NewProducer(manager, codec, DonationService, lg)}
}

// PublishDonationCreated announces a new donation. The envelope id prefers the
// donation's transactionId so double-submits deduplicate downstream.
func (p *DonationProducer) PublishDonationCreated(donation map[string]interface{}, opts ...PublishOptions) (string, error) {
	return p.PublishEvent(DonationExchange, DonationCreatedKey, DonationCreatedKey, donation, opts...)
}

// PublishDonationProcessed announces a donation status change.
func (p *DonationProducer) PublishDonationProcessed(donation map[string]interface{}, opts ...PublishOptions) (string, error) {
	return p.PublishEvent(DonationExchange, DonationProcessedKey, DonationProcessedKey, donation, opts...)
}

// PublishRefundRequested announces a refund request.
func (p *DonationProducer) PublishRefundRequested(refund map[string]interface{}, opts ...PublishOptions) (string, error) {
	return p.PublishEvent(DonationExchange, DonationRefundKey, DonationRefundKey, refund, opts...)
}

// CampaignProducer publishes campaign lifecycle events.
type CampaignProducer struct {
	*Producer
}

// NewCampaignProducer builds the campaign-service producer.
func NewCampaignProducer(manager *ConnectionManager, codec *BodyCodec, lg *zap.Logger) *CampaignProducer {
	return &CampaignProducer{Producer: NewProducer(manager, codec, CampaignService, lg)}
}

func (p *CampaignProducer) PublishCampaignCreated(campaign map[string]interface{}, opts ...PublishOptions) (string, error) {
	return p.PublishEvent(CampaignExchange, CampaignCreatedKey, CampaignCreatedKey, campaign, opts...)
}

func (p *CampaignProducer) PublishCampaignUpdated(campaign map[string]interface{}, opts ...PublishOptions) (string, error) {
	return p.PublishEvent(CampaignExchange, CampaignUpdatedKey, CampaignUpdatedKey, campaign, opts...)
}

func (p *CampaignProducer) PublishCampaignClosed(campaign map[string]interface{}, opts ...PublishOptions) (string, error) {
	return p.PublishEvent(CampaignExchange, CampaignClosedKey, CampaignClosedKey, campaign, opts...)
}

// PublishGoalReached announces that a campaign's funding goal was met.
func (p *CampaignProducer) PublishGoalReached(campaign map[string]interface{}, opts ...PublishOptions) (string, error) {
	return p.PublishEvent(CampaignExchange, CampaignGoalReachedKey, CampaignGoalReachedKey, campaign, opts...)
}

// VerificationProducer publishes campaign verification events.
type VerificationProducer struct {
	*Producer
}

// NewVerificationProducer builds the verification-service producer.
func NewVerificationProducer(manager *ConnectionManager, codec *BodyCodec, lg *zap.Logger) *VerificationProducer {
	return &VerificationProducer{Producer: NewProducer(manager, codec, VerificationService, lg)}
}

func (p *VerificationProducer) PublishVerificationRequested(request map[string]interface{}, opts ...PublishOptions) (string, error) {
	return p.PublishEvent(VerificationExchange, VerificationRequestedKey, VerificationRequestedKey, request, opts...)
}

func (p *VerificationProducer) PublishVerificationCompleted(result map[string]interface{}, opts ...PublishOptions) (string, error) {
	return p.PublishEvent(VerificationExchange, VerificationCompletedKey, VerificationCompletedKey, result, opts...)
}

func (p *VerificationProducer) PublishVerificationApproved(result map[string]interface{}, opts ...PublishOptions) (string, error) {
	return p.PublishEvent(VerificationExchange, VerificationApprovedKey, VerificationApprovedKey, result, opts...)
}

func (p *VerificationProducer) PublishVerificationRejected(result map[string]interface{}, opts ...PublishOptions) (string, error) {
	return p.PublishEvent(VerificationExchange, VerificationRejectedKey, VerificationRejectedKey, result, opts...)
}

// NotificationProducer publishes outbound notification requests.
type NotificationProducer struct {
	*Producer
}

// NewNotificationProducer builds the notification-service producer.
func NewNotificationProducer(manager *ConnectionManager, codec *BodyCodec, lg *zap.Logger) *NotificationProducer {
	return &NotificationProducer{Producer: NewProducer(manager, codec, NotificationService, lg)}
}

func (p *NotificationProducer) PublishEmailNotification(notification map[string]interface{}, opts ...PublishOptions) (string, error) {
	return p.PublishEvent(NotificationExchange, NotificationEmailKey, NotificationEmailKey, notification, opts...)
}

func (p *NotificationProducer) PublishSMSNotification(notification map[string]interface{}, opts ...PublishOptions) (string, error) {
	return p.PublishEvent(NotificationExchange, NotificationSMSKey, NotificationSMSKey, notification, opts...)
}

// AuthProducer publishes authentication events (login, register, logout).
type AuthProducer struct {
	*Producer
}

// NewAuthProducer builds the auth-service producer.
func NewAuthProducer(manager *ConnectionManager, codec *BodyCodec, lg *zap.Logger) *AuthProducer {
	return &AuthProducer{Producer: NewProducer(manager, codec, AuthService, lg)}
}

// PublishAuthEvent routes as auth.<eventType>.
func (p *AuthProducer) PublishAuthEvent(eventType string, data map[string]interface{}, opts ...PublishOptions) (string, error) {
	routingKey := "auth." + eventType
	return p.PublishEvent(AuthExchange, routingKey, routingKey, data, opts...)
}

// BlockchainProducer publishes on-chain transaction events.
type BlockchainProducer struct {
	*Producer
}

// NewBlockchainProducer builds a blockchain event producer for the owning
// service (the donation service publishes confirmations it observes).
func NewBlockchainProducer(manager *ConnectionManager, codec *BodyCodec, serviceName string, lg *zap.Logger) *BlockchainProducer {
	return &BlockchainProducer{Producer: NewProducer(manager, codec, serviceName, lg)}
}

func (p *BlockchainProducer) PublishTransaction(transaction map[string]interface{}, opts ...PublishOptions) (string, error) {
	return p.PublishEvent(BlockchainExchange, BlockchainTransactionKey, BlockchainTransactionKey, transaction, opts...)
}

func (p *BlockchainProducer) PublishConfirmation(confirmation map[string]interface{}, opts ...PublishOptions) (string, error) {
	return p.PublishEvent(BlockchainExchange, BlockchainConfirmationKey, BlockchainConfirmationKey, confirmation, opts...)
}

// HeartbeatProducer publishes service liveness beats as heartbeat.<serviceName>.
type HeartbeatProducer struct {
	*Producer
}

// NewHeartbeatProducer builds a heartbeat producer for serviceName.
func NewHeartbeatProducer(manager *ConnectionManager, serviceName string, lg *zap.Logger) *HeartbeatProducer {
	return &HeartbeatProducer{Producer: NewProducer(manager, nil, serviceName, lg)}
}

// PublishHeartbeat emits one liveness beat.
func (p *HeartbeatProducer) PublishHeartbeat(opts ...PublishOptions) (string, error) {
	routingKey := "heartbeat." + p.serviceName
	data := map[string]interface{}{"service": p.serviceName}
	return p.PublishEvent(HeartbeatExchange, routingKey, routingKey, data, opts...)
}
